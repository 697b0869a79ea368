// =============================================================================
// 📦 MeshForge 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:         DefaultServerConfig(),
		Gemini:         DefaultGeminiConfig(),
		Reconstruction: DefaultReconstructionConfig(),
		Pipeline:       DefaultPipelineConfig(),
		Storage:        DefaultStorageConfig(),
		Redis:          DefaultRedisConfig(),
		Database:       DefaultDatabaseConfig(),
		Log:            DefaultLogConfig(),
		Telemetry:      DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    20,
		RateLimitBurst:  40,
	}
}

// DefaultGeminiConfig 返回默认 Gemini 配置
func DefaultGeminiConfig() GeminiConfig {
	return GeminiConfig{
		BaseURL: "https://generativelanguage.googleapis.com/v1beta",
		Model:   "gemini-2.5-flash-image",
		Timeout: 120 * time.Second,
	}
}

// DefaultReconstructionConfig 返回默认重建队列配置
func DefaultReconstructionConfig() ReconstructionConfig {
	return ReconstructionConfig{
		Endpoint:        "https://queue.fal.run/fal-ai/hunyuan3d/v2/multi-view",
		PollInterval:    5 * time.Second,
		MaxPollAttempts: 180, // 5s * 180 = 15 分钟
		Deadline:        20 * time.Minute,
		RequestTimeout:  60 * time.Second,
		CancelRetries:   1,
	}
}

// DefaultPipelineConfig 返回默认流水线配置
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MaxDimension:      1024,
		JPEGQuality:       90,
		StepTickInterval:  100 * time.Millisecond,
		MaxSessions:       256,
		MaxReferenceBytes: 10 << 20, // 10 MB
	}
}

// DefaultStorageConfig 返回默认对象存储配置
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Enabled:       false,
		Endpoint:      "localhost:9000",
		Region:        "us-east-1",
		Bucket:        "meshforge-views",
		PresignExpiry: time.Hour,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		SnapshotTTL:  24 * time.Hour,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "meshforge",
		Password:        "",
		Name:            "meshforge.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		AutoMigrate:     true,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "meshforge",
		SampleRate:   0.1,
	}
}
