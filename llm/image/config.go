package image

import (
	"time"

	"github.com/BaSui01/meshforge/config"
)

// GeminiConfig 配置 Gemini 图像生成提供者
type GeminiConfig struct {
	APIKey  string        `json:"api_key" yaml:"api_key"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Model   string        `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// DefaultGeminiConfig 返回默认 Gemini 图像配置
func DefaultGeminiConfig() GeminiConfig {
	return GeminiConfig{
		BaseURL: "https://generativelanguage.googleapis.com/v1beta",
		Model:   "gemini-2.5-flash-image",
		Timeout: 120 * time.Second,
	}
}

// GeminiConfigFrom 由应用配置构造，空字段使用默认值
func GeminiConfigFrom(gc config.GeminiConfig) GeminiConfig {
	cfg := DefaultGeminiConfig()
	cfg.APIKey = gc.APIKey
	if gc.BaseURL != "" {
		cfg.BaseURL = gc.BaseURL
	}
	if gc.Model != "" {
		cfg.Model = gc.Model
	}
	if gc.Timeout > 0 {
		cfg.Timeout = gc.Timeout
	}
	return cfg
}
