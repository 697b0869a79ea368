package threed

import (
	"time"

	"github.com/BaSui01/meshforge/config"
)

// Config configures the reconstruction queue client.
type Config struct {
	APIKey         string        `json:"api_key" yaml:"api_key"`
	Endpoint       string        `json:"endpoint" yaml:"endpoint"`
	PollInterval   time.Duration `json:"poll_interval" yaml:"poll_interval"`
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts"` // 0 = unbounded
	Deadline       time.Duration `json:"deadline" yaml:"deadline"`         // 0 = unbounded
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	CancelRetries  int           `json:"cancel_retries" yaml:"cancel_retries"`
}

// DefaultConfig returns the default queue client config.
func DefaultConfig() Config {
	return Config{
		Endpoint:       "https://queue.fal.run/fal-ai/hunyuan3d/v2/multi-view",
		PollInterval:   5 * time.Second,
		MaxAttempts:    180,
		Deadline:       20 * time.Minute,
		RequestTimeout: 60 * time.Second,
		CancelRetries:  1,
	}
}

// ConfigFrom maps the application's reconstruction section onto Config.
func ConfigFrom(rc config.ReconstructionConfig) Config {
	cfg := DefaultConfig()
	cfg.APIKey = rc.APIKey
	if rc.Endpoint != "" {
		cfg.Endpoint = rc.Endpoint
	}
	if rc.PollInterval > 0 {
		cfg.PollInterval = rc.PollInterval
	}
	cfg.MaxAttempts = rc.MaxPollAttempts
	cfg.Deadline = rc.Deadline
	if rc.RequestTimeout > 0 {
		cfg.RequestTimeout = rc.RequestTimeout
	}
	if rc.CancelRetries >= 0 {
		cfg.CancelRetries = rc.CancelRetries
	}
	return cfg
}
