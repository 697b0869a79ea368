package generation

import (
	"time"

	"github.com/BaSui01/meshforge/config"
	"github.com/BaSui01/meshforge/generation/imaging"
	"github.com/BaSui01/meshforge/generation/ledger"
)

// Options tunes a single orchestrator.
type Options struct {
	MaxDimension  int
	JPEGQuality   int
	TickInterval  time.Duration
	CancelTimeout time.Duration
	RecordTimeout time.Duration
	Clock         func() time.Time
}

// DefaultOptions returns the stock pipeline settings
func DefaultOptions() Options {
	return Options{
		MaxDimension:  imaging.DefaultMaxDimension,
		JPEGQuality:   imaging.DefaultQuality,
		TickInterval:  ledger.DefaultTickInterval,
		CancelTimeout: 30 * time.Second,
		RecordTimeout: 5 * time.Second,
		Clock:         time.Now,
	}
}

// OptionsFrom builds Options from the pipeline config section
func OptionsFrom(pc config.PipelineConfig) Options {
	o := DefaultOptions()
	if pc.MaxDimension > 0 {
		o.MaxDimension = pc.MaxDimension
	}
	if pc.JPEGQuality > 0 {
		o.JPEGQuality = pc.JPEGQuality
	}
	if pc.StepTickInterval > 0 {
		o.TickInterval = pc.StepTickInterval
	}
	return o
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxDimension <= 0 {
		o.MaxDimension = d.MaxDimension
	}
	if o.JPEGQuality <= 0 {
		o.JPEGQuality = d.JPEGQuality
	}
	if o.TickInterval <= 0 {
		o.TickInterval = d.TickInterval
	}
	if o.CancelTimeout <= 0 {
		o.CancelTimeout = d.CancelTimeout
	}
	if o.RecordTimeout <= 0 {
		o.RecordTimeout = d.RecordTimeout
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	return o
}

func (o Options) imaging() imaging.Options {
	return imaging.Options{MaxDimension: o.MaxDimension, Quality: o.JPEGQuality}
}
