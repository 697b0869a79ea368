// Package meshforge provides a top-level convenience entry point for running
// generation sessions in-process.
//
// Usage:
//
//	import "github.com/BaSui01/meshforge"
//
//	p := meshforge.NewPipeline(cfg, meshforge.WithLogger(logger))
//	orch := p.NewSession(uuid.NewString())
//	gen, ok := orch.Start(ctx, refs)
//
// The pipeline owns the remote clients shared by every session. Apply swaps
// the reloadable settings; sessions created earlier keep the ones they were
// built with.
package meshforge

import (
	"sync/atomic"

	"github.com/BaSui01/meshforge/config"
	"github.com/BaSui01/meshforge/generation"
	"github.com/BaSui01/meshforge/generation/views"
	"github.com/BaSui01/meshforge/llm/image"
	"github.com/BaSui01/meshforge/llm/threed"
	"go.uber.org/zap"
)

// PollObserver is implemented by metrics sinks that count queue poll statuses.
type PollObserver interface {
	RecordPoll(status string)
}

type settings struct {
	queue *threed.Client
	opts  generation.Options
}

// Pipeline builds orchestrators that share one synthesizer, publisher and
// recorder.
type Pipeline struct {
	synth     generation.ViewSynthesizer
	publisher generation.Publisher
	recorder  generation.Recorder
	metrics   generation.Metrics
	onPoll    func(status string)
	logger    *zap.Logger

	current atomic.Pointer[settings]
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger handed to every component.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics reports runs and stages to m. If m also implements
// PollObserver, queue poll statuses are reported too.
func WithMetrics(m generation.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
		if po, ok := m.(PollObserver); ok {
			p.onPoll = po.RecordPoll
		}
	}
}

// WithPublisher replaces the inline data URI publisher.
func WithPublisher(pub generation.Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithRecorder stores a summary of every finished generation.
func WithRecorder(r generation.Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithSynthesizer replaces the Gemini-backed view synthesizer.
func WithSynthesizer(s generation.ViewSynthesizer) Option {
	return func(p *Pipeline) { p.synth = s }
}

// NewPipeline wires the Gemini view synthesizer and the reconstruction
// queue client from cfg.
func NewPipeline(cfg *config.Config, opts ...Option) *Pipeline {
	p := &Pipeline{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	if p.synth == nil {
		provider := image.NewGeminiProvider(image.GeminiConfigFrom(cfg.Gemini), p.logger)
		p.synth = views.NewSynthesizer(provider, p.logger)
	}
	p.Apply(cfg)
	return p
}

// Apply rebuilds the queue client and pipeline options from cfg. Only
// sessions created afterwards see the change.
func (p *Pipeline) Apply(cfg *config.Config) {
	qopts := []threed.Option{threed.WithLogger(p.logger)}
	if p.onPoll != nil {
		qopts = append(qopts, threed.WithPollObserver(p.onPoll))
	}
	p.current.Store(&settings{
		queue: threed.NewClient(threed.ConfigFrom(cfg.Reconstruction), qopts...),
		opts:  generation.OptionsFrom(cfg.Pipeline),
	})
}

// Options returns the settings new sessions will use.
func (p *Pipeline) Options() generation.Options {
	return p.current.Load().opts
}

// NewSession creates an orchestrator. It matches generation.Factory.
func (p *Pipeline) NewSession(sessionID string) *generation.Orchestrator {
	cur := p.current.Load()
	return generation.New(sessionID, generation.Deps{
		Synthesizer:   p.synth,
		Reconstructor: cur.queue,
		Publisher:     p.publisher,
		Recorder:      p.recorder,
		Metrics:       p.metrics,
	}, cur.opts, p.logger)
}
