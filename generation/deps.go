package generation

import (
	"context"
	"time"

	"github.com/BaSui01/meshforge/generation/imaging"
	"github.com/BaSui01/meshforge/generation/views"
	"github.com/BaSui01/meshforge/llm/image"
	"github.com/BaSui01/meshforge/llm/threed"
)

// ViewSynthesizer produces the front/back/left view set.
type ViewSynthesizer interface {
	Synthesize(ctx context.Context, refs []image.Reference) (views.Set, error)
}

// Reconstructor runs the image-to-3D job queue protocol.
type Reconstructor interface {
	Submit(ctx context.Context, front, back, left string) (*threed.Job, error)
	Poll(ctx context.Context, job *threed.Job, current threed.Guard) error
	Fetch(ctx context.Context, job *threed.Job) (string, error)
	Cancel(ctx context.Context, cancelURL string) error
}

// Publisher turns normalized views into URLs the queue can read.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, generation uint64, imgs map[views.View]imaging.Normalized) (map[views.View]string, error)
}

// Recorder receives one summary per finished generation.
type Recorder interface {
	RunFinished(ctx context.Context, run RunSummary) error
}

// Metrics is the subset of the metrics collector the pipeline reports to.
type Metrics interface {
	RecordRun(outcome string, elapsed time.Duration)
	RecordStage(stage, status string, d time.Duration)
	RecordCancellation(ok bool)
	SetSessionsActive(n int)
}

type nopMetrics struct{}

func (nopMetrics) RecordRun(string, time.Duration)           {}
func (nopMetrics) RecordStage(string, string, time.Duration) {}
func (nopMetrics) RecordCancellation(bool)                   {}
func (nopMetrics) SetSessionsActive(int)                     {}

// Deps bundles the remote clients and sinks shared by all sessions.
type Deps struct {
	Synthesizer   ViewSynthesizer
	Reconstructor Reconstructor
	Publisher     Publisher // nil = InlinePublisher
	Recorder      Recorder  // optional
	Metrics       Metrics   // optional
}
