package generation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/BaSui01/meshforge/generation/imaging"
	"github.com/BaSui01/meshforge/generation/ledger"
	"github.com/BaSui01/meshforge/generation/views"
	"github.com/BaSui01/meshforge/internal/telemetry"
	"github.com/BaSui01/meshforge/llm/image"
	"github.com/BaSui01/meshforge/llm/threed"
	"github.com/BaSui01/meshforge/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// errStale marks a continuation whose generation is no longer current.
var errStale = errors.New("generation superseded")

// Orchestrator runs the two-stage pipeline for one session and owns its state.
// At most one generation is active; every continuation checks its captured
// generation id against the ledger before mutating anything.
type Orchestrator struct {
	sessionID string
	deps      Deps
	opts      Options
	ledger    *ledger.Ledger
	logger    *zap.Logger

	mu           sync.Mutex
	busy         bool
	startedAt    time.Time
	cancelHandle string
	images       []views.Image
	meshURL      string
	errMsg       string
	errCode      types.ErrorCode
	totalTime    string
	refs         []image.Reference
	runCancel    context.CancelFunc
	idle         chan struct{}
	cancelledGen uint64
	closed       bool

	runs sync.WaitGroup

	subMu      sync.Mutex
	subs       map[int]chan struct{}
	subsClosed bool
	nextID     int
}

// New creates an orchestrator for sessionID.
func New(sessionID string, deps Deps, opts Options, logger *zap.Logger) *Orchestrator {
	opts = opts.withDefaults()
	if deps.Publisher == nil {
		deps.Publisher = InlinePublisher{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		sessionID: sessionID,
		deps:      deps,
		opts:      opts,
		ledger:    ledger.New(ledger.WithClock(opts.Clock), ledger.WithTickInterval(opts.TickInterval)),
		logger:    logger.With(zap.String("component", "orchestrator"), zap.String("session_id", sessionID)),
		subs:      make(map[int]chan struct{}),
	}
}

// SessionID returns the owning session id
func (o *Orchestrator) SessionID() string { return o.sessionID }

// =============================================================================
// 🎯 Start / Rerun / Cancel
// =============================================================================

// Start begins a generation from refs. It does nothing and returns false when
// refs is empty or a generation is already running.
func (o *Orchestrator) Start(ctx context.Context, refs []image.Reference) (uint64, bool) {
	if len(refs) == 0 {
		return 0, false
	}
	o.mu.Lock()
	if o.busy || o.closed {
		o.mu.Unlock()
		return 0, false
	}
	id := o.startLocked(ctx, slices.Clone(refs))
	o.mu.Unlock()

	o.notify()
	return id, true
}

// Rerun abandons any in-flight generation and restarts both stages with the
// last reference set. It returns false when nothing has been started yet.
func (o *Orchestrator) Rerun(ctx context.Context) (uint64, bool) {
	o.mu.Lock()
	if len(o.refs) == 0 || o.closed {
		o.mu.Unlock()
		return 0, false
	}
	handle := o.cancelHandle
	o.cancelHandle = ""
	o.stopRunLocked()
	id := o.startLocked(ctx, o.refs)
	o.mu.Unlock()

	o.cancelRemote(handle)
	o.notify()
	return id, true
}

// Cancel invalidates the current generation, cancels the remote job on a
// best-effort basis and restores the initial empty state.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	o.cancelLocked()
	handle := o.cancelHandle
	o.cancelHandle = ""
	o.mu.Unlock()

	o.cancelRemote(handle)
	o.notify()
}

// Close cancels the session and waits for background work to finish.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.cancelLocked()
	handle := o.cancelHandle
	o.cancelHandle = ""
	o.mu.Unlock()

	o.cancelRemote(handle)
	o.runs.Wait()

	o.subMu.Lock()
	o.subsClosed = true
	for id, ch := range o.subs {
		close(ch)
		delete(o.subs, id)
	}
	o.subMu.Unlock()
}

func (o *Orchestrator) cancelLocked() {
	o.cancelledGen = o.ledger.Current()
	o.ledger.Begin()
	o.stopRunLocked()
	o.ledger.Clear()
	o.images = nil
	o.meshURL = ""
	o.errMsg = ""
	o.errCode = ""
	o.totalTime = ""
	o.startedAt = time.Time{}
	o.refs = nil
	o.setIdleLocked()
}

func (o *Orchestrator) stopRunLocked() {
	if o.runCancel != nil {
		o.runCancel()
		o.runCancel = nil
	}
}

func (o *Orchestrator) setIdleLocked() {
	o.busy = false
	if o.idle != nil {
		close(o.idle)
		o.idle = nil
	}
}

// startLocked resets transient state and launches the pipeline goroutine.
func (o *Orchestrator) startLocked(ctx context.Context, refs []image.Reference) uint64 {
	id := o.ledger.Begin()
	o.ledger.Reset(StepViews, StepModel)
	o.images = nil
	o.meshURL = ""
	o.errMsg = ""
	o.errCode = ""
	o.totalTime = ""
	o.refs = refs
	o.startedAt = o.opts.Clock()
	o.busy = true
	if o.idle == nil {
		o.idle = make(chan struct{})
	}

	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.runCancel = cancel

	o.runs.Add(1)
	go o.run(runCtx, id, refs, o.startedAt)

	o.logger.Info("generation started", zap.Uint64("generation", id), zap.Int("references", len(refs)))
	return id
}

// cancelRemote issues a detached best-effort cancel for a reconstruction job.
func (o *Orchestrator) cancelRemote(handle string) {
	if handle == "" {
		return
	}
	o.runs.Add(1)
	go func() {
		defer o.runs.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.opts.CancelTimeout)
		defer cancel()

		err := o.deps.Reconstructor.Cancel(ctx, handle)
		o.deps.Metrics.RecordCancellation(err == nil)
		if err != nil {
			o.logger.Warn("reconstruction cancel failed",
				zap.String("code", string(types.ErrCancellationFailed)),
				zap.String("cancel_url", handle),
				zap.Error(err))
		}
	}()
}

// =============================================================================
// 🔄 Pipeline
// =============================================================================

func (o *Orchestrator) run(ctx context.Context, id uint64, refs []image.Reference, startedAt time.Time) {
	defer o.runs.Done()

	ctx, span := telemetry.Tracer().Start(ctx, "generation.run", trace.WithAttributes(
		attribute.String("session.id", o.sessionID),
		attribute.Int64("generation.id", int64(id)),
		attribute.Int("generation.references", len(refs)),
	))
	defer span.End()

	viewCount, mesh, err := o.runStages(ctx, id, refs)
	outcome := o.finish(id, err)

	span.SetAttributes(attribute.String("generation.outcome", outcome))
	if outcome == OutcomeFailed {
		span.RecordError(err)
		span.SetStatus(codes.Error, types.MessageOf(err))
	}

	finishedAt := o.opts.Clock()
	elapsed := finishedAt.Sub(startedAt)
	o.deps.Metrics.RecordRun(outcome, elapsed)

	if o.deps.Recorder != nil {
		if outcome != OutcomeCompleted {
			mesh = ""
		}
		summary := RunSummary{
			SessionID:  o.sessionID,
			Generation: id,
			Outcome:    outcome,
			MeshURL:    mesh,
			ViewCount:  viewCount,
			Elapsed:    elapsed,
			StartedAt:  startedAt,
			FinishedAt: finishedAt,
		}
		if outcome == OutcomeFailed {
			summary.Error = types.MessageOf(err)
			summary.ErrorCode = types.GetErrorCode(err)
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.RecordTimeout)
		if rerr := o.deps.Recorder.RunFinished(rctx, summary); rerr != nil {
			o.logger.Warn("failed to record run", zap.Uint64("generation", id), zap.Error(rerr))
		}
		cancel()
	}
}

// runStages returns the number of synthesized views, the mesh URL and the
// first error.
func (o *Orchestrator) runStages(ctx context.Context, id uint64, refs []image.Reference) (int, string, error) {
	// ---- stage 1: view synthesis ----
	if !o.setStep(id, stepViewsIndex, ledger.StatusLoading) {
		return 0, "", errStale
	}
	stageStart := time.Now()
	sctx, span := telemetry.Tracer().Start(ctx, "generation.views")
	set, err := o.deps.Synthesizer.Synthesize(sctx, refs)
	endSpan(span, err)
	if !o.ledger.IsCurrent(id) {
		return 0, "", errStale
	}
	if err != nil {
		o.deps.Metrics.RecordStage("views", string(ledger.StatusError), time.Since(stageStart))
		return 0, "", err
	}
	if !o.mutate(id, func() { o.images = set.Ordered() }) {
		return 0, "", errStale
	}
	o.deps.Metrics.RecordStage("views", string(ledger.StatusDone), time.Since(stageStart))
	if !o.setStep(id, stepViewsIndex, ledger.StatusDone) {
		return 0, "", errStale
	}

	// ---- stage 2: normalize, publish, reconstruct ----
	if !o.setStep(id, stepModelIndex, ledger.StatusLoading) {
		return len(set), "", errStale
	}
	stageStart = time.Now()
	mctx, span := telemetry.Tracer().Start(ctx, "generation.model")
	mesh, err := o.buildModel(mctx, id, set)
	endSpan(span, err)
	if errors.Is(err, errStale) || !o.ledger.IsCurrent(id) {
		return len(set), "", errStale
	}
	if err != nil {
		o.deps.Metrics.RecordStage("model", string(ledger.StatusError), time.Since(stageStart))
		return len(set), "", err
	}

	ok := o.mutate(id, func() {
		o.meshURL = mesh
		o.totalTime = ledger.FormatSeconds(o.opts.Clock().Sub(o.startedAt))
		o.startedAt = time.Time{}
		_ = o.ledger.SetStep(stepModelIndex, ledger.StatusDone)
	})
	if !ok {
		return len(set), "", errStale
	}
	o.deps.Metrics.RecordStage("model", string(ledger.StatusDone), time.Since(stageStart))
	return len(set), mesh, nil
}

func (o *Orchestrator) buildModel(ctx context.Context, id uint64, set views.Set) (string, error) {
	normalized, err := imaging.NormalizeSet(ctx, set, o.opts.imaging())
	if !o.ledger.IsCurrent(id) {
		return "", errStale
	}
	if err != nil {
		return "", err
	}

	urls, err := o.deps.Publisher.Publish(ctx, o.sessionID, id, normalized)
	if !o.ledger.IsCurrent(id) {
		return "", errStale
	}
	if err != nil {
		return "", err
	}

	job, err := o.deps.Reconstructor.Submit(ctx, urls[views.Front], urls[views.Back], urls[views.Left])
	if err != nil {
		if !o.ledger.IsCurrent(id) {
			return "", errStale
		}
		return "", err
	}
	if !o.mutate(id, func() { o.cancelHandle = job.CancelURL }) {
		// 提交完成时已过期：远端任务无人认领，直接取消
		o.cancelRemote(job.CancelURL)
		return "", errStale
	}
	o.notify()

	current := func() bool { return o.ledger.IsCurrent(id) }
	if err := o.deps.Reconstructor.Poll(ctx, job, current); err != nil {
		if errors.Is(err, threed.ErrSuperseded) || !current() {
			return "", errStale
		}
		return "", err
	}

	mesh, err := o.deps.Reconstructor.Fetch(ctx, job)
	if !current() {
		return "", errStale
	}
	return mesh, err
}

// finish applies failure state and the finalizer, returning the outcome.
func (o *Orchestrator) finish(id uint64, err error) string {
	o.mu.Lock()
	if !o.ledger.IsCurrent(id) {
		outcome := OutcomeSuperseded
		if id == o.cancelledGen {
			outcome = OutcomeCancelled
		}
		o.mu.Unlock()
		o.logger.Debug("stale generation finished", zap.Uint64("generation", id), zap.String("outcome", outcome))
		return outcome
	}

	outcome := OutcomeCompleted
	if err != nil {
		outcome = OutcomeFailed
		o.errMsg = types.MessageOf(err)
		o.errCode = types.GetErrorCode(err)
		for _, idx := range o.ledger.LoadingIndexes() {
			_ = o.ledger.SetStep(idx, ledger.StatusError)
		}
		o.startedAt = time.Time{}
	}
	// finalizer
	o.cancelHandle = ""
	o.stopRunLocked()
	o.setIdleLocked()
	o.mu.Unlock()

	if err != nil {
		o.logger.Warn("generation failed",
			zap.Uint64("generation", id),
			zap.String("code", string(types.GetErrorCode(err))),
			zap.Error(err))
	} else {
		o.logger.Info("generation completed", zap.Uint64("generation", id))
	}
	o.notify()
	return outcome
}

// mutate runs fn under the state lock only if id is still current.
func (o *Orchestrator) mutate(id uint64, fn func()) bool {
	o.mu.Lock()
	if !o.ledger.IsCurrent(id) {
		o.mu.Unlock()
		return false
	}
	fn()
	o.mu.Unlock()
	o.notify()
	return true
}

func (o *Orchestrator) setStep(id uint64, index int, status ledger.Status) bool {
	return o.mutate(id, func() {
		if err := o.ledger.SetStep(index, status); err != nil {
			o.logger.Error("invalid step transition", zap.Int("index", index), zap.Error(err))
		}
	})
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, errStale) && !errors.Is(err, threed.ErrSuperseded) {
		span.RecordError(err)
		span.SetStatus(codes.Error, types.MessageOf(err))
	}
	span.End()
}

// =============================================================================
// 📡 Queries & subscriptions
// =============================================================================

// Snapshot returns the current consumer-facing state.
func (o *Orchestrator) Snapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := State{
		SessionID:  o.sessionID,
		Generation: o.ledger.Current(),
		Steps:      o.ledger.Steps(),
		Images:     slices.Clone(o.images),
		MeshURL:    o.meshURL,
		Error:      o.errMsg,
		ErrorCode:  o.errCode,
		Busy:       o.busy,
		TotalTime:  o.totalTime,
	}
	if !o.startedAt.IsZero() {
		t := o.startedAt
		s.StartedAt = &t
	}
	return s
}

// Closed reports whether Close has been called; a closed orchestrator
// ignores Start and Rerun.
func (o *Orchestrator) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Busy reports whether a generation is in flight
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy
}

// CancelHandle returns the cancel URL of the outstanding reconstruction job
func (o *Orchestrator) CancelHandle() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelHandle
}

// Wait blocks until no generation is running or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	for {
		o.mu.Lock()
		if !o.busy {
			o.mu.Unlock()
			return nil
		}
		idle := o.idle
		o.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return fmt.Errorf("wait for generation: %w", ctx.Err())
		}
	}
}

// Subscribe pushes a State on every change, including step timer ticks.
// The first value is the current state. Slow readers only see the latest.
func (o *Orchestrator) Subscribe() (<-chan State, func()) {
	signal := make(chan struct{}, 1)
	signal <- struct{}{}

	o.subMu.Lock()
	closed := o.subsClosed
	id := o.nextID
	o.nextID++
	if !closed {
		o.subs[id] = signal
	}
	o.subMu.Unlock()

	out := make(chan State, 1)
	if closed {
		out <- o.Snapshot()
		close(out)
		return out, func() {}
	}

	ticks, unsubLedger := o.ledger.Subscribe()
	done := make(chan struct{})
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			close(done)
			unsubLedger()
			o.subMu.Lock()
			delete(o.subs, id)
			o.subMu.Unlock()
		})
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case _, ok := <-signal:
				if !ok {
					unsubLedger()
					return
				}
			case <-ticks:
			}
			st := o.Snapshot()
			// 丢弃未读的旧状态，只保留最新
			select {
			case <-out:
			default:
			}
			select {
			case out <- st:
			case <-done:
				return
			}
		}
	}()
	return out, unsubscribe
}

func (o *Orchestrator) notify() {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
