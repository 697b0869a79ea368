package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/meshforge/generation/ledger"
	"github.com/BaSui01/meshforge/generation/views"
	llmimage "github.com/BaSui01/meshforge/llm/image"
	"github.com/BaSui01/meshforge/llm/threed"
	"github.com/BaSui01/meshforge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// fakes
// =============================================================================

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func pngURI(t testing.TB, w, h int) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.NRGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

// fakeSynth 每次调用返回一套视图；block 非空时第一次调用会阻塞直到被释放
type fakeSynth struct {
	t       testing.TB
	calls   atomic.Int32
	block   chan struct{}
	err     error
	advance func()
}

func (s *fakeSynth) Synthesize(ctx context.Context, refs []llmimage.Reference) (views.Set, error) {
	n := s.calls.Add(1)
	if n == 1 && s.block != nil {
		<-s.block
	}
	if s.advance != nil {
		s.advance()
	}
	if s.err != nil {
		return nil, s.err
	}
	size := 10 + int(n)*10
	set := views.Set{}
	for _, v := range views.All {
		set[v] = views.Image{Label: v.Label(), URL: pngURI(s.t, size, size)}
	}
	return set, nil
}

type fakeQueue struct {
	srv        *httptest.Server
	mu         sync.Mutex
	statuses   []string
	logs       []threed.LogEntry
	result     string
	submitCode int
	submitBody string
	cancelCode int
	onFetch    func()
	polls      atomic.Int32
	submits    atomic.Int32
	cancels    atomic.Int32
	lastSubmit threed.SubmitRequest
}

func newFakeQueue(t *testing.T) *fakeQueue {
	q := &fakeQueue{
		statuses: []string{threed.StatusInQueue, threed.StatusCompleted},
		result:   `{"model_mesh":{"url":"https://cdn.example/mesh.glb"}}`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /submit", func(w http.ResponseWriter, r *http.Request) {
		q.submits.Add(1)
		q.mu.Lock()
		code, body := q.submitCode, q.submitBody
		_ = json.NewDecoder(r.Body).Decode(&q.lastSubmit)
		q.mu.Unlock()
		if code != 0 {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(body))
			return
		}
		_ = json.NewEncoder(w).Encode(threed.Job{
			StatusURL:   q.srv.URL + "/status",
			ResponseURL: q.srv.URL + "/result",
			CancelURL:   q.srv.URL + "/cancel",
		})
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		n := int(q.polls.Add(1)) - 1
		q.mu.Lock()
		if n >= len(q.statuses) {
			n = len(q.statuses) - 1
		}
		resp := threed.StatusResponse{Status: q.statuses[n], Logs: q.logs}
		q.mu.Unlock()
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("GET /result", func(w http.ResponseWriter, r *http.Request) {
		q.mu.Lock()
		onFetch, result := q.onFetch, q.result
		q.mu.Unlock()
		if onFetch != nil {
			onFetch()
		}
		_, _ = w.Write([]byte(result))
	})
	mux.HandleFunc("PUT /cancel", func(w http.ResponseWriter, r *http.Request) {
		q.cancels.Add(1)
		q.mu.Lock()
		code := q.cancelCode
		q.mu.Unlock()
		if code != 0 {
			w.WriteHeader(code)
		}
	})
	q.srv = httptest.NewServer(mux)
	t.Cleanup(q.srv.Close)
	return q
}

func (q *fakeQueue) client() *threed.Client {
	return threed.NewClient(threed.Config{
		APIKey:       "test",
		Endpoint:     q.srv.URL + "/submit",
		PollInterval: 5 * time.Millisecond,
	})
}

type recordedRuns struct {
	mu   sync.Mutex
	runs []RunSummary
}

func (r *recordedRuns) RunFinished(_ context.Context, run RunSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *recordedRuns) all() []RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RunSummary(nil), r.runs...)
}

type countingMetrics struct {
	nopMetrics
	mu       sync.Mutex
	outcomes []string
	cancels  []bool
}

func (m *countingMetrics) RecordRun(outcome string, _ time.Duration) {
	m.mu.Lock()
	m.outcomes = append(m.outcomes, outcome)
	m.mu.Unlock()
}

func (m *countingMetrics) RecordCancellation(ok bool) {
	m.mu.Lock()
	m.cancels = append(m.cancels, ok)
	m.mu.Unlock()
}

type harness struct {
	o       *Orchestrator
	synth   *fakeSynth
	queue   *fakeQueue
	rec     *recordedRuns
	metrics *countingMetrics
	clock   *testClock
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		synth:   &fakeSynth{t: t},
		queue:   newFakeQueue(t),
		rec:     &recordedRuns{},
		metrics: &countingMetrics{},
		clock:   newTestClock(),
	}
	h.o = New("session-1", Deps{
		Synthesizer:   h.synth,
		Reconstructor: h.queue.client(),
		Recorder:      h.rec,
		Metrics:       h.metrics,
	}, Options{Clock: h.clock.Now, TickInterval: 5 * time.Millisecond}, zaptest.NewLogger(t))
	t.Cleanup(h.o.Close)
	return h
}

var testRefs = []llmimage.Reference{{MIMEType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}}

func wait(t *testing.T, o *Orchestrator) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Wait(ctx))
	return o.Snapshot()
}

func stepStatuses(s State) []ledger.Status {
	out := make([]ledger.Status, len(s.Steps))
	for i, st := range s.Steps {
		out[i] = st.Status
	}
	return out
}

// =============================================================================
// tests
// =============================================================================

func TestOrchestrator_SuccessfulRun(t *testing.T) {
	h := newHarness(t)
	h.synth.advance = func() { h.clock.Advance(2 * time.Second) }
	h.queue.onFetch = func() { h.clock.Advance(3500 * time.Millisecond) }

	id, ok := h.o.Start(context.Background(), testRefs)
	require.True(t, ok)
	assert.Equal(t, uint64(1), id)

	s := wait(t, h.o)
	assert.False(t, s.Busy)
	assert.Equal(t, "https://cdn.example/mesh.glb", s.MeshURL)
	assert.Empty(t, s.Error)
	assert.Equal(t, "5.50", s.TotalTime)
	assert.Nil(t, s.StartedAt)
	assert.Equal(t, []ledger.Status{ledger.StatusDone, ledger.StatusDone}, stepStatuses(s))
	assert.Equal(t, StepViews, s.Steps[0].Name)
	assert.Equal(t, StepModel, s.Steps[1].Name)
	assert.Equal(t, "2.00", s.Steps[0].Time)
	require.Len(t, s.Images, 3)
	assert.Equal(t, "Front", s.Images[0].Label)
	assert.Empty(t, h.o.CancelHandle())

	// 提交的是归一化后的 JPEG data URI
	assert.Contains(t, h.queue.lastSubmit.FrontImageURL, "data:image/jpeg;base64,")
	assert.True(t, h.queue.lastSubmit.TexturedMesh)

	require.Eventually(t, func() bool { return len(h.rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	run := h.rec.all()[0]
	assert.Equal(t, OutcomeCompleted, run.Outcome)
	assert.Equal(t, "https://cdn.example/mesh.glb", run.MeshURL)
	assert.Equal(t, 3, run.ViewCount)
	assert.Equal(t, 5500*time.Millisecond, run.Elapsed)
}

func TestOrchestrator_StartWithoutImages(t *testing.T) {
	h := newHarness(t)

	id, ok := h.o.Start(context.Background(), nil)
	assert.False(t, ok)
	assert.Zero(t, id)

	s := h.o.Snapshot()
	assert.False(t, s.Busy)
	assert.Empty(t, s.Steps)
	assert.Zero(t, s.Generation)
	assert.Zero(t, h.synth.calls.Load())
}

func TestOrchestrator_StartWhileBusyIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.synth.block = make(chan struct{})

	_, ok := h.o.Start(context.Background(), testRefs)
	require.True(t, ok)
	assert.True(t, h.o.Busy())

	_, ok = h.o.Start(context.Background(), testRefs)
	assert.False(t, ok)

	close(h.synth.block)
	wait(t, h.o)
	assert.Equal(t, int32(1), h.synth.calls.Load())
}

func TestOrchestrator_SequentialStartsIncrementID(t *testing.T) {
	h := newHarness(t)
	for want := uint64(1); want <= 3; want++ {
		id, ok := h.o.Start(context.Background(), testRefs)
		require.True(t, ok)
		assert.Equal(t, want, id)
		s := wait(t, h.o)
		assert.Equal(t, want, s.Generation)
		assert.NotEmpty(t, s.MeshURL)
	}
}

func TestOrchestrator_StaleContinuationIsDropped(t *testing.T) {
	h := newHarness(t)
	h.synth.block = make(chan struct{})

	first, ok := h.o.Start(context.Background(), testRefs)
	require.True(t, ok)
	require.Eventually(t, func() bool { return h.synth.calls.Load() == 1 }, time.Second, time.Millisecond)

	second, ok := h.o.Rerun(context.Background())
	require.True(t, ok)
	assert.Greater(t, second, first)

	s := wait(t, h.o)
	require.Equal(t, second, s.Generation)
	require.NotEmpty(t, s.MeshURL)
	before := s.Images

	// 释放第一代的合成结果，它必须被丢弃
	close(h.synth.block)
	h.o.runs.Wait()

	after := h.o.Snapshot()
	assert.Equal(t, before, after.Images)
	assert.Equal(t, second, after.Generation)
	assert.Equal(t, []ledger.Status{ledger.StatusDone, ledger.StatusDone}, stepStatuses(after))
	assert.Equal(t, int32(1), h.queue.submits.Load(), "stale generation must not submit")

	outcomes := map[string]int{}
	for _, r := range h.rec.all() {
		outcomes[r.Outcome]++
	}
	assert.Equal(t, map[string]int{OutcomeCompleted: 1, OutcomeSuperseded: 1}, outcomes)
}

func TestOrchestrator_ReconstructionErrorStatus(t *testing.T) {
	h := newHarness(t)
	h.queue.statuses = []string{threed.StatusInProgress, threed.StatusError}
	h.queue.logs = []threed.LogEntry{{Message: "bad geometry"}, {Message: "giving up"}}

	_, ok := h.o.Start(context.Background(), testRefs)
	require.True(t, ok)
	s := wait(t, h.o)

	assert.Equal(t, "bad geometry\ngiving up", s.Error)
	assert.Equal(t, types.ErrReconstructionFailed, s.ErrorCode)
	assert.Equal(t, []ledger.Status{ledger.StatusDone, ledger.StatusError}, stepStatuses(s))
	assert.Len(t, s.Images, 3, "partial results are kept")
	assert.Empty(t, s.MeshURL)
	assert.Empty(t, s.TotalTime)
	assert.Nil(t, s.StartedAt)
	assert.False(t, s.Busy)
}

func TestOrchestrator_SubmitServerError(t *testing.T) {
	h := newHarness(t)
	h.queue.submitCode = http.StatusInternalServerError
	h.queue.submitBody = "server error"

	_, ok := h.o.Start(context.Background(), testRefs)
	require.True(t, ok)
	s := wait(t, h.o)

	assert.Contains(t, s.Error, "server error")
	assert.Equal(t, types.ErrSubmissionFailed, s.ErrorCode)
	assert.Equal(t, []ledger.Status{ledger.StatusDone, ledger.StatusError}, stepStatuses(s))
}

func TestOrchestrator_CompletedWithoutMesh(t *testing.T) {
	h := newHarness(t)
	h.queue.statuses = []string{threed.StatusCompleted}
	h.queue.result = `{"model_mesh":{"url":null}}`

	_, ok := h.o.Start(context.Background(), testRefs)
	require.True(t, ok)
	s := wait(t, h.o)

	assert.Equal(t, types.ErrReconstructionFailed, s.ErrorCode)
	assert.Equal(t, "reconstruction completed without a mesh url", s.Error)
	assert.Empty(t, s.MeshURL)
	assert.Equal(t, ledger.StatusError, s.Steps[1].Status)
}

func TestOrchestrator_SynthesisFailure(t *testing.T) {
	h := newHarness(t)
	h.synth.err = types.NewError(types.ErrSynthesisFailed, "Failed to generate back view")

	_, ok := h.o.Start(context.Background(), testRefs)
	require.True(t, ok)
	s := wait(t, h.o)

	assert.Equal(t, "Failed to generate back view", s.Error)
	assert.Equal(t, []ledger.Status{ledger.StatusError, ledger.StatusPending}, stepStatuses(s))
	assert.Empty(t, s.Images)
	assert.Zero(t, h.queue.submits.Load())
}

func TestOrchestrator_CancelRestoresInitialState(t *testing.T) {
	h := newHarness(t)
	h.queue.statuses = []string{threed.StatusInProgress}
	initial := h.o.Snapshot()

	_, ok := h.o.Start(context.Background(), testRefs)
	require.True(t, ok)
	require.Eventually(t, func() bool { return h.o.CancelHandle() != "" }, 2*time.Second, time.Millisecond)

	h.o.Cancel()

	s := h.o.Snapshot()
	assert.False(t, s.Busy)
	assert.Empty(t, s.Steps)
	assert.Empty(t, s.Images)
	assert.Empty(t, s.MeshURL)
	assert.Empty(t, s.Error)
	assert.Empty(t, s.TotalTime)
	assert.Nil(t, s.StartedAt)
	assert.Empty(t, h.o.CancelHandle())

	// 除代次号外与初始状态一致
	s.Generation = initial.Generation
	assert.Equal(t, initial, s)

	require.Eventually(t, func() bool { return h.queue.cancels.Load() == 1 }, time.Second, time.Millisecond)
	h.o.runs.Wait()
	assert.Equal(t, h.o.Snapshot().Steps, initial.Steps, "late poll results must not resurrect steps")

	runs := h.rec.all()
	require.Len(t, runs, 1)
	assert.Equal(t, OutcomeCancelled, runs[0].Outcome)

	// 取消后没有可重跑的参考图
	_, ok = h.o.Rerun(context.Background())
	assert.False(t, ok)
}

func TestOrchestrator_CancelWhenIdle(t *testing.T) {
	h := newHarness(t)
	h.o.Cancel()
	s := h.o.Snapshot()
	assert.False(t, s.Busy)
	assert.Empty(t, s.Steps)
	assert.Zero(t, h.queue.cancels.Load())
}

func TestOrchestrator_RerunCancelsOutstandingJob(t *testing.T) {
	h := newHarness(t)
	h.queue.statuses = []string{threed.StatusInProgress}

	first, _ := h.o.Start(context.Background(), testRefs)
	require.Eventually(t, func() bool { return h.o.CancelHandle() != "" }, 2*time.Second, time.Millisecond)

	h.queue.mu.Lock()
	h.queue.statuses = []string{threed.StatusCompleted}
	h.queue.mu.Unlock()

	second, ok := h.o.Rerun(context.Background())
	require.True(t, ok)
	assert.Equal(t, first+1, second)

	s := wait(t, h.o)
	assert.NotEmpty(t, s.MeshURL)
	require.Eventually(t, func() bool {
		h.metrics.mu.Lock()
		defer h.metrics.mu.Unlock()
		return len(h.metrics.cancels) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), h.queue.cancels.Load())
	assert.True(t, h.metrics.cancels[0])
}

func TestOrchestrator_FailedRemoteCancelIsNotSurfaced(t *testing.T) {
	h := newHarness(t)
	h.queue.statuses = []string{threed.StatusInProgress}
	h.queue.cancelCode = http.StatusInternalServerError

	cancelResults := func() []bool {
		h.metrics.mu.Lock()
		defer h.metrics.mu.Unlock()
		return append([]bool(nil), h.metrics.cancels...)
	}

	// Rerun 在轮询中途重启，远程取消失败不影响新一代
	first, _ := h.o.Start(context.Background(), testRefs)
	require.Eventually(t, func() bool { return h.o.CancelHandle() != "" }, 2*time.Second, time.Millisecond)

	second, ok := h.o.Rerun(context.Background())
	require.True(t, ok)
	assert.Equal(t, first+1, second)
	require.Eventually(t, func() bool { return len(cancelResults()) == 1 }, 5*time.Second, time.Millisecond)
	assert.False(t, cancelResults()[0])

	s := h.o.Snapshot()
	assert.True(t, s.Busy)
	assert.Equal(t, second, s.Generation)
	assert.Empty(t, s.Error)
	assert.Empty(t, s.ErrorCode)

	// Cancel 在轮询中途重置，远程取消失败同样只记录
	require.Eventually(t, func() bool { return h.o.CancelHandle() != "" }, 2*time.Second, time.Millisecond)
	h.o.Cancel()

	s = h.o.Snapshot()
	assert.False(t, s.Busy)
	assert.Empty(t, s.Steps)
	assert.Empty(t, s.Images)
	assert.Empty(t, s.Error)

	require.Eventually(t, func() bool { return len(cancelResults()) == 2 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []bool{false, false}, cancelResults())

	h.o.runs.Wait()
	s = h.o.Snapshot()
	assert.Empty(t, s.Error)
	assert.Empty(t, s.Steps)
	assert.False(t, s.Busy)
}

func TestOrchestrator_Subscribe(t *testing.T) {
	h := newHarness(t)
	ch, unsubscribe := h.o.Subscribe()
	defer unsubscribe()

	first := <-ch
	assert.False(t, first.Busy)

	_, ok := h.o.Start(context.Background(), testRefs)
	require.True(t, ok)

	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-ch:
			if s.MeshURL != "" && !s.Busy {
				assert.Equal(t, ledger.StatusDone, s.Steps[1].Status)
				return
			}
		case <-timeout:
			t.Fatal("never observed completed state")
		}
	}
}

func TestOrchestrator_SubscribeAfterClose(t *testing.T) {
	h := newHarness(t)
	h.o.Close()

	ch, unsubscribe := h.o.Subscribe()
	defer unsubscribe()

	_, ok := <-ch
	assert.True(t, ok)
	_, ok = <-ch
	assert.False(t, ok)

	_, started := h.o.Start(context.Background(), testRefs)
	assert.False(t, started)
}

func TestOrchestrator_WaitHonoursContext(t *testing.T) {
	h := newHarness(t)
	h.synth.block = make(chan struct{})
	defer close(h.synth.block)

	h.o.Start(context.Background(), testRefs)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := h.o.Wait(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestState_Significant(t *testing.T) {
	base := State{Generation: 1, Busy: true, Steps: []ledger.Step{
		{Name: StepViews, Status: ledger.StatusLoading, Time: "0.10"},
		{Name: StepModel, Status: ledger.StatusPending},
	}}

	tick := base
	tick.Steps = []ledger.Step{
		{Name: StepViews, Status: ledger.StatusLoading, Time: "0.20"},
		{Name: StepModel, Status: ledger.StatusPending},
	}
	assert.False(t, tick.Significant(base), "timer ticks are not significant")

	done := base
	done.Steps = []ledger.Step{
		{Name: StepViews, Status: ledger.StatusDone, Time: "0.25"},
		{Name: StepModel, Status: ledger.StatusPending},
	}
	assert.True(t, done.Significant(base))

	idle := base
	idle.Busy = false
	assert.True(t, idle.Significant(base))
}
