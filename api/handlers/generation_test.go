package handlers

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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/meshforge/generation"
	"github.com/BaSui01/meshforge/generation/history"
	"github.com/BaSui01/meshforge/generation/views"
	llmimage "github.com/BaSui01/meshforge/llm/image"
	"github.com/BaSui01/meshforge/llm/threed"
	"github.com/BaSui01/meshforge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 测试替身
// =============================================================================

func pngBytes(t testing.TB) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	img.Set(1, 1, color.NRGBA{G: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type stubSynth struct{ t testing.TB }

func (s stubSynth) Synthesize(ctx context.Context, refs []llmimage.Reference) (views.Set, error) {
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(s.t))
	set := views.Set{}
	for _, v := range views.All {
		set[v] = views.Image{Label: v.Label(), URL: uri}
	}
	return set, nil
}

// stubQueue 的 Poll 会阻塞直到 release 关闭或 ctx 结束
type stubQueue struct {
	release chan struct{}
	once    sync.Once
}

func newStubQueue() *stubQueue { return &stubQueue{release: make(chan struct{})} }

func (q *stubQueue) Release() { q.once.Do(func() { close(q.release) }) }

func (q *stubQueue) Submit(ctx context.Context, front, back, left string) (*threed.Job, error) {
	return &threed.Job{RequestID: "req", StatusURL: "s", ResponseURL: "r", CancelURL: "c"}, nil
}

func (q *stubQueue) Poll(ctx context.Context, job *threed.Job, current threed.Guard) error {
	select {
	case <-q.release:
		return nil
	case <-ctx.Done():
		return threed.ErrSuperseded
	}
}

func (q *stubQueue) Fetch(ctx context.Context, job *threed.Job) (string, error) {
	return "https://cdn.example/mesh.glb", nil
}

func (q *stubQueue) Cancel(ctx context.Context, cancelURL string) error { return nil }

type stubSnapshots struct {
	states  map[string]generation.State
	deleted []string
}

func (s *stubSnapshots) Load(ctx context.Context, id string) (generation.State, error) {
	st, ok := s.states[id]
	if !ok {
		return st, types.NewError(types.ErrNotFound, "missing")
	}
	return st, nil
}

func (s *stubSnapshots) Delete(ctx context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	return nil
}

type stubRuns struct {
	limit int
	err   error
}

func (s *stubRuns) List(ctx context.Context, id string, limit int) ([]history.RunRecord, error) {
	s.limit = limit
	if s.err != nil {
		return nil, s.err
	}
	return []history.RunRecord{{SessionID: id, Generation: 1, Outcome: generation.OutcomeCompleted}}, nil
}

type stubFetcher struct{ t testing.TB }

func (f stubFetcher) Fetch(ctx context.Context, url string) (llmimage.Reference, error) {
	if strings.Contains(url, "bad") {
		return llmimage.Reference{}, types.NewError(types.ErrReferenceFetchFailed, "no image found on page")
	}
	return llmimage.Reference{MIMEType: "image/png", Data: pngBytes(f.t)}, nil
}

type apiHarness struct {
	mux       *http.ServeMux
	registry  *generation.Registry
	queue     *stubQueue
	snapshots *stubSnapshots
	runs      *stubRuns
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	h := &apiHarness{
		queue:     newStubQueue(),
		snapshots: &stubSnapshots{states: map[string]generation.State{}},
		runs:      &stubRuns{},
	}
	deps := generation.Deps{Synthesizer: stubSynth{t}, Reconstructor: h.queue}
	opts := generation.DefaultOptions()
	opts.TickInterval = 5 * time.Millisecond
	h.registry = generation.NewRegistry(func(id string) *generation.Orchestrator {
		return generation.New(id, deps, opts, zap.NewNop())
	}, 2, nil, zap.NewNop())
	t.Cleanup(func() {
		h.queue.Release()
		h.registry.Close()
	})

	h.mux = http.NewServeMux()
	NewGenerationHandler(h.registry, zap.NewNop(),
		WithSnapshotStore(h.snapshots),
		WithRunLister(h.runs),
		WithReferenceFetcher(stubFetcher{t}),
	).Register(h.mux)
	NewStreamHandler(h.registry, nil, zap.NewNop()).Register(h.mux)
	return h
}

func (h *apiHarness) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.mux.ServeHTTP(w, r)

	var resp Response
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func (h *apiHarness) create(t *testing.T) string {
	t.Helper()
	w, resp := h.do(t, http.MethodPost, "/api/v1/sessions", "")
	require.Equal(t, http.StatusCreated, w.Code)
	data := resp.Data.(map[string]any)
	return data["id"].(string)
}

func startBody(t testing.TB) string {
	return `{"images":[{"mime_type":"image/png","data":"` + base64.StdEncoding.EncodeToString(pngBytes(t)) + `"}]}`
}

// =============================================================================
// 🧪 会话 API 测试
// =============================================================================

func TestGenerationHandler_CreateListDelete(t *testing.T) {
	h := newAPIHarness(t)

	a := h.create(t)
	b := h.create(t)

	w, resp := h.do(t, http.MethodGet, "/api/v1/sessions", "")
	assert.Equal(t, http.StatusOK, w.Code)
	list := resp.Data.([]any)
	require.Len(t, list, 2)
	ids := []string{list[0].(map[string]any)["id"].(string), list[1].(map[string]any)["id"].(string)}
	assert.ElementsMatch(t, []string{a, b}, ids)

	// 超过上限
	w, resp = h.do(t, http.MethodPost, "/api/v1/sessions", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, string(types.ErrServiceUnavailable), resp.Error.Code)

	w, _ = h.do(t, http.MethodDelete, "/api/v1/sessions/"+a, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{a}, h.snapshots.deleted)

	w, _ = h.do(t, http.MethodDelete, "/api/v1/sessions/"+a, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGenerationHandler_StartBusyCancel(t *testing.T) {
	h := newAPIHarness(t)
	id := h.create(t)
	base := "/api/v1/sessions/" + id

	w, resp := h.do(t, http.MethodPost, base+"/start", startBody(t))
	require.Equal(t, http.StatusAccepted, w.Code)
	data := resp.Data.(map[string]any)
	assert.EqualValues(t, 1, data["generation"])
	assert.Equal(t, true, data["state"].(map[string]any)["busy"])

	w, resp = h.do(t, http.MethodPost, base+"/start", startBody(t))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(types.ErrGenerationBusy), resp.Error.Code)

	w, resp = h.do(t, http.MethodPost, base+"/cancel", "")
	assert.Equal(t, http.StatusOK, w.Code)
	st := resp.Data.(map[string]any)
	assert.Equal(t, false, st["busy"])
	assert.Empty(t, st["steps"])
}

func TestGenerationHandler_StartCompletes(t *testing.T) {
	h := newAPIHarness(t)
	id := h.create(t)
	base := "/api/v1/sessions/" + id

	w, _ := h.do(t, http.MethodPost, base+"/start", `{"images":[{"url":"https://example.com/page"}]}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	h.queue.Release()

	s, ok := h.registry.Get(id)
	require.True(t, ok)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Orchestrator.Wait(ctx))

	w, resp := h.do(t, http.MethodGet, base, "")
	assert.Equal(t, http.StatusOK, w.Code)
	st := resp.Data.(map[string]any)
	assert.Equal(t, "https://cdn.example/mesh.glb", st["mesh_url"])
	assert.Len(t, st["images"], 3)

	// rerun 使用上一次的参考图
	w, resp = h.do(t, http.MethodPost, base+"/rerun", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.EqualValues(t, 2, resp.Data.(map[string]any)["generation"])
}

func TestGenerationHandler_StartValidation(t *testing.T) {
	h := newAPIHarness(t)
	base := "/api/v1/sessions/" + h.create(t)

	tests := []struct {
		name string
		body string
		code types.ErrorCode
		want int
	}{
		{"no images", `{"images":[]}`, types.ErrNoInputImages, http.StatusBadRequest},
		{"bad base64", `{"images":[{"data":"@@@"}]}`, types.ErrInvalidRequest, http.StatusBadRequest},
		{"not an image", `{"images":[{"data":"aGVsbG8="}]}`, types.ErrInvalidRequest, http.StatusBadRequest},
		{"both data and url", `{"images":[{"data":"aGk=","url":"https://x"}]}`, types.ErrInvalidRequest, http.StatusBadRequest},
		{"empty input", `{"images":[{}]}`, types.ErrInvalidRequest, http.StatusBadRequest},
		{"fetch fails", `{"images":[{"url":"https://bad.example"}]}`, types.ErrReferenceFetchFailed, http.StatusBadGateway},
		{"unknown field", `{"imgs":[]}`, types.ErrInvalidRequest, http.StatusBadRequest},
		{"too many images", `{"images":[{"data":"aGk="},{"data":"aGk="},{"data":"aGk="},{"data":"aGk="}]}`, types.ErrInvalidRequest, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := h.do(t, http.MethodPost, base+"/start", tt.body)
			assert.Equal(t, tt.want, w.Code)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.code), resp.Error.Code)
		})
	}

	s, _ := h.registry.Get(strings.TrimPrefix(base, "/api/v1/sessions/"))
	assert.False(t, s.Orchestrator.Busy())
}

func TestGenerationHandler_ClosedSessionIsNotFound(t *testing.T) {
	h := newAPIHarness(t)
	id := h.create(t)
	s, ok := h.registry.Get(id)
	require.True(t, ok)
	// 会话仍在注册表中，但已被并发删除关闭
	s.Orchestrator.Close()

	w, resp := h.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/start", startBody(t))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(types.ErrNotFound), resp.Error.Code)
	assert.False(t, resp.Error.Retryable)

	w, resp = h.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/rerun", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(types.ErrNotFound), resp.Error.Code)
}

func TestGenerationHandler_RerunWithoutStart(t *testing.T) {
	h := newAPIHarness(t)
	w, resp := h.do(t, http.MethodPost, "/api/v1/sessions/"+h.create(t)+"/rerun", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(types.ErrNoInputImages), resp.Error.Code)
}

func TestGenerationHandler_GetFallsBackToSnapshot(t *testing.T) {
	h := newAPIHarness(t)
	h.snapshots.states["remote"] = generation.State{SessionID: "remote", Generation: 4, MeshURL: "https://cdn/r.glb"}

	w, resp := h.do(t, http.MethodGet, "/api/v1/sessions/remote", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://cdn/r.glb", resp.Data.(map[string]any)["mesh_url"])

	w, resp = h.do(t, http.MethodGet, "/api/v1/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(types.ErrNotFound), resp.Error.Code)

	w, _ = h.do(t, http.MethodPost, "/api/v1/sessions/nope/start", startBody(t))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGenerationHandler_Runs(t *testing.T) {
	h := newAPIHarness(t)

	w, resp := h.do(t, http.MethodGet, "/api/v1/sessions/abc/runs?limit=5", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, h.runs.limit)
	assert.Len(t, resp.Data, 1)

	w, _ = h.do(t, http.MethodGet, "/api/v1/sessions/abc/runs?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	h.runs.err = errors.New("db down")
	w, resp = h.do(t, http.MethodGet, "/api/v1/sessions/abc/runs", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "failed to list runs", resp.Error.Message)
}

func TestGenerationHandler_Extract(t *testing.T) {
	h := newAPIHarness(t)

	w, resp := h.do(t, http.MethodPost, "/api/v1/references/extract", `{"url":"https://example.com/p"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "image/png", data["mime_type"])
	assert.True(t, strings.HasPrefix(data["data_uri"].(string), "data:image/png;base64,"))

	w, resp = h.do(t, http.MethodPost, "/api/v1/references/extract", `{"url":"https://bad.example"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "no image found on page", resp.Error.Message)
}

func TestGenerationHandler_OptionalFeaturesDisabled(t *testing.T) {
	reg := generation.NewRegistry(func(id string) *generation.Orchestrator {
		return generation.New(id, generation.Deps{Synthesizer: stubSynth{t}, Reconstructor: newStubQueue()}, generation.DefaultOptions(), nil)
	}, 0, nil, nil)
	t.Cleanup(reg.Close)

	mux := http.NewServeMux()
	NewGenerationHandler(reg, nil).Register(mux)

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodGet, "/api/v1/sessions/x/runs", ""},
		{http.MethodPost, "/api/v1/references/extract", `{"url":"https://a"}`},
	} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body)))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, tc.path)
	}
}
