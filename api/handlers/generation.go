package handlers

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/meshforge/generation"
	"github.com/BaSui01/meshforge/generation/history"
	"github.com/BaSui01/meshforge/generation/reference"
	"github.com/BaSui01/meshforge/llm/image"
	"github.com/BaSui01/meshforge/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🧊 会话与生成 Handler
// =============================================================================

// 单次生成最多接受的参考图数量
const maxReferenceImages = 3

// SnapshotStore reads and removes mirrored session snapshots.
type SnapshotStore interface {
	Load(ctx context.Context, sessionID string) (generation.State, error)
	Delete(ctx context.Context, sessionID string) error
}

// RunLister lists a session's finished runs.
type RunLister interface {
	List(ctx context.Context, sessionID string, limit int) ([]history.RunRecord, error)
}

// ReferenceFetcher resolves a URL into a reference image.
type ReferenceFetcher interface {
	Fetch(ctx context.Context, rawURL string) (image.Reference, error)
}

// ImageInput 单张参考图：内联 base64（或 data URI）与 URL 二选一
type ImageInput struct {
	MIMEType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
}

// StartRequest POST /sessions/{id}/start 请求体
type StartRequest struct {
	Images []ImageInput `json:"images"`
}

// ExtractRequest POST /references/extract 请求体
type ExtractRequest struct {
	URL string `json:"url"`
}

// ExtractResponse 提取结果
type ExtractResponse struct {
	MIMEType string `json:"mime_type"`
	Bytes    int    `json:"bytes"`
	DataURI  string `json:"data_uri"`
}

// SessionInfo 会话摘要
type SessionInfo struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Generation uint64    `json:"generation"`
	Busy       bool      `json:"busy"`
}

// StartResponse start / rerun 响应
type StartResponse struct {
	Generation uint64           `json:"generation"`
	State      generation.State `json:"state"`
}

// GenerationHandler serves the session API.
type GenerationHandler struct {
	registry  *generation.Registry
	snapshots SnapshotStore
	runs      RunLister
	fetcher   ReferenceFetcher
	logger    *zap.Logger
}

// GenerationOption configures the handler
type GenerationOption func(*GenerationHandler)

// WithSnapshotStore enables the snapshot fallback for unknown sessions
func WithSnapshotStore(s SnapshotStore) GenerationOption {
	return func(h *GenerationHandler) { h.snapshots = s }
}

// WithRunLister enables GET /sessions/{id}/runs
func WithRunLister(l RunLister) GenerationOption {
	return func(h *GenerationHandler) { h.runs = l }
}

// WithReferenceFetcher enables url inputs and reference extraction
func WithReferenceFetcher(f ReferenceFetcher) GenerationOption {
	return func(h *GenerationHandler) { h.fetcher = f }
}

// NewGenerationHandler creates the session API handler
func NewGenerationHandler(registry *generation.Registry, logger *zap.Logger, opts ...GenerationOption) *GenerationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &GenerationHandler{
		registry: registry,
		logger:   logger.With(zap.String("component", "generation_handler")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the session routes on mux
func (h *GenerationHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/sessions", h.HandleCreate)
	mux.HandleFunc("GET /api/v1/sessions", h.HandleList)
	mux.HandleFunc("GET /api/v1/sessions/{id}", h.HandleGet)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", h.HandleDelete)
	mux.HandleFunc("POST /api/v1/sessions/{id}/start", h.HandleStart)
	mux.HandleFunc("POST /api/v1/sessions/{id}/rerun", h.HandleRerun)
	mux.HandleFunc("POST /api/v1/sessions/{id}/cancel", h.HandleCancel)
	mux.HandleFunc("GET /api/v1/sessions/{id}/runs", h.HandleRuns)
	mux.HandleFunc("POST /api/v1/references/extract", h.HandleExtract)
}

// HandleCreate POST /api/v1/sessions
func (h *GenerationHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	s, err := h.registry.Create()
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteData(w, http.StatusCreated, infoOf(s))
}

// HandleList GET /api/v1/sessions
func (h *GenerationHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	sessions := h.registry.List()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, infoOf(s))
	}
	WriteSuccess(w, out)
}

// HandleGet GET /api/v1/sessions/{id}
func (h *GenerationHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s, ok := h.registry.Get(id); ok {
		WriteSuccess(w, s.Orchestrator.Snapshot())
		return
	}
	// 会话可能由其他副本持有，回退到镜像快照
	if h.snapshots != nil {
		st, err := h.snapshots.Load(r.Context(), id)
		if err == nil {
			WriteSuccess(w, st)
			return
		}
		if types.GetErrorCode(err) != types.ErrNotFound {
			WriteError(w, err, h.logger)
			return
		}
	}
	writeNotFound(w, id, h.logger)
}

// HandleDelete DELETE /api/v1/sessions/{id}
func (h *GenerationHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.registry.Delete(id) {
		writeNotFound(w, id, h.logger)
		return
	}
	if h.snapshots != nil {
		if err := h.snapshots.Delete(r.Context(), id); err != nil {
			h.logger.Warn("snapshot delete failed", zap.String("session_id", id), zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStart POST /api/v1/sessions/{id}/start
func (h *GenerationHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req StartRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if len(req.Images) == 0 {
		WriteError(w, types.NewError(types.ErrNoInputImages, "at least one reference image is required"), h.logger)
		return
	}
	if len(req.Images) > maxReferenceImages {
		WriteError(w, types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("at most %d reference images are accepted", maxReferenceImages)), h.logger)
		return
	}

	refs, err := h.resolve(r.Context(), req.Images)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	gen, started := s.Orchestrator.Start(r.Context(), refs)
	if !started && s.Orchestrator.Closed() {
		// 并发 DELETE 已关闭会话
		writeNotFound(w, s.ID, h.logger)
		return
	}
	if !started {
		WriteError(w, types.NewError(types.ErrGenerationBusy, "a generation is already running").WithRetryable(true), h.logger)
		return
	}
	h.logger.Info("generation started",
		zap.String("session_id", s.ID),
		zap.Uint64("generation", gen),
		zap.Int("references", len(refs)))
	WriteData(w, http.StatusAccepted, StartResponse{Generation: gen, State: s.Orchestrator.Snapshot()})
}

// HandleRerun POST /api/v1/sessions/{id}/rerun
func (h *GenerationHandler) HandleRerun(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	gen, started := s.Orchestrator.Rerun(r.Context())
	if !started && s.Orchestrator.Closed() {
		writeNotFound(w, s.ID, h.logger)
		return
	}
	if !started {
		WriteError(w, types.NewError(types.ErrNoInputImages, "nothing to rerun: start a generation first"), h.logger)
		return
	}
	WriteData(w, http.StatusAccepted, StartResponse{Generation: gen, State: s.Orchestrator.Snapshot()})
}

// HandleCancel POST /api/v1/sessions/{id}/cancel
func (h *GenerationHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.Orchestrator.Cancel()
	WriteSuccess(w, s.Orchestrator.Snapshot())
}

// HandleRuns GET /api/v1/sessions/{id}/runs?limit=N
func (h *GenerationHandler) HandleRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		WriteError(w, types.NewError(types.ErrServiceUnavailable, "run history is not configured"), h.logger)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteError(w, types.NewError(types.ErrInvalidRequest, "limit must be a non-negative integer"), h.logger)
			return
		}
		limit = n
	}
	records, err := h.runs.List(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to list runs").WithCause(err), h.logger)
		return
	}
	WriteSuccess(w, records)
}

// HandleExtract POST /api/v1/references/extract
func (h *GenerationHandler) HandleExtract(w http.ResponseWriter, r *http.Request) {
	if h.fetcher == nil {
		WriteError(w, types.NewError(types.ErrServiceUnavailable, "reference extraction is disabled"), h.logger)
		return
	}
	var req ExtractRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	ref, err := h.fetcher.Fetch(r.Context(), req.URL)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, ExtractResponse{
		MIMEType: ref.MIMEType,
		Bytes:    len(ref.Data),
		DataURI:  reference.DataURI(ref),
	})
}

func (h *GenerationHandler) session(w http.ResponseWriter, r *http.Request) (*generation.Session, bool) {
	id := r.PathValue("id")
	s, ok := h.registry.Get(id)
	if !ok {
		writeNotFound(w, id, h.logger)
	}
	return s, ok
}

// resolve 将请求中的图像解码为参考图，URL 输入通过 fetcher 下载
func (h *GenerationHandler) resolve(ctx context.Context, inputs []ImageInput) ([]image.Reference, error) {
	refs := make([]image.Reference, 0, len(inputs))
	for i, in := range inputs {
		switch {
		case in.URL != "" && in.Data != "":
			return nil, types.Errorf(types.ErrInvalidRequest, "images[%d]: set either data or url, not both", i)
		case in.URL != "":
			if h.fetcher == nil {
				return nil, types.Errorf(types.ErrInvalidRequest, "images[%d]: url inputs are disabled", i)
			}
			ref, err := h.fetcher.Fetch(ctx, in.URL)
			if err != nil {
				return nil, err
			}
			refs = append(refs, ref)
		case strings.HasPrefix(in.Data, "data:"):
			ref, err := reference.DecodeDataURI(in.Data)
			if err != nil {
				return nil, types.Errorf(types.ErrInvalidRequest, "images[%d]: %s", i, types.MessageOf(err))
			}
			refs = append(refs, ref)
		case in.Data != "":
			data, err := base64.StdEncoding.DecodeString(in.Data)
			if err != nil {
				return nil, types.Errorf(types.ErrInvalidRequest, "images[%d]: invalid base64 data", i)
			}
			mime := in.MIMEType
			if mime == "" {
				mime = http.DetectContentType(data)
			}
			if !strings.HasPrefix(mime, "image/") {
				return nil, types.Errorf(types.ErrInvalidRequest, "images[%d]: unsupported mime type %q", i, mime)
			}
			refs = append(refs, image.Reference{MIMEType: mime, Data: data})
		default:
			return nil, types.Errorf(types.ErrInvalidRequest, "images[%d]: data or url is required", i)
		}
	}
	return refs, nil
}

func infoOf(s *generation.Session) SessionInfo {
	st := s.Orchestrator.Snapshot()
	return SessionInfo{ID: s.ID, CreatedAt: s.CreatedAt, Generation: st.Generation, Busy: st.Busy}
}

func writeNotFound(w http.ResponseWriter, id string, logger *zap.Logger) {
	WriteError(w, types.Errorf(types.ErrNotFound, "session %s not found", id), logger)
}
