package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/BaSui01/meshforge/generation"
	"github.com/BaSui01/meshforge/generation/ledger"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// =============================================================================
// 📡 会话状态推送（WebSocket）
// =============================================================================

// DefaultStreamWriteTimeout 单条消息写超时
const DefaultStreamWriteTimeout = 10 * time.Second

// 推送消息类型
const (
	StreamMessageState = "state" // 完整 State
	StreamMessageSteps = "steps" // 仅步骤计时变化
)

// StreamMessage is one websocket frame. Status and result changes carry the
// full State; timer ticks carry only the steps of the current generation so
// the view images are not resent on every tick.
type StreamMessage struct {
	Type       string            `json:"type"`
	State      *generation.State `json:"state,omitempty"`
	Generation uint64            `json:"generation,omitempty"`
	Steps      []ledger.Step     `json:"steps,omitempty"`
}

// StreamHandler pushes session State changes over a websocket.
type StreamHandler struct {
	registry       *generation.Registry
	logger         *zap.Logger
	originPatterns []string
	writeTimeout   time.Duration
}

// NewStreamHandler creates the stream handler. originPatterns are passed to
// websocket.AcceptOptions; empty means same-origin only.
func NewStreamHandler(registry *generation.Registry, originPatterns []string, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{
		registry:       registry,
		logger:         logger.With(zap.String("component", "stream_handler")),
		originPatterns: originPatterns,
		writeTimeout:   DefaultStreamWriteTimeout,
	}
}

// Register mounts GET /api/v1/sessions/{id}/stream
func (h *StreamHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/sessions/{id}/stream", h.HandleStream)
}

// HandleStream upgrades the request and writes a StreamMessage on every
// change. The stream ends when the client goes away or the session is
// deleted.
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, ok := h.registry.Get(id)
	if !ok {
		writeNotFound(w, id, h.logger)
		return
	}

	// 长连接不受 server WriteTimeout 限制
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// 客户端只读；CloseRead 处理控制帧并在断开时取消 ctx
	ctx := conn.CloseRead(r.Context())

	states, unsubscribe := s.Orchestrator.Subscribe()
	defer unsubscribe()

	log := h.logger.With(zap.String("session_id", id))
	log.Debug("stream opened")

	var (
		last generation.State
		sent bool
	)
	for {
		select {
		case <-ctx.Done():
			log.Debug("stream closed by client")
			return
		case st, ok := <-states:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "session closed")
				return
			}
			msg := stepsMessage(st)
			if !sent || st.Significant(last) {
				msg = stateMessage(st)
			}
			last, sent = st, true
			if err := h.write(ctx, conn, msg); err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Debug("stream write failed", zap.Error(err))
				}
				return
			}
		}
	}
}

func stateMessage(st generation.State) StreamMessage {
	return StreamMessage{Type: StreamMessageState, State: &st, Generation: st.Generation}
}

func stepsMessage(st generation.State) StreamMessage {
	return StreamMessage{Type: StreamMessageSteps, Generation: st.Generation, Steps: st.Steps}
}

func (h *StreamHandler) write(ctx context.Context, conn *websocket.Conn, msg StreamMessage) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
