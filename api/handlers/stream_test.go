package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/meshforge/generation"
	"github.com/BaSui01/meshforge/generation/ledger"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialStream(t *testing.T, h *apiHarness, id string) (context.Context, *websocket.Conn) {
	t.Helper()
	srv := httptest.NewServer(h.mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/" + id + "/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return ctx, conn
}

func TestStreamHandler_PushesStateChanges(t *testing.T) {
	h := newAPIHarness(t)
	id := h.create(t)
	ctx, conn := dialStream(t, h, id)

	// 第一条是当前（空闲）状态
	var msg StreamMessage
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	require.Equal(t, StreamMessageState, msg.Type)
	require.NotNil(t, msg.State)
	assert.Equal(t, id, msg.State.SessionID)
	assert.False(t, msg.State.Busy)

	w, _ := h.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/start", startBody(t))
	require.Equal(t, http.StatusAccepted, w.Code)
	h.queue.Release()

	// 读到完成状态为止
	var st generation.State
	for {
		msg = StreamMessage{}
		require.NoError(t, wsjson.Read(ctx, conn, &msg))
		if msg.State != nil && msg.State.MeshURL != "" {
			st = *msg.State
			break
		}
	}
	assert.False(t, st.Busy)
	require.Len(t, st.Steps, 2)
	assert.Equal(t, ledger.StatusDone, st.Steps[0].Status)
	assert.Equal(t, ledger.StatusDone, st.Steps[1].Status)

	// 删除会话后服务端关闭连接
	w, _ = h.do(t, http.MethodDelete, "/api/v1/sessions/"+id, "")
	require.Equal(t, http.StatusNoContent, w.Code)
	for {
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
			break
		}
	}
}

func TestStreamHandler_TimerTicksOmitImages(t *testing.T) {
	h := newAPIHarness(t)
	id := h.create(t)
	ctx, conn := dialStream(t, h, id)

	var msg StreamMessage
	require.NoError(t, wsjson.Read(ctx, conn, &msg))

	// 轮询被阻塞：第二步持续计时
	w, _ := h.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/start", startBody(t))
	require.Equal(t, http.StatusAccepted, w.Code)

	var withImages, ticks int
	for ticks < 20 {
		msg = StreamMessage{}
		require.NoError(t, wsjson.Read(ctx, conn, &msg))
		switch msg.Type {
		case StreamMessageState:
			require.NotNil(t, msg.State)
			if len(msg.State.Images) > 0 {
				withImages++
			}
		case StreamMessageSteps:
			ticks++
			assert.Nil(t, msg.State)
			assert.NotZero(t, msg.Generation)
			require.Len(t, msg.Steps, 2)
		default:
			t.Fatalf("unexpected message type %q", msg.Type)
		}
	}
	// 图像只随状态变化推送（视图完成、第一步完成、第二步开始），不随计时推送
	assert.LessOrEqual(t, withImages, 3)
}

func TestStreamHandler_UnknownSession(t *testing.T) {
	h := newAPIHarness(t)
	w := httptest.NewRecorder()
	h.mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/missing/stream", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
