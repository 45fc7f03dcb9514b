package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/p2pescrow/internal/escrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, opts ...Option) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub(slog.New(slog.DiscardHandler), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	require.Eventually(t, h.Running, time.Second, 5*time.Millisecond)

	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return h, ts
}

func dial(t *testing.T, h *Hub, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	before := h.Stats().Connected
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	require.Eventually(t, func() bool { return h.Stats().Connected > before }, time.Second, 5*time.Millisecond)
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) Event {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	return ev
}

func TestHub_PublishEscrowEvent(t *testing.T) {
	h, ts := startHub(t)
	ws := dial(t, h, ts, "?party="+buyer)

	h.Publish(context.Background(), escrow.Event{
		Type:      escrow.EventPaymentSent,
		Caller:    buyer,
		Timestamp: time.Now(),
		Escrow: &escrow.Escrow{
			Address: record,
			Seller:  seller,
			Buyer:   buyer,
			Amount:  1_000_000,
			Status:  escrow.StatusPaymentSent,
		},
	})

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var got struct {
		Type   string `json:"type"`
		Escrow string `json:"escrow"`
		Data   struct {
			Caller string `json:"caller"`
			Escrow struct {
				Amount uint64 `json:"amount"`
				Status string `json:"status"`
			} `json:"escrow"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, escrow.EventPaymentSent, got.Type)
	assert.Equal(t, record, got.Escrow)
	assert.Equal(t, buyer, got.Data.Caller)
	assert.Equal(t, uint64(1_000_000), got.Data.Escrow.Amount)
	assert.Equal(t, "payment_sent", got.Data.Escrow.Status)
}

func TestHub_QueryFilter(t *testing.T) {
	h, ts := startHub(t)
	ws := dial(t, h, ts, "?type="+escrow.EventReclaimable)

	h.Broadcast(tradeEvent(escrow.EventLocked))
	h.Broadcast(tradeEvent(escrow.EventReclaimable))

	assert.Equal(t, escrow.EventReclaimable, readEvent(t, ws).Type, "locked event must be filtered out")
}

func TestHub_SubscribeReplacesFilter(t *testing.T) {
	h, ts := startHub(t)
	ws := dial(t, h, ts, "?type="+escrow.EventLocked)

	require.NoError(t, ws.WriteJSON(map[string]any{
		"op":     "subscribe",
		"filter": Filter{Escrows: []string{"0x"+strings.ToUpper(record[2:])}},
	}))
	ack := readEvent(t, ws)
	assert.Equal(t, "subscribed", ack.Type)

	other := tradeEvent(escrow.EventLocked)
	other.Escrow = "0xe5c0000000000000000000000000000000000010"
	h.Broadcast(other)
	h.Broadcast(tradeEvent(escrow.EventDisputed))

	ev := readEvent(t, ws)
	assert.Equal(t, escrow.EventDisputed, ev.Type)
}

func TestHub_PingAndUnknownOp(t *testing.T) {
	h, ts := startHub(t)
	ws := dial(t, h, ts, "")

	require.NoError(t, ws.WriteJSON(map[string]string{"op": "ping"}))
	assert.Equal(t, "pong", readEvent(t, ws).Type)

	require.NoError(t, ws.WriteJSON(map[string]string{"op": "dance"}))
	assert.Equal(t, "error", readEvent(t, ws).Type)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, "error", readEvent(t, ws).Type)
}

func TestHub_DisconnectIsTracked(t *testing.T) {
	h, ts := startHub(t)
	ws := dial(t, h, ts, "")
	require.NoError(t, ws.Close())

	require.Eventually(t, func() bool { return h.Stats().Connected == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_Stats(t *testing.T) {
	h, _ := startHub(t)
	assert.Equal(t, Stats{}, h.Stats())

	h.Broadcast(tradeEvent(escrow.EventLocked))
	require.Eventually(t, func() bool { return h.Stats().Published == 1 }, time.Second, 5*time.Millisecond)
}

func TestHub_RejectsWhenNotRunning(t *testing.T) {
	h := NewHub(slog.New(slog.DiscardHandler))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHub_ConnectionLimit(t *testing.T) {
	h, ts := startHub(t, WithMaxConns(1))
	dial(t, h, ts, "")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHub_CheckOrigin(t *testing.T) {
	h := NewHub(slog.New(slog.DiscardHandler), WithAllowedOrigins([]string{"https://app.example"}))
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://api.example/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	assert.True(t, h.checkOrigin(req("")))
	assert.True(t, h.checkOrigin(req("https://app.example")))
	assert.True(t, h.checkOrigin(req("http://api.example")))
	assert.False(t, h.checkOrigin(req("https://evil.example")))

	open := NewHub(slog.New(slog.DiscardHandler), WithAllowedOrigins([]string{"*"}))
	assert.True(t, open.checkOrigin(req("https://evil.example")))
}

func TestHub_ShutdownClosesConnections(t *testing.T) {
	h := NewHub(slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()
	require.Eventually(t, h.Running, time.Second, 5*time.Millisecond)
	ts := httptest.NewServer(h)
	defer ts.Close()
	ws := dial(t, h, ts, "")

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.False(t, h.Running())
}
