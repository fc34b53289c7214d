package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-match-engine/pkg/logger"
)

// recordingHandler 記錄收到的訊息與斷線
type recordingHandler struct {
	mu           sync.Mutex
	messages     []string
	disconnected chan *Conn
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{disconnected: make(chan *Conn, 1)}
}

func (h *recordingHandler) OnMessage(_ *Conn, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, string(data))
}

func (h *recordingHandler) OnDisconnect(c *Conn) {
	h.disconnected <- c
}

func (h *recordingHandler) received() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}

// testServer 每條連線升級後送進 conns
func testServer(t *testing.T, hub *Hub, handler MessageHandler) (string, <-chan *Conn) {
	t.Helper()
	conns := make(chan *Conn, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := hub.Upgrade(w, r, handler)
		if err != nil {
			return
		}
		conns <- c
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readText(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func accept(t *testing.T, conns <-chan *Conn) *Conn {
	t.Helper()
	select {
	case c := <-conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("連線沒有建立")
		return nil
	}
}

// TestHub_PingPong 測試應用層心跳不會進入上層
func TestHub_PingPong(t *testing.T) {
	hub := NewHub(logger.Discard())
	handler := newRecordingHandler()
	url, conns := testServer(t, hub, handler)

	ws := dial(t, url)
	accept(t, conns)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","time":1712345678}`)))
	assert.JSONEq(t, `{"type":"pong","time":1712345678}`, readText(t, ws))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"client_ready"}`)))
	assert.Eventually(t, func() bool { return len(handler.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{`{"type":"client_ready"}`}, handler.received())
}

// TestHub_MessageOrder 測試同一連線的訊息依序交給上層
func TestHub_MessageOrder(t *testing.T) {
	hub := NewHub(logger.Discard())
	handler := newRecordingHandler()
	url, conns := testServer(t, hub, handler)

	ws := dial(t, url)
	accept(t, conns)

	var want []string
	for _, m := range []string{"a", "b", "c", "d", "e"} {
		msg := `{"type":"update_player","key":"` + m + `"}`
		want = append(want, msg)
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(msg)))
	}
	assert.Eventually(t, func() bool { return len(handler.received()) == len(want) }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, handler.received())
}

// TestHub_Groups 測試群組廣播、單播與離開群組
func TestHub_Groups(t *testing.T) {
	hub := NewHub(logger.Discard())
	url, conns := testServer(t, hub, newRecordingHandler())

	wsA := dial(t, url)
	a := accept(t, conns)
	wsB := dial(t, url)
	b := accept(t, conns)

	hub.JoinGroup(a, "pong_lobby_r1")
	hub.JoinGroup(b, "pong_lobby_r1")
	assert.Equal(t, 2, hub.Stats().Groups["pong_lobby_r1"])

	hub.SendToGroup("pong_lobby_r1", []byte(`{"n":1}`))
	assert.Equal(t, `{"n":1}`, readText(t, wsA))
	assert.Equal(t, `{"n":1}`, readText(t, wsB))

	assert.True(t, hub.SendToConnection(b, []byte(`{"n":2}`)))
	assert.Equal(t, `{"n":2}`, readText(t, wsB))

	hub.LeaveGroup(a, "pong_lobby_r1")
	hub.SendToGroup("pong_lobby_r1", []byte(`{"n":3}`))
	assert.Equal(t, `{"n":3}`, readText(t, wsB))
	assert.Empty(t, a.Groups())

	// a 不會再收到群組訊息，下一則是單播
	a.Send([]byte(`{"n":4}`))
	assert.Equal(t, `{"n":4}`, readText(t, wsA))

	hub.LeaveGroup(b, "pong_lobby_r1")
	_, ok := hub.Stats().Groups["pong_lobby_r1"]
	assert.False(t, ok, "空群組應該刪除")
}

// TestHub_Disconnect 測試客戶端關閉後離開所有群組並通知上層
func TestHub_Disconnect(t *testing.T) {
	hub := NewHub(logger.Discard())
	handler := newRecordingHandler()
	url, conns := testServer(t, hub, handler)

	ws := dial(t, url)
	c := accept(t, conns)
	hub.JoinGroup(c, "g1")
	hub.JoinGroup(c, "g2")
	assert.Equal(t, 1, hub.Stats().Connections)

	require.NoError(t, ws.Close())

	select {
	case got := <-handler.disconnected:
		assert.Equal(t, c.ID(), got.ID())
	case <-time.After(2 * time.Second):
		t.Fatal("沒有收到斷線通知")
	}

	st := hub.Stats()
	assert.Equal(t, 0, st.Connections)
	assert.Empty(t, st.Groups)
	assert.False(t, c.Send([]byte("late")), "關閉後不能再送")

	// 關閉後加入群組無效
	hub.JoinGroup(c, "g3")
	assert.Empty(t, hub.Stats().Groups)
}

// TestHub_Shutdown 測試關閉所有連線
func TestHub_Shutdown(t *testing.T) {
	hub := NewHub(logger.Discard())
	handler := newRecordingHandler()
	url, conns := testServer(t, hub, handler)

	ws := dial(t, url)
	accept(t, conns)

	hub.Shutdown()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)

	select {
	case <-handler.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("沒有收到斷線通知")
	}
	assert.Equal(t, 0, hub.Stats().Connections)
}
