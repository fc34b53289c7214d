package gateway_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
	"github.com/koopa0/system-design/14-match-engine/internal/engine/liarsbar"
	"github.com/koopa0/system-design/14-match-engine/internal/engine/pong"
	"github.com/koopa0/system-design/14-match-engine/internal/gateway"
	"github.com/koopa0/system-design/14-match-engine/internal/matchmaking"
	"github.com/koopa0/system-design/14-match-engine/internal/registry"
	"github.com/koopa0/system-design/14-match-engine/internal/session"
	"github.com/koopa0/system-design/14-match-engine/internal/testutils"
	"github.com/koopa0/system-design/14-match-engine/internal/transport"
	"github.com/koopa0/system-design/14-match-engine/pkg/logger"
)

type env struct {
	url      string
	registry *registry.Registry
	gateway  *gateway.Gateway
}

// newEnv 倒數一小時的 Pong：開始後不會自然結束
func newEnv(t *testing.T) *env {
	t.Helper()
	log := logger.Discard()
	hub := transport.NewHub(log)

	f := session.NewFactory(session.Options{
		TickInterval: 20 * time.Millisecond,
		Broadcaster:  hub,
		Logger:       log,
	})
	f.Register(pong.GameName, func() engine.Engine {
		return pong.New(pong.Config{Countdown: time.Hour, Logger: log, Rand: testutils.SeededRand(1)})
	})
	f.Register(liarsbar.GameName, func() engine.Engine {
		return liarsbar.New(liarsbar.Config{Logger: log, Rand: testutils.SeededRand(1)})
	})
	reg := registry.New(f, registry.WithLogger(log))
	gw := gateway.New(reg, hub, log)

	mux := http.NewServeMux()
	gw.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return &env{url: "ws" + strings.TrimPrefix(srv.URL, "http"), registry: reg, gateway: gw}
}

func (e *env) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(e.url+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(msg)))
}

type received struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	RoomName  string `json:"room_name"`
	EventInfo struct {
		Event string `json:"event"`
	} `json:"event_info"`
}

// readUntil 讀到符合條件的訊息為止
func readUntil(t *testing.T, ws *websocket.Conn, match func(received) bool) received {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, ws.SetReadDeadline(deadline))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err, "等待訊息逾時")
		var msg received
		require.NoError(t, json.Unmarshal(data, &msg))
		if match(msg) {
			return msg
		}
	}
}

func isEvent(name string) func(received) bool {
	return func(m received) bool { return m.Type == session.TypeLobbyState && m.EventInfo.Event == name }
}

func isType(name string) func(received) bool {
	return func(m received) bool { return m.Type == name }
}

// TestGateway_LobbyFlow 測試兩位玩家加入、準備並開始
func TestGateway_LobbyFlow(t *testing.T) {
	e := newEnv(t)
	a := e.dial(t, "/ws/pong/r1")
	b := e.dial(t, "/ws/pong/r1")

	send(t, a, `{"type":"init_player","player_id":1}`)
	send(t, b, `{"type":"init_player","player_id":"2"}`)
	readUntil(t, a, isEvent(session.EventPlayerJoin))

	// 應用層心跳由傳輸層回覆
	send(t, a, `{"type":"ping","time":42}`)
	readUntil(t, a, isType("pong"))

	send(t, a, `{"type":"client_ready"}`)
	send(t, b, `{"type":"client_ready","player_id":2}`)
	send(t, b, `{"type":"client_ready"}`)

	readUntil(t, a, isEvent(session.EventGameStarted))
	readUntil(t, b, isEvent(session.EventGameStarted))

	s, err := e.registry.GetMatch("r1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusPlaying, s.Status())

	send(t, a, `{"type":"update_player","playerId":1,"action_type":"key_down","key":"w"}`)
	readUntil(t, a, isEvent(session.EventGameLoop))
}

// TestGateway_DisconnectForfeits 測試比賽中斷線視為棄權並移除房間
func TestGateway_DisconnectForfeits(t *testing.T) {
	e := newEnv(t)
	a := e.dial(t, "/ws/pong/r2")
	b := e.dial(t, "/ws/pong/r2")

	send(t, a, `{"type":"init_player","player_id":1}`)
	send(t, b, `{"type":"init_player","player_id":2}`)
	send(t, a, `{"type":"client_ready"}`)
	send(t, b, `{"type":"client_ready"}`)
	readUntil(t, b, isEvent(session.EventGameStarted))

	require.NoError(t, a.Close())

	readUntil(t, b, isEvent(session.EventGameFinished))
	assert.Eventually(t, func() bool {
		_, err := e.registry.GetMatch("r2")
		return err != nil
	}, 3*time.Second, 20*time.Millisecond)
}

// TestGateway_BadMessages 測試錯誤訊息被丟棄或回覆錯誤，連線保持可用
func TestGateway_BadMessages(t *testing.T) {
	e := newEnv(t)
	a := e.dial(t, "/ws/pong/r3")

	send(t, a, `not json`)
	send(t, a, `{"player_id":1}`)
	send(t, a, `{"type":"update_player","action_type":"key_down","key":"w"}`)

	send(t, a, `{"type":"init_player"}`)
	msg := readUntil(t, a, isType("error"))
	assert.Equal(t, "MISSING_FIELD", msg.Code)

	send(t, a, `{"type":"client_ready","player_id":9}`)
	msg = readUntil(t, a, isType("error"))
	assert.Equal(t, "UNKNOWN_PLAYER", msg.Code)

	send(t, a, `{"type":"init_player","player_id":1}`)
	send(t, a, `{"type":"ping","time":1}`)
	readUntil(t, a, isType("pong"))

	s, err := e.registry.GetMatch("r3")
	require.NoError(t, err)
	assert.Equal(t, 1, s.PlayerCount())
}

// TestGateway_RejectsUnknownGame 測試未知遊戲或不支援的模式在升級前返回 HTTP 錯誤
func TestGateway_RejectsUnknownGame(t *testing.T) {
	e := newEnv(t)

	_, resp, err := websocket.DefaultDialer.Dial(e.url+"/ws/chess/r1", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(e.url+"/ws/pong/matchmaking", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Liars Bar 的機器人不會自己出牌
	_, resp, err = websocket.DefaultDialer.Dial(e.url+"/ws/liarsbar/singleplayer", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, e.registry.List())
}

// TestGateway_SinglePlayer 測試單人模式由機器人補位後直接開始
func TestGateway_SinglePlayer(t *testing.T) {
	e := newEnv(t)
	a := e.dial(t, "/ws/pong/singleplayer")

	send(t, a, `{"type":"init_player","player_id":7}`)
	readUntil(t, a, isEvent(session.EventGameStarted))

	list := e.registry.List()
	require.Len(t, list, 1)
	assert.Equal(t, session.KindSinglePlayer, list[0].Kind)
	assert.True(t, strings.HasPrefix(list[0].RoomID, "pong_singleplayer_"))
}

// TestGateway_Matchmaking 測試成局後兩位玩家收到同一個房間
func TestGateway_Matchmaking(t *testing.T) {
	e := newEnv(t)
	q := matchmaking.NewGroupQueue(pong.GameName, 2, e.gateway.HandleMatch, logger.Discard())
	e.gateway.AddQueue(q)

	a := e.dial(t, "/ws/pong/matchmaking")
	b := e.dial(t, "/ws/pong/matchmaking")

	send(t, a, `{"type":"join_matchmaking","player_id":1}`)
	send(t, a, `{"type":"join_matchmaking","player_id":1}`)
	msg := readUntil(t, a, isType("error"))
	assert.Equal(t, "DUPLICATE_ID", msg.Code)

	// 舊客戶端使用 action 欄位
	send(t, b, `{"action":"join_matchmaking","player_id":2}`)

	ma := readUntil(t, a, isType("setup_pong_lobby"))
	mb := readUntil(t, b, isType("setup_pong_lobby"))
	assert.NotEmpty(t, ma.RoomName)
	assert.Equal(t, ma.RoomName, mb.RoomName)
	assert.Empty(t, e.gateway.Waiting()[pong.GameName])
}

// TestGateway_MatchmakingLeaveOnClose 測試排隊中斷線會離開佇列
func TestGateway_MatchmakingLeaveOnClose(t *testing.T) {
	e := newEnv(t)
	q := matchmaking.NewGroupQueue(pong.GameName, 2, e.gateway.HandleMatch, logger.Discard())
	e.gateway.AddQueue(q)

	a := e.dial(t, "/ws/pong/matchmaking")
	send(t, a, `{"type":"join_matchmaking","player_id":1}`)
	assert.Eventually(t, func() bool {
		n, _ := q.Len(t.Context())
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close())
	assert.Eventually(t, func() bool {
		n, _ := q.Len(t.Context())
		return n == 0
	}, 2*time.Second, 10*time.Millisecond)
}
