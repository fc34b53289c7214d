// Package gateway 把 WebSocket 連線接到房間與配對佇列
//
// 路由：
//
//	/ws/{game}/{room_id}             - Lobby
//	/ws/{game}/tournament/{room_id}  - Tournament
//	/ws/{game}/singleplayer          - 單人（機器人補位）
//	/ws/{game}/matchmaking           - 配對佇列
//
// 每條連線綁定一位玩家（第一次成功的 init_player / join_matchmaking），
// 連線關閉時視為該玩家離開。
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
	"github.com/koopa0/system-design/14-match-engine/internal/matchmaking"
	"github.com/koopa0/system-design/14-match-engine/internal/session"
	"github.com/koopa0/system-design/14-match-engine/internal/transport"
	apperrors "github.com/koopa0/system-design/14-match-engine/pkg/errors"
	"github.com/koopa0/system-design/14-match-engine/pkg/logger"
)

// Registry 房間表（registry.Registry 實現此介面）
type Registry interface {
	CreateMatch(ctx context.Context, game, roomID string, kind session.Kind) (session.Session, bool, error)
}

// Gateway 連線接入
type Gateway struct {
	registry Registry
	hub      *transport.Hub
	logger   *slog.Logger
	timeout  time.Duration

	mu      sync.Mutex
	queues  map[string]matchmaking.Queue
	waiting map[string]map[engine.PlayerID]*transport.Conn // game → 本進程排隊中的連線
}

// New 創建 Gateway
func New(reg Registry, hub *transport.Hub, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		registry: reg,
		hub:      hub,
		logger:   logger,
		timeout:  5 * time.Second,
		queues:   make(map[string]matchmaking.Queue),
		waiting:  make(map[string]map[engine.PlayerID]*transport.Conn),
	}
}

// AddQueue 註冊遊戲的配對佇列；佇列的 Handler 應該是 g.HandleMatch
func (g *Gateway) AddQueue(q matchmaking.Queue) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queues[q.Game()] = q
}

func (g *Gateway) queue(game string) (matchmaking.Queue, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	q, ok := g.queues[game]
	return q, ok
}

// Register 註冊 WebSocket 路由
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{game}/{room_id}", g.serveRoom(session.KindLobby))
	mux.HandleFunc("GET /ws/{game}/tournament/{room_id}", g.serveRoom(session.KindTournament))
	mux.HandleFunc("GET /ws/{game}/singleplayer", g.serveSinglePlayer)
	mux.HandleFunc("GET /ws/{game}/matchmaking", g.serveMatchmaking)
}

// serveRoom 升級前先取得或建立房間，失敗時直接返回 HTTP 錯誤
func (g *Gateway) serveRoom(kind session.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.attach(w, r, r.PathValue("game"), r.PathValue("room_id"), kind)
	}
}

func (g *Gateway) serveSinglePlayer(w http.ResponseWriter, r *http.Request) {
	game := r.PathValue("game")
	roomID := fmt.Sprintf("%s_singleplayer_%s", game, uuid.NewString())
	g.attach(w, r, game, roomID, session.KindSinglePlayer)
}

func (g *Gateway) attach(w http.ResponseWriter, r *http.Request, game, roomID string, kind session.Kind) {
	ctx, cancel := context.WithTimeout(r.Context(), g.timeout)
	defer cancel()

	sess, _, err := g.registry.CreateMatch(ctx, game, roomID, kind)
	if err != nil {
		g.logger.WarnContext(logger.WithRoomID(ctx, roomID), "無法取得房間", "game", game, "kind", kind, "error", err)
		http.Error(w, err.Error(), apperrors.HTTPStatus(err))
		return
	}

	c := &roomClient{sess: sess, logger: g.logger.With("room_id", roomID, "game", game)}
	conn, err := g.hub.Upgrade(w, r, c, sess.Group())
	if err != nil {
		g.logger.Error("WebSocket 升級失敗", "room_id", roomID, "error", err)
		return
	}
	c.logger.Debug("連線加入房間", "conn_id", conn.ID(), "kind", kind)
}

func (g *Gateway) serveMatchmaking(w http.ResponseWriter, r *http.Request) {
	game := r.PathValue("game")
	q, ok := g.queue(game)
	if !ok {
		http.Error(w, fmt.Sprintf("no matchmaking for %q", game), http.StatusNotFound)
		return
	}

	c := &queueClient{gw: g, queue: q, logger: g.logger.With("game", game)}
	if _, err := g.hub.Upgrade(w, r, c); err != nil {
		g.logger.Error("WebSocket 升級失敗", "game", game, "error", err)
	}
}

// MatchFound 成局通知
type MatchFound struct {
	Type     string            `json:"type"`
	RoomName string            `json:"room_name"`
	RoomID   string            `json:"room_id"`
	Game     string            `json:"game"`
	Players  []engine.PlayerID `json:"players"`
	Forced   bool              `json:"forced,omitempty"`
}

// HandleMatch 佇列成局時呼叫：通知本進程持有的玩家連線
//
// 分散式佇列下每個進程都會收到，只有持有連線的那個會送出。
func (g *Gateway) HandleMatch(m matchmaking.Match) {
	msg := MatchFound{
		Type:     fmt.Sprintf("setup_%s_lobby", m.Game),
		RoomName: m.RoomID,
		RoomID:   m.RoomID,
		Game:     m.Game,
		Players:  m.Players,
		Forced:   m.Forced,
	}

	g.mu.Lock()
	conns := make([]*transport.Conn, 0, len(m.Players))
	for _, id := range m.Players {
		if c, ok := g.waiting[m.Game][id]; ok {
			conns = append(conns, c)
			delete(g.waiting[m.Game], id)
		}
	}
	g.mu.Unlock()

	for _, c := range conns {
		if !c.SendJSON(msg) {
			g.logger.Warn("成局通知發送失敗", "room_id", m.RoomID, "conn_id", c.ID())
		}
	}
	g.logger.Debug("成局通知", "room_id", m.RoomID, "local", len(conns), "players", len(m.Players))
}

func (g *Gateway) addWaiting(game string, id engine.PlayerID, c *transport.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.waiting[game] == nil {
		g.waiting[game] = make(map[engine.PlayerID]*transport.Conn)
	}
	g.waiting[game][id] = c
}

// removeWaiting 只移除仍然指向 c 的項目
func (g *Gateway) removeWaiting(game string, id engine.PlayerID, c *transport.Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.waiting[game][id]; ok && cur == c {
		delete(g.waiting[game], id)
		return true
	}
	return false
}

// Waiting 本進程排隊中的連線數
func (g *Gateway) Waiting() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int, len(g.waiting))
	for game, m := range g.waiting {
		out[game] = len(m)
	}
	return out
}

// Queues 已註冊的佇列
func (g *Gateway) Queues() []matchmaking.Queue {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]matchmaking.Queue, 0, len(g.queues))
	for _, q := range g.queues {
		out = append(out, q)
	}
	return out
}

// errorMessage 單播給發出請求的連線
type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func sendError(c *transport.Conn, err error) {
	msg := errorMessage{Type: "error", Code: apperrors.ErrCodeInternal, Message: err.Error()}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		msg.Code = appErr.Code
	}
	c.SendJSON(msg)
}

// decode 解析入站訊息；失敗時記錄並丟棄
func decode(logger *slog.Logger, data []byte) (Inbound, bool) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Warn("丟棄無法解析的訊息", "error", err, "size", len(data))
		return Inbound{}, false
	}
	if msg.Type == "" {
		msg.Type = msg.Action
	}
	if msg.Type == "" {
		logger.Warn("丟棄缺少 type 的訊息")
		return Inbound{}, false
	}
	return msg, true
}
