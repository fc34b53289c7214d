package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
	"github.com/koopa0/system-design/14-match-engine/internal/matchmaking"
	"github.com/koopa0/system-design/14-match-engine/internal/session"
	"github.com/koopa0/system-design/14-match-engine/internal/transport"
	apperrors "github.com/koopa0/system-design/14-match-engine/pkg/errors"
	"github.com/koopa0/system-design/14-match-engine/pkg/logger"
)

// 入站訊息類型
const (
	TypeInitPlayer          = "init_player"
	TypeClientReady         = "client_ready"
	TypeHostStartTournament = "host_start_tournament"
	TypeUpdatePlayer        = "update_player"
	TypeUnexpectedQuit      = "unexpected_quit"
	TypeQuitGame            = "quit_game"
	TypeJoinMatchmaking     = "join_matchmaking"
)

// Inbound 客戶端訊息；update_player 的 id 可能是 playerId 或 player_id
type Inbound struct {
	Type     string           `json:"type"`
	Action   string           `json:"action"`
	PlayerID *engine.PlayerID `json:"player_id"`
	CamelID  *engine.PlayerID `json:"playerId"`
	engine.Input
}

// player 訊息中的玩家 ID
func (m Inbound) player() (engine.PlayerID, bool) {
	switch {
	case m.PlayerID != nil:
		return *m.PlayerID, true
	case m.CamelID != nil:
		return *m.CamelID, true
	}
	return 0, false
}

// binding 連線綁定的玩家
type binding struct {
	mu    sync.Mutex
	id    engine.PlayerID
	bound bool
}

func (b *binding) get() (engine.PlayerID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id, b.bound
}

func (b *binding) bind(id engine.PlayerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.id, b.bound = id, true
}

// release 解除綁定並返回原本的玩家
func (b *binding) release() (engine.PlayerID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.id, b.bound
	b.bound = false
	return id, ok
}

// roomClient 房間連線（Lobby / Tournament / 單人）
type roomClient struct {
	sess   session.Session
	logger *slog.Logger
	player binding
}

var _ transport.MessageHandler = (*roomClient)(nil)

// OnMessage 依序處理同一連線的訊息
func (c *roomClient) OnMessage(conn *transport.Conn, data []byte) {
	msg, ok := decode(c.logger, data)
	if !ok {
		return
	}

	bound, isBound := c.player.get()
	// 訊息沒帶 id 時使用連線綁定的玩家
	target, hasTarget := msg.player()
	if !hasTarget {
		target, hasTarget = bound, isBound
	}

	var err error
	switch msg.Type {
	case TypeInitPlayer:
		if isBound {
			c.logger.Debug("連線已綁定玩家，忽略 init_player", "player_id", bound)
			return
		}
		if err = c.sess.AddPlayer(session.InitPlayer{PlayerID: msg.PlayerID}, false); err == nil {
			c.player.bind(*msg.PlayerID)
		}

	case TypeClientReady:
		if !hasTarget {
			c.logger.Warn("client_ready 沒有玩家")
			return
		}
		err = c.sess.MarkReady(target)

	case TypeHostStartTournament:
		err = c.sess.Start(bound)

	case TypeUpdatePlayer:
		if !hasTarget {
			c.logger.Warn("update_player 沒有玩家")
			return
		}
		if isBound && target != bound {
			c.logger.Warn("丟棄其他玩家的輸入", "player_id", target, "bound", bound)
			return
		}
		err = c.sess.UpdatePlayer(target, msg.Input)

	case TypeUnexpectedQuit, TypeQuitGame:
		if !hasTarget {
			c.logger.Warn("quit 沒有玩家", "type", msg.Type)
			return
		}
		if isBound && target == bound {
			c.player.release()
		}
		err = c.sess.PlayerQuit(target)

	default:
		c.logger.Debug("忽略未知訊息", "type", msg.Type)
		return
	}

	if err != nil {
		c.logger.Warn("處理訊息失敗", "type", msg.Type, "conn_id", conn.ID(), "error", err)
		sendError(conn, err)
	}
}

// OnDisconnect 連線關閉等同於綁定的玩家離開
func (c *roomClient) OnDisconnect(conn *transport.Conn) {
	id, ok := c.player.release()
	if !ok {
		return
	}
	if err := c.sess.PlayerQuit(id); err != nil && !apperrors.IsUnknownPlayer(err) {
		c.logger.Warn("斷線處理失敗", "player_id", id, "conn_id", conn.ID(), "error", err)
	}
}

// queueClient 配對連線
type queueClient struct {
	gw     *Gateway
	queue  matchmaking.Queue
	logger *slog.Logger
	player binding
}

var _ transport.MessageHandler = (*queueClient)(nil)

// OnMessage 只處理 join_matchmaking
func (c *queueClient) OnMessage(conn *transport.Conn, data []byte) {
	msg, ok := decode(c.logger, data)
	if !ok {
		return
	}
	if msg.Type != TypeJoinMatchmaking {
		c.logger.Debug("忽略未知訊息", "type", msg.Type)
		return
	}

	id, ok := msg.player()
	if !ok {
		sendError(conn, apperrors.ErrMissingField.WithDetails("player_id"))
		return
	}
	if bound, isBound := c.player.get(); isBound && bound != id {
		c.logger.Warn("連線已綁定其他玩家", "player_id", id, "bound", bound)
		return
	}

	game := c.queue.Game()
	// 先登記連線：同步佇列會在 Join 內直接成局
	c.gw.addWaiting(game, id, conn)
	c.player.bind(id)

	ctx, cancel := context.WithTimeout(context.Background(), c.gw.timeout)
	defer cancel()
	if err := c.queue.Join(ctx, matchmaking.Ticket{PlayerID: id}); err != nil {
		if !apperrors.IsDuplicateID(err) {
			c.gw.removeWaiting(game, id, conn)
		}
		c.logger.WarnContext(logger.WithPlayerID(ctx, int64(id)), "加入佇列失敗", "error", err)
		sendError(conn, err)
	}
}

// OnDisconnect 仍在排隊時離開佇列
func (c *queueClient) OnDisconnect(conn *transport.Conn) {
	id, ok := c.player.release()
	if !ok {
		return
	}
	game := c.queue.Game()
	if !c.gw.removeWaiting(game, id, conn) {
		return // 已成局或被新連線取代
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.gw.timeout)
	defer cancel()
	if err := c.queue.Leave(ctx, id); err != nil {
		c.logger.Warn("離開佇列失敗", "player_id", id, "error", err)
	}
}
