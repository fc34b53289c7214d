package engine

import (
	apperrors "github.com/koopa0/system-design/14-match-engine/pkg/errors"
)

// PlayerBase 所有具體玩家共有的欄位
type PlayerBase struct {
	ID    PlayerID        `json:"player_id"`
	Seat  int             `json:"seat"`
	IsBot bool            `json:"is_bot"`
	State ConnectionState `json:"player_connection_state"`
}

// Base 返回共有欄位
func (b *PlayerBase) Base() *PlayerBase {
	return b
}

// Member 可放入 Roster 的玩家類型
type Member interface {
	Base() *PlayerBase
}

// Roster 依座位順序保存玩家
//
// 不變量：
//   - Len() <= limit
//   - 同一 ID 只會有一個座位
type Roster[P Member] struct {
	limit   int
	players map[PlayerID]P
	order   []PlayerID
}

// NewRoster 創建名冊
func NewRoster[P Member](limit int) *Roster[P] {
	return &Roster[P]{
		limit:   limit,
		players: make(map[PlayerID]P, limit),
		order:   make([]PlayerID, 0, limit),
	}
}

// Add 加入玩家
//
// 同一 ID 已斷線時恢復座位並返回 rejoined=true；仍在線則返回 DuplicateID。
func (r *Roster[P]) Add(id PlayerID, isBot bool, create func(base PlayerBase) P) (p P, rejoined bool, err error) {
	if existing, ok := r.players[id]; ok {
		base := existing.Base()
		if base.State == Connected {
			return p, false, apperrors.ErrDuplicateID.WithDetails("player_id=%d", id)
		}
		base.State = Connected
		return existing, true, nil
	}

	if len(r.order) >= r.limit {
		return p, false, apperrors.ErrCapacity.WithDetails("max_players=%d", r.limit)
	}

	p = create(PlayerBase{
		ID:    id,
		Seat:  len(r.order),
		IsBot: isBot,
		State: Connected,
	})
	r.players[id] = p
	r.order = append(r.order, id)
	return p, false, nil
}

// Get 取得玩家
func (r *Roster[P]) Get(id PlayerID) (P, bool) {
	p, ok := r.players[id]
	return p, ok
}

// MustGet 取得玩家，不存在時返回 UnknownPlayer
func (r *Roster[P]) MustGet(id PlayerID) (P, error) {
	p, ok := r.players[id]
	if !ok {
		return p, apperrors.ErrUnknownPlayer.WithDetails("player_id=%d", id)
	}
	return p, nil
}

// Disconnect 標記斷線
func (r *Roster[P]) Disconnect(id PlayerID) error {
	p, err := r.MustGet(id)
	if err != nil {
		return err
	}
	p.Base().State = Disconnected
	return nil
}

// At 依座位取得玩家
func (r *Roster[P]) At(seat int) (P, bool) {
	var zero P
	if seat < 0 || seat >= len(r.order) {
		return zero, false
	}
	return r.players[r.order[seat]], true
}

// IDs 依座位順序返回 ID
func (r *Roster[P]) IDs() []PlayerID {
	ids := make([]PlayerID, len(r.order))
	copy(ids, r.order)
	return ids
}

// Each 依座位順序遍歷
func (r *Roster[P]) Each(fn func(p P)) {
	for _, id := range r.order {
		fn(r.players[id])
	}
}

// Len 玩家數
func (r *Roster[P]) Len() int {
	return len(r.order)
}

// Max 玩家上限
func (r *Roster[P]) Max() int {
	return r.limit
}

// Full 是否已滿
func (r *Roster[P]) Full() bool {
	return len(r.order) >= r.limit
}

// HasBot 是否有機器人
func (r *Roster[P]) HasBot() bool {
	for _, id := range r.order {
		if r.players[id].Base().IsBot {
			return true
		}
	}
	return false
}

// Clear 清空名冊
func (r *Roster[P]) Clear() {
	r.players = make(map[PlayerID]P, r.limit)
	r.order = r.order[:0]
}
