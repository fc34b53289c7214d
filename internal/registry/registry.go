// Package registry 房間 ID 到 Session 的共享查詢表
//
// 系統設計問題：
//
//	每條連線的接入處理都會 create / get / remove，
//	如何保證同一個 room_id 只會有一個 Session？
//
// 設計方案：
//
//	✅ 單一互斥鎖保護 map，create 在鎖內完成「查詢 → 建立 → 寫入」
//	✅ Session 結束時透過 onClose 回呼移除自己
//	✅ 多進程部署時加上 Ownership（Redis SET NX），同一房間只由一個進程持有
package registry

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-match-engine/internal/session"
	apperrors "github.com/koopa0/system-design/14-match-engine/pkg/errors"
)

// Builder 建立 Session（session.Factory 實現此介面）
type Builder interface {
	Build(game, roomID string, kind session.Kind, onClose func(roomID string)) (session.Session, error)
}

// Ownership 跨進程的房間持有權
type Ownership interface {
	Claim(ctx context.Context, roomID string) (bool, error)
	Release(ctx context.Context, roomID string) error
	Refresh(ctx context.Context, roomIDs []string) error
	TTL() time.Duration
}

// Registry 房間表
type Registry struct {
	builder Builder
	owner   Ownership
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	matches map[string]session.Session
	created int64
	removed int64
}

// Option 可選參數
type Option func(*Registry)

// WithOwnership 啟用跨進程持有權
func WithOwnership(o Ownership) Option {
	return func(r *Registry) { r.owner = o }
}

// WithLogger 設定日誌
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New 創建房間表
func New(builder Builder, opts ...Option) *Registry {
	r := &Registry{
		builder: builder,
		logger:  slog.Default(),
		timeout: 3 * time.Second,
		matches: make(map[string]session.Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateMatch 取得或建立房間
//
// 已存在時直接返回（created 為 false）；遊戲或類型不符時返回 InvalidState。
func (r *Registry) CreateMatch(ctx context.Context, game, roomID string, kind session.Kind) (session.Session, bool, error) {
	if roomID == "" {
		return nil, false, apperrors.ErrMissingField.WithDetails("room_id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.matches[roomID]; ok {
		if s.Game() != game || s.Kind() != kind {
			return nil, false, apperrors.ErrInvalidState.WithDetails(
				"room %s is a %s %s, not %s %s", roomID, s.Game(), s.Kind(), game, kind)
		}
		return s, false, nil
	}

	if r.owner != nil {
		claimCtx, cancel := context.WithTimeout(ctx, r.timeout)
		ok, err := r.owner.Claim(claimCtx, roomID)
		cancel()
		if err != nil {
			return nil, false, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "claim room")
		}
		if !ok {
			return nil, false, apperrors.ErrRoomOwnedByPeer.WithDetails("room %s", roomID)
		}
	}

	s, err := r.builder.Build(game, roomID, kind, r.RemoveMatch)
	if err != nil {
		r.release(roomID)
		return nil, false, err
	}
	r.matches[roomID] = s
	r.created++

	r.logger.Info("房間已建立", "room_id", roomID, "game", game, "kind", kind)
	return s, true, nil
}

// GetMatch 查詢房間
func (r *Registry) GetMatch(roomID string) (session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.matches[roomID]
	if !ok {
		return nil, apperrors.ErrNotFound.WithDetails("room %s", roomID)
	}
	return s, nil
}

// RemoveMatch 移除房間；不存在時只記錄日誌
func (r *Registry) RemoveMatch(roomID string) {
	r.mu.Lock()
	_, ok := r.matches[roomID]
	if ok {
		delete(r.matches, roomID)
		r.removed++
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("移除不存在的房間", "room_id", roomID)
		return
	}
	r.release(roomID)
	r.logger.Info("房間已移除", "room_id", roomID)
}

func (r *Registry) release(roomID string) {
	if r.owner == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.owner.Release(ctx, roomID); err != nil {
		r.logger.Warn("釋放房間持有權失敗", "room_id", roomID, "error", err)
	}
}

// Summary 房間摘要
type Summary struct {
	RoomID  string         `json:"room_id"`
	Game    string         `json:"game"`
	Kind    session.Kind   `json:"kind"`
	Status  session.Status `json:"status"`
	Players int            `json:"players"`
}

// List 依 room_id 排序的房間摘要
func (r *Registry) List() []Summary {
	sessions := r.sessions()
	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Summary{
			RoomID:  s.RoomID(),
			Game:    s.Game(),
			Kind:    s.Kind(),
			Status:  s.Status(),
			Players: s.PlayerCount(),
		})
	}
	slices.SortFunc(out, func(a, b Summary) int {
		return strings.Compare(a.RoomID, b.RoomID)
	})
	return out
}

// sessions 複製一份，之後呼叫 Session 方法時不持有 registry 的鎖
func (r *Registry) sessions() []session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.Session, 0, len(r.matches))
	for _, s := range r.matches {
		out = append(out, s)
	}
	return out
}

// Stats 統計資訊
type Stats struct {
	Active   int                    `json:"active"`
	Players  int                    `json:"players"`
	Created  int64                  `json:"created_total"`
	Removed  int64                  `json:"removed_total"`
	ByGame   map[string]int         `json:"by_game"`
	ByKind   map[session.Kind]int   `json:"by_kind"`
	ByStatus map[session.Status]int `json:"by_status"`
}

// Stats 實時統計
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	created, removed := r.created, r.removed
	r.mu.Unlock()

	st := Stats{
		Created:  created,
		Removed:  removed,
		ByGame:   make(map[string]int),
		ByKind:   make(map[session.Kind]int),
		ByStatus: make(map[session.Status]int),
	}
	for _, s := range r.sessions() {
		st.Active++
		st.Players += s.PlayerCount()
		st.ByGame[s.Game()]++
		st.ByKind[s.Kind()]++
		st.ByStatus[s.Status()]++
	}
	return st
}

// Run 定期續約持有權，直到 ctx 取消；沒有啟用 Ownership 時立即返回
func (r *Registry) Run(ctx context.Context) error {
	if r.owner == nil {
		return nil
	}
	interval := r.owner.TTL() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		r.mu.Lock()
		ids := make([]string, 0, len(r.matches))
		for id := range r.matches {
			ids = append(ids, id)
		}
		r.mu.Unlock()
		if len(ids) == 0 {
			continue
		}

		refreshCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := r.owner.Refresh(refreshCtx, ids)
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("續約房間持有權失敗", "rooms", len(ids), "error", err)
		}
	}
}

// Shutdown 關閉所有房間並等待結束（包含持久化）
func (r *Registry) Shutdown(ctx context.Context) error {
	sessions := r.sessions()
	for _, s := range sessions {
		if err := s.Close(0); err != nil {
			r.logger.Warn("關閉房間失敗", "room_id", s.RoomID(), "error", err)
		}
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.logger.Info("所有房間已關閉", "rooms", len(sessions))
	return nil
}
