package session

import (
	"slices"
	"sync"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
	apperrors "github.com/koopa0/system-design/14-match-engine/pkg/errors"
)

// EngineBuilder 每個房間都拿到全新的引擎實例
type EngineBuilder func() engine.Engine

// Factory 依遊戲名稱與房間類型建立 Session
type Factory struct {
	opts Options

	mu       sync.RWMutex
	builders map[string]EngineBuilder
}

// NewFactory 創建工廠
func NewFactory(opts Options) *Factory {
	return &Factory{
		opts:     opts,
		builders: make(map[string]EngineBuilder),
	}
}

// Register 註冊遊戲；同名時覆蓋
func (f *Factory) Register(game string, build EngineBuilder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[game] = build
}

// Games 已註冊的遊戲（排序後）
func (f *Factory) Games() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	games := make([]string, 0, len(f.builders))
	for g := range f.builders {
		games = append(games, g)
	}
	slices.Sort(games)
	return games
}

// Supports 是否支援該遊戲
func (f *Factory) Supports(game string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.builders[game]
	return ok
}

// Build 建立 Session
func (f *Factory) Build(game, roomID string, kind Kind, onClose func(roomID string)) (Session, error) {
	f.mu.RLock()
	build, ok := f.builders[game]
	f.mu.RUnlock()
	if !ok {
		return nil, apperrors.ErrInvalidInput.WithDetails("unknown game %q", game)
	}
	if roomID == "" {
		return nil, apperrors.ErrMissingField.WithDetails("room_id")
	}

	eng := build()
	if kind == KindSinglePlayer {
		if bc, ok := eng.(engine.BotController); !ok || !bc.ControlsBots() {
			return nil, apperrors.ErrInvalidInput.WithDetails("game %q has no single-player mode", game)
		}
	}
	switch kind {
	case KindLobby, KindSinglePlayer:
		return NewLobby(roomID, kind, eng, f.opts, onClose), nil
	case KindTournament:
		return NewTournament(roomID, eng, f.opts, onClose), nil
	}
	return nil, apperrors.ErrInvalidInput.WithDetails("unknown room kind %q", kind)
}
