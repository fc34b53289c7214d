// Package session 管理一場進行中的比賽
//
// 系統設計問題：
//
//	如何讓每個房間以固定頻率推進遊戲，同時安全地接收玩家輸入？
//
// 核心挑戰：
//  1. 輸入不能在 tick 中途套用（鎖只包住 Tick + Snapshot）
//  2. 重複的 ready / start 不能啟動第二個 tick 迴圈
//  3. 提前結束（斷線棄權）仍要廣播結束並持久化
//  4. 單一房間出錯不能影響其他房間
//
// 設計方案：
//
//	Lobby      - 一個引擎、一個 tick goroutine（context 取消）
//	Tournament - 單淘汰賽，Bracket 排程，重用同一個引擎
//	廣播在釋放鎖之後進行，慢連線不會拖住 tick
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
	"github.com/koopa0/system-design/14-match-engine/internal/storage"
)

// Kind 房間類型
type Kind string

const (
	KindLobby        Kind = "lobby"
	KindTournament   Kind = "tournament"
	KindSinglePlayer Kind = "singleplayer"
)

// ParseKind 解析房間類型
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case KindLobby, KindTournament, KindSinglePlayer:
		return k, true
	}
	return "", false
}

// Status 房間狀態
type Status string

const (
	StatusToSetup            Status = "TO_SETUP"
	StatusPlaying            Status = "PLAYING"
	StatusEnded              Status = "ENDED"
	StatusPlayerDisconnected Status = "PLAYER_DISCONNECTED"
)

// InitPlayer init_player 訊息內容；player_id 缺少時為 nil
type InitPlayer struct {
	PlayerID *engine.PlayerID `json:"player_id"`
}

// Session Lobby 與 Tournament 的共同介面，由 registry 持有
type Session interface {
	RoomID() string
	Game() string
	Kind() Kind
	Group() string
	Status() Status

	AddPlayer(init InitPlayer, isBot bool) error
	MarkReady(id engine.PlayerID) error
	Start(by engine.PlayerID) error
	UpdatePlayer(id engine.PlayerID, in engine.Input) error

	// PlayerQuit 玩家離開（unexpected_quit / quit_game / 連線關閉）
	PlayerQuit(id engine.PlayerID) error

	// Close 提前結束；id 非 0 時記為該玩家棄權
	Close(id engine.PlayerID) error

	Snapshot() any
	PlayerCount() int

	// Done 結束並持久化完成後關閉
	Done() <-chan struct{}
}

// Broadcaster 傳輸層的群組廣播
type Broadcaster interface {
	SendToGroup(group string, msg []byte)
}

// Store 終局時使用的持久化操作
type Store interface {
	SaveMatch(ctx context.Context, res engine.Result) (storage.MatchRecord, error)
	UpdateStats(ctx context.Context, id engine.PlayerID, xpDelta, ratingDelta int, outcome engine.Outcome) error
	SaveTournament(ctx context.Context, t storage.TournamentRecord) (storage.TournamentRecord, error)
}

// Publisher 結果事件發佈
type Publisher interface {
	PublishMatch(ctx context.Context, roomID string, rec storage.MatchRecord) error
	PublishTournament(ctx context.Context, rec storage.TournamentRecord) error
}

// Options 房間共用參數
type Options struct {
	TickInterval   time.Duration
	ReadyOnJoin    bool
	PersistTimeout time.Duration

	// Tournament
	TournamentSize int
	MatchDelay     time.Duration

	Store       Store
	Publisher   Publisher
	Broadcaster Broadcaster
	Logger      *slog.Logger
	Clock       engine.Clock
}

func (o Options) withDefaults() Options {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second / 60
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 10 * time.Second
	}
	if o.TournamentSize < 2 {
		o.TournamentSize = 4
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}
