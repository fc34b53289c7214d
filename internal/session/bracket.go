package session

import (
	"slices"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
	apperrors "github.com/koopa0/system-design/14-match-engine/pkg/errors"
)

// Pair 一場對戰
type Pair struct {
	A engine.PlayerID `json:"a"`
	B engine.PlayerID `json:"b"`
}

// Has 是否包含該玩家
func (p Pair) Has(id engine.PlayerID) bool {
	return p.A == id || p.B == id
}

// Bracket 單淘汰賽程（純資料結構，不做 I/O）
//
// 每輪依順序兩兩配對；人數為奇數時最後一位輪空，直接進入本輪勝者。
// 任何時刻：存活人數 = 待打場次×2 + 進行中場次×2 + 本輪勝者數。
type Bracket struct {
	rounds     [][]Pair
	next       int // 當前輪下一場的索引
	inPlay     *Pair
	winners    []engine.PlayerID
	eliminated []engine.PlayerID
	byes       int
	done       bool
	champion   engine.PlayerID
}

// NewBracket 依加入順序建立第一輪
func NewBracket(players []engine.PlayerID) (*Bracket, error) {
	if len(players) < 2 {
		return nil, apperrors.ErrInvalidInput.WithDetails("bracket needs at least 2 players, got %d", len(players))
	}
	seen := make(map[engine.PlayerID]struct{}, len(players))
	for _, id := range players {
		if _, dup := seen[id]; dup {
			return nil, apperrors.ErrDuplicateID.WithDetails("player %d appears twice in bracket", id)
		}
		seen[id] = struct{}{}
	}

	b := &Bracket{}
	b.startRound(players)
	return b, nil
}

func (b *Bracket) startRound(entrants []engine.PlayerID) {
	b.winners = nil
	b.next = 0

	pairs := make([]Pair, 0, len(entrants)/2)
	for i := 0; i+1 < len(entrants); i += 2 {
		pairs = append(pairs, Pair{A: entrants[i], B: entrants[i+1]})
	}
	if len(entrants)%2 == 1 {
		b.winners = append(b.winners, entrants[len(entrants)-1])
		b.byes++
	}
	b.rounds = append(b.rounds, pairs)
}

func (b *Bracket) current() []Pair {
	return b.rounds[len(b.rounds)-1]
}

// NextMatch 取出當前輪的下一場；沒有時返回 false
func (b *Bracket) NextMatch() (Pair, bool) {
	if b.done || b.inPlay != nil {
		return Pair{}, false
	}
	round := b.current()
	if b.next >= len(round) {
		return Pair{}, false
	}
	p := round[b.next]
	b.next++
	b.inPlay = &p
	return p, true
}

// RecordResult 記錄進行中那場的結果
func (b *Bracket) RecordResult(winner, loser engine.PlayerID) error {
	if b.inPlay == nil {
		return apperrors.ErrInvalidState.WithDetails("no match in play")
	}
	if winner == loser || !b.inPlay.Has(winner) || !b.inPlay.Has(loser) {
		return apperrors.ErrInvalidInput.WithDetails("result %d/%d does not match %d vs %d", winner, loser, b.inPlay.A, b.inPlay.B)
	}
	b.winners = append(b.winners, winner)
	b.eliminated = append(b.eliminated, loser)
	b.inPlay = nil
	return nil
}

// SetupNextRound 當前輪打完後呼叫
//
// 勝者少於兩人時比賽結束並返回冠軍；否則用勝者建立下一輪。
// 當前輪還有未打完的場次時不做任何事。
func (b *Bracket) SetupNextRound() (done bool, champion engine.PlayerID) {
	if b.done {
		return true, b.champion
	}
	if b.inPlay != nil || b.next < len(b.current()) {
		return false, 0
	}
	if len(b.winners) < 2 {
		b.done = true
		if len(b.winners) == 1 {
			b.champion = b.winners[0]
		}
		return true, b.champion
	}
	b.startRound(slices.Clone(b.winners))
	return false, 0
}

// Round 當前輪次（從 1 開始）
func (b *Bracket) Round() int { return len(b.rounds) }

// Rounds 所有已建立的輪次
func (b *Bracket) Rounds() [][]Pair {
	out := make([][]Pair, len(b.rounds))
	for i, r := range b.rounds {
		out[i] = slices.Clone(r)
	}
	return out
}

// Pending 當前輪尚未開打的場次
func (b *Bracket) Pending() []Pair {
	return slices.Clone(b.current()[b.next:])
}

// InPlay 進行中的場次
func (b *Bracket) InPlay() (Pair, bool) {
	if b.inPlay == nil {
		return Pair{}, false
	}
	return *b.inPlay, true
}

// Winners 本輪已晉級者（含輪空）
func (b *Bracket) Winners() []engine.PlayerID { return slices.Clone(b.winners) }

// Eliminated 依淘汰順序
func (b *Bracket) Eliminated() []engine.PlayerID { return slices.Clone(b.eliminated) }

// Byes 累計輪空次數
func (b *Bracket) Byes() int { return b.byes }

// Done 是否已產生冠軍
func (b *Bracket) Done() bool { return b.done }

// Champion 冠軍
func (b *Bracket) Champion() (engine.PlayerID, bool) {
	return b.champion, b.done && len(b.winners) == 1
}

// Alive 仍在賽程中的人數
func (b *Bracket) Alive() int {
	n := 2*len(b.Pending()) + len(b.winners)
	if b.inPlay != nil {
		n += 2
	}
	return n
}
