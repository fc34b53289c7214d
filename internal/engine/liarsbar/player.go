package liarsbar

import (
	"sort"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
)

// Status 生存狀態
type Status string

const (
	Live Status = "LIVE"
	Died Status = "DIED"
)

// 客戶端按鍵
const (
	KeyPrev   = "KeyA"
	KeyNext   = "KeyD"
	KeySelect = "KeyE"
	KeySubmit = "Enter"
	KeyDoubt  = "Space"
)

// Player Liars Bar 玩家
type Player struct {
	engine.PlayerBase
	Status         Status `json:"status"`
	Hand           []Card `json:"cards"`
	SelectionIndex int    `json:"selection_index"`
	Selected       []int  `json:"selected_index"`
	Doubting       bool   `json:"doubting"`
	CardSent       bool   `json:"card_sent"`
}

// Alive 是否存活
func (p *Player) Alive() bool {
	return p.Status == Live
}

// resetTurnFlags 每輪開始時清除回合旗標
func (p *Player) resetTurnFlags() {
	p.SelectionIndex = 0
	p.Selected = nil
	p.Doubting = false
	p.CardSent = false
}

func (p *Player) moveCursor(delta int) {
	n := len(p.Hand)
	if n == 0 {
		p.SelectionIndex = 0
		return
	}
	p.SelectionIndex = ((p.SelectionIndex+delta)%n + n) % n
}

func (p *Player) toggleSelected() {
	if len(p.Hand) == 0 {
		return
	}
	idx := p.SelectionIndex
	for i, s := range p.Selected {
		if s == idx {
			p.Selected = append(p.Selected[:i], p.Selected[i+1:]...)
			return
		}
	}
	p.Selected = append(p.Selected, idx)
}

// takeSelected 從手牌取出選中的牌（依手牌順序）
func (p *Player) takeSelected() []Card {
	if len(p.Selected) == 0 {
		return nil
	}
	idx := append([]int(nil), p.Selected...)
	sort.Ints(idx)

	picked := make([]Card, 0, len(idx))
	keep := p.Hand[:0:0]
	next := 0
	for i, c := range p.Hand {
		if next < len(idx) && idx[next] == i {
			picked = append(picked, c)
			next++
			continue
		}
		keep = append(keep, c)
	}
	p.Hand = keep
	p.Selected = nil
	p.moveCursor(0)
	return picked
}

func (p *Player) clone() Player {
	cp := *p
	cp.Hand = append([]Card(nil), p.Hand...)
	cp.Selected = append([]int(nil), p.Selected...)
	return cp
}
