package engine

import (
	"fmt"
	"time"
)

// ScoringStrategy 經驗值與積分計算
//
// 各版本使用過不同的 MMR 公式，這裡統一成一個介面。
type ScoringStrategy interface {
	Score(duration time.Duration, won bool) (xp, rating int)
}

// FlatScoring 固定勝負分
type FlatScoring struct {
	WinXP      int
	LoseXP     int
	WinRating  int
	LoseRating int
}

// DefaultFlatScoring 勝 100 / 負 10 經驗，積分同值
func DefaultFlatScoring() FlatScoring {
	return FlatScoring{WinXP: 100, LoseXP: 10, WinRating: 100, LoseRating: 10}
}

// Score 實現 ScoringStrategy
func (s FlatScoring) Score(_ time.Duration, won bool) (int, int) {
	if won {
		return s.WinXP, s.WinRating
	}
	return s.LoseXP, s.LoseRating
}

// DurationScaledScoring 勝方積分隨比賽時長增加
//
//	勝方：Base + Step × ⌊duration / Interval⌋，上限 Max
//	負方：固定扣 Floor
type DurationScaledScoring struct {
	WinXP    int
	LoseXP   int
	Base     int
	Step     int
	Interval time.Duration
	Max      int
	Floor    int
}

// DefaultDurationScoring 預設參數
func DefaultDurationScoring() DurationScaledScoring {
	return DurationScaledScoring{
		WinXP:    100,
		LoseXP:   10,
		Base:     15,
		Step:     5,
		Interval: time.Minute,
		Max:      40,
		Floor:    15,
	}
}

// Score 實現 ScoringStrategy
func (s DurationScaledScoring) Score(d time.Duration, won bool) (int, int) {
	if !won {
		return s.LoseXP, -s.Floor
	}
	gain := s.Base
	if s.Interval > 0 && d > 0 {
		gain += s.Step * int(d/s.Interval)
	}
	if gain > s.Max {
		gain = s.Max
	}
	return s.WinXP, gain
}

// NewScoring 依名稱建立策略
func NewScoring(name string) (ScoringStrategy, error) {
	switch name {
	case "flat":
		return DefaultFlatScoring(), nil
	case "", "duration":
		return DefaultDurationScoring(), nil
	default:
		return nil, fmt.Errorf("unknown scoring strategy %q", name)
	}
}
