package engine

import "time"

// Outcome 比賽結果
type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLose Outcome = "lose"
)

// Participant 單一玩家的結算
type Participant struct {
	ID          PlayerID `json:"player_id"`
	Seat        int      `json:"seat"`
	Score       int      `json:"score"`
	Outcome     Outcome  `json:"outcome"`
	XP          int      `json:"xp"`
	RatingDelta int      `json:"rating_delta"`
}

// Result 一場比賽的結算，交給持久化協作者
type Result struct {
	Game         string        `json:"game"`
	Participants []Participant `json:"participants"`
	Winner       PlayerID      `json:"winner"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      time.Time     `json:"ended_at"`
	Forfeit      bool          `json:"forfeit"`
}

// Duration 比賽時長
func (r Result) Duration() time.Duration {
	if r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Participant 取得指定玩家的結算
func (r Result) Participant(id PlayerID) (Participant, bool) {
	for _, p := range r.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}
