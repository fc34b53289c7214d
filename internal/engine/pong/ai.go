package pong

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	// AIDecisionInterval AI 重新決策的最短間隔
	AIDecisionInterval = time.Second
	// AIJitter 球遠離時回中心的隨機偏移
	AIJitter = 2.0

	aiArriveEpsilon  = 0.1
	aiMaxPredictStep = 2000
)

// AI 電腦對手
//
// 決策延遲模型：每 AIDecisionInterval 只重新計算一次目標 y，
// 其餘幀只朝目標移動，模擬人類反應時間。
type AI struct {
	interval     time.Duration
	lastDecision time.Time
	target       float64
	waiting      bool
}

// NewAI 創建 AI
func NewAI(interval time.Duration) *AI {
	return &AI{interval: interval, waiting: true}
}

// Target 當前目標 y
func (a *AI) Target() float64 {
	return a.target
}

// Update 視需要重新決策，並把球拍往目標移動一步
func (a *AI) Update(now time.Time, ball Ball, paddle *Paddle, bounds Bounds, r *rand.Rand) {
	if a.lastDecision.IsZero() || now.Sub(a.lastDecision) >= a.interval {
		a.lastDecision = now
		a.decide(ball, paddle, bounds, r)
	}

	if a.waiting {
		return
	}

	diff := a.target - paddle.Y
	if math.Abs(diff) <= aiArriveEpsilon {
		a.waiting = true
		return
	}
	step := clamp(diff, -paddle.Speed, paddle.Speed)
	paddle.MoveBy(step, bounds)
}

func (a *AI) decide(ball Ball, paddle *Paddle, bounds Bounds, r *rand.Rand) {
	var target float64
	if movingToward(ball, paddle) {
		target = PredictY(ball, paddle.X, bounds)
	} else {
		target = (r.Float64()*2 - 1) * AIJitter
	}

	a.target = clamp(target, bounds.YMin+paddle.Height/2, bounds.YMax-paddle.Height/2)
	a.waiting = false
}

// movingToward 球是否正朝球拍所在的一側移動
func movingToward(ball Ball, paddle *Paddle) bool {
	if paddle.X >= 0 {
		return ball.SpeedX > 0
	}
	return ball.SpeedX < 0
}

// PredictY 模擬球的路徑（含上下牆反彈）估算抵達球拍平面時的 y
func PredictY(ball Ball, planeX float64, bounds Bounds) float64 {
	if ball.SpeedX == 0 {
		return ball.Y
	}

	x, y := ball.X, ball.Y
	sx, sy := ball.SpeedX*ball.Multiplier, ball.SpeedY*ball.Multiplier
	top, bottom := bounds.YMax-ball.Radius, bounds.YMin+ball.Radius

	reached := func() bool {
		if sx > 0 {
			return x >= planeX
		}
		return x <= planeX
	}

	for i := 0; i < aiMaxPredictStep && !reached(); i++ {
		x += sx
		y += sy
		if y > top {
			y = 2*top - y
			sy = -sy
		} else if y < bottom {
			y = 2*bottom - y
			sy = -sy
		}
	}
	return y
}
