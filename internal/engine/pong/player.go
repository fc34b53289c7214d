package pong

import (
	"github.com/koopa0/system-design/14-match-engine/internal/engine"
)

// 支援的按鍵
const (
	KeyMoveUp   = "KeyW"
	KeyMoveDown = "KeyS"
)

// Paddle 球拍（以中心點表示）
type Paddle struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Depth  float64 `json:"depth"`
	Speed  float64 `json:"speed"`
	Color  int     `json:"color"`
}

// NewPaddle 在指定 x 創建球拍
func NewPaddle(x float64) Paddle {
	return Paddle{
		X:      x,
		Width:  PaddleWidth,
		Height: PaddleHeight,
		Depth:  PaddleDepth,
		Speed:  PaddleSpeed,
		Color:  PaddleColor,
	}
}

// MoveBy 移動球拍，限制在場地之內
func (p *Paddle) MoveBy(dy float64, bounds Bounds) {
	p.Y = clamp(p.Y+dy, bounds.YMin+p.Height/2, bounds.YMax-p.Height/2)
}

// Player Pong 玩家
type Player struct {
	engine.PlayerBase
	Paddle     Paddle `json:"paddle"`
	MovingUp   bool   `json:"is_moving_up"`
	MovingDown bool   `json:"is_moving_down"`

	ai *AI
}

// applyKey 套用按鍵，返回是否為已知按鍵
func (p *Player) applyKey(action, key string) bool {
	pressed := action == engine.KeyDown
	switch key {
	case KeyMoveUp:
		p.MovingUp = pressed
	case KeyMoveDown:
		p.MovingDown = pressed
	default:
		return false
	}
	return true
}

// move 依按鍵狀態移動，同時按下上下鍵時不動
func (p *Player) move(bounds Bounds) {
	switch {
	case p.MovingUp && !p.MovingDown:
		p.Paddle.MoveBy(p.Paddle.Speed, bounds)
	case p.MovingDown && !p.MovingUp:
		p.Paddle.MoveBy(-p.Paddle.Speed, bounds)
	}
}
