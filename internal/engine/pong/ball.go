// Package pong 實作雙人 Pong 物理引擎與 AI 對手
package pong

import (
	"math"
	"math/rand/v2"
)

// 物理常數（單位與前端 three.js 場景一致）
const (
	BallRadius       = 0.8
	BallSpeed        = 0.4 // 標稱速度大小
	MultiplierGrowth = 1.05
	MultiplierCap    = 2.5
	DeflectionFactor = 0.15

	PaddleWidth  = 0.7
	PaddleHeight = 4.0
	PaddleDepth  = 1.2
	PaddleSpeed  = 0.9
	PaddleColor  = 16777215
)

// Bounds 場地邊界
type Bounds struct {
	XMin float64 `json:"xMin"`
	XMax float64 `json:"xMax"`
	YMin float64 `json:"yMin"`
	YMax float64 `json:"yMax"`
}

// DefaultBounds 預設場地
func DefaultBounds() Bounds {
	return Bounds{XMin: -20, XMax: 20, YMin: -15, YMax: 15}
}

// Side 球出界的方向
type Side int

const (
	SideNone Side = iota
	SideLeft
	SideRight
)

// Ball 球
type Ball struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	SpeedX     float64 `json:"speed_x"`
	SpeedY     float64 `json:"speed_y"`
	Radius     float64 `json:"radius"`
	Multiplier float64 `json:"speed_multiplier"`
}

// NewBall 創建位於中心、尚未發球的球
func NewBall() Ball {
	return Ball{Radius: BallRadius, Multiplier: 1}
}

// Move 依 speed × multiplier 前進一步，碰到上下牆反彈
//
// 反彈時直接設定速度符號而非取反，保證每次越界只翻轉一次。
func (b *Ball) Move(bounds Bounds) {
	b.X += b.SpeedX * b.Multiplier
	b.Y += b.SpeedY * b.Multiplier

	top := bounds.YMax - b.Radius
	bottom := bounds.YMin + b.Radius
	switch {
	case b.Y >= top:
		b.Y = top
		b.SpeedY = -math.Abs(b.SpeedY)
	case b.Y <= bottom:
		b.Y = bottom
		b.SpeedY = math.Abs(b.SpeedY)
	}
}

// ClampY 把球限制在上下牆之內（球拍推出後可能越界）
func (b *Ball) ClampY(bounds Bounds) {
	b.Y = clamp(b.Y, bounds.YMin+b.Radius, bounds.YMax-b.Radius)
}

// OutOfBounds 判斷球是否越過左右底線
func (b *Ball) OutOfBounds(bounds Bounds) Side {
	switch {
	case b.X-b.Radius > bounds.XMax:
		return SideRight
	case b.X+b.Radius < bounds.XMin:
		return SideLeft
	default:
		return SideNone
	}
}

// Reset 回到中心重新發球
//
// 方向在水平軸 ±45° 內隨機，朝向 towards（剛失分的一方）。
func (b *Ball) Reset(r *rand.Rand, towards Side) {
	b.X, b.Y = 0, 0
	b.Multiplier = 1

	angle := (r.Float64()*2 - 1) * math.Pi / 4
	dir := 1.0
	if towards == SideLeft {
		dir = -1
	}
	b.SpeedX = dir * math.Cos(angle)
	b.SpeedY = math.Sin(angle)
	b.normalize()
}

// Speed 速度向量大小（不含倍率）
func (b *Ball) Speed() float64 {
	return math.Hypot(b.SpeedX, b.SpeedY)
}

func (b *Ball) normalize() {
	mag := b.Speed()
	if mag == 0 {
		b.SpeedX = BallSpeed
		return
	}
	b.SpeedX = b.SpeedX / mag * BallSpeed
	b.SpeedY = b.SpeedY / mag * BallSpeed
}

// Collide 與球拍做最近點距離檢測，命中時推出並反彈
//
// 命中垂直面翻轉 SpeedX，命中水平面翻轉 SpeedY；
// 撞擊點相對球拍中心的偏移增加 y 方向分量；
// 倍率乘以固定成長係數並設上限；最後速度重新正規化為標稱大小。
func (b *Ball) Collide(p *Paddle) bool {
	left, right := p.X-p.Width/2, p.X+p.Width/2
	bottom, top := p.Y-p.Height/2, p.Y+p.Height/2

	closestX := clamp(b.X, left, right)
	closestY := clamp(b.Y, bottom, top)
	dx, dy := b.X-closestX, b.Y-closestY
	distSq := dx*dx + dy*dy
	if distSq > b.Radius*b.Radius {
		return false
	}

	dist := math.Sqrt(distSq)
	hitVertical := closestX == left || closestX == right
	hitHorizontal := closestY == bottom || closestY == top

	if dist == 0 {
		// 球心已在球拍內：沿 x 推出到球拍外側
		if b.X < p.X {
			b.X = left - b.Radius
		} else {
			b.X = right + b.Radius
		}
		hitVertical, hitHorizontal = true, false
	} else {
		overlap := b.Radius - dist
		b.X += dx / dist * overlap
		b.Y += dy / dist * overlap
	}

	if hitVertical {
		if b.X < p.X {
			b.SpeedX = -math.Abs(b.SpeedX)
		} else {
			b.SpeedX = math.Abs(b.SpeedX)
		}
	}
	if hitHorizontal && !hitVertical {
		if b.Y < p.Y {
			b.SpeedY = -math.Abs(b.SpeedY)
		} else {
			b.SpeedY = math.Abs(b.SpeedY)
		}
	}

	offset := (b.Y - p.Y) / (p.Height / 2)
	b.SpeedY += offset * DeflectionFactor
	b.Multiplier = math.Min(b.Multiplier*MultiplierGrowth, MultiplierCap)
	b.normalize()
	return true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
