// Package testutils 提供測試用的共用工具和輔助函數
package testutils

import (
	"math/rand/v2"
	"sync"
	"time"
)

// FakeClock 可手動推進的時鐘
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock 從固定時間開始
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

// Now 當前時間，可直接當作 engine.Clock 使用
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 推進時間
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// SeededRand 固定種子的亂數來源
func SeededRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x5bd1e995))
}

// WaitForCondition 等待條件成立
func WaitForCondition(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}
