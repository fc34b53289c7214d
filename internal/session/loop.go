package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-match-engine/internal/engine"
)

// runTicks 以固定頻率推進引擎，直到引擎停止、ctx 取消或 Tick 出錯
//
// 每一幀：取鎖 → Tick → Snapshot → 放鎖 → onFrame(snapshot)。
// panic 轉成錯誤返回，鎖一定會釋放。
func runTicks(ctx context.Context, mu sync.Locker, eng engine.Engine, interval time.Duration, onFrame func(snapshot any)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()

	step := func() (any, bool, error) {
		mu.Lock()
		defer mu.Unlock()
		if err := eng.Tick(); err != nil {
			return nil, false, err
		}
		return eng.Snapshot(), eng.Running(), nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		snap, running, err := step()
		if err != nil {
			return fmt.Errorf("tick: %w", err)
		}
		onFrame(snap)
		if !running {
			return nil
		}
	}
}
