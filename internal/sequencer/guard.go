package sequencer

import (
	"context"
	"sync"

	xerrors "bbdfi/internal/errors"
)

// Guard 防止编排交错执行。Acquire 返回释放函数，
// 已有编排持有锁时返回 SequenceInFlight。
type Guard interface {
	Acquire(ctx context.Context) (func(), error)
}

// LocalGuard 是进程内的 Guard 实现。
type LocalGuard struct {
	mu sync.Mutex
}

// NewLocalGuard 创建进程内互斥锁。
func NewLocalGuard() *LocalGuard {
	return &LocalGuard{}
}

// Acquire 尝试获取锁，不排队等待。
func (g *LocalGuard) Acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !g.mu.TryLock() {
		return nil, xerrors.New(xerrors.CodeSequenceInFlight, "已有编排任务在执行")
	}
	var once sync.Once
	return func() { once.Do(g.mu.Unlock) }, nil
}
