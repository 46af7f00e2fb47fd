package redis

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "bbdfi/internal/errors"
	"bbdfi/pkg/logger"
)

func TestNewGuardRequiresAddress(t *testing.T) {
	if _, err := NewGuard(context.Background(), GuardConfig{}); err == nil {
		t.Fatalf("expected empty address to be rejected")
	}
}

func TestNewGuardWithClientDefaults(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	guard := NewGuardWithClient(client, "", 0)
	if guard.key != "bbdfi:sequence:lock" {
		t.Fatalf("unexpected default key: %s", guard.key)
	}
	if guard.ttl != time.Minute {
		t.Fatalf("unexpected default ttl: %s", guard.ttl)
	}
}

func unreachableClient() *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestGuardAcquireReportsStorageFailure(t *testing.T) {
	client := unreachableClient()
	defer client.Close()

	guard := NewGuardWithClient(client, "test:lock", time.Second)
	release, err := guard.Acquire(context.Background())
	if err == nil {
		release()
		t.Fatalf("expected unreachable redis to fail")
	}
	if !xerrors.HasCode(err, xerrors.CodeStorageFailure) {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

// syncBuffer 允许续期 goroutine 与测试并发读写日志。
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func bufferLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, nil)), buf
}

func TestReleaseLogsFailure(t *testing.T) {
	client := unreachableClient()
	defer client.Close()

	log, buf := bufferLogger()
	guard := NewGuardWithClient(client, "test:lock", time.Second, WithLogger(log))
	guard.release("token")

	if !strings.Contains(buf.String(), "释放编排锁失败") || !strings.Contains(buf.String(), "lock_key=test:lock") {
		t.Fatalf("release failure not logged: %s", buf.String())
	}
}

func TestLeaseRenewsUntilStopped(t *testing.T) {
	var renewals atomic.Int32
	l := startLease(5*time.Millisecond, 15*time.Millisecond, func(context.Context) (bool, error) {
		renewals.Add(1)
		return true, nil
	}, logger.Discard())

	// 持有时间远超单次租约，续期必须持续进行。
	time.Sleep(60 * time.Millisecond)
	l.stop()
	seen := renewals.Load()
	if seen < 4 {
		t.Fatalf("expected repeated renewals over several ttls, got %d", seen)
	}

	time.Sleep(20 * time.Millisecond)
	if renewals.Load() != seen {
		t.Fatalf("lease kept renewing after stop")
	}
}

func TestLeaseStopsWhenLockLost(t *testing.T) {
	log, buf := bufferLogger()
	var renewals atomic.Int32
	l := startLease(2*time.Millisecond, 6*time.Millisecond, func(context.Context) (bool, error) {
		renewals.Add(1)
		return false, nil
	}, log)

	select {
	case <-l.done:
	case <-time.After(time.Second):
		t.Fatalf("lease did not stop after losing the lock")
	}
	l.stop()
	if renewals.Load() != 1 || !strings.Contains(buf.String(), "编排锁已失效") {
		t.Fatalf("unexpected renewals=%d log=%s", renewals.Load(), buf.String())
	}
}

func TestLeaseToleratesTransientErrorsWithinTTL(t *testing.T) {
	log, buf := bufferLogger()
	var calls atomic.Int32
	l := startLease(2*time.Millisecond, time.Hour, func(context.Context) (bool, error) {
		if calls.Add(1) == 1 {
			return false, errors.New("i/o timeout")
		}
		return true, nil
	}, log)

	time.Sleep(20 * time.Millisecond)
	l.stop()
	if calls.Load() < 2 {
		t.Fatalf("lease should retry after a transient error, calls=%d", calls.Load())
	}
	if !strings.Contains(buf.String(), "续期编排锁失败") || strings.Contains(buf.String(), "互斥不再成立") {
		t.Fatalf("unexpected log: %s", buf.String())
	}
}
