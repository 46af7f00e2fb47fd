package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	xerrors "bbdfi/internal/errors"
	"bbdfi/pkg/logger"
)

// releaseScript 仅在令牌匹配时删除锁，避免误删其他进程重新获取的锁。
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript 仅在令牌匹配时续期。
var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

const defaultLeaseTTL = time.Minute

// GuardConfig 描述分布式互斥锁。TTL 是单次租约时长，持有期间按 TTL/3 续期。
type GuardConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
	TTL      time.Duration
}

// Guard 使用 Redis SET NX PX 实现跨进程的编排互斥。
// 编排可能跨越多次交易确认，持有期间租约会持续续期，
// 进程崩溃后锁在一个 TTL 内自动失效。
type Guard struct {
	client *goredis.Client
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

// GuardOption 定义 Guard 的可选配置。
type GuardOption func(*Guard)

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) GuardOption {
	return func(g *Guard) {
		if log != nil {
			g.logger = log
		}
	}
}

// NewGuard 创建并校验 Redis 连接。
func NewGuard(ctx context.Context, cfg GuardConfig, opts ...GuardOption) (*Guard, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewGuardWithClient(client, cfg.Key, cfg.TTL, opts...), nil
}

// NewGuardWithClient 复用已有客户端。
func NewGuardWithClient(client *goredis.Client, key string, ttl time.Duration, opts ...GuardOption) *Guard {
	if key == "" {
		key = "bbdfi:sequence:lock"
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	g := &Guard{client: client, key: key, ttl: ttl, logger: logger.Named("redis-guard")}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Acquire 获取锁。锁已被持有时返回 SequenceInFlight。
// 返回的 release 会停止续期并释放锁，可重复调用。
func (g *Guard) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := g.client.SetNX(ctx, g.key, token, g.ttl).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取编排锁失败")
	}
	if !ok {
		return nil, xerrors.New(xerrors.CodeSequenceInFlight, "已有编排任务在执行",
			xerrors.WithMetadata("lock_key", g.key))
	}

	l := startLease(g.ttl/3, g.ttl, func(ctx context.Context) (bool, error) {
		n, err := renewScript.Run(ctx, g.client, []string{g.key}, token, g.ttl.Milliseconds()).Int64()
		return n == 1, err
	}, g.logger.With(slog.String("lock_key", g.key)))

	var once sync.Once
	return func() {
		once.Do(func() {
			l.stop()
			g.release(token)
		})
	}, nil
}

// release 删除仍属于 token 的锁。使用独立 context，调用方 context 取消后仍能释放。
func (g *Guard) release(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, g.client, []string{g.key}, token).Err(); err != nil {
		g.logger.Error("释放编排锁失败，锁将在租约到期后失效",
			slog.String("lock_key", g.key),
			slog.Duration("ttl", g.ttl),
			slog.Any("error", err),
		)
	}
}

// Close 关闭 Redis 连接。
func (g *Guard) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}

// lease 在后台按固定间隔续期一把已持有的锁。
type lease struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// startLease 每隔 interval 调用 renew。renew 返回 false 表示锁已被他人持有，
// 此时记录错误并停止续期；临时错误只记录告警，下一轮重试，直到超过 ttl。
func startLease(interval, ttl time.Duration, renew func(context.Context) (bool, error), log *slog.Logger) *lease {
	if interval <= 0 {
		interval = time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &lease{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		lastRenewed := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			renewCtx, renewCancel := context.WithTimeout(ctx, interval)
			held, err := renew(renewCtx)
			renewCancel()
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				log.Warn("续期编排锁失败", slog.Any("error", err))
				if time.Since(lastRenewed) >= ttl {
					log.Error("编排锁租约已过期，互斥不再成立")
					return
				}
			case !held:
				log.Error("编排锁已失效，互斥不再成立")
				return
			default:
				lastRenewed = time.Now()
			}
		}
	}()
	return l
}

func (l *lease) stop() {
	l.cancel()
	<-l.done
}
