package dca

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	xerrors "bbdfi/internal/errors"
	"bbdfi/internal/sequencer"
	"bbdfi/pkg/logger"
)

// Executor 执行一次编排，通常是 *sequencer.Sequencer。
type Executor interface {
	Execute(ctx context.Context, intent sequencer.Intent) (*sequencer.Result, error)
}

// Scheduler 按计划周期触发定投编排。上一次仍在执行时，本次触发被跳过。
type Scheduler struct {
	executor Executor
	plan     Plan
	spec     string
	cron     *cron.Cron
	logger   *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	entry   cron.EntryID
	started bool
}

// Option 定义 Scheduler 的可选配置。
type Option func(*schedulerOptions)

type schedulerOptions struct {
	logger   *slog.Logger
	location *time.Location
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(o *schedulerOptions) {
		if log != nil {
			o.logger = log
		}
	}
}

// WithLocation 指定 cron 表达式使用的时区，默认 UTC。
func WithLocation(loc *time.Location) Option {
	return func(o *schedulerOptions) {
		if loc != nil {
			o.location = loc
		}
	}
}

// NewScheduler 创建 Scheduler。计划非法时返回错误。
func NewScheduler(executor Executor, plan Plan, opts ...Option) (*Scheduler, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	spec, _ := plan.Spec()

	options := schedulerOptions{logger: logger.Named("dca"), location: time.UTC}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	cronLog := cronLogger{log: options.logger}
	return &Scheduler{
		executor: executor,
		plan:     plan,
		spec:     spec,
		logger:   options.logger,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(options.location),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
	}, nil
}

// Start 注册计划并开始调度，ctx 结束后不再触发新的编排。
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	entry, err := s.cron.AddFunc(s.spec, func() {
		_, _ = s.RunNow(s.context())
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "注册定投任务失败")
	}
	s.ctx = ctx
	s.entry = entry
	s.started = true
	s.cron.Start()
	s.logger.Info("定投调度已启动",
		slog.String("schedule", s.spec),
		slog.String("amount", s.plan.Amount.String()),
		slog.Time("next", s.cron.Entry(entry).Next),
	)
	return nil
}

// Stop 停止调度并等待正在执行的编排结束。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("定投调度已停止")
}

// Next 返回下一次触发时间，未启动时为零值。
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

// Spec 返回生效的 cron 表达式。
func (s *Scheduler) Spec() string { return s.spec }

// RunNow 立即执行一次定投。已有编排在执行时记录日志并返回 SequenceInFlight。
func (s *Scheduler) RunNow(ctx context.Context) (*sequencer.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result, err := s.executor.Execute(ctx, s.plan.Intent())
	switch {
	case xerrors.HasCode(err, xerrors.CodeSequenceInFlight):
		s.logger.Info("已有编排在执行，跳过本次定投")
		return nil, err
	case err != nil && result == nil:
		s.logger.Error("定投编排失败", slog.Any("error", err))
		return nil, err
	}

	attrs := []any{
		slog.String("sequence_id", result.SequenceID),
		slog.String("outcome", result.Outcome()),
		slog.Int("succeeded", len(result.Succeeded())),
		slog.Int("failed", len(result.Failed())),
	}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
		s.logger.Warn("定投编排部分完成", attrs...)
		return result, err
	}
	s.logger.Info("定投编排完成", attrs...)
	return result, nil
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// cronLogger 将 cron 的日志接入 slog。
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append([]any{slog.Any("error", err)}, keysAndValues...)...)
}
