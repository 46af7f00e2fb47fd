package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config 描述进程级日志配置。
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	// Service 附加到每条日志，默认 "bbdfi"。
	Service string
	Audit   AuditConfig
}

// AuditConfig 控制滚动审计日志，每个资金变动步骤写入一条记录。
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu      sync.RWMutex
	root    *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
)

// 这些键的值永远不会出现在日志中。
var redactedKeys = map[string]struct{}{
	"private_key": {},
	"signer_key":  {},
	"api_key":     {},
	"password":    {},
	"secret":      {},
	"dsn":         {},
	"webhook_url": {},
}

// Init 配置全局日志。重复调用会替换之前的输出并关闭其持有的文件。
func Init(cfg Config) error {
	service := cfg.Service
	if service == "" {
		service = "bbdfi"
	}
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		AddSource:   true,
		ReplaceAttr: redact,
	}

	writer, owned, err := openOutputs(cfg.OutputPaths)
	if err != nil {
		return err
	}
	base := slog.New(newHandler(cfg.Format, writer, opts)).With(slog.String("service", service))

	auditLog := base
	if cfg.Audit.Enabled {
		rotating, err := newRotatingWriter(cfg.Audit.Path, cfg.Audit.MaxSizeMB, cfg.Audit.MaxBackups, cfg.Audit.MaxAgeDays)
		if err != nil {
			closeAll(owned)
			return fmt.Errorf("audit log: %w", err)
		}
		owned = append(owned, rotating)
		auditLog = slog.New(slog.NewJSONHandler(rotating, &slog.HandlerOptions{
			Level:       slog.LevelInfo,
			ReplaceAttr: redact,
		})).With(slog.String("service", service), slog.String("stream", "audit"))
	}

	mu.Lock()
	previous := closers
	root, audit, closers = base, auditLog, owned
	mu.Unlock()
	return closeAll(previous)
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func openOutputs(paths []string) (io.Writer, []io.Closer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil, nil
	}
	var (
		writers []io.Writer
		owned   []io.Closer
	)
	for _, path := range paths {
		switch strings.ToLower(strings.TrimSpace(path)) {
		case "", "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				closeAll(owned)
				return nil, nil, fmt.Errorf("create log directory: %w", err)
			}
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				closeAll(owned)
				return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
			}
			writers = append(writers, file)
			owned = append(owned, file)
		}
	}
	if len(writers) == 1 {
		return writers[0], owned, nil
	}
	return io.MultiWriter(writers...), owned, nil
}

func redact(_ []string, attr slog.Attr) slog.Attr {
	if _, ok := redactedKeys[strings.ToLower(attr.Key)]; ok && attr.Value.String() != "" {
		return slog.String(attr.Key, "***")
	}
	return attr
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func closeAll(list []io.Closer) error {
	var err error
	for _, c := range list {
		err = errors.Join(err, c.Close())
	}
	return err
}

// L 返回进程日志，首次使用时初始化输出到 stdout 的 JSON 日志。
func L() *slog.Logger {
	mu.RLock()
	l := root
	mu.RUnlock()
	if l != nil {
		return l
	}
	_ = Init(Config{})
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Audit 返回审计日志；未开启审计时返回进程日志。
func Audit() *slog.Logger {
	mu.RLock()
	a := audit
	mu.RUnlock()
	if a == nil {
		return L()
	}
	return a
}

// Sync 关闭 Init 打开的文件输出。
func Sync() error {
	mu.Lock()
	owned := closers
	closers = nil
	mu.Unlock()
	return closeAll(owned)
}

// Named 返回带组件名的子日志。
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Discard 返回丢弃所有记录的日志，供测试使用。
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// Sequence 返回带编排 ID 的审计日志，便于关联同一次编排的资金变动记录。
func Sequence(sequenceID string) *slog.Logger {
	return Audit().With(slog.String("sequence_id", sequenceID))
}
