package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了守护进程运行所需的全部配置项。
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Web3      Web3Config      `mapstructure:"web3"`
	Quote     QuoteConfig     `mapstructure:"quote"`
	Sequencer SequencerConfig `mapstructure:"sequencer"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Events    EventsConfig    `mapstructure:"events"`
	Guard     GuardConfig     `mapstructure:"guard"`
	DCA       DCAConfig       `mapstructure:"dca"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level       string      `mapstructure:"level"`
	Format      string      `mapstructure:"format"`
	OutputPaths []string    `mapstructure:"output_paths"`
	Audit       AuditConfig `mapstructure:"audit"`
}

// AuditConfig 控制资金类操作的审计日志。
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Web3Config 描述链访问与签名参数。
type Web3Config struct {
	ChainConfig      string        `mapstructure:"chain_config"`
	ChainID          int64         `mapstructure:"chain_id"`
	RPCURL           string        `mapstructure:"rpc_url"`
	PrivateKeyEnv    string        `mapstructure:"private_key_env"`
	ConfirmTimeout   time.Duration `mapstructure:"confirm_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	GasMultiplierBps int64         `mapstructure:"gas_multiplier_bps"`
}

// PrivateKey 从 PrivateKeyEnv 指定的环境变量读取签名私钥。
func (c Web3Config) PrivateKey() string {
	if strings.TrimSpace(c.PrivateKeyEnv) == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.PrivateKeyEnv))
}

// QuoteConfig 描述聚合器报价接口。
type QuoteConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	APIKeyEnv string        `mapstructure:"api_key_env"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ResolveAPIKey 优先返回显式配置的 key，否则读取环境变量。
func (c QuoteConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if c.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
}

// SequencerConfig 控制交易编排的模式与资金缓冲比例（基点）。
type SequencerConfig struct {
	Mode              string  `mapstructure:"mode"`
	MinLegAmount      int64   `mapstructure:"min_leg_amount"`
	DepositBalanceBps int64   `mapstructure:"deposit_balance_bps"`
	BatchApproveBps   int64   `mapstructure:"batch_approve_bps"`
	BatchDepositBps   int64   `mapstructure:"batch_deposit_bps"`
	HealthFactorFloor float64 `mapstructure:"health_factor_floor"`
	PreviewBatch      bool    `mapstructure:"preview_batch"`
}

// LedgerConfig 选择交易记录的存储后端。
type LedgerConfig struct {
	Driver string      `mapstructure:"driver"`
	MySQL  MySQLConfig `mapstructure:"mysql"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// EventsConfig 选择交易记录事件的发布渠道。
type EventsConfig struct {
	Driver   string         `mapstructure:"driver"`
	Redis    RedisConfig    `mapstructure:"redis"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// GuardConfig 控制编排器的互斥方式。
type GuardConfig struct {
	Driver string        `mapstructure:"driver"`
	Key    string        `mapstructure:"key"`
	TTL    time.Duration `mapstructure:"ttl"`
	Redis  RedisConfig   `mapstructure:"redis"`
}

// DCAConfig 描述定投计划。
type DCAConfig struct {
	Enabled    bool        `mapstructure:"enabled"`
	Frequency  string      `mapstructure:"frequency"`
	Schedule   string      `mapstructure:"schedule"`
	Amount     int64       `mapstructure:"amount"`
	Mode       string      `mapstructure:"mode"`
	Allocation []LegConfig `mapstructure:"allocation"`
}

// LegConfig 是一条分配权重。
type LegConfig struct {
	Asset  string `mapstructure:"asset"`
	Weight int    `mapstructure:"weight"`
}

// MetricsConfig 控制 Prometheus 指标暴露。
// Address 非空时在独立端口暴露指标，否则挂载在 API 服务上。
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

// AlertingConfig 控制告警推送。
type AlertingConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// minGuardTTL 保证续期间隔（TTL/3）不短于一秒。
const minGuardTTL = 3 * time.Second

var (
	validModes         = []string{"sequential", "batched"}
	validLedgerDrivers = []string{"memory", "mysql"}
	validEventDrivers  = []string{"none", "memory", "redis", "rabbitmq"}
	validGuardDrivers  = []string{"local", "redis"}
	validFrequencies   = []string{"daily", "weekly", "biweekly", "monthly"}
)

// Validate 对配置进行校验，返回所有问题的聚合错误。
func (c *Config) Validate() error {
	var err error

	if c.Server.Address == "" {
		err = multierr.Append(err, errors.New("server.address 不能为空"))
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		err = multierr.Append(err, errors.New("logging.audit.path 在启用审计时不能为空"))
	}
	if c.Web3.ChainID <= 0 {
		err = multierr.Append(err, errors.New("web3.chain_id 必须大于0"))
	}
	if c.Web3.ConfirmTimeout <= 0 {
		err = multierr.Append(err, errors.New("web3.confirm_timeout 必须大于0"))
	}
	if c.Web3.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("web3.poll_interval 必须大于0"))
	}
	if c.Web3.PollInterval > c.Web3.ConfirmTimeout {
		err = multierr.Append(err, errors.New("web3.poll_interval 不能大于 confirm_timeout"))
	}
	if c.Web3.GasMultiplierBps < 10000 {
		err = multierr.Append(err, errors.New("web3.gas_multiplier_bps 不能小于10000"))
	}
	if c.Quote.BaseURL == "" {
		err = multierr.Append(err, errors.New("quote.base_url 不能为空"))
	}
	if c.Quote.Timeout <= 0 {
		err = multierr.Append(err, errors.New("quote.timeout 必须大于0"))
	}
	if !oneOf(c.Sequencer.Mode, validModes) {
		err = multierr.Append(err, fmt.Errorf("sequencer.mode 必须为 %v 之一", validModes))
	}
	if c.Sequencer.MinLegAmount < 0 {
		err = multierr.Append(err, errors.New("sequencer.min_leg_amount 不能为负"))
	}
	err = multierr.Append(err, validateBps("sequencer.deposit_balance_bps", c.Sequencer.DepositBalanceBps))
	err = multierr.Append(err, validateBps("sequencer.batch_approve_bps", c.Sequencer.BatchApproveBps))
	err = multierr.Append(err, validateBps("sequencer.batch_deposit_bps", c.Sequencer.BatchDepositBps))
	if c.Sequencer.BatchApproveBps < c.Sequencer.BatchDepositBps {
		err = multierr.Append(err, errors.New("sequencer.batch_approve_bps 不能小于 batch_deposit_bps"))
	}
	if c.Sequencer.HealthFactorFloor <= 1 {
		err = multierr.Append(err, errors.New("sequencer.health_factor_floor 必须大于1"))
	}
	if !oneOf(c.Ledger.Driver, validLedgerDrivers) {
		err = multierr.Append(err, fmt.Errorf("ledger.driver 必须为 %v 之一", validLedgerDrivers))
	}
	if c.Ledger.Driver == "mysql" && c.Ledger.MySQL.DSN == "" {
		err = multierr.Append(err, errors.New("ledger.mysql.dsn 不能为空"))
	}
	if !oneOf(c.Events.Driver, validEventDrivers) {
		err = multierr.Append(err, fmt.Errorf("events.driver 必须为 %v 之一", validEventDrivers))
	}
	if c.Events.Driver == "redis" && c.Events.Redis.Address == "" {
		err = multierr.Append(err, errors.New("events.redis.address 不能为空"))
	}
	if c.Events.Driver == "rabbitmq" && c.Events.RabbitMQ.URL == "" {
		err = multierr.Append(err, errors.New("events.rabbitmq.url 不能为空"))
	}
	if !oneOf(c.Guard.Driver, validGuardDrivers) {
		err = multierr.Append(err, fmt.Errorf("guard.driver 必须为 %v 之一", validGuardDrivers))
	}
	if c.Guard.Driver == "redis" {
		if c.Guard.Redis.Address == "" {
			err = multierr.Append(err, errors.New("guard.redis.address 不能为空"))
		}
		if c.Guard.TTL < minGuardTTL {
			err = multierr.Append(err, fmt.Errorf("guard.ttl 不能小于 %s", minGuardTTL))
		}
	}
	if c.DCA.Enabled {
		if c.DCA.Schedule == "" && !oneOf(c.DCA.Frequency, validFrequencies) {
			err = multierr.Append(err, fmt.Errorf("dca.frequency 必须为 %v 之一", validFrequencies))
		}
		if c.DCA.Amount <= 0 {
			err = multierr.Append(err, errors.New("dca.amount 必须大于0"))
		}
		if !oneOf(c.DCA.Mode, validModes) {
			err = multierr.Append(err, fmt.Errorf("dca.mode 必须为 %v 之一", validModes))
		}
		if len(c.DCA.Allocation) == 0 {
			err = multierr.Append(err, errors.New("dca.allocation 至少包含一个资产"))
		}
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		err = multierr.Append(err, errors.New("metrics.path 必须以 / 开头"))
	}
	return err
}

func validateBps(name string, value int64) error {
	if value <= 0 || value > 20000 {
		return fmt.Errorf("%s 必须位于(0,20000]", name)
	}
	return nil
}

func oneOf(value string, allowed []string) bool {
	for _, candidate := range allowed {
		if strings.EqualFold(value, candidate) {
			return true
		}
	}
	return false
}
