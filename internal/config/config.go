package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/bbdfi.yaml"
	envPrefix         = "bbdfi"
)

// Load 读取 YAML 配置并叠加 BBDFI_ 前缀的环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "5m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.audit.enabled", false)
	v.SetDefault("logging.audit.path", "data/audit.log")
	v.SetDefault("logging.audit.max_size_mb", 100)
	v.SetDefault("logging.audit.max_backups", 7)
	v.SetDefault("logging.audit.max_age_days", 30)

	v.SetDefault("web3.chain_config", "configs/chain.yaml")
	v.SetDefault("web3.chain_id", 8453)
	v.SetDefault("web3.private_key_env", "BBDFI_SIGNER_KEY")
	v.SetDefault("web3.confirm_timeout", "3m")
	v.SetDefault("web3.poll_interval", "2s")
	v.SetDefault("web3.gas_multiplier_bps", 12000)

	v.SetDefault("quote.base_url", "https://api.developer.coinbase.com/onchainkit/v1/swap")
	v.SetDefault("quote.api_key_env", "BBDFI_QUOTE_API_KEY")
	v.SetDefault("quote.timeout", "15s")

	v.SetDefault("sequencer.mode", "sequential")
	v.SetDefault("sequencer.min_leg_amount", 10000)
	v.SetDefault("sequencer.deposit_balance_bps", 9500)
	v.SetDefault("sequencer.batch_approve_bps", 11000)
	v.SetDefault("sequencer.batch_deposit_bps", 9000)
	v.SetDefault("sequencer.health_factor_floor", 1.5)
	v.SetDefault("sequencer.preview_batch", true)

	v.SetDefault("ledger.driver", "memory")
	v.SetDefault("ledger.mysql.max_open_conns", 20)
	v.SetDefault("ledger.mysql.max_idle_conns", 10)
	v.SetDefault("ledger.mysql.conn_max_lifetime", "30m")

	v.SetDefault("events.driver", "memory")
	v.SetDefault("events.redis.channel", "bbdfi:ledger")
	v.SetDefault("events.rabbitmq.exchange", "bbdfi.ledger")

	v.SetDefault("guard.driver", "local")
	v.SetDefault("guard.key", "bbdfi:sequence:lock")
	v.SetDefault("guard.ttl", "1m")

	v.SetDefault("dca.enabled", false)
	v.SetDefault("dca.frequency", "weekly")
	v.SetDefault("dca.mode", "sequential")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("alerting.timeout", "5s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
