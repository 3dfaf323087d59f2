package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"price-keeper/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig       `mapstructure:"app"`
	Logging    logging.Config  `mapstructure:"logging"`
	Database   DatabaseConfig  `mapstructure:"database"`
	Scheduler  SchedulerConfig `mapstructure:"scheduler"`
	Ethereum   EthereumConfig  `mapstructure:"ethereum"`
	Keeper     KeeperConfig    `mapstructure:"keeper"`
	PriceFeeds PriceFeedConfig `mapstructure:"pricefeeds"`
	Gas        GasConfig       `mapstructure:"gas"`
	Alerting   AlertingConfig  `mapstructure:"alerting"`
	Export     ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity for action auditing.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunImmediately  bool          `mapstructure:"run_immediately"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// EthereumConfig covers ledger access.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	OracleAddress  string        `mapstructure:"oracle_address"`
	StoreAddress   string        `mapstructure:"store_address"`
	VotingAddress  string        `mapstructure:"voting_address"`
	GenesisBlock   uint64        `mapstructure:"genesis_block"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// KeeperConfig identifies the operator and its dispute policy.
type KeeperConfig struct {
	Account          string        `mapstructure:"account"`
	DisputeTolerance float64       `mapstructure:"dispute_tolerance"`
	SubmitTimeout    time.Duration `mapstructure:"submit_timeout"`
}

// PriceFeedConfig captures price feed connectivity and the identifier
// precision registry.
type PriceFeedConfig struct {
	APIBaseURL         string           `mapstructure:"api_base_url"`
	Lookback           time.Duration    `mapstructure:"lookback"`
	RequestTimeout     time.Duration    `mapstructure:"request_timeout"`
	UserAgent          string           `mapstructure:"user_agent"`
	Decimals           map[string]int32 `mapstructure:"decimals"`
	CurrentOverride    string           `mapstructure:"current_price_override"`
	HistoricalOverride string           `mapstructure:"historical_price_override"`
}

// GasConfig tunes the gas price estimator.
type GasConfig struct {
	MaxStale       time.Duration `mapstructure:"max_stale"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	FallbackGwei   float64       `mapstructure:"fallback_gwei"`
}

// AlertingConfig defines operator notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram delivery parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICEKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "price-keeper")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "60s")
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_immediately", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70726b70))

	v.SetDefault("ethereum.request_timeout", "15s")

	v.SetDefault("keeper.dispute_tolerance", 0.05)
	v.SetDefault("keeper.submit_timeout", "30s")

	v.SetDefault("pricefeeds.lookback", "24h")
	v.SetDefault("pricefeeds.request_timeout", "10s")
	v.SetDefault("pricefeeds.user_agent", "price-keeper/1.0")

	v.SetDefault("gas.max_stale", "30s")
	v.SetDefault("gas.request_timeout", "5s")
	v.SetDefault("gas.fallback_gwei", 0.0)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
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

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Keeper.DisputeTolerance < 0 {
		return fmt.Errorf("keeper.dispute_tolerance cannot be negative")
	}
	if c.Gas.FallbackGwei < 0 {
		return fmt.Errorf("gas.fallback_gwei cannot be negative")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	for _, addr := range []struct {
		key   string
		value string
	}{
		{"keeper.account", c.Keeper.Account},
		{"ethereum.oracle_address", c.Ethereum.OracleAddress},
		{"ethereum.store_address", c.Ethereum.StoreAddress},
		{"ethereum.voting_address", c.Ethereum.VotingAddress},
	} {
		if addr.value != "" && !common.IsHexAddress(addr.value) {
			return fmt.Errorf("%s is not a valid address: %s", addr.key, addr.value)
		}
	}
	for identifier, decimals := range c.PriceFeeds.Decimals {
		if len(identifier) > 32 {
			return fmt.Errorf("pricefeeds.decimals identifier %q exceeds 32 bytes", identifier)
		}
		if decimals < 0 || decimals > 77 {
			return fmt.Errorf("pricefeeds.decimals[%s] out of range: %d", identifier, decimals)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
