package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"deposit-gateway/internal/gateway"
	"deposit-gateway/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig       `mapstructure:"app"`
	Logging    logging.Config  `mapstructure:"logging"`
	Database   DatabaseConfig  `mapstructure:"database"`
	Gateway    GatewayConfig   `mapstructure:"gateway"`
	Oracle     OracleConfig    `mapstructure:"oracle"`
	Clock      ClockConfig     `mapstructure:"clock"`
	HTTP       HTTPConfig      `mapstructure:"http"`
	Scheduler  SchedulerConfig `mapstructure:"scheduler"`
	Alerting   AlertingConfig  `mapstructure:"alerting"`
	Export     ExportConfig    `mapstructure:"export"`
	LimitsFile string          `mapstructure:"limits_file"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN selects
// the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// GatewayConfig seeds the deposit policy. USD amounts are decimal dollar
// strings such as "150.25".
type GatewayConfig struct {
	Admin                string        `mapstructure:"admin"`
	Pauser               string        `mapstructure:"pauser"`
	Vault                string        `mapstructure:"vault"`
	MinCapUSD            string        `mapstructure:"min_cap_usd"`
	MaxCapUSD            string        `mapstructure:"max_cap_usd"`
	WindowCapUSD         string        `mapstructure:"window_cap_usd"`
	Paused               bool          `mapstructure:"paused"`
	PriceFeedID          string        `mapstructure:"price_feed_id"`
	ConfidenceThreshold  uint64        `mapstructure:"confidence_threshold"`
	MaxPriceAge          time.Duration `mapstructure:"max_price_age"`
	DefaultEpochDuration time.Duration `mapstructure:"default_epoch_duration"`
	StrictGasPayload     bool          `mapstructure:"strict_gas_payload"`
}

// OracleConfig selects and configures the price source.
type OracleConfig struct {
	Source     string           `mapstructure:"source"`
	Hermes     HermesConfig     `mapstructure:"hermes"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Static     StaticConfig     `mapstructure:"static"`
}

// HermesConfig covers the Pyth Hermes HTTP endpoint.
type HermesConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// AggregatorConfig covers an on-chain price aggregator contract.
type AggregatorConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	Address        string        `mapstructure:"address"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// StaticConfig pins a fixed quote.
type StaticConfig struct {
	Price      int64  `mapstructure:"price"`
	Exponent   int32  `mapstructure:"exponent"`
	Confidence uint64 `mapstructure:"confidence"`
}

// ClockConfig selects the source of window ids.
type ClockConfig struct {
	Source         string        `mapstructure:"source"`
	RPCURL         string        `mapstructure:"rpc_url"`
	SlotLength     time.Duration `mapstructure:"slot_length"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// HTTPConfig governs the API listener.
type HTTPConfig struct {
	Listen          string        `mapstructure:"listen"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	Burst           int           `mapstructure:"burst"`
}

// SchedulerConfig governs maintenance cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToInterval bool          `mapstructure:"align_to_interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	Retention       time.Duration `mapstructure:"retention"`
}

// AlertingConfig defines cap-breach alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram channel.
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
	v.SetEnvPrefix("DEPOSITGW")
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
	v.SetDefault("app.name", "depositgw")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 28)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("gateway.min_cap_usd", "0")
	v.SetDefault("gateway.max_cap_usd", "0")
	v.SetDefault("gateway.window_cap_usd", "0")
	v.SetDefault("gateway.max_price_age", "0s")
	v.SetDefault("gateway.default_epoch_duration", "0s")
	v.SetDefault("gateway.strict_gas_payload", false)

	v.SetDefault("oracle.source", "hermes")
	v.SetDefault("oracle.hermes.base_url", "https://hermes.pyth.network")
	v.SetDefault("oracle.hermes.request_timeout", "5s")
	v.SetDefault("oracle.hermes.user_agent", "depositgw/1.0")
	v.SetDefault("oracle.aggregator.request_timeout", "10s")

	v.SetDefault("clock.source", "system")
	v.SetDefault("clock.slot_length", "1s")
	v.SetDefault("clock.request_timeout", "5s")

	v.SetDefault("http.listen", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("http.rate_limit", 20.0)
	v.SetDefault("http.burst", 40)

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.align_to_interval", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x64657067))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.retention", "720h")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "10m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
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
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.Retention < 0 {
		return fmt.Errorf("scheduler.retention cannot be negative")
	}
	if c.HTTP.RateLimit < 0 || c.HTTP.Burst < 0 {
		return fmt.Errorf("http.rate_limit and http.burst cannot be negative")
	}

	if _, err := c.Gateway.Policy(); err != nil {
		return err
	}
	if _, err := c.Gateway.WindowCap(); err != nil {
		return err
	}
	if _, err := c.Gateway.VaultAddress(); err != nil {
		return err
	}

	switch strings.ToLower(c.Oracle.Source) {
	case "hermes":
		if c.Oracle.Hermes.BaseURL == "" {
			return fmt.Errorf("oracle.hermes.base_url is required")
		}
	case "aggregator":
		if c.Oracle.Aggregator.RPCURL == "" {
			return fmt.Errorf("oracle.aggregator.rpc_url is required")
		}
		if !common.IsHexAddress(c.Oracle.Aggregator.Address) {
			return fmt.Errorf("oracle.aggregator.address %q is not an address", c.Oracle.Aggregator.Address)
		}
	case "static":
		if c.Oracle.Static.Price <= 0 {
			return fmt.Errorf("oracle.static.price must be greater than zero")
		}
	default:
		return fmt.Errorf("oracle.source %q is not one of hermes, aggregator, static", c.Oracle.Source)
	}

	switch strings.ToLower(c.Clock.Source) {
	case "system":
		if c.Clock.SlotLength < time.Second {
			return fmt.Errorf("clock.slot_length must be at least 1s")
		}
	case "chain":
		if c.Clock.RPCURL == "" {
			return fmt.Errorf("clock.rpc_url is required for the chain clock")
		}
	default:
		return fmt.Errorf("clock.source %q is not one of system, chain", c.Clock.Source)
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

// Policy converts the gateway section into the policy configuration.
func (g GatewayConfig) Policy() (gateway.Config, error) {
	admin, err := parseAddress("gateway.admin", g.Admin, true)
	if err != nil {
		return gateway.Config{}, err
	}
	pauser, err := parseAddress("gateway.pauser", g.Pauser, true)
	if err != nil {
		return gateway.Config{}, err
	}
	minCap, err := gateway.ParseUSD(g.MinCapUSD)
	if err != nil {
		return gateway.Config{}, fmt.Errorf("gateway.min_cap_usd: %w", err)
	}
	maxCap, err := gateway.ParseUSD(g.MaxCapUSD)
	if err != nil {
		return gateway.Config{}, fmt.Errorf("gateway.max_cap_usd: %w", err)
	}
	if g.MaxPriceAge < 0 || g.DefaultEpochDuration < 0 {
		return gateway.Config{}, fmt.Errorf("gateway durations cannot be negative")
	}

	cfg := gateway.Config{
		Admin:                admin,
		Pauser:               pauser,
		MinCapUSD:            minCap,
		MaxCapUSD:            maxCap,
		Paused:               g.Paused,
		PriceFeedID:          strings.TrimSpace(g.PriceFeedID),
		ConfidenceThreshold:  g.ConfidenceThreshold,
		MaxPriceAge:          uint64(g.MaxPriceAge / time.Second),
		DefaultEpochDuration: uint64(g.DefaultEpochDuration / time.Second),
		StrictGasPayload:     g.StrictGasPayload,
	}
	if err := cfg.Validate(); err != nil {
		return gateway.Config{}, fmt.Errorf("gateway caps: %w", err)
	}
	return cfg, nil
}

// WindowCap returns the configured global window cap in 8-decimal USD.
func (g GatewayConfig) WindowCap() (uint64, error) {
	capUSD, err := gateway.ParseUSD(g.WindowCapUSD)
	if err != nil {
		return 0, fmt.Errorf("gateway.window_cap_usd: %w", err)
	}
	return capUSD, nil
}

// VaultAddress returns the custody account deposits move into.
func (g GatewayConfig) VaultAddress() (common.Address, error) {
	return parseAddress("gateway.vault", g.Vault, true)
}

func parseAddress(field, raw string, optional bool) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" && optional {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s %q is not an address", field, raw)
	}
	return common.HexToAddress(raw), nil
}
