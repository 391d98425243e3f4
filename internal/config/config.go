package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	DB        DBConfig        `mapstructure:"db"`
	Cron      CronConfig      `mapstructure:"cron"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	PriceFeed PriceFeedConfig `mapstructure:"price_feed"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
	// AuthToken guards the operator API when set; health and metrics stay
	// open either way.
	AuthToken string `mapstructure:"auth_token"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type CronConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Retention prunes archived deals older than RetentionDays; the trade
	// journal is never pruned.
	Retention     string `mapstructure:"retention"`
	RetentionDays int    `mapstructure:"retention_days"`
	FeedHealth    string `mapstructure:"feed_health"`
}

// BridgeConfig points at the WhatsApp bridge sidecar: REST for sends, a
// websocket for the inbound message stream.
type BridgeConfig struct {
	Host       string        `mapstructure:"host"`
	StreamURL  string        `mapstructure:"stream_url"`
	Token      string        `mapstructure:"token"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MinSendGap time.Duration `mapstructure:"min_send_gap"`
	MaxSendGap time.Duration `mapstructure:"max_send_gap"`
	BackoffMin time.Duration `mapstructure:"backoff_min"`
	BackoffMax time.Duration `mapstructure:"backoff_max"`
}

type PriceFeedConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	BinanceHost   string        `mapstructure:"binance_host"`
	BinanceSymbol string        `mapstructure:"binance_symbol"`
	AwesomeHost   string        `mapstructure:"awesome_host"`
	AwesomePair   string        `mapstructure:"awesome_pair"`
}

type SweepConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

type ScheduleConfig struct {
	RuleCacheTTL time.Duration `mapstructure:"rule_cache_ttl"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OTC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.auth_token", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.retention", "0 0 4 * * *")
	v.SetDefault("cron.retention_days", 90)
	v.SetDefault("cron.feed_health", "@every 1m")
	v.SetDefault("bridge.host", "http://127.0.0.1:8090")
	v.SetDefault("bridge.stream_url", "ws://127.0.0.1:8090/ws/messages")
	v.SetDefault("bridge.timeout", "15s")
	v.SetDefault("bridge.min_send_gap", "1500ms")
	v.SetDefault("bridge.max_send_gap", "4s")
	v.SetDefault("bridge.backoff_min", "1s")
	v.SetDefault("bridge.backoff_max", "30s")
	v.SetDefault("price_feed.timeout", "10s")
	v.SetDefault("price_feed.binance_host", "https://api.binance.com")
	v.SetDefault("price_feed.binance_symbol", "USDTBRL")
	v.SetDefault("price_feed.awesome_host", "https://economia.awesomeapi.com.br")
	v.SetDefault("price_feed.awesome_pair", "USD-BRL")
	v.SetDefault("sweep.interval", "30s")
	v.SetDefault("sweep.batch_size", 200)
	v.SetDefault("schedule.rule_cache_ttl", "60s")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
