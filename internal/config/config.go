package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App  AppConfig  `mapstructure:"app"`
	Log  LogConfig  `mapstructure:"log"`
	DB   DBConfig   `mapstructure:"db"`
	Cron CronConfig `mapstructure:"cron"`

	Engine    EngineConfig    `mapstructure:"engine"`
	Session   SessionConfig   `mapstructure:"session"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Source    SourceConfig    `mapstructure:"source"`
	Journal   JournalConfig   `mapstructure:"journal"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
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
	Enabled    bool   `mapstructure:"enabled"`
	Status     string `mapstructure:"status"`
	Checkpoint string `mapstructure:"checkpoint"`
}

// EngineConfig is the analyzer and sizer tuning surface.
type EngineConfig struct {
	MinEdgeThreshold  float64 `mapstructure:"min_edge_threshold"`
	SentimentWeight   float64 `mapstructure:"sentiment_weight"`
	VolumeNormalizer  float64 `mapstructure:"volume_normalizer"`
	ConfidenceCap     float64 `mapstructure:"confidence_cap"`
	FixedBias         float64 `mapstructure:"fixed_bias"`
	ProbFloor         float64 `mapstructure:"prob_floor"`
	ProbCeil          float64 `mapstructure:"prob_ceil"`
	PriceFloor        float64 `mapstructure:"price_floor"`
	PriceCeil         float64 `mapstructure:"price_ceil"`
	KellyShrinkFactor float64 `mapstructure:"kelly_shrink_factor"`

	MinStake            float64 `mapstructure:"min_stake"`
	MaxStake            float64 `mapstructure:"max_stake"`
	MaxBankrollFraction float64 `mapstructure:"max_bankroll_fraction"`
}

type SessionConfig struct {
	StartingBankroll      float64       `mapstructure:"starting_bankroll"`
	InitialStake          float64       `mapstructure:"initial_stake"`
	DailyTradeLimit       int           `mapstructure:"daily_trade_limit"`
	DrawdownStopFraction  float64       `mapstructure:"drawdown_stop_fraction"`
	BackendFailureCeiling int           `mapstructure:"backend_failure_ceiling"`
	TradingInterval       time.Duration `mapstructure:"trading_interval"`
	IdleInterval          time.Duration `mapstructure:"idle_interval"`
	WinStakeFactor        float64       `mapstructure:"win_stake_factor"`
	LossStakeFactor       float64       `mapstructure:"loss_stake_factor"`
	WinMultiplierFactor   float64       `mapstructure:"win_multiplier_factor"`
	LossMultiplierFactor  float64       `mapstructure:"loss_multiplier_factor"`
	MinMultiplier         float64       `mapstructure:"min_multiplier"`
	MaxMultiplier         float64       `mapstructure:"max_multiplier"`
	ScanWorkers           int           `mapstructure:"scan_workers"`
	PerMarketTimeout      time.Duration `mapstructure:"per_market_timeout"`
}

type ExecutionConfig struct {
	BackendOrder       []string      `mapstructure:"backend_order"`
	AttemptsPerBackend int           `mapstructure:"attempts_per_backend"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	BackoffCeiling     time.Duration `mapstructure:"backoff_ceiling"`

	ClobAPI ClobAPIConfig `mapstructure:"clob_api"`
	Relay   RelayConfig   `mapstructure:"relay"`
}

type ClobAPIConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

type RelayConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SourceConfig selects and tunes the market source. Mode is "rest" or
// "file"; the stream overlay applies to either.
type SourceConfig struct {
	Mode      string  `mapstructure:"mode"`
	MinVolume float64 `mapstructure:"min_volume"`

	GammaURL   string        `mapstructure:"gamma_url"`
	ClobURL    string        `mapstructure:"clob_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxMarkets int           `mapstructure:"max_markets"`

	SnapshotPath string `mapstructure:"snapshot_path"`

	Stream StreamConfig `mapstructure:"stream"`
}

type StreamConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	URL         string        `mapstructure:"url"`
	MaxQuoteAge time.Duration `mapstructure:"max_quote_age"`
}

type JournalConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// ResumeBankroll seeds the session from the newest checkpoint's
	// bankroll instead of session.starting_bankroll.
	ResumeBankroll bool `mapstructure:"resume_bankroll"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	v.SetDefault("app.env", "dev")
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
	v.SetDefault("cron.status", "@every 5m")
	v.SetDefault("cron.checkpoint", "@every 15m")

	v.SetDefault("engine.min_edge_threshold", 0.07)
	v.SetDefault("engine.sentiment_weight", 0.03)
	v.SetDefault("engine.volume_normalizer", 300000)
	v.SetDefault("engine.confidence_cap", 0.4)
	v.SetDefault("engine.fixed_bias", 0.05)
	v.SetDefault("engine.prob_floor", 0.05)
	v.SetDefault("engine.prob_ceil", 0.95)
	v.SetDefault("engine.price_floor", 0.01)
	v.SetDefault("engine.price_ceil", 0.99)
	v.SetDefault("engine.kelly_shrink_factor", 0.25)
	v.SetDefault("engine.min_stake", 1)
	v.SetDefault("engine.max_stake", 30)
	v.SetDefault("engine.max_bankroll_fraction", 0.1)

	v.SetDefault("session.starting_bankroll", 100)
	v.SetDefault("session.initial_stake", 2.5)
	v.SetDefault("session.daily_trade_limit", 150)
	v.SetDefault("session.drawdown_stop_fraction", 0.15)
	v.SetDefault("session.backend_failure_ceiling", 10)
	v.SetDefault("session.trading_interval", "90s")
	v.SetDefault("session.idle_interval", "30s")
	v.SetDefault("session.win_stake_factor", 1.15)
	v.SetDefault("session.loss_stake_factor", 0.9)
	v.SetDefault("session.win_multiplier_factor", 1.1)
	v.SetDefault("session.loss_multiplier_factor", 0.9)
	v.SetDefault("session.min_multiplier", 0.5)
	v.SetDefault("session.max_multiplier", 2.0)
	v.SetDefault("session.scan_workers", 4)
	v.SetDefault("session.per_market_timeout", "12s")

	v.SetDefault("execution.backend_order", []string{"clob_api", "relay", "manual"})
	v.SetDefault("execution.attempts_per_backend", 2)
	v.SetDefault("execution.retry_delay", "2s")
	v.SetDefault("execution.backoff_base", "5s")
	v.SetDefault("execution.backoff_ceiling", "2m")
	v.SetDefault("execution.clob_api.base_url", "https://clob.polymarket.com")
	v.SetDefault("execution.clob_api.timeout", "10s")
	v.SetDefault("execution.clob_api.requests_per_second", 2)
	v.SetDefault("execution.clob_api.burst", 1)
	v.SetDefault("execution.relay.endpoint", "http://127.0.0.1:8765/orders")
	v.SetDefault("execution.relay.timeout", "90s")

	v.SetDefault("source.mode", "rest")
	v.SetDefault("source.min_volume", 10000)
	v.SetDefault("source.gamma_url", "https://gamma-api.polymarket.com")
	v.SetDefault("source.clob_url", "https://clob.polymarket.com")
	v.SetDefault("source.timeout", "15s")
	v.SetDefault("source.max_markets", 200)
	v.SetDefault("source.snapshot_path", "current_markets.json")
	v.SetDefault("source.stream.enabled", true)
	v.SetDefault("source.stream.url", "")
	v.SetDefault("source.stream.max_quote_age", "2m")

	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.resume_bankroll", false)

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
