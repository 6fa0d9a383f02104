// Package config loads and validates storewatch configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/storewatch/internal/extract"
	"github.com/JakeFAU/storewatch/internal/scheduler"
	"github.com/JakeFAU/storewatch/internal/telemetry"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Worker    WorkerConfig     `mapstructure:"worker"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Fetch     FetchConfig      `mapstructure:"fetch"`
	Crawl     CrawlConfig      `mapstructure:"crawl"`
	Diff      DiffConfig       `mapstructure:"diff"`
	Lock      LockConfig       `mapstructure:"lock"`
	Verify    VerifyConfig     `mapstructure:"verify"`
	DB        DBConfig         `mapstructure:"db"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Notify    NotifyConfig     `mapstructure:"notify"`
	Artifacts ArtifactsConfig  `mapstructure:"artifacts"`
	Server    ServerConfig     `mapstructure:"server"`
	Schedule  scheduler.Config `mapstructure:"schedule"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
	// Stores seeds the in-memory repository when no database is configured.
	Stores []StoreSeed `mapstructure:"stores"`
}

// StoreSeed describes one monitored store.
type StoreSeed struct {
	ID       string        `mapstructure:"id"`
	Name     string        `mapstructure:"name"`
	Interval time.Duration `mapstructure:"interval"`
	Active   bool          `mapstructure:"active"`
}

// WorkerConfig identifies the process and paces store crawls.
type WorkerConfig struct {
	// ID overrides the generated lock owner id.
	ID           string        `mapstructure:"id"`
	StoreDelay   time.Duration `mapstructure:"store_delay"`
	CrawlTimeout time.Duration `mapstructure:"crawl_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// FetchConfig configures listing page retrieval.
type FetchConfig struct {
	// Mode is "headless" (chromedp) or "http" (colly).
	Mode              string            `mapstructure:"mode"`
	SearchURLTemplate string            `mapstructure:"search_url_template"`
	UserAgent         string            `mapstructure:"user_agent"`
	Headless          bool              `mapstructure:"headless"`
	ExecPath          string            `mapstructure:"exec_path"`
	WaitSelector      string            `mapstructure:"wait_selector"`
	NavigationTimeout time.Duration     `mapstructure:"navigation_timeout"`
	ElementTimeout    time.Duration     `mapstructure:"element_timeout"`
	HTTPTimeout       time.Duration     `mapstructure:"http_timeout"`
	BlockedResources  []string          `mapstructure:"blocked_resources"`
	Headers           map[string]string `mapstructure:"headers"`
	LaunchAttempts    int               `mapstructure:"launch_attempts"`
	LaunchBackoff     time.Duration     `mapstructure:"launch_backoff"`
	Challenge         ChallengeConfig   `mapstructure:"challenge"`
}

// ChallengeConfig overrides the bot-challenge markers. Empty lists keep the defaults.
type ChallengeConfig struct {
	URLMarkers   []string `mapstructure:"url_markers"`
	TitleMarkers []string `mapstructure:"title_markers"`
	BodyMarkers  []string `mapstructure:"body_markers"`
}

// CrawlConfig bounds pagination and extraction.
type CrawlConfig struct {
	MaxPages    int               `mapstructure:"max_pages"`
	PageDelay   time.Duration     `mapstructure:"page_delay"`
	DelayJitter time.Duration     `mapstructure:"delay_jitter"`
	Selectors   extract.Selectors `mapstructure:"selectors"`
	PromoTitles []string          `mapstructure:"promo_titles"`
}

// DiffConfig tunes the snapshot diff.
type DiffConfig struct {
	AnomalyThreshold int     `mapstructure:"anomaly_threshold"`
	AnomalyRatio     float64 `mapstructure:"anomaly_ratio"`
	PersistNew       bool    `mapstructure:"persist_new"`
	// SnapshotStore is memory, postgres, postgres_window or redis.
	SnapshotStore string        `mapstructure:"snapshot_store"`
	Window        time.Duration `mapstructure:"window"`
}

// LockConfig selects and tunes the crawl lock backend.
type LockConfig struct {
	// Backend is memory, postgres or redis.
	Backend     string        `mapstructure:"backend"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	SweepMaxAge time.Duration `mapstructure:"sweep_max_age"`
}

// VerifyConfig configures the detail client and batch processing.
type VerifyConfig struct {
	EndpointTemplate string            `mapstructure:"endpoint_template"`
	Token            string            `mapstructure:"token"`
	Headers          map[string]string `mapstructure:"headers"`
	Timeout          time.Duration     `mapstructure:"timeout"`
	ItemTimeout      time.Duration     `mapstructure:"item_timeout"`
	MaxAttempts      int               `mapstructure:"max_attempts"`
	Backoff          time.Duration     `mapstructure:"backoff"`
	MaxBackoff       time.Duration     `mapstructure:"max_backoff"`
	RPS              float64           `mapstructure:"rps"`
	Burst            int               `mapstructure:"burst"`
	RemovalPolicy    string            `mapstructure:"removal_policy"`
	BatchSize        int               `mapstructure:"batch_size"`
	Delay            time.Duration     `mapstructure:"delay"`
	Window           time.Duration     `mapstructure:"window"`
	Concurrency      int               `mapstructure:"concurrency"`
	RetryAfter       time.Duration     `mapstructure:"retry_after"`
	RetryLimit       int               `mapstructure:"retry_limit"`
}

// DBConfig controls access to Postgres. An empty DSN selects in-memory storage.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// RedisConfig locates the Redis server used for locks and snapshots.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// NotifyConfig selects notification sinks.
type NotifyConfig struct {
	// Sinks lists log and/or pubsub.
	Sinks     []string `mapstructure:"sinks"`
	ProjectID string   `mapstructure:"project_id"`
	Topic     string   `mapstructure:"topic"`
}

// ArtifactsConfig controls where challenge-page captures are written.
type ArtifactsConfig struct {
	// Backend is none, memory, local or gcs.
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	APIKey          string        `mapstructure:"api_key"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STOREWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("worker.id", "")
	v.SetDefault("worker.store_delay", "10s")
	v.SetDefault("worker.crawl_timeout", "30m")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("fetch.mode", "headless")
	v.SetDefault("fetch.search_url_template", "https://www.ebay.com/sch/i.html?_ssn={store}&_ipg=240&_pgn={page}&rt=nc")
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("fetch.headless", true)
	v.SetDefault("fetch.exec_path", "")
	v.SetDefault("fetch.wait_selector", "li.s-item")
	v.SetDefault("fetch.navigation_timeout", "45s")
	v.SetDefault("fetch.element_timeout", "15s")
	v.SetDefault("fetch.http_timeout", "30s")
	v.SetDefault("fetch.blocked_resources", []string{"Font", "Media"})
	v.SetDefault("fetch.launch_attempts", 3)
	v.SetDefault("fetch.launch_backoff", "2s")
	v.SetDefault("crawl.max_pages", 50)
	v.SetDefault("crawl.page_delay", "3s")
	v.SetDefault("crawl.delay_jitter", "2s")
	v.SetDefault("crawl.promo_titles", []string{"Shop on eBay"})
	v.SetDefault("diff.anomaly_threshold", 5)
	v.SetDefault("diff.anomaly_ratio", 0.0)
	v.SetDefault("diff.persist_new", true)
	v.SetDefault("diff.snapshot_store", "memory")
	v.SetDefault("diff.window", "168h")
	v.SetDefault("lock.backend", "memory")
	v.SetDefault("lock.stale_after", "30m")
	v.SetDefault("lock.sweep_max_age", "30m")
	v.SetDefault("verify.endpoint_template", "https://api.ebay.com/buy/browse/v1/item/v1%7C{id}%7C0")
	v.SetDefault("verify.token", "")
	v.SetDefault("verify.timeout", "10s")
	v.SetDefault("verify.item_timeout", "30s")
	v.SetDefault("verify.max_attempts", 3)
	v.SetDefault("verify.backoff", "500ms")
	v.SetDefault("verify.max_backoff", "8s")
	v.SetDefault("verify.rps", 5.0)
	v.SetDefault("verify.burst", 5)
	v.SetDefault("verify.removal_policy", "retain")
	v.SetDefault("verify.batch_size", 50)
	v.SetDefault("verify.delay", "2s")
	v.SetDefault("verify.window", "168h")
	v.SetDefault("verify.concurrency", 5)
	v.SetDefault("verify.retry_after", "1h")
	v.SetDefault("verify.retry_limit", 100)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "1h")
	v.SetDefault("db.migrate", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "storewatch")
	v.SetDefault("notify.sinks", []string{"log"})
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "")
	v.SetDefault("artifacts.backend", "none")
	v.SetDefault("artifacts.base_dir", "artifacts")
	v.SetDefault("artifacts.bucket", "")
	v.SetDefault("artifacts.prefix", "challenges")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("schedule.crawl", "0 */30 * * * *")
	v.SetDefault("schedule.verify", "0 */10 * * * *")
	v.SetDefault("schedule.retry_errors", "0 0 * * * *")
	v.SetDefault("schedule.sweep_locks", "0 */5 * * * *")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "storewatch")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Fetch.Mode {
	case "headless", "http":
	default:
		return fmt.Errorf("fetch.mode must be headless or http, got %q", c.Fetch.Mode)
	}
	if !strings.Contains(c.Fetch.SearchURLTemplate, "{store}") || !strings.Contains(c.Fetch.SearchURLTemplate, "{page}") {
		return fmt.Errorf("fetch.search_url_template must contain {store} and {page}")
	}
	if c.Crawl.MaxPages <= 0 {
		return fmt.Errorf("crawl.max_pages must be > 0")
	}
	if c.Diff.AnomalyThreshold < 0 {
		return fmt.Errorf("diff.anomaly_threshold must be >= 0")
	}
	if c.Diff.AnomalyRatio < 0 || c.Diff.AnomalyRatio > 1 {
		return fmt.Errorf("diff.anomaly_ratio must be within [0, 1]")
	}
	needsDB := c.Lock.Backend == "postgres" || c.Diff.SnapshotStore == "postgres" || c.Diff.SnapshotStore == "postgres_window"
	needsRedis := c.Lock.Backend == "redis" || c.Diff.SnapshotStore == "redis"
	switch c.Lock.Backend {
	case "memory", "postgres", "redis":
	default:
		return fmt.Errorf("lock.backend must be memory, postgres or redis, got %q", c.Lock.Backend)
	}
	switch c.Diff.SnapshotStore {
	case "memory", "postgres", "postgres_window", "redis":
	default:
		return fmt.Errorf("diff.snapshot_store must be memory, postgres, postgres_window or redis, got %q", c.Diff.SnapshotStore)
	}
	if needsDB && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when postgres locks or snapshots are selected")
	}
	if needsRedis && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set when redis locks or snapshots are selected")
	}
	if c.Diff.SnapshotStore == "postgres_window" && !c.Diff.PersistNew {
		return fmt.Errorf("diff.persist_new must be true with the postgres_window snapshot store")
	}
	switch c.Verify.RemovalPolicy {
	case "retain", "delete":
	default:
		return fmt.Errorf("verify.removal_policy must be retain or delete, got %q", c.Verify.RemovalPolicy)
	}
	if !strings.Contains(c.Verify.EndpointTemplate, "{id}") {
		return fmt.Errorf("verify.endpoint_template must contain {id}")
	}
	if c.Verify.Concurrency <= 0 {
		return fmt.Errorf("verify.concurrency must be > 0")
	}
	if c.Verify.BatchSize <= 0 {
		return fmt.Errorf("verify.batch_size must be > 0")
	}
	for _, sink := range c.Notify.Sinks {
		switch sink {
		case "log":
		case "pubsub":
			if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
				return fmt.Errorf("notify.project_id and notify.topic must be set for the pubsub sink")
			}
		default:
			return fmt.Errorf("unknown notify sink %q", sink)
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	for i, st := range c.Stores {
		if st.ID == "" || st.Name == "" {
			return fmt.Errorf("stores[%d] needs id and name", i)
		}
	}
	switch c.Artifacts.Backend {
	case "none", "memory", "local":
	case "gcs":
		if c.Artifacts.Bucket == "" {
			return fmt.Errorf("artifacts.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("artifacts.backend must be none, memory, local or gcs, got %q", c.Artifacts.Backend)
	}
	return nil
}
