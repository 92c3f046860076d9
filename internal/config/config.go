package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"quotecache/internal/cache"
)

type Server struct {
	Port              string `json:"port"`
	RequestTimeoutSec int    `json:"request_timeout_sec"`
}

type Logging struct {
	Level string `json:"level"`
	// Format is json, plaintext or color.
	Format     string            `json:"format"`
	Subsystems map[string]string `json:"subsystems"`
}

type UseCase struct {
	TTLSec   int    `json:"ttl_sec"`
	Priority string `json:"priority"`
}

type Cache struct {
	Capacity             int                `json:"capacity"`
	UseCases             map[string]UseCase `json:"use_cases"`
	PriorityTTLCapSec    map[string]int     `json:"priority_ttl_cap_sec"`
	PriceDeltaThreshold  float64            `json:"price_delta_threshold"`
	VolumeDeltaThreshold float64            `json:"volume_delta_threshold"`
	FetchTimeoutMs       int                `json:"fetch_timeout_ms"`
	Workers              int                `json:"workers"`
	BatchSize            int                `json:"batch_size"`
	BatchWindowMs        int                `json:"batch_window_ms"`
	MaxRetries           int                `json:"max_retries"`
	BackoffBaseMs        int                `json:"backoff_base_ms"`
	BackoffMaxMs         int                `json:"backoff_max_ms"`
	BreakerFailures      int                `json:"breaker_failures"`
	BreakerCooldownSec   int                `json:"breaker_cooldown_sec"`
	RefreshIntervalSec   int                `json:"refresh_interval_sec"`
	RefreshLeadFraction  float64            `json:"refresh_lead_fraction"`
	RefreshMinPriority   string             `json:"refresh_min_priority"`
	RefreshQueueSize     int                `json:"refresh_queue_size"`
	RefreshMaxAttempts   int                `json:"refresh_max_attempts"`
	SubscriberBuffer     int                `json:"subscriber_buffer"`
}

// Limits is shared by every remote provider.
type Limits struct {
	TimeoutMs            int `json:"timeout_ms"`
	MaxRequestsPerMinute int `json:"max_requests_per_minute"`
	Burst                int `json:"burst"`
	MaxWaitMs            int `json:"max_wait_ms"`
}

type Polygon struct {
	Enabled bool   `json:"enabled"`
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
	Limits
	MaxConcurrency int `json:"max_concurrency"`
	DetailsTTLSec  int `json:"details_ttl_sec"`
}

type Finnhub struct {
	Enabled bool   `json:"enabled"`
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
	Limits
	MaxConcurrency int `json:"max_concurrency"`
	ProfileTTLSec  int `json:"profile_ttl_sec"`
}

type Yahoo struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
	Limits
	MaxItemsPerRequest int `json:"max_items_per_request"`
	MaxConcurrency     int `json:"max_concurrency"`
}

type Redis struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr"`
	Password     string `json:"password"`
	DB           int    `json:"db"`
	KeyPrefix    string `json:"key_prefix"`
	MaxAgeSec    int    `json:"max_age_sec"`
	Mirror       bool   `json:"mirror"`
	MirrorTTLSec int    `json:"mirror_ttl_sec"`
}

type Synthetic struct {
	Seed uint64 `json:"seed"`
}

type Providers struct {
	Order     []string  `json:"order"`
	Polygon   Polygon   `json:"polygon"`
	Finnhub   Finnhub   `json:"finnhub"`
	Yahoo     Yahoo     `json:"yahoo"`
	Redis     Redis     `json:"redis"`
	Synthetic Synthetic `json:"synthetic"`
}

type Kafka struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

type Config struct {
	Server    Server    `json:"server"`
	Logging   Logging   `json:"logging"`
	Cache     Cache     `json:"cache"`
	Providers Providers `json:"providers"`
	Kafka     Kafka     `json:"kafka"`
}

func Default() Config {
	return Config{
		Server:  Server{Port: "8080", RequestTimeoutSec: 10},
		Logging: Logging{Level: "info", Format: "plaintext"},
		Cache: Cache{
			Capacity: 1000,
			UseCases: map[string]UseCase{
				string(cache.UseCaseActivePosition): {TTLSec: 30, Priority: "high"},
				string(cache.UseCaseWatchlist):      {TTLSec: 120, Priority: "medium"},
				string(cache.UseCaseHighVolume):     {TTLSec: 60, Priority: "high"},
				string(cache.UseCaseResearch):       {TTLSec: 300, Priority: "low"},
				string(cache.UseCaseHistorical):     {TTLSec: 900, Priority: "low"},
			},
			PriorityTTLCapSec:    map[string]int{"critical": 30},
			PriceDeltaThreshold:  0.02,
			VolumeDeltaThreshold: 0.5,
			FetchTimeoutMs:       3000,
			Workers:              4,
			BatchSize:            10,
			BatchWindowMs:        25,
			MaxRetries:           3,
			BackoffBaseMs:        200,
			BackoffMaxMs:         5000,
			BreakerFailures:      5,
			BreakerCooldownSec:   30,
			RefreshIntervalSec:   5,
			RefreshLeadFraction:  0.2,
			RefreshMinPriority:   "high",
			RefreshQueueSize:     500,
			RefreshMaxAttempts:   3,
			SubscriberBuffer:     64,
		},
		Providers: Providers{
			Order: []string{"polygon", "finnhub", "yahoo"},
			Polygon: Polygon{
				Enabled:        true,
				BaseURL:        "https://api.polygon.io",
				Limits:         Limits{TimeoutMs: 5000, MaxRequestsPerMinute: 5, Burst: 5, MaxWaitMs: 1000},
				MaxConcurrency: 4,
				DetailsTTLSec:  3600,
			},
			Finnhub: Finnhub{
				Enabled:        true,
				BaseURL:        "https://finnhub.io/api/v1",
				Limits:         Limits{TimeoutMs: 5000, MaxRequestsPerMinute: 60, Burst: 10, MaxWaitMs: 1000},
				MaxConcurrency: 4,
				ProfileTTLSec:  3600,
			},
			Yahoo: Yahoo{
				Enabled:            true,
				Endpoint:           "https://query1.finance.yahoo.com/v7/finance/quote",
				Limits:             Limits{TimeoutMs: 5000, MaxRequestsPerMinute: 30, Burst: 5, MaxWaitMs: 1000},
				MaxItemsPerRequest: 50,
				MaxConcurrency:     2,
			},
			Redis: Redis{
				Addr:         "localhost:6379",
				KeyPrefix:    "quote:",
				MaxAgeSec:    60,
				MirrorTTLSec: 60,
			},
		},
		Kafka: Kafka{Topic: "quotecache.events"},
	}
}

// Load reads JSON config from path. If path is empty or file does not exist,
// it returns defaults. Environment variables override select fields for secrecy.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := json.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	envString("PORT", &cfg.Server.Port)
	envInt("REQUEST_TIMEOUT_SEC", &cfg.Server.RequestTimeoutSec)
	envString("LOG_LEVEL", &cfg.Logging.Level)
	envString("LOG_FORMAT", &cfg.Logging.Format)

	envInt("CACHE_CAPACITY", &cfg.Cache.Capacity)
	envInt("CACHE_WORKERS", &cfg.Cache.Workers)
	envInt("CACHE_MAX_RETRIES", &cfg.Cache.MaxRetries)
	envInt("CACHE_FETCH_TIMEOUT_MS", &cfg.Cache.FetchTimeoutMs)
	envInt("CACHE_REFRESH_INTERVAL_SEC", &cfg.Cache.RefreshIntervalSec)

	if v := os.Getenv("PROVIDER_ORDER"); v != "" {
		cfg.Providers.Order = splitCSV(v)
	}
	envString("POLYGON_API_KEY", &cfg.Providers.Polygon.APIKey)
	envString("POLYGON_BASE_URL", &cfg.Providers.Polygon.BaseURL)
	envInt("POLYGON_MAX_RPM", &cfg.Providers.Polygon.MaxRequestsPerMinute)
	envString("FINNHUB_API_KEY", &cfg.Providers.Finnhub.APIKey)
	envString("FINNHUB_BASE_URL", &cfg.Providers.Finnhub.BaseURL)
	envInt("FINNHUB_MAX_RPM", &cfg.Providers.Finnhub.MaxRequestsPerMinute)
	envString("YAHOO_ENDPOINT", &cfg.Providers.Yahoo.Endpoint)
	envInt("YAHOO_MAX_RPM", &cfg.Providers.Yahoo.MaxRequestsPerMinute)

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Providers.Redis.Addr = v
		cfg.Providers.Redis.Enabled = true
	}
	envString("REDIS_PASSWORD", &cfg.Providers.Redis.Password)
	envInt("REDIS_DB", &cfg.Providers.Redis.DB)
	envBool("REDIS_MIRROR", &cfg.Providers.Redis.Mirror)

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitCSV(v)
		cfg.Kafka.Enabled = true
	}
	envString("KAFKA_TOPIC", &cfg.Kafka.Topic)
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if x, err := strconv.Atoi(v); err == nil && x >= 0 {
			*dst = x
		}
	}
}

func envBool(name string, dst *bool) {
	switch strings.ToLower(os.Getenv(name)) {
	case "1", "true", "yes", "y":
		*dst = true
	case "0", "false", "no", "n":
		*dst = false
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

var knownProviders = map[string]bool{"polygon": true, "finnhub": true, "yahoo": true, "redis": true}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs *multierror.Error
	add := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port == "" {
		add("server.port is empty")
	}
	switch c.Logging.Format {
	case "", "json", "plaintext", "color":
	default:
		add("logging.format %q must be json, plaintext or color", c.Logging.Format)
	}

	cc := c.Cache
	if cc.Capacity <= 0 {
		add("cache.capacity must be positive, got %d", cc.Capacity)
	}
	if _, err := cc.PolicyConfig(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if cc.FetchTimeoutMs <= 0 {
		add("cache.fetch_timeout_ms must be positive, got %d", cc.FetchTimeoutMs)
	}
	if cc.SubscriberBuffer <= 0 {
		add("cache.subscriber_buffer must be positive, got %d", cc.SubscriberBuffer)
	}
	if cc.MaxRetries < 0 {
		add("cache.max_retries must not be negative, got %d", cc.MaxRetries)
	}
	if cc.RefreshLeadFraction < 0 || cc.RefreshLeadFraction >= 1 {
		add("cache.refresh_lead_fraction must be in [0,1), got %v", cc.RefreshLeadFraction)
	}
	if cc.RefreshMinPriority != "" {
		if _, err := cache.ParsePriority(cc.RefreshMinPriority); err != nil {
			add("cache.refresh_min_priority: %w", err)
		}
	}

	if len(c.Providers.Order) == 0 {
		add("providers.order is empty")
	}
	seen := make(map[string]bool, len(c.Providers.Order))
	for _, name := range c.Providers.Order {
		if !knownProviders[name] {
			add("providers.order: unknown provider %q", name)
		}
		if seen[name] {
			add("providers.order: %q listed twice", name)
		}
		seen[name] = true
	}
	if c.Providers.Redis.Enabled && c.Providers.Redis.Addr == "" {
		add("providers.redis.addr is empty")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		add("kafka.brokers is empty")
	}
	return errs.ErrorOrNil()
}

func ms(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
func sec(n int) time.Duration { return time.Duration(n) * time.Second }

// PolicyConfig converts the TTL table. Use cases missing from the file keep
// their defaults.
func (c Cache) PolicyConfig() (cache.PolicyConfig, error) {
	pc := cache.DefaultPolicyConfig()
	var errs *multierror.Error
	for name, uc := range c.UseCases {
		u, err := cache.ParseUseCase(name)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("cache.use_cases: %w", err))
			continue
		}
		pr, err := cache.ParsePriority(uc.Priority)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("cache.use_cases.%s: %w", name, err))
			continue
		}
		if uc.TTLSec <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("cache.use_cases.%s.ttl_sec must be positive, got %d", name, uc.TTLSec))
			continue
		}
		pc.UseCases[u] = cache.UseCasePolicy{TTL: sec(uc.TTLSec), Priority: pr}
	}
	if c.PriorityTTLCapSec != nil {
		pc.PriorityCeilings = make(map[cache.Priority]time.Duration, len(c.PriorityTTLCapSec))
		for name, s := range c.PriorityTTLCapSec {
			pr, err := cache.ParsePriority(name)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("cache.priority_ttl_cap_sec: %w", err))
				continue
			}
			if s <= 0 {
				errs = multierror.Append(errs, fmt.Errorf("cache.priority_ttl_cap_sec.%s must be positive, got %d", name, s))
				continue
			}
			pc.PriorityCeilings[pr] = sec(s)
		}
	}
	if c.PriceDeltaThreshold > 0 {
		pc.PriceDelta = c.PriceDeltaThreshold
	}
	if c.VolumeDeltaThreshold > 0 {
		pc.VolumeDelta = c.VolumeDeltaThreshold
	}
	return pc, errs.ErrorOrNil()
}

func (c Cache) ExecutorConfig() cache.ExecutorConfig {
	ec := cache.DefaultExecutorConfig()
	if c.Workers > 0 {
		ec.Workers = c.Workers
	}
	if c.BatchSize > 0 {
		ec.BatchSize = c.BatchSize
	}
	ec.BatchWindow = ms(c.BatchWindowMs)
	ec.Retry.MaxRetries = c.MaxRetries
	if c.BackoffBaseMs > 0 {
		ec.Retry.BaseDelay = ms(c.BackoffBaseMs)
	}
	if c.BackoffMaxMs > 0 {
		ec.Retry.MaxDelay = ms(c.BackoffMaxMs)
	}
	ec.BreakerFailures = uint32(max(c.BreakerFailures, 0))
	if c.BreakerCooldownSec > 0 {
		ec.BreakerCooldown = sec(c.BreakerCooldownSec)
	}
	return ec
}

func (c Cache) RefreshConfig() cache.RefreshConfig {
	rc := cache.DefaultRefreshConfig()
	if c.RefreshIntervalSec > 0 {
		rc.Interval = sec(c.RefreshIntervalSec)
	}
	if c.RefreshLeadFraction > 0 {
		rc.LeadFraction = c.RefreshLeadFraction
	}
	if pr, err := cache.ParsePriority(c.RefreshMinPriority); err == nil {
		rc.MinPriority = pr
	}
	if c.RefreshQueueSize > 0 {
		rc.QueueSize = c.RefreshQueueSize
	}
	if c.RefreshMaxAttempts > 0 {
		rc.MaxAttempts = c.RefreshMaxAttempts
	}
	return rc
}

func (c Cache) FetchTimeout() time.Duration { return ms(c.FetchTimeoutMs) }

func (l Limits) Timeout() time.Duration { return ms(l.TimeoutMs) }
func (l Limits) MaxWait() time.Duration { return ms(l.MaxWaitMs) }
