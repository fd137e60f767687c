package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	telemetry "stationsync/internal/telemetry/domain"
)

// Config is the process configuration.
type Config struct {
	DatabaseURL string          `yaml:"database_url"`
	HTTPAddr    string          `yaml:"http_addr"`
	Log         LogConfig       `yaml:"log"`
	Vendor      VendorConfig    `yaml:"vendor"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
	Rollup      RollupConfig    `yaml:"rollup"`
	Events      EventsConfig    `yaml:"events"`
	Stations    []StationConfig `yaml:"stations"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// VendorConfig configures the upstream API client.
type VendorConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Token         string        `yaml:"token"`
	Timeout       time.Duration `yaml:"timeout"`
	SkipTLSVerify bool          `yaml:"skip_tls_verify"`
	RoundTo       time.Duration `yaml:"round_to"`
	ChunkSpan     time.Duration `yaml:"chunk_span"`
	Breaker       BreakerConfig `yaml:"breaker"`
	// Discover adds the stations found in the vendor location tree.
	Discover bool `yaml:"discover"`
}

// BreakerConfig configures the vendor circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// SchedulerConfig configures station cycles.
type SchedulerConfig struct {
	PoolSize       int           `yaml:"pool_size"`
	CycleTimeout   time.Duration `yaml:"cycle_timeout"`
	DefaultCadence time.Duration `yaml:"default_cadence"`
	Overlap        time.Duration `yaml:"overlap"`
	MaxHistory     time.Duration `yaml:"max_history"`
	MaxWindow      time.Duration `yaml:"max_window"`
	ResyncSchedule string        `yaml:"resync_schedule"`
	ResyncLookback time.Duration `yaml:"resync_lookback"`
	Backoff        BackoffConfig `yaml:"backoff"`
}

// BackoffConfig configures retry delays after failed cycles.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Permanent  time.Duration `yaml:"permanent"`
}

// RollupConfig configures the aggregate maintainer.
type RollupConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// EventsConfig configures outbox redelivery.
type EventsConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	RedeliverEvery time.Duration `yaml:"redeliver_every"`
}

// SensorConfig maps a vendor location to a metric.
type SensorConfig struct {
	LocationID int    `yaml:"location_id"`
	Metric     string `yaml:"metric"`
	Unit       string `yaml:"unit"`
}

// StationConfig declares a station.
type StationConfig struct {
	ID           string         `yaml:"id"`
	Name         string         `yaml:"name"`
	Cadence      time.Duration  `yaml:"cadence"`
	Enabled      *bool          `yaml:"enabled"`
	BackfillFrom *time.Time     `yaml:"backfill_from"`
	Sensors      []SensorConfig `yaml:"sensors"`
}

// Station converts the declaration into a domain station.
func (s StationConfig) Station(defaultCadence time.Duration) telemetry.Station {
	station := telemetry.Station{
		ID:      s.ID,
		Name:    s.Name,
		Cadence: s.Cadence,
		Enabled: s.Enabled == nil || *s.Enabled,
	}
	if station.Cadence <= 0 {
		station.Cadence = defaultCadence
	}
	if s.BackfillFrom != nil {
		from := s.BackfillFrom.UTC()
		station.BackfillFrom = &from
	}
	for _, sensor := range s.Sensors {
		station.Sensors = append(station.Sensors, telemetry.Sensor{LocationID: sensor.LocationID, Metric: sensor.Metric, Unit: sensor.Unit})
	}
	return station
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		HTTPAddr: ":8080",
		Log:      LogConfig{Level: "info", Format: "text"},
		Vendor: VendorConfig{
			Timeout:   30 * time.Second,
			RoundTo:   10 * time.Minute,
			ChunkSpan: 24 * time.Hour,
			Breaker:   BreakerConfig{MaxFailures: 5, OpenTimeout: time.Minute},
		},
		Scheduler: SchedulerConfig{
			PoolSize:       5,
			CycleTimeout:   2 * time.Minute,
			DefaultCadence: 5 * time.Minute,
			Overlap:        10 * time.Minute,
			MaxHistory:     90 * 24 * time.Hour,
			MaxWindow:      7 * 24 * time.Hour,
			ResyncSchedule: "30 3 * * *",
			ResyncLookback: 24 * time.Hour,
			Backoff: BackoffConfig{
				Initial:    time.Minute,
				Max:        30 * time.Minute,
				Multiplier: 2,
				Permanent:  6 * time.Hour,
			},
		},
		Rollup: RollupConfig{Concurrency: 4},
		Events: EventsConfig{MaxAttempts: 5, RedeliverEvery: time.Minute},
	}
}

// Load reads an optional .env file, the YAML file at path (or $STATIONSYNC_CONFIG)
// and applies environment overrides on top.
func Load(path string) (Config, error) {
	envFile, ok := os.LookupEnv("STATIONSYNC_ENV_FILE")
	if !ok {
		envFile = ".env"
	}
	if err := loadDotEnv(envFile); err != nil {
		return Config{}, err
	}
	cfg := Defaults()

	if path == "" {
		path = os.Getenv("STATIONSYNC_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.DatabaseURL = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", cfg.DatabaseURL))
	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.Log.Level = getenvDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenvDefault("LOG_FORMAT", cfg.Log.Format)

	cfg.Vendor.BaseURL = getenvDefault("VENDOR_BASE_URL", cfg.Vendor.BaseURL)
	cfg.Vendor.Token = getenvDefault("VENDOR_TOKEN", cfg.Vendor.Token)
	cfg.Vendor.Timeout = getenvDuration("VENDOR_TIMEOUT", cfg.Vendor.Timeout)
	cfg.Vendor.SkipTLSVerify = getenvBool("VENDOR_SKIP_TLS_VERIFY", cfg.Vendor.SkipTLSVerify)
	cfg.Vendor.Discover = getenvBool("VENDOR_DISCOVER", cfg.Vendor.Discover)

	cfg.Scheduler.PoolSize = getenvIntDefault("SCHEDULER_POOL_SIZE", cfg.Scheduler.PoolSize)
	cfg.Scheduler.CycleTimeout = getenvDuration("SCHEDULER_CYCLE_TIMEOUT", cfg.Scheduler.CycleTimeout)
	cfg.Scheduler.DefaultCadence = getenvDuration("SCHEDULER_DEFAULT_CADENCE", cfg.Scheduler.DefaultCadence)
	cfg.Scheduler.MaxHistory = getenvDuration("SCHEDULER_MAX_HISTORY", cfg.Scheduler.MaxHistory)
	cfg.Scheduler.ResyncSchedule = getenvDefault("SCHEDULER_RESYNC_SCHEDULE", cfg.Scheduler.ResyncSchedule)
	cfg.Rollup.Concurrency = getenvIntDefault("ROLLUP_CONCURRENCY", cfg.Rollup.Concurrency)
	cfg.Events.MaxAttempts = getenvIntDefault("EVENTS_MAX_ATTEMPTS", cfg.Events.MaxAttempts)
}

// Validate rejects configurations the scheduler cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Vendor.BaseURL == "" {
		errs = append(errs, errors.New("vendor.base_url is required"))
	}
	if c.Scheduler.PoolSize <= 0 {
		errs = append(errs, errors.New("scheduler.pool_size must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"scheduler.cycle_timeout":   c.Scheduler.CycleTimeout,
		"scheduler.default_cadence": c.Scheduler.DefaultCadence,
		"scheduler.max_history":     c.Scheduler.MaxHistory,
		"scheduler.max_window":      c.Scheduler.MaxWindow,
		"scheduler.backoff.initial": c.Scheduler.Backoff.Initial,
		"scheduler.backoff.max":     c.Scheduler.Backoff.Max,
		"events.redeliver_every":    c.Events.RedeliverEvery,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Scheduler.Overlap < 0 {
		errs = append(errs, errors.New("scheduler.overlap must not be negative"))
	}
	if c.Scheduler.MaxWindow > 0 && c.Scheduler.MaxWindow <= c.Scheduler.Overlap {
		errs = append(errs, errors.New("scheduler.max_window must exceed scheduler.overlap"))
	}
	if c.Events.MaxAttempts <= 0 {
		errs = append(errs, errors.New("events.max_attempts must be positive"))
	}
	if c.Scheduler.Backoff.Multiplier < 1 {
		errs = append(errs, errors.New("scheduler.backoff.multiplier must be at least 1"))
	}
	seen := make(map[string]struct{}, len(c.Stations))
	for i, sc := range c.Stations {
		if sc.ID == "" {
			errs = append(errs, fmt.Errorf("stations[%d].id is required", i))
			continue
		}
		if _, ok := seen[sc.ID]; ok {
			errs = append(errs, fmt.Errorf("station %s declared twice", sc.ID))
		}
		seen[sc.ID] = struct{}{}
		if sc.Cadence < 0 {
			errs = append(errs, fmt.Errorf("station %s: cadence must not be negative", sc.ID))
		}
		if err := sc.Station(c.Scheduler.DefaultCadence).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("station %s: %w", sc.ID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// StationList converts all declared stations.
func (c Config) StationList() []telemetry.Station {
	out := make([]telemetry.Station, 0, len(c.Stations))
	for _, sc := range c.Stations {
		out = append(out, sc.Station(c.Scheduler.DefaultCadence))
	}
	return out
}

// MergeDiscovered appends discovered stations to the declared ones. A declared
// station wins on id, and discovered sensors whose location is already mapped
// by a declaration are dropped.
func (c Config) MergeDiscovered(discovered []telemetry.Station) []telemetry.Station {
	out := c.StationList()
	ids := make(map[string]struct{}, len(out))
	locations := make(map[int]struct{})
	for _, st := range out {
		ids[st.ID] = struct{}{}
		for _, sensor := range st.Sensors {
			locations[sensor.LocationID] = struct{}{}
		}
	}
	for _, st := range discovered {
		if _, ok := ids[st.ID]; ok {
			continue
		}
		sensors := make([]telemetry.Sensor, 0, len(st.Sensors))
		for _, sensor := range st.Sensors {
			if _, ok := locations[sensor.LocationID]; ok {
				continue
			}
			sensors = append(sensors, sensor)
		}
		if len(sensors) == 0 {
			continue
		}
		st.Sensors = sensors
		st.Enabled = true
		if st.Cadence <= 0 {
			st.Cadence = c.Scheduler.DefaultCadence
		}
		ids[st.ID] = struct{}{}
		out = append(out, st)
	}
	return out
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
