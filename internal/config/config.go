// README: Config loader; TOML file with ALON_* env overrides and sane defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type HTTPConfig struct {
	Addr string `toml:"addr"`
}

type DBConfig struct {
	// DSN empty means the in-memory stores are used (dev / tests).
	DSN string `toml:"dsn"`
}

type RedisConfig struct {
	// Addr empty disables the Redis dedup store and state publisher.
	Addr string `toml:"addr"`
}

type LogConfig struct {
	Level  string `toml:"level"`  // debug|info|warn|error
	Format string `toml:"format"` // text|json
}

type SurgeConfig struct {
	Resolution           int     `toml:"resolution"`
	MaxHexesPerOverride  int     `toml:"max_hexes_per_override"`
	ApprovalThreshold    float64 `toml:"approval_threshold"`
	NeedsApprovals       int     `toml:"needs_approvals"`
	MaxAdditiveFee       int64   `toml:"max_additive_fee"`
	WarnMultiplier       float64 `toml:"warn_multiplier"`
	DefaultMaxMultiplier float64 `toml:"default_max_multiplier"`
	SweepConcurrency     int     `toml:"sweep_concurrency"`
}

type ForecastConfig struct {
	// Provider is "static" or "gemini".
	Provider      string  `toml:"provider"`
	GeminiKey     string  `toml:"gemini_key"`
	MinConfidence float64 `toml:"min_confidence"`
	DailyQuota    int     `toml:"daily_quota"`
}

// SourceConfig configures one external poll source. A source with no
// endpoint (or corridor list, for traffic) stays unregistered.
type SourceConfig struct {
	Enabled     bool   `toml:"enabled"`
	IntervalSec int    `toml:"interval_sec"`
	Endpoint    string `toml:"endpoint"`
	RegionID    string `toml:"region_id"`
}

// Corridor is a monitored road segment for the traffic source.
type Corridor struct {
	Name      string  `toml:"name"`
	OriginLat float64 `toml:"origin_lat"`
	OriginLng float64 `toml:"origin_lng"`
	DestLat   float64 `toml:"dest_lat"`
	DestLng   float64 `toml:"dest_lng"`
	RegionID  string  `toml:"region_id"`
}

type TrafficConfig struct {
	SourceConfig
	MapsKey   string     `toml:"maps_key"`
	Corridors []Corridor `toml:"corridors"`
}

type SourcesConfig struct {
	Weather  SourceConfig  `toml:"weather"`
	Traffic  TrafficConfig `toml:"traffic"`
	Flights  SourceConfig  `toml:"flights"`
	Concerts SourceConfig  `toml:"concerts"`
}

type AuthConfig struct {
	// JWTSecret empty disables token verification (every caller becomes an
	// anonymous operator; intended for dev only).
	JWTSecret string `toml:"jwt_secret"`
}

type Config struct {
	HTTP     HTTPConfig     `toml:"http"`
	DB       DBConfig       `toml:"db"`
	Redis    RedisConfig    `toml:"redis"`
	Log      LogConfig      `toml:"log"`
	Surge    SurgeConfig    `toml:"surge"`
	Forecast ForecastConfig `toml:"forecast"`
	Sources  SourcesConfig  `toml:"sources"`
	Auth     AuthConfig     `toml:"auth"`
}

// Load reads the TOML file at path (missing file is fine), applies ALON_*
// environment overrides, and fills defaults.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
			// run on defaults
		default:
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	}

	cfg.HTTP.Addr = envOrDefault("ALON_HTTP_ADDR", cfg.HTTP.Addr)
	cfg.DB.DSN = envOrDefault("ALON_DB_DSN", cfg.DB.DSN)
	cfg.Redis.Addr = envOrDefault("ALON_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Log.Level = envOrDefault("ALON_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envOrDefault("ALON_LOG_FORMAT", cfg.Log.Format)
	cfg.Auth.JWTSecret = envOrDefault("ALON_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Forecast.GeminiKey = envOrDefault("ALON_GEMINI_KEY", cfg.Forecast.GeminiKey)
	cfg.Forecast.Provider = envOrDefault("ALON_FORECAST_PROVIDER", cfg.Forecast.Provider)
	cfg.Sources.Traffic.MapsKey = envOrDefault("ALON_MAPS_KEY", cfg.Sources.Traffic.MapsKey)
	cfg.Surge.Resolution = envOrDefaultInt("ALON_HEX_RESOLUTION", cfg.Surge.Resolution)
	cfg.Surge.SweepConcurrency = envOrDefaultInt("ALON_SWEEP_CONCURRENCY", cfg.Surge.SweepConcurrency)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	var cfg Config
	cfg.HTTP.Addr = ":8080"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Surge.Resolution = 9
	cfg.Surge.MaxHexesPerOverride = 500
	cfg.Surge.ApprovalThreshold = 1.5
	cfg.Surge.NeedsApprovals = 2
	cfg.Surge.MaxAdditiveFee = 10000
	cfg.Surge.WarnMultiplier = 2.0
	cfg.Surge.DefaultMaxMultiplier = 2.0
	cfg.Surge.SweepConcurrency = 4
	cfg.Forecast.Provider = "static"
	cfg.Forecast.MinConfidence = 0.5
	cfg.Forecast.DailyQuota = 500
	for _, src := range []*SourceConfig{
		&cfg.Sources.Weather, &cfg.Sources.Traffic.SourceConfig,
		&cfg.Sources.Flights, &cfg.Sources.Concerts,
	} {
		src.IntervalSec = int((15 * time.Minute).Seconds())
	}
	return cfg
}

func validate(cfg Config) error {
	if cfg.Surge.Resolution < 0 || cfg.Surge.Resolution > 15 {
		return fmt.Errorf("surge.resolution %d out of range [0,15]", cfg.Surge.Resolution)
	}
	if cfg.Surge.NeedsApprovals < 1 {
		return fmt.Errorf("surge.needs_approvals must be >= 1")
	}
	if cfg.Surge.ApprovalThreshold < 1.0 {
		return fmt.Errorf("surge.approval_threshold must be >= 1.0")
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Interval returns the source's poll interval.
func (s SourceConfig) Interval() time.Duration {
	if s.IntervalSec <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(s.IntervalSec) * time.Second
}
