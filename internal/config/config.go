package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config centralizes configuration loaded from the environment.
type Config struct {
	Port     int
	DBDSN    string
	RedisURL string
	NATSURL  string

	Match    MatchConfig
	Dispatch DispatchConfig

	RoomTempTokenTTL time.Duration

	RateLimitPublic RateLimitConfig
	RateLimitAuth   RateLimitConfig
}

// MatchConfig tunes the descriptor matcher. Metric and threshold depend on
// the recognition model producing the descriptors, so they are always
// deployment configuration.
type MatchConfig struct {
	Metric           string // "cosine" or "euclidean"
	Threshold        float64
	AmbiguityEpsilon float64
}

// DispatchConfig tunes the room-task dispatcher.
type DispatchConfig struct {
	Timeout       time.Duration // SENT tasks older than this are failed by the sweep
	MaxRetries    int           // re-dispatch attempts before a chain is permanently failed
	SweepInterval time.Duration
}

// RateLimitConfig holds simple throttling limits.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// Load reads environment variables and applies safe defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	portStr := getEnv("PORT", "8080")
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return nil, errors.New("invalid PORT")
	}
	cfg.Port = port

	cfg.DBDSN = getEnv("DB_DSN", "")
	if cfg.DBDSN == "" {
		return nil, errors.New("DB_DSN is required")
	}

	cfg.RedisURL = getEnv("REDIS_URL", "")
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}

	// Optional: with no broker configured alert events are dropped.
	cfg.NATSURL = strings.TrimSpace(getEnv("NATS_URL", ""))

	metric := strings.ToLower(strings.TrimSpace(getEnv("MATCH_METRIC", "cosine")))
	if metric != "cosine" && metric != "euclidean" {
		return nil, errors.New("MATCH_METRIC must be cosine or euclidean")
	}
	cfg.Match.Metric = metric

	threshold, err := parseFloatEnv("MATCH_THRESHOLD", 0.35)
	if err != nil {
		return nil, err
	}
	if threshold <= 0 {
		return nil, errors.New("MATCH_THRESHOLD must be positive")
	}
	cfg.Match.Threshold = threshold

	epsilon, err := parseFloatEnv("MATCH_AMBIGUITY_EPSILON", 1e-6)
	if err != nil {
		return nil, err
	}
	if epsilon < 0 {
		return nil, errors.New("MATCH_AMBIGUITY_EPSILON must not be negative")
	}
	cfg.Match.AmbiguityEpsilon = epsilon

	timeout, err := parseDurationEnv("DISPATCH_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.Dispatch.Timeout = timeout

	maxRetries, err := strconv.Atoi(getEnv("DISPATCH_MAX_RETRIES", "3"))
	if err != nil || maxRetries < 0 {
		return nil, errors.New("invalid DISPATCH_MAX_RETRIES")
	}
	cfg.Dispatch.MaxRetries = maxRetries

	sweepInterval, err := parseDurationEnv("DISPATCH_SWEEP_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.Dispatch.SweepInterval = sweepInterval

	tempTTL, err := parseDurationEnv("ROOM_TEMP_TOKEN_TTL", time.Hour)
	if err != nil {
		return nil, err
	}
	cfg.RoomTempTokenTTL = tempTTL

	cfg.RateLimitPublic, err = parseRateLimit("RATE_LIMIT_PUBLIC", RateLimitConfig{RequestsPerSecond: 10, Burst: 20})
	if err != nil {
		return nil, err
	}
	cfg.RateLimitAuth, err = parseRateLimit("RATE_LIMIT_AUTH", RateLimitConfig{RequestsPerSecond: 10, Burst: 40})
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func parseRateLimit(prefix string, def RateLimitConfig) (RateLimitConfig, error) {
	rps, err := parseFloatEnv(prefix+"_RPS", def.RequestsPerSecond)
	if err != nil || rps <= 0 {
		return RateLimitConfig{}, errors.New("invalid " + prefix + "_RPS")
	}
	burst, err := strconv.Atoi(getEnv(prefix+"_BURST", strconv.Itoa(def.Burst)))
	if err != nil || burst < 1 {
		return RateLimitConfig{}, errors.New("invalid " + prefix + "_BURST")
	}
	return RateLimitConfig{RequestsPerSecond: rps, Burst: burst}, nil
}

func getEnv(key, def string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return def
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	val := getEnv(key, "")
	if val == "" {
		return def, nil
	}
	dur, err := time.ParseDuration(val)
	if err != nil {
		return 0, errors.New("invalid " + key)
	}
	return dur, nil
}

func parseFloatEnv(key string, def float64) (float64, error) {
	val := getEnv(key, "")
	if val == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, errors.New("invalid " + key)
	}
	return f, nil
}
