package cfg

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Cache backends accepted in CacheBackend.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

type Settings struct {
	ModelPath      string
	ModelsDir      string
	DataPath       string
	ListenPort     int
	MetricsPort    int
	RequestTimeout time.Duration
	HistoryLimit   int
	FeedBuffer     int
	DriftWindow    int // 0 disables drift monitoring
	RateLimit      int // requests per second on /predict, 0 = unlimited
	RateBurst      int
	CacheBackend   string
	CacheTTL       time.Duration
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	LogLevel       string
}

type ConfigFile struct {
	Model struct {
		Path      string `yaml:"path"`
		ModelsDir string `yaml:"modelsDir"`
	} `yaml:"model"`

	Server struct {
		ListenPort     int    `yaml:"listenPort"`
		MetricsPort    int    `yaml:"metricsPort"`
		RequestTimeout string `yaml:"requestTimeout"`
		HistoryLimit   int    `yaml:"historyLimit"`
		FeedBuffer     int    `yaml:"feedBuffer"`
		DriftWindow    *int   `yaml:"driftWindow"` // nil when absent; 0 disables
		RateLimit      int    `yaml:"rateLimit"`
		RateBurst      int    `yaml:"rateBurst"`
	} `yaml:"server"`

	Cache struct {
		Backend       string `yaml:"backend"`
		TTL           string `yaml:"ttl"`
		RedisAddr     string `yaml:"redisAddr"`
		RedisPassword string `yaml:"redisPassword"`
		RedisDB       int    `yaml:"redisDB"`
	} `yaml:"cache"`

	System struct {
		DataPath string `yaml:"dataPath"`
		LogLevel string `yaml:"logLevel"`
	} `yaml:"system"`
}

// Load reads the settings from the YAML file named by CONFIG_FILE, or from the
// environment when it is unset. A .env file (DOTENV_FILE, default ".env") is loaded
// first when present; it never overrides variables that are already set.
func Load() (Settings, error) {
	if err := loadDotEnv(getEnvOrDefault("DOTENV_FILE", ".env")); err != nil {
		return Settings{}, err
	}

	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		return loadFromYAML(configPath)
	}
	return loadFromEnv()
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	requestTimeout, err := time.ParseDuration(config.Server.RequestTimeout)
	if err != nil {
		requestTimeout = 5 * time.Second
	}
	cacheTTL, err := time.ParseDuration(config.Cache.TTL)
	if err != nil {
		cacheTTL = 10 * time.Minute
	}

	settings := Settings{
		ModelPath:      getEnvOrDefault("MODEL_PATH", config.Model.Path),
		ModelsDir:      getEnvOrDefault("MODELS_DIR", orDefault(config.Model.ModelsDir, "models")),
		DataPath:       getEnvOrDefault("DATA_PATH", orDefault(config.System.DataPath, "data")),
		ListenPort:     getIntFromEnvOrConfig("LISTEN_PORT", config.Server.ListenPort, 8000),
		MetricsPort:    getIntFromEnvOrConfig("METRICS_PORT", config.Server.MetricsPort, 8080),
		RequestTimeout: getDurationOrDefault("REQUEST_TIMEOUT", requestTimeout),
		HistoryLimit:   getIntFromEnvOrConfig("HISTORY_LIMIT", config.Server.HistoryLimit, 100),
		FeedBuffer:     getIntFromEnvOrConfig("FEED_BUFFER", config.Server.FeedBuffer, 64),
		DriftWindow:    getOptionalIntFromEnvOrConfig("DRIFT_WINDOW", config.Server.DriftWindow, 1000),
		RateLimit:      getIntFromEnvOrConfig("RATE_LIMIT", config.Server.RateLimit, 0),
		RateBurst:      getIntFromEnvOrConfig("RATE_BURST", config.Server.RateBurst, 50),
		CacheBackend:   strings.ToLower(getEnvOrDefault("CACHE_BACKEND", orDefault(config.Cache.Backend, CacheMemory))),
		CacheTTL:       getDurationOrDefault("CACHE_TTL", cacheTTL),
		RedisAddr:      getEnvOrDefault("REDIS_ADDR", orDefault(config.Cache.RedisAddr, "localhost:6379")),
		RedisPassword:  getEnvOrDefault("REDIS_PASSWORD", config.Cache.RedisPassword),
		RedisDB:        getIntFromEnvOrConfig("REDIS_DB", config.Cache.RedisDB, 0),
		LogLevel:       getEnvOrDefault("LOG_LEVEL", orDefault(config.System.LogLevel, "info")),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		ModelPath:      os.Getenv("MODEL_PATH"), // optional, falls back to the active version in ModelsDir
		ModelsDir:      getEnvOrDefault("MODELS_DIR", "models"),
		DataPath:       getEnvOrDefault("DATA_PATH", "data"),
		ListenPort:     getIntOrDefault("LISTEN_PORT", 8000),
		MetricsPort:    getIntOrDefault("METRICS_PORT", 8080),
		RequestTimeout: getDurationOrDefault("REQUEST_TIMEOUT", 5*time.Second),
		HistoryLimit:   getIntOrDefault("HISTORY_LIMIT", 100),
		FeedBuffer:     getIntOrDefault("FEED_BUFFER", 64),
		DriftWindow:    getIntOrDefault("DRIFT_WINDOW", 1000),
		RateLimit:      getIntOrDefault("RATE_LIMIT", 0),
		RateBurst:      getIntOrDefault("RATE_BURST", 50),
		CacheBackend:   strings.ToLower(getEnvOrDefault("CACHE_BACKEND", CacheMemory)),
		CacheTTL:       getDurationOrDefault("CACHE_TTL", 10*time.Minute),
		RedisAddr:      getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        getIntOrDefault("REDIS_DB", 0),
		LogLevel:       getEnvOrDefault("LOG_LEVEL", "info"),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

// getOptionalIntFromEnvOrConfig is getIntFromEnvOrConfig for settings where an
// explicit 0 in the file is meaningful.
func getOptionalIntFromEnvOrConfig(key string, configValue *int, defaultValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != nil {
		return *configValue
	}
	return defaultValue
}

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true, "disabled": true,
}

// validateSettings performs comprehensive validation of configuration values
func validateSettings(settings *Settings) error {
	if settings.ModelPath == "" && settings.ModelsDir == "" {
		return fmt.Errorf("either a model path or a models directory is required")
	}
	if settings.DataPath == "" {
		return fmt.Errorf("data path cannot be empty")
	}

	// Validate ports
	if settings.ListenPort < 1024 || settings.ListenPort > 65535 {
		return fmt.Errorf("listen port must be between 1024 and 65535, got %d", settings.ListenPort)
	}
	if settings.MetricsPort < 1024 || settings.MetricsPort > 65535 {
		return fmt.Errorf("metrics port must be between 1024 and 65535, got %d", settings.MetricsPort)
	}
	if settings.ListenPort == settings.MetricsPort {
		return fmt.Errorf("listen port and metrics port must differ, both are %d", settings.ListenPort)
	}

	// Validate time durations
	if settings.RequestTimeout < time.Second || settings.RequestTimeout > time.Minute {
		return fmt.Errorf("request timeout must be between 1s and 1m, got %v", settings.RequestTimeout)
	}

	// Validate integer values
	if settings.HistoryLimit <= 0 || settings.HistoryLimit > 10000 {
		return fmt.Errorf("history limit must be between 1 and 10000, got %d", settings.HistoryLimit)
	}
	if settings.FeedBuffer <= 0 || settings.FeedBuffer > 4096 {
		return fmt.Errorf("feed buffer must be between 1 and 4096, got %d", settings.FeedBuffer)
	}
	if settings.DriftWindow != 0 && (settings.DriftWindow < 30 || settings.DriftWindow > 100000) {
		return fmt.Errorf("drift window must be 0 or between 30 and 100000, got %d", settings.DriftWindow)
	}
	if settings.RateLimit < 0 || settings.RateLimit > 100000 {
		return fmt.Errorf("rate limit must be between 0 and 100000, got %d", settings.RateLimit)
	}
	if settings.RateLimit > 0 && (settings.RateBurst < 1 || settings.RateBurst > 100000) {
		return fmt.Errorf("rate burst must be between 1 and 100000, got %d", settings.RateBurst)
	}

	// Validate cache
	switch settings.CacheBackend {
	case CacheNone:
	case CacheMemory, CacheRedis:
		if settings.CacheTTL < time.Second || settings.CacheTTL > 24*time.Hour {
			return fmt.Errorf("cache TTL must be between 1s and 24h, got %v", settings.CacheTTL)
		}
		if settings.CacheBackend == CacheRedis {
			if settings.RedisAddr == "" {
				return fmt.Errorf("redis address is required for the redis cache backend")
			}
			if settings.RedisDB < 0 || settings.RedisDB > 15 {
				return fmt.Errorf("redis DB must be between 0 and 15, got %d", settings.RedisDB)
			}
		}
	default:
		return fmt.Errorf("cache backend must be one of none, memory, redis, got %q", settings.CacheBackend)
	}

	if !validLogLevels[strings.ToLower(settings.LogLevel)] {
		return fmt.Errorf("unknown log level %q", settings.LogLevel)
	}

	return nil
}
