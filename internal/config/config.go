package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service configuration.
type Config struct {
	Server   ServerConfig
	Engine   EngineConfig
	Upload   UploadConfig
	Storage  StorageConfig
	Auth     AuthConfig
	LogLevel string
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Port            string
	ShutdownTimeout time.Duration
	// GRPCAddr enables the gRPC health service when set.
	GRPCAddr string
}

// EngineConfig describes the external classification engine.
type EngineConfig struct {
	Command        string
	Script         string
	Timeout        time.Duration
	MaxConcurrency int64
}

// UploadConfig controls where uploaded images go.
type UploadConfig struct {
	Dir      string
	MaxBytes int64
	Retain   bool
}

// StorageConfig enables classification history and caching. Empty values
// disable the corresponding backend.
type StorageConfig struct {
	DatabaseDSN string
	RedisAddr   string
}

// AuthConfig enables bearer auth when Secret is set.
type AuthConfig struct {
	Secret   string
	Audience string
}

// Load reads configuration from the environment, after loading a .env file
// from the working directory if one exists.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv reads configuration from the process environment only.
func FromEnv() (Config, error) {
	var errs []error

	cfg := Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "5000"),
			ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 15*time.Second, &errs),
			GRPCAddr:        os.Getenv("GRPC_ADDR"),
		},
		Engine: EngineConfig{
			Command:        getEnv("ENGINE_COMMAND", "python3"),
			Script:         getEnvAllowEmpty("ENGINE_SCRIPT", "ml/classify.py"),
			Timeout:        getDuration("ENGINE_TIMEOUT", 60*time.Second, &errs),
			MaxConcurrency: getInt("ENGINE_MAX_CONCURRENCY", 4, &errs),
		},
		Upload: UploadConfig{
			Dir:      getEnv("UPLOAD_DIR", "uploads"),
			MaxBytes: getInt("UPLOAD_MAX_BYTES", 10<<20, &errs),
			Retain:   getBool("UPLOAD_RETAIN", false, &errs),
		},
		Storage: StorageConfig{
			DatabaseDSN: os.Getenv("DATABASE_DSN"),
			RedisAddr:   os.Getenv("REDIS_ADDR"),
		},
		Auth: AuthConfig{
			Secret:   os.Getenv("JWT_SECRET"),
			Audience: os.Getenv("JWT_AUDIENCE"),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if cfg.Engine.Timeout <= 0 {
		errs = append(errs, errors.New("ENGINE_TIMEOUT must be positive"))
	}
	if cfg.Engine.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("ENGINE_MAX_CONCURRENCY must be positive"))
	}
	if cfg.Upload.MaxBytes <= 0 {
		errs = append(errs, errors.New("UPLOAD_MAX_BYTES must be positive"))
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvAllowEmpty distinguishes an unset variable from one set to "".
func getEnvAllowEmpty(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func getInt(key string, fallback int64, errs *[]error) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func getBool(key string, fallback bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}
