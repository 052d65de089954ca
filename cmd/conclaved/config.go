package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"conclave/internal/logging"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort       = 8090
	defaultDBPath     = "conclave.db"
	defaultRateLimit  = 30
	defaultRateWindow = time.Minute
)

// Config is the resolved server configuration. Precedence: defaults, then
// the YAML file, then environment, then flags.
type Config struct {
	Port           int
	DBPath         string
	AuthToken      string
	LogLevel       logging.Level
	AllowedOrigins []string
	AutoApprove    bool
	RateLimit      int
	RateWindow     time.Duration
	MaxIterations  int
	ConfigPath     string
}

type fileConfig struct {
	Port           int      `yaml:"port"`
	DBPath         string   `yaml:"db_path"`
	AuthToken      string   `yaml:"auth_token"`
	LogLevel       string   `yaml:"log_level"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AutoApprove    bool     `yaml:"auto_approve"`
	RateLimit      int      `yaml:"rate_limit"`
	RateWindow     string   `yaml:"rate_window"`
	MaxIterations  int      `yaml:"max_iterations"`
}

func loadConfig(args []string) (Config, error) {
	cfg := Config{
		Port:       defaultPort,
		DBPath:     defaultDBPath,
		LogLevel:   logging.LevelInfo,
		RateLimit:  defaultRateLimit,
		RateWindow: defaultRateWindow,
	}

	flags := flag.NewFlagSet("conclaved", flag.ContinueOnError)
	flagPort := flags.Int("port", 0, "listen port")
	flagDB := flags.String("db", "", "sqlite database path")
	flagToken := flags.String("token", "", "shared auth token")
	flagLevel := flags.String("log-level", "", "log level (debug|info|warning|error)")
	flagConfig := flags.String("config", "", "yaml config file path")
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.ConfigPath = strings.TrimSpace(os.Getenv("CONCLAVE_CONFIG"))
	if *flagConfig != "" {
		cfg.ConfigPath = *flagConfig
	}
	if cfg.ConfigPath != "" {
		if err := applyFile(&cfg, cfg.ConfigPath); err != nil {
			return Config{}, err
		}
	}

	if raw := os.Getenv("CONCLAVE_PORT"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return Config{}, fmt.Errorf("invalid CONCLAVE_PORT %q", raw)
		}
		cfg.Port = parsed
	}
	if raw := strings.TrimSpace(os.Getenv("CONCLAVE_DB")); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CONCLAVE_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := strings.TrimSpace(os.Getenv("CONCLAVE_LOG_LEVEL")); raw != "" {
		level, ok := logging.ParseLevel(raw)
		if !ok {
			return Config{}, fmt.Errorf("unknown log level %q", raw)
		}
		cfg.LogLevel = level
	}
	if raw := strings.TrimSpace(os.Getenv("CONCLAVE_ALLOWED_ORIGINS")); raw != "" {
		cfg.AllowedOrigins = splitList(raw)
	}
	if raw := strings.TrimSpace(os.Getenv("CONCLAVE_AUTO_APPROVE")); raw != "" {
		cfg.AutoApprove = raw == "1" || strings.EqualFold(raw, "true")
	}
	if raw := os.Getenv("CONCLAVE_RATE_LIMIT"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return Config{}, fmt.Errorf("invalid CONCLAVE_RATE_LIMIT %q", raw)
		}
		cfg.RateLimit = parsed
	}
	if raw := os.Getenv("CONCLAVE_RATE_WINDOW"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return Config{}, fmt.Errorf("invalid CONCLAVE_RATE_WINDOW %q", raw)
		}
		cfg.RateWindow = parsed
	}
	if raw := os.Getenv("CONCLAVE_MAX_ITERATIONS"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return Config{}, fmt.Errorf("invalid CONCLAVE_MAX_ITERATIONS %q", raw)
		}
		cfg.MaxIterations = parsed
	}

	if *flagPort > 0 {
		cfg.Port = *flagPort
	}
	if *flagDB != "" {
		cfg.DBPath = *flagDB
	}
	if *flagToken != "" {
		cfg.AuthToken = *flagToken
	}
	if *flagLevel != "" {
		level, ok := logging.ParseLevel(*flagLevel)
		if !ok {
			return Config{}, fmt.Errorf("unknown log level %q", *flagLevel)
		}
		cfg.LogLevel = level
	}

	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if file.Port > 0 {
		cfg.Port = file.Port
	}
	if file.DBPath != "" {
		cfg.DBPath = file.DBPath
	}
	if file.AuthToken != "" {
		cfg.AuthToken = file.AuthToken
	}
	if file.LogLevel != "" {
		level, ok := logging.ParseLevel(file.LogLevel)
		if !ok {
			return fmt.Errorf("unknown log level %q", file.LogLevel)
		}
		cfg.LogLevel = level
	}
	if len(file.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = file.AllowedOrigins
	}
	if file.AutoApprove {
		cfg.AutoApprove = true
	}
	if file.RateLimit > 0 {
		cfg.RateLimit = file.RateLimit
	}
	if file.RateWindow != "" {
		parsed, err := time.ParseDuration(file.RateWindow)
		if err != nil || parsed <= 0 {
			return fmt.Errorf("invalid rate_window %q", file.RateWindow)
		}
		cfg.RateWindow = parsed
	}
	if file.MaxIterations > 0 {
		cfg.MaxIterations = file.MaxIterations
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
