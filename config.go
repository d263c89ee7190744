package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	DBPath         string
	SeedPath       string
	SecureCookies  bool
	GateBaseURL    string
	AllowedOrigins []string
	CacheTTL       time.Duration
	LogLevel       string
}

// LoadConfig reads the environment, after merging a .env file if present.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, err
	}

	cfg := Config{
		Port:          envOr("PORT", "8080"),
		DBPath:        envOr("DB_PATH", "learnlock.db"),
		SeedPath:      os.Getenv("SEED_PATH"),
		SecureCookies: os.Getenv("SECURE_COOKIES") == "true",
		GateBaseURL:   envOr("GATE_BASE_URL", "http://localhost:8080"),
		CacheTTL:      defaultCacheTTL,
		LogLevel:      envOr("LOG_LEVEL", "info"),
	}
	for _, o := range strings.Split(os.Getenv("ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}
	if v := os.Getenv("STORAGE_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			secs, serr := strconv.Atoi(v)
			if serr != nil {
				return Config{}, err
			}
			d = time.Duration(secs) * time.Second
		}
		cfg.CacheTTL = d
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
