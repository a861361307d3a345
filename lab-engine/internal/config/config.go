package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StorePostgres StoreKind = "postgres"
)

type Config struct {
	Addr               string
	Store              StoreKind
	DatabaseURL        string
	DatabaseDriver     string
	CatalogPath        string
	CatalogFile        string
	IncludeZeroMatches bool
	MinScore           float64
	KafkaBrokers       []string
	KafkaTopic         string
	ArchiveBucket      string
	ArchivePrefix      string
}

const (
	defaultAddr       = ":8060"
	defaultDriver     = "postgres"
	defaultKafkaTopic = "lab-engine.events"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:               getEnv("LAB_ENGINE_ADDR", defaultAddr),
		Store:              StoreKind(strings.ToLower(getEnv("LAB_ENGINE_STORE", string(StoreMemory)))),
		DatabaseURL:        firstNonEmpty(os.Getenv("LAB_ENGINE_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		DatabaseDriver:     getEnv("LAB_ENGINE_DATABASE_DRIVER", defaultDriver),
		CatalogPath:        os.Getenv("LAB_ENGINE_CATALOG_PATH"),
		CatalogFile:        os.Getenv("LAB_ENGINE_CATALOG_FILE"),
		IncludeZeroMatches: getBool("LAB_ENGINE_INCLUDE_ZERO_MATCHES", false),
		MinScore:           getFloat("LAB_ENGINE_MIN_SCORE", 0),
		KafkaBrokers:       parseCSV(os.Getenv("LAB_ENGINE_KAFKA_BROKERS")),
		KafkaTopic:         getEnv("LAB_ENGINE_KAFKA_TOPIC", defaultKafkaTopic),
		ArchiveBucket:      os.Getenv("LAB_ENGINE_ARCHIVE_BUCKET"),
		ArchivePrefix:      os.Getenv("LAB_ENGINE_ARCHIVE_PREFIX"),
	}
	switch cfg.Store {
	case StoreMemory:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL or LAB_ENGINE_DATABASE_URL required for postgres store")
		}
	default:
		return Config{}, fmt.Errorf("unsupported LAB_ENGINE_STORE %q", cfg.Store)
	}
	switch cfg.DatabaseDriver {
	case "postgres", "pgx":
	default:
		return Config{}, fmt.Errorf("unsupported LAB_ENGINE_DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}
	if cfg.MinScore < 0 || cfg.MinScore > 1 {
		return Config{}, fmt.Errorf("LAB_ENGINE_MIN_SCORE must be within [0,1]")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
