package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadEnvFiles loads .env.local then .env into the process environment.
// Variables already set win; missing files are ignored.
func LoadEnvFiles() error {
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

// EnvString returns the trimmed value of key and whether it was set.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an integer.
func EnvInt(key string) (int, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return n, true, nil
}

// EnvBool parses key as a boolean.
func EnvBool(key string) (bool, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return false, false, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, false, fmt.Errorf("%s: %w", key, err)
	}
	return b, true, nil
}

// EnvDuration parses key as a Go duration string.
func EnvDuration(key string) (time.Duration, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return d, true, nil
}

// ApplyEnv overrides cfg with HARVEST_* variables.
func ApplyEnv(cfg *Config) error {
	if v, ok := EnvString("HARVEST_BASE_URL"); ok {
		cfg.BaseURL = v
	}
	if v, ok := EnvString("HARVEST_PAGE_COUNT_SOURCE"); ok {
		cfg.PageCountSource = strings.ToLower(v)
	}
	if v, ok := EnvString("HARVEST_OUTPUT"); ok {
		cfg.OutputFile = v
	}
	if v, ok := EnvString("HARVEST_FORMAT"); ok {
		cfg.OutputFormat = strings.ToLower(v)
	}
	if v, ok := EnvString("HARVEST_METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"HARVEST_CONCURRENCY", &cfg.Concurrency},
		{"HARVEST_FIXED_PAGES", &cfg.FixedPages},
	}
	for _, item := range ints {
		v, ok, err := EnvInt(item.key)
		if err != nil {
			return err
		}
		if ok {
			*item.dst = v
		}
	}

	if v, ok, err := EnvBool("HARVEST_DISCOVERY_FALLBACK"); err != nil {
		return err
	} else if ok {
		cfg.DiscoveryFallback = v
	}
	if v, ok, err := EnvBool("HARVEST_DEDUPE"); err != nil {
		return err
	} else if ok {
		cfg.Dedupe = v
	}
	if v, ok, err := EnvDuration("HARVEST_TIMEOUT"); err != nil {
		return err
	} else if ok {
		cfg.Timeout = v
	}
	return nil
}
