package main

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// config is read from the environment, optionally seeded from a .env file.
type config struct {
	Entries    uint32
	Rings      int
	Ops        int
	Workers    int
	SQPollIdle time.Duration
	WaitMethod string
	LogLevel   string
	LogFormat  string
}

func defaultConfig() config {
	return config{
		Entries:    256,
		Rings:      1,
		Ops:        100000,
		Workers:    64,
		WaitMethod: "eventfd",
		LogLevel:   "info",
		LogFormat:  "text",
	}
}

func parseConfigFromEnv() (config, error) {
	cfg := defaultConfig()
	if v := os.Getenv("IORING_ENTRIES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return cfg, fmt.Errorf("invalid IORING_ENTRIES %q: %w", v, err)
		}
		cfg.Entries = uint32(n)
	}
	for _, item := range []struct {
		key string
		dst *int
	}{
		{"IORING_RINGS", &cfg.Rings},
		{"IORING_OPS", &cfg.Ops},
		{"IORING_WORKERS", &cfg.Workers},
	} {
		v := os.Getenv(item.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid %s %q", item.key, v)
		}
		*item.dst = n
	}
	if v := os.Getenv("IORING_SQPOLL"); v != "" {
		idle, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid IORING_SQPOLL %q: %w", v, err)
		}
		cfg.SQPollIdle = idle
	}
	if v := os.Getenv("IORING_WAIT"); v != "" {
		switch v {
		case "poll", "enter", "eventfd":
			cfg.WaitMethod = v
		default:
			return cfg, fmt.Errorf("invalid IORING_WAIT %q, expected poll, enter or eventfd", v)
		}
	}
	if v := os.Getenv("IORING_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("IORING_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	return cfg, nil
}
