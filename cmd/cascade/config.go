package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all cascade configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	Workspace     string  `json:"workspace"`
	Strategy      string  `json:"strategy"`
	FailurePolicy string  `json:"failure_policy"`
	FilePolicy    string  `json:"file_policy"`
	Procs         int     `json:"procs"`
	MemoryGB      float64 `json:"memory_gb"`
	OverBudget    string  `json:"over_budget"`

	// Batch strategy tuning, in seconds.
	PollIntervalSec     int `json:"poll_interval_sec"`
	GracePeriodSec      int `json:"grace_period_sec"`
	SchedulingWindowSec int `json:"scheduling_window_sec"`

	LogLevel string `json:"log_level"`
}

func defaultConfig() Config {
	return Config{
		Workspace:           filepath.Join(cascadeDir(), "workspace"),
		Strategy:            "serial",
		FailurePolicy:       "continue",
		FilePolicy:          "content",
		Procs:               4,
		MemoryGB:            8,
		OverBudget:          "fail",
		PollIntervalSec:     5,
		GracePeriodSec:      30,
		SchedulingWindowSec: 3600,
		LogLevel:            "info",
	}
}

func cascadeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cascade"
	}
	return filepath.Join(home, ".cascade")
}

func settingsPath() string {
	return filepath.Join(cascadeDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CASCADE_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v := os.Getenv("CASCADE_STRATEGY"); v != "" {
		cfg.Strategy = v
	}
	if v := os.Getenv("CASCADE_FAILURE_POLICY"); v != "" {
		cfg.FailurePolicy = v
	}
	if v := os.Getenv("CASCADE_FILE_POLICY"); v != "" {
		cfg.FilePolicy = v
	}
	if v := os.Getenv("CASCADE_PROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Procs = n
		}
	}
	if v := os.Getenv("CASCADE_MEMORY_GB"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MemoryGB = f
		}
	}
	if v := os.Getenv("CASCADE_OVER_BUDGET"); v != "" {
		cfg.OverBudget = v
	}
	if v := os.Getenv("CASCADE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg
}
