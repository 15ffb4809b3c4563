package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is loaded from configs/config.<env>.json, with ${VAR}
// placeholders expanded from the process environment before
// unmarshalling.
type Config struct {
	Environment string `json:"environment"`
	Server      struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"server"`
	MongoDB struct {
		URI      string `json:"uri"`
		Database string `json:"database"`
	} `json:"mongodb"`
	Frontend struct {
		URL string `json:"url"`
	} `json:"frontend"`
	JWT struct {
		AccessSecret string `json:"accessSecret"`
	} `json:"jwt"`
	Game GameConfig `json:"game"`
}

// GameConfig holds the timing constants the coordinator and watcher need,
// overridable per environment (e.g. shorter grace windows in a test
// config). LagCompensationCapMs is loaded but not read anywhere; the clock
// engine applies its own fixed clock.LagCompensationCapMs.
type GameConfig struct {
	DisconnectGraceMs    int64 `json:"disconnectGraceMs"`
	FirstMoveDeadlineMs  int64 `json:"firstMoveDeadlineMs"`
	MaxDrawOffers        int   `json:"maxDrawOffers"`
	WatcherTickMs        int64 `json:"watcherTickMs"`
	LagCompensationCapMs int64 `json:"lagCompensationCapMs"`
	StaleSweepIntervalMs int64 `json:"staleSweepIntervalMs"`
}

func (g *GameConfig) applyDefaults() {
	if g.DisconnectGraceMs == 0 {
		g.DisconnectGraceMs = 20_000
	}
	if g.FirstMoveDeadlineMs == 0 {
		g.FirstMoveDeadlineMs = 30_000
	}
	if g.MaxDrawOffers == 0 {
		g.MaxDrawOffers = 2
	}
	if g.WatcherTickMs == 0 {
		g.WatcherTickMs = 100
	}
	if g.LagCompensationCapMs == 0 {
		g.LagCompensationCapMs = 500
	}
	if g.StaleSweepIntervalMs == 0 {
		g.StaleSweepIntervalMs = 60_000
	}
}

func Load(env string) (*Config, error) {
	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		configDir = "configs"
	}

	filename := fmt.Sprintf("config.%s.json", env)
	configPath := filepath.Join(configDir, filename)

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	configStr := expandEnvVars(string(data))

	var cfg Config
	if err := json.Unmarshal([]byte(configStr), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Environment = env
	cfg.Game.applyDefaults()
	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func GetEnv() string {
	env := os.Getenv("CHESS_ENV")
	if env == "" {
		return "dev"
	}
	return env
}
