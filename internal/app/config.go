package app

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ServerURL    string `yaml:"server_url"`
	Token        string `yaml:"token"`
	DataDir      string `yaml:"data_dir"`
	LogLevel     string `yaml:"log_level"`
	LogFile      string `yaml:"log_file"`
	SmartRouting bool   `yaml:"smart_routing"`
	EnhanceMode  string `yaml:"enhance_mode"`
}

func DefaultConfig() Config {
	return Config{
		ServerURL:    "http://localhost:8910/api",
		DataDir:      DefaultDataDir(),
		LogLevel:     "info",
		SmartRouting: true,
		EnhanceMode:  "off",
	}
}

func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultConfigPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = "http://localhost:8910/api"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.EnhanceMode == "" {
		cfg.EnhanceMode = "off"
	}
	return cfg, nil
}

func SaveConfig(cfg Config, path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}
	if path == "" {
		return errors.New("no path provided for config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func DefaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "forgechat", "config.yml")
}

func DefaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ".forgechat"
	}
	return filepath.Join(base, "forgechat")
}
