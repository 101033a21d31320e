package config

import (
	"fmt"
)

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Compression CompressionConfig
	API         APIConfig
	Log         LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type CompressionConfig struct {
	// Codec tag to compress with; "none" disables compression entirely.
	Codec string
}

type APIConfig struct {
	Token string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4700,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Compression: CompressionConfig{
			Codec: "gzip",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend (at
// $XDG_CONFIG_HOME/mmry/config.json) and applies MMRY_* environment
// variable overrides on top.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.API.Token == "" {
		return Config{}, fmt.Errorf("missing required config: API token. " +
			"Set it via environment variable MMRY_API_TOKEN")
	}

	return cfg, nil
}
