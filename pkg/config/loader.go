package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("remote.url", "http://localhost:30000")
	v.SetDefault("remote.adminPassword", "")
	v.SetDefault("service.username", "")
	v.SetDefault("service.password", "")
	v.SetDefault("service.reconnectInterval", "30s")
	v.SetDefault("storage.dataDir", "data")
	v.SetDefault("storage.sessionFile", "sessions.json")
	v.SetDefault("storage.worldCacheFile", "worlds.json")
	v.SetDefault("timeouts.dispatch", "5s")
	v.SetDefault("timeouts.handshake", "10s")
	v.SetDefault("timeouts.channel", "15s")
	v.SetDefault("timeouts.probe", "10s")
	v.SetDefault("sessions.restoreAttempts", 3)
	v.SetDefault("sessions.restoreInterval", "1s")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("transport.readTimeout", "60s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	// 3. Set up environment variable handling
	v.SetEnvPrefix("TABLELINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Info("Configuration loaded",
		slog.String("remote", cfg.Remote.URL),
		slog.String("dataDir", cfg.Storage.DataDir),
	)
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Remote.URL == "" {
		return errors.New("remote.url must be set")
	}
	if c.Sessions.RestoreAttempts < 1 {
		return fmt.Errorf("sessions.restoreAttempts must be >= 1, got %d", c.Sessions.RestoreAttempts)
	}
	return nil
}

// SessionPath resolves the session file relative to the data dir.
func (c *Config) SessionPath() string {
	return resolve(c.Storage.DataDir, c.Storage.SessionFile)
}

// WorldCachePath resolves the world cache file relative to the data dir.
func (c *Config) WorldCachePath() string {
	return resolve(c.Storage.DataDir, c.Storage.WorldCacheFile)
}

func resolve(dir, file string) string {
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(dir, file)
}
