package config

import "time"

type Config struct {
	Remote    RemoteConfig
	Service   ServiceConfig
	Storage   StorageConfig
	Timeouts  TimeoutConfig
	Sessions  SessionConfig
	Server    ServerConfig
	Transport TransportConfig
	Log       LogConfig
}

// RemoteConfig points at the tabletop server.
type RemoteConfig struct {
	URL           string `mapstructure:"url"`
	AdminPassword string `mapstructure:"adminPassword"`
}

// ServiceConfig holds the credentials of the always-on service account.
type ServiceConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// ReconnectInterval paces the supervisor that revives a dropped
	// service connection. Zero disables it.
	ReconnectInterval time.Duration `mapstructure:"reconnectInterval"`
}

type StorageConfig struct {
	DataDir        string `mapstructure:"dataDir"`
	SessionFile    string `mapstructure:"sessionFile"`
	WorldCacheFile string `mapstructure:"worldCacheFile"`
}

type TimeoutConfig struct {
	Dispatch  time.Duration `mapstructure:"dispatch"`
	Handshake time.Duration `mapstructure:"handshake"`
	Channel   time.Duration `mapstructure:"channel"`
	Probe     time.Duration `mapstructure:"probe"`
}

type SessionConfig struct {
	RestoreAttempts int           `mapstructure:"restoreAttempts"`
	RestoreInterval time.Duration `mapstructure:"restoreInterval"`
}

type ServerConfig struct {
	Address string `mapstructure:"address"`
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
