package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Redis     RedisConfig
	Liveness  LivenessConfig
	Abuse     AbuseConfig
}

type ServerConfig struct {
	Address string
	Auth    AuthConfig
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type TransportConfig struct {
	ReadTimeout   time.Duration `mapstructure:"readTimeout"`
	SendQueueSize int           `mapstructure:"sendQueueSize"`
}

// RedisConfig points the gateway at the shared presence store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LivenessConfig struct {
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
	IdleTimeout   time.Duration `mapstructure:"idleTimeout"`
}

type AbuseConfig struct {
	MaxErrors     int           `mapstructure:"maxErrors"`
	BanDuration   time.Duration `mapstructure:"banDuration"`
	ResetInterval time.Duration `mapstructure:"resetInterval"`
}
