package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port         string `yaml:"port"`
		PingInterval string `yaml:"pingInterval"`
		PingTimeout  string `yaml:"pingTimeout"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Quiz struct {
		TTL              string `yaml:"ttl"`
		QuestionDuration string `yaml:"questionDuration"`
	} `yaml:"quiz"`
	Chat struct {
		HistoryLimit  int    `yaml:"historyLimit"`
		TypingTimeout string `yaml:"typingTimeout"`
	} `yaml:"chat"`
	Presence struct {
		HeartbeatInterval string `yaml:"heartbeatInterval"`
		IdleAfter         string `yaml:"idleAfter"`
	} `yaml:"presence"`
	Auth struct {
		TokenTTL string    `yaml:"tokenTTL"`
		Accounts []Account `yaml:"accounts"`
	} `yaml:"auth"`
	AI struct {
		Endpoint    string `yaml:"endpoint"`
		APIKey      string `yaml:"apiKey"`
		MaxAttempts int    `yaml:"maxAttempts"`
		BaseDelay   string `yaml:"baseDelay"`
		MaxDelay    string `yaml:"maxDelay"`
	} `yaml:"ai"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Account is a login the auth collaborator accepts. Either Password or
// PasswordHash (bcrypt) must be set.
type Account struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"passwordHash"`
	Role         string `yaml:"role"`
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
