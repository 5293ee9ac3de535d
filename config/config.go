// Package config loads the server configuration.
// Defaults come from an embedded YAML file; a config file and a few
// environment variables (secrets) override them.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed config.default.yaml
var defaultYAML []byte

// Data holds the serialisable server configuration.
type Data struct {
	ListenAddr string `yaml:"listen_addr"`
	UserDB     string `yaml:"user_db"`
	RaceDB     string `yaml:"race_db"`
	LogLevel   string `yaml:"log_level"`

	// JWTSecret signs session tokens. Required; no default.
	JWTSecret string `yaml:"jwt_secret"`

	// DefaultUsername/DefaultPassword seed the persistent admin user on
	// first run. The account is created with reset_required=true.
	DefaultUsername string `yaml:"default_username"`
	DefaultPassword string `yaml:"default_password"`

	// Durations are "time.ParseDuration" strings ("5s", "24h").
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	SessionTTLRaw        string `yaml:"session_ttl"`

	// HashWorkers sizes the password-hashing worker pool. Zero means
	// NumCPU-1 with a floor of one.
	HashWorkers int `yaml:"hash_workers"`
}

// Load returns defaults overlaid with the YAML file at path (optional) and
// the RACETIMER_JWT_SECRET / RACETIMER_ADMIN_PASSWORD environment variables.
func Load(path string) (Data, error) {
	var d Data
	if err := yaml.Unmarshal(defaultYAML, &d); err != nil {
		return Data{}, fmt.Errorf("embedded defaults: %w", err)
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Data{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &d); err != nil {
			return Data{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("RACETIMER_JWT_SECRET"); v != "" {
		d.JWTSecret = v
	}
	if v := os.Getenv("RACETIMER_ADMIN_PASSWORD"); v != "" {
		d.DefaultPassword = v
	}

	if d.HashWorkers <= 0 {
		d.HashWorkers = runtime.NumCPU() - 1
		if d.HashWorkers < 1 {
			d.HashWorkers = 1
		}
	}
	return d, d.validate()
}

// HeartbeatInterval returns the parsed heartbeat period (default 5s).
func (d Data) HeartbeatInterval() time.Duration {
	return parseDuration(d.HeartbeatIntervalRaw, 5*time.Second)
}

// SessionTTL returns the parsed session token lifetime (default 24h).
func (d Data) SessionTTL() time.Duration {
	return parseDuration(d.SessionTTLRaw, 24*time.Hour)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return v
}

func (d Data) validate() error {
	if d.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required (config file or RACETIMER_JWT_SECRET)")
	}
	if d.UserDB == "" || d.RaceDB == "" {
		return fmt.Errorf("user_db and race_db are required")
	}
	return nil
}
