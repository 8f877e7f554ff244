package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the relay server.
type Config struct {
	// Server configuration
	Host string `envconfig:"HOST" default:"127.0.0.1"`
	Port int    `envconfig:"PORT" default:"19988"`

	// Token required on every endpoint. Mandatory when Host is not loopback.
	Token string `envconfig:"TOKEN" default:""`

	// What to do with client traffic while no extension is connected:
	// "reject" fails immediately, "wait" holds commands for the grace window.
	OnExtensionIdle  string `envconfig:"ON_EXTENSION_IDLE" default:"reject"`
	IdleGraceSeconds int    `envconfig:"IDLE_GRACE_SECONDS" default:"10"`

	RequestTimeoutSeconds    int `envconfig:"REQUEST_TIMEOUT_SECONDS" default:"30"`
	HeartbeatIntervalSeconds int `envconfig:"HEARTBEAT_INTERVAL_SECONDS" default:"15"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	if err := Validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks a configuration, whether loaded from the environment or
// assembled by hand.
func Validate(config *Config) error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("PORT must be in 1..65535")
	}
	if config.Host == "" {
		return fmt.Errorf("HOST is required")
	}
	if config.OnExtensionIdle != "reject" && config.OnExtensionIdle != "wait" {
		return fmt.Errorf("ON_EXTENSION_IDLE must be \"reject\" or \"wait\"")
	}
	if config.IdleGraceSeconds <= 0 {
		return fmt.Errorf("IDLE_GRACE_SECONDS must be greater than 0")
	}
	if config.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT_SECONDS must be greater than 0")
	}
	if config.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL_SECONDS must be greater than 0")
	}
	if !isLoopback(config.Host) && config.Token == "" {
		return fmt.Errorf("TOKEN is required when binding to a non-loopback address")
	}
	return nil
}

func isLoopback(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1", "[::1]":
		return true
	}
	return len(host) > 4 && host[:4] == "127."
}
