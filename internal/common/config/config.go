// Package config provides configuration management for Ogent.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ogent/ogent/internal/common/logger"
)

// Config holds all configuration sections for Ogent. A single file serves
// both binaries; each reads only its own section.
type Config struct {
	Controller ControllerConfig    `mapstructure:"controller"`
	Agent      AgentConfig         `mapstructure:"agent"`
	AI         AIConfig            `mapstructure:"ai"`
	NATS       NATSConfig          `mapstructure:"nats"`
	Logging    logger.LoggingConfig `mapstructure:"logging"`
}

// ControllerConfig holds the controller process configuration.
type ControllerConfig struct {
	ListenHost      string `mapstructure:"listenHost"`
	ListenPort      int    `mapstructure:"listenPort"`
	TokenSecret     string `mapstructure:"tokenSecret"`
	TokenTTLMinutes int    `mapstructure:"tokenTtlMinutes"`
	AdminUsername   string `mapstructure:"adminUsername"`
	AdminPassword   string `mapstructure:"adminPassword"`

	// CommandRetention bounds how many terminal commands stay queryable.
	CommandRetention int `mapstructure:"commandRetention"`
	// CommandDeadlineSeconds is the default per-command overall deadline.
	CommandDeadlineSeconds int `mapstructure:"commandDeadlineSeconds"`
	// GraceSeconds is how long a dropped session may reconnect before its
	// in-flight commands are declared lost.
	GraceSeconds int `mapstructure:"graceSeconds"`

	ReadTimeout  int `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int `mapstructure:"writeTimeout"` // in seconds
}

// AgentConfig holds the agent process configuration.
type AgentConfig struct {
	ControllerURL        string `mapstructure:"controllerUrl"`
	Username             string `mapstructure:"username"`
	Password             string `mapstructure:"password"`
	ReconnectDelaySecs   int    `mapstructure:"reconnectDelaySeconds"`
	MaxReconnectAttempts int    `mapstructure:"maxReconnectAttempts"` // <=0 means unlimited
	ConcurrencyLimit     int    `mapstructure:"concurrencyLimit"`
	AgentIDOverride      string `mapstructure:"agentIdOverride"`

	Remote RemoteConfig `mapstructure:"remote"`
}

// RemoteConfig describes the outbound SSH target for the remote executor.
type RemoteConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	KeyPath        string `mapstructure:"keyPath"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
}

// AIConfig holds the optional command pre-processing backend configuration.
type AIConfig struct {
	BackendURL     string `mapstructure:"backendUrl"`
	BackendKey     string `mapstructure:"backendKey"`
	Model          string `mapstructure:"model"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
	// Required makes AI failures fail the command instead of degrading to
	// the original command text.
	Required bool `mapstructure:"required"`
	// RejectUnsafe refuses dispatch when validation flags a high risk.
	RejectUnsafe bool `mapstructure:"rejectUnsafe"`
}

// NATSConfig holds the optional shared messaging backend configuration.
// An empty URL selects the in-memory event bus (single-replica mode).
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// Load reads configuration from defaults, an optional config file, and
// OGENT_* environment variables (in increasing precedence).
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("OGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ogent")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("controller.listenHost", "0.0.0.0")
	v.SetDefault("controller.listenPort", 8000)
	v.SetDefault("controller.tokenTtlMinutes", 30)
	v.SetDefault("controller.adminUsername", "admin")
	v.SetDefault("controller.commandRetention", 1000)
	v.SetDefault("controller.commandDeadlineSeconds", 300)
	v.SetDefault("controller.graceSeconds", 30)
	v.SetDefault("controller.readTimeout", 30)
	v.SetDefault("controller.writeTimeout", 30)

	v.SetDefault("agent.controllerUrl", "http://localhost:8000")
	v.SetDefault("agent.reconnectDelaySeconds", 5)
	v.SetDefault("agent.maxReconnectAttempts", 10)
	v.SetDefault("agent.concurrencyLimit", 1)
	v.SetDefault("agent.remote.port", 22)
	v.SetDefault("agent.remote.keyPath", "~/.ssh/id_rsa")
	v.SetDefault("agent.remote.timeoutSeconds", 10)

	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("ai.timeoutSeconds", 20)
	v.SetDefault("ai.rejectUnsafe", true)

	v.SetDefault("nats.clientId", "ogent")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output_path", "stdout")
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Controller.ListenPort <= 0 || cfg.Controller.ListenPort > 65535 {
		errs = append(errs, "controller.listenPort must be between 1 and 65535")
	}
	if cfg.Controller.TokenSecret == "" {
		cfg.Controller.TokenSecret = generateDevSecret()
	}
	if cfg.Controller.TokenTTLMinutes <= 0 {
		errs = append(errs, "controller.tokenTtlMinutes must be positive")
	}
	if cfg.Controller.AdminPassword == "" {
		errs = append(errs, "controller.adminPassword is required")
	}
	if cfg.Controller.CommandRetention <= 0 {
		errs = append(errs, "controller.commandRetention must be positive")
	}
	if cfg.Controller.CommandDeadlineSeconds <= 0 {
		errs = append(errs, "controller.commandDeadlineSeconds must be positive")
	}
	if cfg.Controller.GraceSeconds <= 0 {
		errs = append(errs, "controller.graceSeconds must be positive")
	}

	if cfg.Agent.ConcurrencyLimit <= 0 {
		cfg.Agent.ConcurrencyLimit = 1
	}
	if cfg.Agent.Remote.Enabled {
		if cfg.Agent.Remote.Host == "" {
			errs = append(errs, "agent.remote.host is required when remote execution is enabled")
		}
		if cfg.Agent.Remote.Username == "" {
			errs = append(errs, "agent.remote.username is required when remote execution is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// TokenTTL returns the bearer token lifetime as a duration.
func (c *ControllerConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMinutes) * time.Minute
}

// CommandDeadline returns the default per-command deadline as a duration.
func (c *ControllerConfig) CommandDeadline() time.Duration {
	return time.Duration(c.CommandDeadlineSeconds) * time.Second
}

// GraceInterval returns the reconnect grace window as a duration.
func (c *ControllerConfig) GraceInterval() time.Duration {
	return time.Duration(c.GraceSeconds) * time.Second
}

// ReadTimeoutDuration returns the HTTP read timeout as a duration.
func (c *ControllerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(c.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the HTTP write timeout as a duration.
func (c *ControllerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Second
}

// ReconnectDelay returns the agent reconnect backoff base as a duration.
func (a *AgentConfig) ReconnectDelay() time.Duration {
	return time.Duration(a.ReconnectDelaySecs) * time.Second
}

// Timeout returns the SSH dial timeout as a duration.
func (r *RemoteConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// Timeout returns the AI backend request timeout as a duration.
func (a *AIConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// Enabled reports whether the AI stage has a usable backend.
func (a *AIConfig) Enabled() bool {
	return a.BackendKey != ""
}

// generateDevSecret generates a random secret for development mode.
// In production, operators should set OGENT_CONTROLLER_TOKENSECRET.
func generateDevSecret() string {
	return fmt.Sprintf("dev-secret-change-in-production-%d", time.Now().UnixNano())
}
