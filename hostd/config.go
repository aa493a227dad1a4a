package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the connect host daemon configuration
type Config struct {
	// NATS configuration
	NATS NATSConfig `yaml:"nats"`

	// Session store configuration
	Store StoreConfig `yaml:"store"`

	// Session policy
	Session SessionConfig `yaml:"session"`

	// Trusted app registry
	Trust TrustConfig `yaml:"trust"`

	// Snapshot sync to S3
	Backup BackupConfig `yaml:"backup"`

	// Health check configuration
	Health HealthConfig `yaml:"health"`

	// Logging
	Log LogConfig `yaml:"log"`
}

// NATSConfig holds NATS connection and subject settings
type NATSConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`

	// RequestSubject carries raw connect links from the relay.
	RequestSubject string `yaml:"request_subject"`
	// ControlSubject carries owner review commands.
	ControlSubject string `yaml:"control_subject"`
	// DeliverySubject carries responses for relay to app callbacks.
	DeliverySubject string `yaml:"delivery_subject"`
	// EventSubject carries diagnostic events.
	EventSubject string `yaml:"event_subject"`
}

// StoreConfig holds session database settings
type StoreConfig struct {
	Path string `yaml:"path"`
	// KeyFile holds the DEK, or the KMS-wrapped DEK when KMSKeyARN is set.
	KeyFile   string `yaml:"key_file"`
	KMSKeyARN string `yaml:"kms_key_arn"`
	KMSRegion string `yaml:"kms_region"`
}

// SessionConfig holds session lifetime policy
type SessionConfig struct {
	ExpiryDays int `yaml:"expiry_days"`
}

// VerifiedApp is one entry of the trusted app registry
type VerifiedApp struct {
	AppID string `yaml:"app_id" json:"app_id"`
	// Origin is the scheme and host the app's callbacks must live under.
	Origin string `yaml:"origin" json:"origin"`
}

// TrustConfig holds the trusted app registry settings
type TrustConfig struct {
	// SSMParameter names an AWS SSM parameter with a JSON registry that
	// overrides VerifiedApps when set.
	SSMParameter string        `yaml:"ssm_parameter"`
	SSMRegion    string        `yaml:"ssm_region"`
	VerifiedApps []VerifiedApp `yaml:"verified_apps"`
}

// BackupConfig holds snapshot sync settings. Sync is disabled when the
// bucket is empty.
type BackupConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	KeyPrefix       string `yaml:"key_prefix"`
	IntervalMinutes int    `yaml:"interval_minutes"`
}

// HealthConfig holds health check settings
type HealthConfig struct {
	Port int `yaml:"port"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `yaml:"level"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Use defaults if no config file
		return cfg, nil
	}

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:             "nats://nats.internal.keymeld.io:4222",
			CredentialsFile: "/etc/keymeld/nats.creds",
			ReconnectWait:   2000,
			MaxReconnects:   -1, // Unlimited
			RequestSubject:  "connect.requests",
			ControlSubject:  "connect.control",
			DeliverySubject: "connect.responses",
			EventSubject:    "connect.events",
		},
		Store: StoreConfig{
			Path:      "/var/lib/keymeld/sessions.db",
			KeyFile:   "/etc/keymeld/connect-dek.key",
			KMSRegion: "us-east-1",
		},
		Session: SessionConfig{
			ExpiryDays: 7,
		},
		Trust: TrustConfig{
			SSMRegion: "us-east-1",
		},
		Backup: BackupConfig{
			Region:          "us-east-1",
			KeyPrefix:       "connect/",
			IntervalMinutes: 15,
		},
		Health: HealthConfig{
			Port: 8080,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
