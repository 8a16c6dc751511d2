// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the delivery service, plus the
// environment-only configuration of the upload trigger.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the complete delivery service configuration.
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Storage StorageConfig `yaml:"storage"`
	SMTP    SMTPConfig    `yaml:"smtp"`
	Logging LoggingConfig `yaml:"logging"`
}

// HTTPConfig holds the HTTP listener configuration.
// The listener serves HTTPS when both CertFile and KeyFile are set.
type HTTPConfig struct {
	Listen   string `yaml:"listen"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// StorageConfig holds S3 access settings and the scratch directory that
// downloaded recipient lists are written to.
type StorageConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	ScratchDir      string `yaml:"scratch_dir"`
}

// SMTPConfig holds outbound mail settings. With DryRun set, messages are
// printed to stdout instead of being submitted.
type SMTPConfig struct {
	DryRun bool `yaml:"dry_run"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// TLSEnabled returns true if both certificate and key files are set.
func (c *Config) TLSEnabled() bool {
	return c.HTTP.CertFile != "" && c.HTTP.KeyFile != ""
}

func (c *Config) applyDefaults() {
	c.HTTP.Listen = ":5000"
	c.Storage.ScratchDir = os.TempDir()
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.HTTP.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.HTTP.KeyFile = v
	}

	if v := os.Getenv("S3_REGION"); v != "" {
		c.Storage.Region = v
	}
	if v := os.Getenv("S3_ACCESS_KEY_ID"); v != "" {
		c.Storage.AccessKeyID = v
	}
	if v := os.Getenv("S3_SECRET_ACCESS_KEY"); v != "" {
		c.Storage.SecretAccessKey = v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		c.Storage.Endpoint = v
	}
	if v := os.Getenv("S3_PATH_STYLE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Storage.PathStyle = b
		}
	}
	if v := os.Getenv("SCRATCH_DIR"); v != "" {
		c.Storage.ScratchDir = v
	}

	if v := os.Getenv("SMTP_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SMTP.DryRun = b
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// TriggerConfig is the fixed per-deployment configuration of the upload
// trigger. Every triggered job carries the same sender and message.
type TriggerConfig struct {
	EndpointURL    string
	SenderEmail    string
	SenderPassword string
	Subject        string
	Body           string
}

// LoadTrigger reads the trigger configuration from the environment.
// Values are taken as-is; unset variables stay empty.
func LoadTrigger() *TriggerConfig {
	return &TriggerConfig{
		EndpointURL:    os.Getenv("DELIVERY_ENDPOINT"),
		SenderEmail:    os.Getenv("SENDER_EMAIL"),
		SenderPassword: os.Getenv("SENDER_PASSWORD"),
		Subject:        os.Getenv("MAIL_SUBJECT"),
		Body:           os.Getenv("MAIL_BODY"),
	}
}
