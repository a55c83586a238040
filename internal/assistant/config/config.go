// Package config loads the assistant configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/naamasharir/tlv500-assistant/common/environment"
)

const (
	defaultBackendURL = "http://localhost:3001"
	defaultSheetsURL  = "https://sheets.googleapis.com/v4/spreadsheets"
	defaultDBPath     = "./tlv500.db"
	defaultLogLevel   = "info"
	defaultLogFormat  = "text"
)

// Config is the root assistant configuration.
type Config struct {
	// Backend is the TLV500 backend API.
	Backend Backend `yaml:"backend"`

	// Sheets is the spreadsheet provider.
	Sheets Sheets `yaml:"sheets"`

	// DatabasePath is the SQLite file holding persisted session state.
	DatabasePath string `yaml:"databasePath"`

	// MasterKeyHex is the 64-hex-char AES-256 key sealing the stored
	// credential.  Empty disables credential persistence.  Prefer setting
	// it via TLV500_MASTER_KEY rather than the file.
	MasterKeyHex string `yaml:"masterKey,omitempty"`

	// Log controls log output.
	Log Log `yaml:"log,omitempty"`
}

// Backend configures the assistant backend connection.
type Backend struct {
	// BaseURL is the backend root, without the /api prefix.
	BaseURL string `yaml:"baseUrl"`
}

// Sheets configures the spreadsheet provider connection.
type Sheets struct {
	// BaseURL is the provider API root.
	BaseURL string `yaml:"baseUrl"`

	// Credential is the bearer token for provider reads and writes.
	// Usually left empty here and supplied via TLV500_SHEETS_TOKEN or the
	// persisted session.
	Credential string `yaml:"credential,omitempty"`
}

// Log configures log output.
type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level,omitempty"`

	// Format is text or json.
	Format string `yaml:"format,omitempty"`
}

// Parse decodes a YAML configuration document and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config parse: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads a configuration file, falls back to defaults when the path is
// empty or the file does not exist, and applies environment overrides last.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			cfg, err = Parse(data)
			if err != nil {
				return nil, err
			}
		case os.IsNotExist(err):
			// Defaults plus environment is a complete configuration.
		default:
			return nil, fmt.Errorf("config read %s: %w", path, err)
		}
	}
	applyEnvironment(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks a Config for structural correctness.  It returns the first
// validation error encountered, or nil if the config is valid.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config must not be nil")
	}
	if strings.TrimSpace(cfg.Backend.BaseURL) == "" {
		return fmt.Errorf("backend.baseUrl must not be empty")
	}
	if strings.TrimSpace(cfg.Sheets.BaseURL) == "" {
		return fmt.Errorf("sheets.baseUrl must not be empty")
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return fmt.Errorf("databasePath must not be empty")
	}
	if cfg.MasterKeyHex != "" && len(cfg.MasterKeyHex) != 64 {
		return fmt.Errorf("masterKey must be 64 hex characters, got %d", len(cfg.MasterKeyHex))
	}
	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", cfg.Log.Format)
	}
	return nil
}

func defaults() *Config {
	return &Config{
		Backend:      Backend{BaseURL: defaultBackendURL},
		Sheets:       Sheets{BaseURL: defaultSheetsURL},
		DatabasePath: defaultDBPath,
		Log:          Log{Level: defaultLogLevel, Format: defaultLogFormat},
	}
}

// applyEnvironment overlays TLV500_* variables on top of the file values.
func applyEnvironment(cfg *Config) {
	cfg.Backend.BaseURL = environment.StringOr("TLV500_BACKEND_URL", cfg.Backend.BaseURL)
	cfg.Sheets.BaseURL = environment.StringOr("TLV500_SHEETS_URL", cfg.Sheets.BaseURL)
	cfg.Sheets.Credential = environment.StringOr("TLV500_SHEETS_TOKEN", cfg.Sheets.Credential)
	cfg.DatabasePath = environment.StringOr("TLV500_DATABASE_PATH", cfg.DatabasePath)
	cfg.MasterKeyHex = environment.StringOr("TLV500_MASTER_KEY", cfg.MasterKeyHex)
	cfg.Log.Level = environment.StringOr("TLV500_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = environment.StringOr("TLV500_LOG_FORMAT", cfg.Log.Format)
}
