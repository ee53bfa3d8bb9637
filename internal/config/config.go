package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/fenceauth/fence/pkg/constants"
)

// Config is the service configuration, loaded from a YAML file with
// environment variable overrides for deployment-specific values.
type Config struct {
	Port string `yaml:"port"`

	Database DatabaseConfig `yaml:"database"`

	// Issuer is the "iss" claim stamped into every token fence signs.
	Issuer string `yaml:"issuer"`
	// KeyDir holds the RSA private keys ("*.pem") used for signing.
	KeyDir string `yaml:"key_dir"`

	AccessTokenLifetime  time.Duration `yaml:"access_token_lifetime"`
	RefreshTokenLifetime time.Duration `yaml:"refresh_token_lifetime"`

	// EnableDBMigration gates schema creation at startup and in fencectl.
	EnableDBMigration bool `yaml:"enable_db_migration"`

	OpenIDProviders map[string]OIDCProviderConfig `yaml:"openid_providers"`

	// VisaIssuerAllowlist limits which issuers GA4GH visas are accepted from.
	VisaIssuerAllowlist []string `yaml:"ga4gh_visa_issuer_allowlist"`
	// VisaUpdateSchedule is a cron expression for the visa refresh job.
	VisaUpdateSchedule string `yaml:"visa_update_schedule"`
	// ParseConsentCode appends the dbGaP consent group to project auth IDs
	// when syncing visa permissions (phs000178 -> phs000178.c1).
	ParseConsentCode bool `yaml:"parse_consent_code"`

	// MemcachedAddrs enables the memcached passport cache when non-empty
	// (comma separated host:port list). Empty means in-memory cache.
	MemcachedAddrs string `yaml:"memcached_addrs"`
}

// DatabaseConfig carries PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	sslmode := d.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, sslmode)
}

// OIDCProviderConfig configures one upstream OpenID Connect provider.
type OIDCProviderConfig struct {
	DiscoveryURL string   `yaml:"discovery_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
	// UserinfoPath overrides the userinfo endpoint path relative to the
	// issuer. RAS does not publish v1.1/userinfo in its discovery doc yet.
	UserinfoPath string `yaml:"userinfo_path"`
}

// Load reads the config file at path (if it exists), then applies
// environment overrides. A .env file in the working directory is loaded
// first, matching how tests pick up local settings.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port: "8000",
		Database: DatabaseConfig{
			Host: "localhost",
			Port: "5432",
			User: "postgres",
			Name: "fence",
		},
		Issuer:               "fence",
		KeyDir:               "keys",
		AccessTokenLifetime:  20 * time.Minute,
		RefreshTokenLifetime: 30 * 24 * time.Hour,
		VisaUpdateSchedule:   constants.DefaultVisaUpdateSchedule,
		ParseConsentCode:     true,
	}
}

func applyEnv(cfg *Config) {
	setIfPresent := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setIfPresent(&cfg.Port, "PORT")
	setIfPresent(&cfg.Issuer, "FENCE_ISSUER")
	setIfPresent(&cfg.KeyDir, "FENCE_KEY_DIR")
	setIfPresent(&cfg.Database.Host, "DB_HOST")
	setIfPresent(&cfg.Database.Port, "DB_PORT")
	setIfPresent(&cfg.Database.User, "DB_USER")
	setIfPresent(&cfg.Database.Password, "DB_PASSWORD")
	setIfPresent(&cfg.Database.Name, "DB_DATABASE")
	setIfPresent(&cfg.Database.SSLMode, "DB_SSLMODE")
	setIfPresent(&cfg.MemcachedAddrs, "MEMCACHED_ADDRS")

	if v := os.Getenv("ENABLE_DB_MIGRATION"); v != "" {
		cfg.EnableDBMigration = v == "true" || v == "1"
	}
}
