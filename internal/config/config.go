package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
	Data   DataConfig   `mapstructure:"data"`
	Backup BackupConfig `mapstructure:"backup"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DataConfig locates the server's on-disk state. Uploads, backups, the
// message database and the backup secret all live under Dir.
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

type BackupConfig struct {
	Command             string   `mapstructure:"command"`
	ProgressStepPercent int      `mapstructure:"progress_step_percent"`
	CleanupTimeoutMin   int      `mapstructure:"cleanup_timeout_minutes"`
	MaxAgeMin           int      `mapstructure:"max_age_minutes"`
	ExcludedRooms       []string `mapstructure:"excluded_rooms"`
	PublicURL           string   `mapstructure:"public_url"`
	ForcePublicURL      bool     `mapstructure:"force_public_url"`
	SweepInterval       string   `mapstructure:"sweep_interval"`
}

// CleanupTimeout returns the post-ready expiry window as a duration.
func (b BackupConfig) CleanupTimeout() time.Duration {
	return time.Duration(b.CleanupTimeoutMin) * time.Minute
}

// MaxAge returns the absolute backup age ceiling as a duration.
func (b BackupConfig) MaxAge() time.Duration {
	return time.Duration(b.MaxAgeMin) * time.Minute
}

// UploadsDir returns the root of per-room file storage.
func (d DataConfig) UploadsDir() string { return filepath.Join(d.Dir, "uploads") }

// BackupsDir returns the root under which secure backup directories are created.
func (d DataConfig) BackupsDir() string { return filepath.Join(d.Dir, "backups") }

// DBPath returns the SQLite database file path.
func (d DataConfig) DBPath() string { return filepath.Join(d.Dir, "lanchat.db") }

// SecretPath returns the location of the persisted HMAC secret.
func (d DataConfig) SecretPath() string { return filepath.Join(d.Dir, "backup.secret") }

// Load reads configuration from the given YAML file (optional) with
// LANCHAT_-prefixed environment variables taking precedence.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("data.dir", "data")
	v.SetDefault("backup.command", "/backup")
	v.SetDefault("backup.progress_step_percent", 10)
	v.SetDefault("backup.cleanup_timeout_minutes", 30)
	v.SetDefault("backup.max_age_minutes", 60)
	v.SetDefault("backup.excluded_rooms", []string{})
	v.SetDefault("backup.public_url", "")
	v.SetDefault("backup.force_public_url", false)
	v.SetDefault("backup.sweep_interval", "@every 5m")

	v.SetEnvPrefix("LANCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Backup.ProgressStepPercent < 1 || c.Backup.ProgressStepPercent > 100 {
		return fmt.Errorf("backup.progress_step_percent must be in [1,100], got %d", c.Backup.ProgressStepPercent)
	}
	if c.Backup.CleanupTimeoutMin <= 0 {
		return fmt.Errorf("backup.cleanup_timeout_minutes must be positive, got %d", c.Backup.CleanupTimeoutMin)
	}
	if c.Backup.MaxAgeMin <= 0 {
		return fmt.Errorf("backup.max_age_minutes must be positive, got %d", c.Backup.MaxAgeMin)
	}
	if strings.TrimSpace(c.Backup.Command) == "" {
		return fmt.Errorf("backup.command must not be empty")
	}
	return nil
}

// EnsureSecret loads the HMAC secret from path, generating and persisting a
// new one on first run. The secret signs backup directory names; it is never
// logged and never leaves the process.
func EnsureSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return "", fmt.Errorf("secret file %s is empty", path)
		}
		return secret, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read secret: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	secret := hex.EncodeToString(buf)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create secret dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist secret: %w", err)
	}
	return secret, nil
}
