package config

import (
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/jorgepascosoto/rethink-backup/internal/errors"
)

type Mode string

const (
	ModeExport Mode = "export"
	ModeImport Mode = "import"
)

const (
	DefaultHost     = "localhost"
	DefaultPort     = 28015
	DefaultDatabase = "test"

	DefaultConnectTimeout = 20 * time.Second

	DefaultCompressionLevel = gzip.BestCompression
)

// Config holds the settings of a single export or import run.
type Config struct {
	// RethinkDB connection
	Host           string
	Port           int
	Database       string
	Auth           bool
	AuthKey        string
	ConnectTimeout time.Duration

	// Backup directory
	Folder     string
	Cwd        string
	Mode       Mode
	AllowEmpty bool
	StartedAt  time.Time

	// Offsite copy to R2 (optional, export only)
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string
	BackupPrefix      string
	Compression       bool
	CompressionLevel  int
	EncryptionKey     []byte
	RetentionDays     int
	RetentionCount    int

	// Notification settings
	WebhookURL      string
	NotifyOnSuccess bool
	NotifyOnFailure bool
}

// Load reads the configuration from the environment. Command line flags are
// applied on top of it by the caller, followed by Validate.
func Load() (*Config, error) {
	cfg := &Config{
		Host:           DefaultHost,
		Port:           DefaultPort,
		Database:       DefaultDatabase,
		ConnectTimeout: DefaultConnectTimeout,
		Mode:           ModeExport,
		StartedAt:      time.Now(),
	}

	if host := getInput("rethinkdb_host"); host != "" {
		cfg.Host = host
	}
	cfg.Port = getInputInt("rethinkdb_port", DefaultPort)
	if db := getInput("rethinkdb_database"); db != "" {
		cfg.Database = db
	}
	cfg.AuthKey = getInput("rethinkdb_auth_key")
	cfg.Auth = cfg.AuthKey != ""
	if timeout := getInput("rethinkdb_connect_timeout"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid rethinkdb_connect_timeout: %w", err)
		}
		cfg.ConnectTimeout = d
	}

	cfg.Folder = getInput("backup_folder")
	cfg.Cwd = getInput("backup_cwd")
	if cfg.Cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to determine working directory: %w", err)
		}
		cfg.Cwd = wd
	}
	cfg.AllowEmpty = getInputBool("allow_empty", false)

	// R2 settings
	cfg.R2AccountID = getInput("r2_account_id")
	cfg.R2AccessKeyID = getInput("r2_access_key_id")
	cfg.R2SecretAccessKey = getInput("r2_secret_access_key")
	cfg.R2BucketName = getInput("r2_bucket_name")
	cfg.BackupPrefix = getInput("backup_prefix")

	cfg.Compression = getInputBool("compression", true)
	cfg.CompressionLevel = getInputInt("compression_level", DefaultCompressionLevel)

	key, err := DecodeEncryptionKey(getInput("encryption_key"))
	if err != nil {
		return nil, err
	}
	cfg.EncryptionKey = key

	// Retention settings
	cfg.RetentionDays = getInputInt("retention_days", 0)
	cfg.RetentionCount = getInputInt("retention_count", 0)

	// Notification settings
	cfg.WebhookURL = getInput("webhook_url")
	cfg.NotifyOnSuccess = getInputBool("notify_on_success", true)
	cfg.NotifyOnFailure = getInputBool("notify_on_failure", true)

	return cfg, nil
}

// DecodeEncryptionKey parses a base64 encoded AES-256 key. An empty string
// means no encryption.
func DecodeEncryptionKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: must be base64 encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be exactly 32 bytes (256 bits), got %d bytes", len(key))
	}
	return key, nil
}

func (c *Config) Validate() error {
	if c.Host == "" {
		return apperrors.NewConfigError("host", "is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return apperrors.NewConfigError("port", fmt.Sprintf("must be between 1 and 65535, got %d", c.Port))
	}
	if c.Database == "" {
		return apperrors.NewConfigError("database", "is required")
	}
	if c.Mode != ModeExport && c.Mode != ModeImport {
		return apperrors.NewConfigError("mode", fmt.Sprintf("unsupported mode: %s", c.Mode))
	}
	if c.Cwd == "" {
		return apperrors.NewConfigError("cwd", "is required")
	}
	if c.Compression && (c.CompressionLevel < gzip.HuffmanOnly || c.CompressionLevel > gzip.BestCompression) {
		return apperrors.NewConfigError("compression_level", fmt.Sprintf("must be between %d and %d, got %d", gzip.HuffmanOnly, gzip.BestCompression, c.CompressionLevel))
	}
	if c.RetentionDays < 0 || c.RetentionCount < 0 {
		return apperrors.NewConfigError("retention", "must not be negative")
	}

	// R2 settings are all-or-nothing
	if c.anyR2() {
		if c.R2AccountID == "" {
			return apperrors.NewConfigError("r2_account_id", "is required")
		}
		if c.R2AccessKeyID == "" {
			return apperrors.NewConfigError("r2_access_key_id", "is required")
		}
		if c.R2SecretAccessKey == "" {
			return apperrors.NewConfigError("r2_secret_access_key", "is required")
		}
		if c.R2BucketName == "" {
			return apperrors.NewConfigError("r2_bucket_name", "is required")
		}
	}

	return nil
}

// Address is the host:port of the RethinkDB server.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TargetFolder is the backup directory, resolved against Cwd.
func (c *Config) TargetFolder() string {
	folder := c.Folder
	if folder == "" {
		folder = DefaultFolderName(c.StartedAt)
	}
	if filepath.IsAbs(folder) {
		return filepath.Clean(folder)
	}
	return filepath.Clean(filepath.Join(c.Cwd, folder))
}

// LogFile is the run log inside the backup directory.
func (c *Config) LogFile() string {
	return filepath.Join(c.TargetFolder(), string(c.Mode)+".log")
}

// DefaultFolderName names a backup directory after the time a run started,
// e.g. "10-19-2026_14.5.9".
func DefaultFolderName(t time.Time) string {
	return t.Format("1-2-2006_15.4.5")
}

// HasOffsite reports whether finished exports are shipped to R2.
func (c *Config) HasOffsite() bool {
	return c.R2AccountID != "" && c.R2AccessKeyID != "" && c.R2SecretAccessKey != "" && c.R2BucketName != ""
}

func (c *Config) HasEncryption() bool {
	return len(c.EncryptionKey) > 0
}

func (c *Config) HasRetention() bool {
	return c.RetentionDays > 0 || c.RetentionCount > 0
}

// OffsitePrefix is the key prefix bundles are uploaded under.
func (c *Config) OffsitePrefix() string {
	prefix := c.BackupPrefix
	if prefix == "" {
		prefix = fmt.Sprintf("backups/%s/", c.Database)
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

func (c *Config) anyR2() bool {
	return c.R2AccountID != "" || c.R2AccessKeyID != "" || c.R2SecretAccessKey != "" || c.R2BucketName != ""
}

func getInput(name string) string {
	// First try regular env var (for local development)
	envName := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if val := os.Getenv(envName); val != "" {
		return strings.TrimSpace(val)
	}
	// Fall back to INPUT_ prefixed (GitHub Actions convention)
	return strings.TrimSpace(os.Getenv("INPUT_" + envName))
}

func getInputInt(name string, defaultVal int) int {
	val := getInput(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}

func getInputBool(name string, defaultVal bool) bool {
	val := strings.ToLower(getInput(name))
	if val == "" {
		return defaultVal
	}
	return val == "true" || val == "yes" || val == "1"
}
