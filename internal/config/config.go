// Package config loads and validates the appfsd daemon configuration: a YAML
// file overridden by environment variables, in turn overridden by CLI flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/appfs/appfsd/pkg/utils"
)

// Configuration represents the complete appfsd configuration.
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Cache      CacheConfig      `yaml:"cache"`
	Network    NetworkConfig    `yaml:"network"`
	Sites      []SiteConfig     `yaml:"sites"`
	Security   SecurityConfig   `yaml:"security"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Mount      MountConfig      `yaml:"mount"`
}

// GlobalConfig represents global daemon settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`
	ProfilePort int    `yaml:"profile_port"`
}

// CacheConfig configures the blob store, user overlay, and attribute cache.
type CacheConfig struct {
	// BlobStoreDir is the root of the content-addressed blob store (C1).
	BlobStoreDir string `yaml:"blob_store_dir"`
	// OverlayDir is the root of the per-uid copy-on-write shadow tree (C5).
	OverlayDir string `yaml:"overlay_dir"`
	// AttrCacheCapacity is the fixed slot count for the open-addressed
	// (path,uid) attribute cache (C7); default 8209 per the original daemon.
	AttrCacheCapacity int `yaml:"attr_cache_capacity"`
	// IndexTTL bounds how long a fetched site index is considered fresh
	// before C6 triggers a re-fetch.
	IndexTTL time.Duration `yaml:"index_ttl"`
	// ManifestTTL is not consulted: each manifest hash is fetched and
	// ingested once per process.
	ManifestTTL time.Duration `yaml:"manifest_ttl"`
}

// NetworkConfig configures the fetcher's resilience policy.
type NetworkConfig struct {
	Timeouts       TimeoutConfig        `yaml:"timeouts"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// TimeoutConfig represents timeout settings.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Read    time.Duration `yaml:"read"`
	Write   time.Duration `yaml:"write"`
}

// RetryConfig represents retry settings for transient fetch failures.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents circuit breaker settings for per-site fetches.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// SiteConfig is a pre-provisioned site entry: the answer to where its index
// lives, which transport reaches it, and which public key its index signature
// must verify against. A site with no entry here has no trust anchor and its
// index is always rejected.
type SiteConfig struct {
	Hostname      string `yaml:"hostname"`
	PublicKeyPath string `yaml:"public_key_path"`
	// Transport is "https" (default) or "s3".
	Transport string `yaml:"transport"`
	// BaseURL overrides the default https://<hostname>/appfs/ index location.
	BaseURL string `yaml:"base_url"`
	// S3Bucket and S3Prefix apply when Transport is "s3".
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
	S3Region string `yaml:"s3_region"`
}

// SecurityConfig represents security settings.
type SecurityConfig struct {
	TLS TLSConfig `yaml:"tls"`
}

// TLSConfig represents TLS settings for HTTPS site transports.
type TLSConfig struct {
	VerifyCertificates bool   `yaml:"verify_certificates"`
	MinVersion         string `yaml:"min_version"`
}

// MonitoringConfig represents monitoring settings.
type MonitoringConfig struct {
	Metrics      MetricsConfig      `yaml:"metrics"`
	HealthChecks HealthChecksConfig `yaml:"health_checks"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// MetricsConfig represents metrics settings.
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Prometheus   bool              `yaml:"prometheus"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// HealthChecksConfig represents health check settings.
type HealthChecksConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LoggingConfig represents logging settings.
type LoggingConfig struct {
	Structured bool   `yaml:"structured"`
	Format     string `yaml:"format"`
}

// MountConfig maps directly onto the appfsd CLI's `-o opt,opt` mount options.
type MountConfig struct {
	MountPoint   string        `yaml:"mount_point"`
	CacheDir     string        `yaml:"cache_dir"`
	AllowOther   bool          `yaml:"allow_other"`
	ReadOnly     bool          `yaml:"read_only"`
	Debug        bool          `yaml:"debug"`
	Foreground   bool          `yaml:"foreground"`
	Concurrency  int           `yaml:"concurrency"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
	MaxRead      int           `yaml:"max_read"`
	MaxWrite     int           `yaml:"max_write"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFile:     "",
			LogFormat:   "text",
			MetricsPort: 9100,
			HealthPort:  9101,
			ProfilePort: 6060,
		},
		Cache: CacheConfig{
			BlobStoreDir:      "/var/cache/appfs/blobs",
			OverlayDir:        "/var/cache/appfs/overlay",
			AttrCacheCapacity: 8209,
			IndexTTL:          5 * time.Minute,
			ManifestTTL:       5 * time.Minute,
		},
		Network: NetworkConfig{
			Timeouts: TimeoutConfig{
				Connect: 10 * time.Second,
				Read:    30 * time.Second,
				Write:   30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 5,
				BaseDelay:   100 * time.Millisecond,
				MaxDelay:    30 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          60 * time.Second,
			},
		},
		Sites: nil,
		Security: SecurityConfig{
			TLS: TLSConfig{
				VerifyCertificates: true,
				MinVersion:         "1.2",
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:    true,
				Prometheus: true,
				CustomLabels: map[string]string{
					"service": "appfsd",
				},
			},
			HealthChecks: HealthChecksConfig{
				Enabled:  true,
				Interval: 30 * time.Second,
				Timeout:  5 * time.Second,
			},
			Logging: LoggingConfig{
				Structured: true,
				Format:     "text",
			},
		},
		Mount: MountConfig{
			Concurrency:  0,
			AttrTimeout:  1 * time.Second,
			EntryTimeout: 1 * time.Second,
			MaxRead:      128 * 1024,
			MaxWrite:     128 * 1024,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from environment variables.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("APPFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("APPFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("APPFS_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}
	if val := os.Getenv("APPFS_HEALTH_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.HealthPort = port
		}
	}

	if val := os.Getenv("APPFS_BLOB_STORE_DIR"); val != "" {
		c.Cache.BlobStoreDir = val
	}
	if val := os.Getenv("APPFS_OVERLAY_DIR"); val != "" {
		c.Cache.OverlayDir = val
	}
	if val := os.Getenv("APPFS_ATTR_CACHE_CAPACITY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Cache.AttrCacheCapacity = n
		}
	}

	if val := os.Getenv("APPFS_MOUNT_POINT"); val != "" {
		c.Mount.MountPoint = val
	}
	if val := os.Getenv("APPFS_READ_ONLY"); val != "" {
		c.Mount.ReadOnly = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("APPFS_ALLOW_OTHER"); val != "" {
		c.Mount.AllowOther = strings.ToLower(val) == "true"
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Configuration) Validate() error {
	if c.Global.MetricsPort == c.Global.HealthPort {
		return fmt.Errorf("metrics_port and health_port cannot be the same")
	}

	validLogLevels := []string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.Cache.AttrCacheCapacity <= 0 {
		return fmt.Errorf("attr_cache_capacity must be greater than 0")
	}

	for name, path := range map[string]string{
		"blob_store_dir": c.Cache.BlobStoreDir,
		"overlay_dir":    c.Cache.OverlayDir,
		"mount_point":    c.Mount.MountPoint,
		"cache_dir":      c.Mount.CacheDir,
	} {
		if path == "" {
			continue
		}
		if err := utils.ValidatePath(path, true); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	for _, site := range c.Sites {
		if site.Hostname == "" {
			return fmt.Errorf("site entry missing hostname")
		}
		if site.PublicKeyPath == "" {
			return fmt.Errorf("site %s: missing public_key_path, index signatures cannot be trusted", site.Hostname)
		}
		switch site.Transport {
		case "", "https":
		case "s3":
			if site.S3Bucket == "" {
				return fmt.Errorf("site %s: s3 transport requires s3_bucket", site.Hostname)
			}
		default:
			return fmt.Errorf("site %s: unknown transport %q", site.Hostname, site.Transport)
		}
	}

	return nil
}

// SiteByHostname returns the provisioned entry for a hostname, or nil if the
// site has no trust anchor configured.
func (c *Configuration) SiteByHostname(hostname string) *SiteConfig {
	for i := range c.Sites {
		if c.Sites[i].Hostname == hostname {
			return &c.Sites[i]
		}
	}
	return nil
}
