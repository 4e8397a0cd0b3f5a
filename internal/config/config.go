// Package config handles configuration loading and validation for the
// blobstore healer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/blobmux/healer/internal/blobstore"
	"github.com/blobmux/healer/internal/healer"
	"github.com/blobmux/healer/pkg/bytesize"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load.
const (
	DefaultLogLevel       = "info"
	DefaultSyncQueueLimit = healer.DefaultSyncQueueLimit
	DefaultKeyConcurrency = healer.DefaultKeyConcurrency
	DefaultSourceOrder    = "ordered"
	DefaultLagThreshold   = "5s"
)

// Config is the top-level healer configuration.
type Config struct {
	LogLevel       string                   `yaml:"log_level"`
	MetricsListen  string                   `yaml:"metrics_listen"` // Empty disables the metrics server
	Healer         HealerConfig             `yaml:"healer"`
	ReplicationLag ReplicationLagConfig     `yaml:"replication_lag"`
	Storages       map[string]StorageConfig `yaml:"storages"`
}

// HealerConfig holds settings for healing passes and the throttle.
type HealerConfig struct {
	SyncQueueLimit int      `yaml:"sync_queue_limit"` // Entries fetched per pass
	KeyConcurrency int      `yaml:"key_concurrency"`  // Keys healed concurrently
	SourceOrder    string   `yaml:"source_order"`     // "ordered" or "random"
	LagThreshold   string   `yaml:"lag_threshold"`    // Duration string, e.g. "5s"
	PutRateLimit   float64  `yaml:"put_rate_limit"`   // Puts per second, 0 = unlimited
	DBRegions      []string `yaml:"db_regions"`       // Regions whose lag throttles the loop
}

// ReplicationLagConfig lists the database regions that can be monitored.
type ReplicationLagConfig struct {
	Regions []RegionConfig `yaml:"regions"`
}

// RegionConfig describes one read replica.
type RegionConfig struct {
	Name  string `yaml:"name"`
	DSN   string `yaml:"dsn"`
	Query string `yaml:"query"` // Optional; must return lag in seconds
}

// StorageConfig is one multiplexed storage: its replicas and sync queue.
type StorageConfig struct {
	SyncQueue  SyncQueueConfig   `yaml:"sync_queue"`
	Blobstores []BlobstoreConfig `yaml:"blobstores"`
}

// SyncQueueConfig locates the sync queue database.
type SyncQueueConfig struct {
	DSN string `yaml:"dsn"`
}

// BlobstoreConfig describes one replica of a multiplex.
type BlobstoreConfig struct {
	ID   uint32 `yaml:"id"`
	Type string `yaml:"type"`

	Path   string `yaml:"path"`   // fs, bbolt
	Bucket string `yaml:"bucket"` // bbolt, s3
	DSN    string `yaml:"dsn"`    // sqlite

	Region         string        `yaml:"region"`
	Endpoint       string        `yaml:"endpoint"`
	ForcePathStyle bool          `yaml:"force_path_style"`
	PartSize       bytesize.Size `yaml:"part_size"`

	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	Prefix   string `yaml:"prefix"`
	Compress bool   `yaml:"compress"`
}

// Options converts the replica config into blob store options.
func (b BlobstoreConfig) Options() blobstore.Options {
	return blobstore.Options{
		Type:           b.Type,
		Path:           b.Path,
		Bucket:         b.Bucket,
		DSN:            b.DSN,
		Region:         b.Region,
		Endpoint:       b.Endpoint,
		ForcePathStyle: b.ForcePathStyle,
		PartSize:       b.PartSize.Bytes(),
		Address:        b.Address,
		Password:       b.Password,
		DB:             b.DB,
		Prefix:         b.Prefix,
		Compress:       b.Compress,
	}
}

// Load loads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Healer.SyncQueueLimit == 0 {
		c.Healer.SyncQueueLimit = DefaultSyncQueueLimit
	}
	if c.Healer.KeyConcurrency == 0 {
		c.Healer.KeyConcurrency = DefaultKeyConcurrency
	}
	if c.Healer.SourceOrder == "" {
		c.Healer.SourceOrder = DefaultSourceOrder
	}
	if c.Healer.LagThreshold == "" {
		c.Healer.LagThreshold = DefaultLagThreshold
	}

	for name, st := range c.Storages {
		st.SyncQueue.DSN = expandHome(st.SyncQueue.DSN)
		for i := range st.Blobstores {
			b := &st.Blobstores[i]
			b.Path = expandHome(b.Path)
			b.DSN = expandHome(b.DSN)
			if b.Type == blobstore.TypeBbolt && b.Bucket == "" {
				b.Bucket = blobstore.DefaultBboltBucket
			}
		}
		c.Storages[name] = st
	}
	for i := range c.ReplicationLag.Regions {
		c.ReplicationLag.Regions[i].DSN = expandHome(c.ReplicationLag.Regions[i].DSN)
	}
}

// Threshold returns the parsed lag threshold.
func (h HealerConfig) Threshold() time.Duration {
	d, err := time.ParseDuration(h.LagThreshold)
	if err != nil {
		return 0
	}
	return d
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.Healer.SyncQueueLimit <= 0 {
		return fmt.Errorf("healer.sync_queue_limit must be positive")
	}
	if c.Healer.KeyConcurrency <= 0 {
		return fmt.Errorf("healer.key_concurrency must be positive")
	}
	if c.Healer.SourceOrder != "ordered" && c.Healer.SourceOrder != "random" {
		return fmt.Errorf("healer.source_order must be \"ordered\" or \"random\", got %q", c.Healer.SourceOrder)
	}
	if d, err := time.ParseDuration(c.Healer.LagThreshold); err != nil || d <= 0 {
		return fmt.Errorf("invalid healer.lag_threshold %q", c.Healer.LagThreshold)
	}
	if c.Healer.PutRateLimit < 0 {
		return fmt.Errorf("healer.put_rate_limit must not be negative")
	}

	regions := make(map[string]bool)
	for i, r := range c.ReplicationLag.Regions {
		if r.Name == "" {
			return fmt.Errorf("replication_lag.regions[%d].name is required", i)
		}
		if regions[r.Name] {
			return fmt.Errorf("duplicate replication_lag region %q", r.Name)
		}
		if r.DSN == "" {
			return fmt.Errorf("replication_lag region %q: dsn is required", r.Name)
		}
		regions[r.Name] = true
	}
	for _, name := range c.Healer.DBRegions {
		if !regions[name] {
			return fmt.Errorf("healer.db_regions: unknown region %q", name)
		}
	}

	if len(c.Storages) == 0 {
		return fmt.Errorf("at least one storage is required")
	}
	for _, name := range c.StorageIDs() {
		if err := c.Storages[name].validate(); err != nil {
			return fmt.Errorf("storage %q: %w", name, err)
		}
	}
	return nil
}

func (s StorageConfig) validate() error {
	if s.SyncQueue.DSN == "" {
		return fmt.Errorf("sync_queue.dsn is required")
	}
	if len(s.Blobstores) == 0 {
		return fmt.Errorf("at least one blobstore is required")
	}
	seen := make(map[uint32]bool)
	for _, b := range s.Blobstores {
		if seen[b.ID] {
			return fmt.Errorf("duplicate blobstore id %d", b.ID)
		}
		seen[b.ID] = true
		if err := b.validate(); err != nil {
			return fmt.Errorf("blobstore %d: %w", b.ID, err)
		}
	}
	return nil
}

func (b BlobstoreConfig) validate() error {
	switch b.Type {
	case blobstore.TypeMemory:
	case blobstore.TypeFS, blobstore.TypeBbolt:
		if b.Path == "" {
			return fmt.Errorf("path is required for type %s", b.Type)
		}
	case blobstore.TypeSQLite:
		if b.DSN == "" {
			return fmt.Errorf("dsn is required for type sqlite")
		}
	case blobstore.TypeS3:
		if b.Bucket == "" {
			return fmt.Errorf("bucket is required for type s3")
		}
	case blobstore.TypeRedis:
		if b.Address == "" {
			return fmt.Errorf("address is required for type redis")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown type %q", b.Type)
	}
	return nil
}

// StorageIDs returns the configured storage ids, sorted.
func (c *Config) StorageIDs() []string {
	ids := make([]string, 0, len(c.Storages))
	for id := range c.Storages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Storage returns the storage the healer should run against. Storages
// with a single blobstore have nothing to heal and are rejected.
func (c *Config) Storage(id string) (StorageConfig, error) {
	st, ok := c.Storages[id]
	if !ok {
		return StorageConfig{}, fmt.Errorf("unknown storage %q (configured: %s)", id, strings.Join(c.StorageIDs(), ", "))
	}
	if len(st.Blobstores) < 2 {
		return StorageConfig{}, fmt.Errorf("storage %q is not multiplexed", id)
	}
	return st, nil
}

// MonitoredRegions returns the regions named by healer.db_regions, in
// that order.
func (c *Config) MonitoredRegions() []RegionConfig {
	var out []RegionConfig
	for _, name := range c.Healer.DBRegions {
		i := slices.IndexFunc(c.ReplicationLag.Regions, func(r RegionConfig) bool { return r.Name == name })
		if i >= 0 {
			out = append(out, c.ReplicationLag.Regions[i])
		}
	}
	return out
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(homeDir, p[2:])
}
