// Package config provides the configuration of the recordstore tool.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"code.cloudfoundry.org/bytefmt"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/arkilian/recordstore/internal/observability"
	"github.com/arkilian/recordstore/internal/storage"
)

const envPrefix = "RECORDSTORE_"

// ByteSize is a size in bytes written in human readable form, such as
// "128M" or "1.5G", in config files and the environment.
type ByteSize uint64

// ParseByteSize parses a size with a unit suffix or a bare byte count.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return ByteSize(n), nil
	}
	n, err := bytefmt.ToBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

func (b ByteSize) String() string {
	return bytefmt.ByteSize(uint64(b))
}

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = n
	return nil
}

// UnmarshalJSON accepts a plain byte count as well as a size string.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var n uint64
	if err := json.Unmarshal(data, &n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid byte size %s", data)
	}
	return b.UnmarshalText([]byte(s))
}

// Config holds the configuration of the recordstore tool.
type Config struct {
	// DataDir is the base directory for record sets and the manifest
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// ManifestPath is the SQLite database holding record set states
	ManifestPath string `json:"manifest_path" yaml:"manifest_path"`

	RecordSet RecordSetConfig         `json:"record_set" yaml:"record_set"`
	Log       observability.LogConfig `json:"log" yaml:"log"`
	Storage   StorageConfig           `json:"storage" yaml:"storage"`
}

// RecordSetConfig selects the record set a command operates on.
type RecordSetConfig struct {
	Name string `json:"name" yaml:"name"`

	// SchemaPath is a JSON schema file. It is only needed the first time a
	// set is used; the manifest remembers it afterwards.
	SchemaPath string `json:"schema_path" yaml:"schema_path"`

	// MaxDatafileSize is the size at which compaction starts a new datafile
	MaxDatafileSize ByteSize `json:"max_datafile_size" yaml:"max_datafile_size"`

	// BloomFPR is the false positive rate of per-datafile id filters
	BloomFPR float64 `json:"bloom_fpr" yaml:"bloom_fpr"`
}

// StorageConfig selects the object store used for backups.
type StorageConfig struct {
	// Type is local or s3
	Type string `json:"type" yaml:"type"`

	// Path is the base directory of local storage
	Path string `json:"path" yaml:"path"`

	S3 storage.S3Config `json:"s3" yaml:"s3"`
}

// DefaultConfig returns the default configuration for local use.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/recordstore",
		RecordSet: RecordSetConfig{
			Name:            "records",
			MaxDatafileSize: 128 * bytefmt.MEGABYTE,
			BloomFPR:        0.01,
		},
		Log: observability.DefaultLogConfig(),
		Storage: StorageConfig{
			Type: "local",
			S3:   storage.DefaultS3Config(),
		},
	}
}

// Resolve fills in paths derived from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/recordstore"
	}
	if c.ManifestPath == "" {
		c.ManifestPath = filepath.Join(c.DataDir, "manifest.db")
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "backups")
	}
}

// SetsDir is the directory holding the files of every record set.
func (c *Config) SetsDir() string {
	return filepath.Join(c.DataDir, "sets")
}

// Prefix returns the path prefix of the files of the named record set.
func (c *Config) Prefix(name string) string {
	return filepath.Join(c.SetsDir(), name, name)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	name := c.RecordSet.Name
	if name == "" {
		return fmt.Errorf("record_set.name is required")
	}
	if strings.ContainsAny(name, `/\.`) || strings.HasPrefix(name, "~") {
		return fmt.Errorf("invalid record_set.name %q: must not contain path separators or dots", name)
	}
	if fpr := c.RecordSet.BloomFPR; fpr <= 0 || fpr >= 1 {
		return fmt.Errorf("record_set.bloom_fpr must be in (0, 1), got %g", fpr)
	}
	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required when storage type is s3")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}
	return cfg, nil
}

// LoadFromEnv overrides cfg from RECORDSTORE_* environment variables.
func LoadFromEnv(cfg *Config) error {
	str := map[string]*string{
		"DATA_DIR":      &cfg.DataDir,
		"MANIFEST_PATH": &cfg.ManifestPath,
		"RECORD_SET":    &cfg.RecordSet.Name,
		"SCHEMA_PATH":   &cfg.RecordSet.SchemaPath,
		"LOG_PATH":      &cfg.Log.Path,
		"STORAGE_TYPE":  &cfg.Storage.Type,
		"STORAGE_PATH":  &cfg.Storage.Path,
		"S3_BUCKET":     &cfg.Storage.S3.Bucket,
		"S3_REGION":     &cfg.Storage.S3.Region,
		"S3_ENDPOINT":   &cfg.Storage.S3.Endpoint,
	}
	for key, dst := range str {
		if v := os.Getenv(envPrefix + key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv(envPrefix + "MAX_DATAFILE_SIZE"); v != "" {
		size, err := ParseByteSize(v)
		if err != nil {
			return fmt.Errorf("%sMAX_DATAFILE_SIZE: %w", envPrefix, err)
		}
		cfg.RecordSet.MaxDatafileSize = size
	}
	if v := os.Getenv(envPrefix + "BLOOM_FPR"); v != "" {
		fpr, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sBLOOM_FPR: %w", envPrefix, err)
		}
		cfg.RecordSet.BloomFPR = fpr
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		level, err := zapcore.ParseLevel(v)
		if err != nil {
			return fmt.Errorf("%sLOG_LEVEL: %w", envPrefix, err)
		}
		cfg.Log.Level = level
	}
	if v := os.Getenv(envPrefix + "LOG_DEV_MODE"); v != "" {
		cfg.Log.DevMode = v == "true" || v == "1"
	}
	if v := os.Getenv(envPrefix + "S3_USE_PATH_STYLE"); v != "" {
		cfg.Storage.S3.UsePathStyle = v == "true" || v == "1"
	}
	return nil
}

// Load reads path if it is non-empty, applies the environment and resolves
// derived paths. The result is validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.SetsDir(),
		filepath.Dir(c.ManifestPath),
	}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ObjectStorage builds the configured backup store.
func (c *Config) ObjectStorage(ctx context.Context) (storage.ObjectStorage, error) {
	switch c.Storage.Type {
	case "s3":
		return storage.NewS3Storage(ctx, c.Storage.S3)
	default:
		return storage.NewLocalStorage(c.Storage.Path)
	}
}
