package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/menta2k/image-splitter/pkg/retriever"
	"github.com/menta2k/image-splitter/pkg/types"
)

// Environment variables that override file settings.
const (
	EnvAccessKey = "IMAGE_SPLITTER_ACCESS_KEY"
	EnvSecretKey = "IMAGE_SPLITTER_SECRET_KEY"
	EnvEndpoint  = "IMAGE_SPLITTER_ENDPOINT"
)

// Config holds the application configuration
type Config struct {
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Fetch       FetchConfig       `json:"fetch" yaml:"fetch"`
	Compression CompressionConfig `json:"compression" yaml:"compression"`
	Output      OutputConfig      `json:"output" yaml:"output"`
	// Workers bounds how many regions or files are processed at once.
	Workers int `json:"workers" yaml:"workers"`
}

// StorageConfig locates the object store.
type StorageConfig struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	Secure    bool   `json:"secure" yaml:"secure"`
	Region    string `json:"region,omitempty" yaml:"region,omitempty"`
	// AutoInferFromURL takes endpoint, bucket and scheme from the source URL.
	AutoInferFromURL bool `json:"auto_infer_from_url" yaml:"auto_infer_from_url"`
	// Preflight probes the endpoint to confirm http versus https.
	Preflight bool `json:"preflight" yaml:"preflight"`
	// Timeout bounds each upload including its bucket check.
	Timeout Timeout `json:"timeout" yaml:"timeout"`
}

// FetchConfig controls downloads.
type FetchConfig struct {
	Timeout        Timeout `json:"timeout" yaml:"timeout"`
	ForbidRedirect bool    `json:"forbid_redirect" yaml:"forbid_redirect"`
	UserAgent      string  `json:"user_agent,omitempty" yaml:"user_agent,omitempty"`
	MaxBytes       int64   `json:"max_bytes,omitempty" yaml:"max_bytes,omitempty"`
}

// CompressionConfig controls encoding.
type CompressionConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Quality   int    `json:"quality" yaml:"quality"`
	Optimize  bool   `json:"optimize" yaml:"optimize"`
	MaxWidth  int    `json:"max_width,omitempty" yaml:"max_width,omitempty"`
	MaxHeight int    `json:"max_height,omitempty" yaml:"max_height,omitempty"`
	Mode      string `json:"mode" yaml:"mode"`
	Format    string `json:"format,omitempty" yaml:"format,omitempty"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	Prefix string `json:"prefix" yaml:"prefix"`
	// Upload publishes artifacts; when false they are written to LocalDir.
	Upload   bool   `json:"upload" yaml:"upload"`
	LocalDir string `json:"local_dir" yaml:"local_dir"`
	// SpoolDir, when set, stages artifacts on disk before upload.
	SpoolDir string `json:"spool_dir,omitempty" yaml:"spool_dir,omitempty"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Endpoint:         "127.0.0.1:9000",
			AccessKey:        "minioadmin",
			SecretKey:        "minioadmin",
			Bucket:           "upload",
			AutoInferFromURL: true,
			Preflight:        true,
			Timeout:          Timeout{Total: 60 * time.Second},
		},
		Fetch: FetchConfig{
			Timeout:        Timeout{Total: 60 * time.Second},
			ForbidRedirect: true,
		},
		Compression: CompressionConfig{
			Enabled:  true,
			Quality:  85,
			Optimize: true,
			Mode:     string(types.ModeNormal),
		},
		Output: OutputConfig{
			Prefix:   "cropped",
			Upload:   true,
			LocalDir: "./output",
		},
		Workers: 4,
	}
}

// LoadFromFile loads configuration from a YAML (.yaml, .yml) or JSON file.
// Fields missing from the file keep their defaults.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	config := Default()
	if isYAML(filename) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %s", filename)
	}

	return config, nil
}

// SaveToFile saves configuration as YAML or JSON depending on the extension.
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	var data []byte
	var err error
	if isYAML(filename) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}

	return nil
}

func isYAML(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".yaml" || ext == ".yml"
}

// ApplyEnv overrides credentials and endpoint from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvAccessKey); v != "" {
		c.Storage.AccessKey = v
	}
	if v := os.Getenv(EnvSecretKey); v != "" {
		c.Storage.SecretKey = v
	}
	if v := os.Getenv(EnvEndpoint); v != "" {
		c.Storage.Endpoint = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Output.Upload {
		if strings.TrimSpace(c.Storage.Endpoint) == "" && !c.Storage.AutoInferFromURL {
			return fmt.Errorf("storage.endpoint is required")
		}
		if strings.Contains(c.Storage.Endpoint, "://") {
			return fmt.Errorf("storage.endpoint must be host:port without a scheme, got %q", c.Storage.Endpoint)
		}
		if strings.TrimSpace(c.Storage.Bucket) == "" && !c.Storage.AutoInferFromURL {
			return fmt.Errorf("storage.bucket is required")
		}
	} else if strings.TrimSpace(c.Output.LocalDir) == "" {
		return fmt.Errorf("output.local_dir is required when upload is disabled")
	}

	if c.Compression.Quality < 1 || c.Compression.Quality > 100 {
		return fmt.Errorf("compression.quality must be between 1 and 100")
	}
	if c.Compression.MaxWidth < 0 || c.Compression.MaxHeight < 0 {
		return fmt.Errorf("compression.max_width and max_height must not be negative")
	}
	if _, err := types.ParseMode(c.Compression.Mode); err != nil {
		return errors.Wrap(err, "compression.mode")
	}
	if _, err := types.ParseFormat(c.Compression.Format); err != nil {
		return errors.Wrap(err, "compression.format")
	}

	if c.Fetch.Timeout.Total < 0 || c.Fetch.Timeout.Connect < 0 || c.Fetch.Timeout.Read < 0 {
		return fmt.Errorf("fetch.timeout must not be negative")
	}
	if c.Storage.Timeout.Total < 0 || c.Storage.Timeout.Connect < 0 || c.Storage.Timeout.Read < 0 {
		return fmt.Errorf("storage.timeout must not be negative")
	}
	if c.Fetch.MaxBytes < 0 {
		return fmt.Errorf("fetch.max_bytes must not be negative")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive")
	}

	return nil
}

// Policy returns the compression policy described by the configuration. A
// disabled compression section yields a high quality JPEG passthrough.
func (c *Config) Policy() types.CompressionPolicy {
	if !c.Compression.Enabled {
		return types.PassthroughPolicy()
	}
	mode, _ := types.ParseMode(c.Compression.Mode)
	format, _ := types.ParseFormat(c.Compression.Format)
	return types.CompressionPolicy{
		Quality:   c.Compression.Quality,
		Optimize:  c.Compression.Optimize,
		MaxWidth:  c.Compression.MaxWidth,
		MaxHeight: c.Compression.MaxHeight,
		Mode:      mode,
		Format:    format,
	}
}

// FetchOptions converts the fetch section for the retriever.
func (c *Config) FetchOptions() retriever.Options {
	return retriever.Options{
		Timeout:        c.Fetch.Timeout.ToFetch(),
		ForbidRedirect: c.Fetch.ForbidRedirect,
		UserAgent:      c.Fetch.UserAgent,
		MaxBytes:       c.Fetch.MaxBytes,
	}
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".config", "image-splitter", "config.yaml")
}

// Timeout is either a single total duration or a connect/read pair. In files
// it is written as a number of seconds, a duration string, or a two element
// list of either.
type Timeout struct {
	Total   time.Duration
	Connect time.Duration
	Read    time.Duration
}

// IsPair reports whether the timeout was given as connect/read.
func (t Timeout) IsPair() bool {
	return t.Connect > 0 || t.Read > 0
}

// ToFetch converts the timeout for the retriever.
func (t Timeout) ToFetch() retriever.Timeout {
	return retriever.Timeout{Total: t.Total, Connect: t.Connect, Read: t.Read}
}

// Budget is the longest a whole operation may take: Total, or connect plus
// read for the pair form. Zero means unbounded.
func (t Timeout) Budget() time.Duration {
	if t.IsPair() {
		return t.Connect + t.Read
	}
	return t.Total
}

func (t Timeout) String() string {
	if t.IsPair() {
		return fmt.Sprintf("[%s, %s]", t.Connect, t.Read)
	}
	return t.Total.String()
}

func (t *Timeout) set(values []string) error {
	ds := make([]time.Duration, len(values))
	for i, v := range values {
		d, err := parseDuration(v)
		if err != nil {
			return err
		}
		ds[i] = d
	}
	switch len(ds) {
	case 1:
		*t = Timeout{Total: ds[0]}
	case 2:
		*t = Timeout{Connect: ds[0], Read: ds[1]}
	default:
		return fmt.Errorf("timeout must be one duration or a [connect, read] pair, got %d values", len(ds))
	}
	return nil
}

// parseDuration accepts seconds ("60", "2.5") or Go durations ("45s").
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative timeout %q", s)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative timeout %q", s)
	}
	return d, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *Timeout) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return t.set([]string{node.Value})
	case yaml.SequenceNode:
		values := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: timeout entries must be scalars", item.Line)
			}
			values = append(values, item.Value)
		}
		return t.set(values)
	}
	return fmt.Errorf("line %d: timeout must be a scalar or a list", node.Line)
}

// MarshalYAML implements yaml.Marshaler.
func (t Timeout) MarshalYAML() (interface{}, error) {
	if t.IsPair() {
		return []string{t.Connect.String(), t.Read.String()}, nil
	}
	return t.Total.String(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timeout) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	scalar := func(v interface{}) (string, error) {
		switch x := v.(type) {
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		case string:
			return x, nil
		}
		return "", fmt.Errorf("timeout entries must be numbers or strings, got %T", v)
	}

	if list, ok := raw.([]interface{}); ok {
		values := make([]string, 0, len(list))
		for _, item := range list {
			s, err := scalar(item)
			if err != nil {
				return err
			}
			values = append(values, s)
		}
		return t.set(values)
	}
	s, err := scalar(raw)
	if err != nil {
		return err
	}
	return t.set([]string{s})
}

// MarshalJSON implements json.Marshaler.
func (t Timeout) MarshalJSON() ([]byte, error) {
	if t.IsPair() {
		return json.Marshal([]string{t.Connect.String(), t.Read.String()})
	}
	return json.Marshal(t.Total.String())
}
