package native

import (
	"flag"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	defaultLineTableCacheSize = 64
	defaultScopeCacheSize     = 64
)

// Config controls how sessions locate and index debug information.
type Config struct {
	// SearchPaths are directories probed for a companion PDB after the
	// path embedded in the executable and the executable's own directory.
	SearchPaths []string `yaml:"search_paths"`
	// VerifySignature rejects companion PDBs whose GUID and age do not
	// match the executable's CodeView record.
	VerifySignature bool `yaml:"verify_signature"`
	// LineTableCacheSize bounds the number of per-compiland line indices
	// kept in memory.
	LineTableCacheSize int `yaml:"line_table_cache_size"`
	// ScopeCacheSize bounds the number of per-compiland address indices
	// kept in memory.
	ScopeCacheSize int `yaml:"scope_cache_size"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		VerifySignature:    true,
		LineTableCacheSize: defaultLineTableCacheSize,
		ScopeCacheSize:     defaultScopeCacheSize,
	}
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.Func("pdb.search-path", "Directory to search for companion PDB files. May be repeated.", func(s string) error {
		for _, p := range filepath.SplitList(s) {
			if p = strings.TrimSpace(p); p != "" {
				cfg.SearchPaths = append(cfg.SearchPaths, p)
			}
		}
		return nil
	})
	f.BoolVar(&cfg.VerifySignature, "pdb.verify-signature", true, "Require the companion PDB GUID and age to match the executable.")
	f.IntVar(&cfg.LineTableCacheSize, "pdb.line-table-cache-size", defaultLineTableCacheSize, "Number of per-compiland line tables kept in memory.")
	f.IntVar(&cfg.ScopeCacheSize, "pdb.scope-cache-size", defaultScopeCacheSize, "Number of per-compiland address indices kept in memory.")
}

func (cfg *Config) Validate() error {
	if cfg.LineTableCacheSize < 1 {
		return fmt.Errorf("invalid line-table-cache-size value %d, must be positive", cfg.LineTableCacheSize)
	}
	if cfg.ScopeCacheSize < 1 {
		return fmt.Errorf("invalid scope-cache-size value %d, must be positive", cfg.ScopeCacheSize)
	}
	for _, p := range cfg.SearchPaths {
		if p == "" {
			return errors.New("empty search path")
		}
	}
	return nil
}

// ParseConfig decodes a YAML document on top of DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to parse config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Option configures a Session.
type Option func(*options)

type options struct {
	cfg    Config
	logger log.Logger
	reg    prometheus.Registerer
	fs     afero.Fs
}

func newOptions(opts []Option) options {
	o := options{
		cfg:    DefaultConfig(),
		logger: log.NewNopLogger(),
		fs:     afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithLogger sets the logger. Sessions are silent by default.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegisterer registers the session metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.reg = reg
	}
}

// WithFs sets the filesystem used to read executables and PDB files.
func WithFs(fs afero.Fs) Option {
	return func(o *options) {
		o.fs = fs
	}
}
