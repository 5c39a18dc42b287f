package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/btcsuite/btcd/chaincfg"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Default file names placed in the store directory when not configured.
const (
	DefaultIndexDir = "index"
	DefaultStateDB  = "chainscan.db"
)

// Config is the effective configuration.
type Config struct {
	Network string      `json:"network" yaml:"network"`
	Store   StoreConfig `json:"store" yaml:"store"`
	Scan    ScanConfig  `json:"scan" yaml:"scan"`
}

// StoreConfig describes the block store.
type StoreConfig struct {
	Dir           string `json:"dir" yaml:"dir"`
	Prefix        string `json:"prefix" yaml:"prefix"`
	Extension     string `json:"extension" yaml:"extension"`
	MaxFileSize   uint32 `json:"max_file_size" yaml:"max_file_size"`
	LockTimeoutMS int64  `json:"lock_timeout_ms" yaml:"lock_timeout_ms"`
	IndexDir      string `json:"index_dir" yaml:"index_dir"`
	CacheSize     int    `json:"cache_size" yaml:"cache_size"`
}

// LockTimeout returns the lock timeout as a duration.
func (s StoreConfig) LockTimeout() time.Duration {
	return time.Duration(s.LockTimeoutMS) * time.Millisecond
}

// ScanConfig describes the wallet scan.
type ScanConfig struct {
	StartHeight      int32    `json:"start_height" yaml:"start_height"`
	CheckDoubleSpend bool     `json:"check_double_spend" yaml:"check_double_spend"`
	StateDB          string   `json:"state_db" yaml:"state_db"`
	Watch            []string `json:"watch" yaml:"watch"`
}

// Params returns the chain parameters of the configured network.
func (c *Config) Params() (*chaincfg.Params, error) {
	return ParamsFor(c.Network)
}

// ParamsFor maps a network name to its chain parameters.
func ParamsFor(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("config: unknown network %q", network)
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.resolve(abs)
	return cfg, nil
}

// Parse validates YAML configuration data against the schema and returns
// it with defaults applied. Paths are left as written.
func Parse(data []byte) (*Config, error) {
	raw := map[string]any{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("invalid configuration: %s", cueerrors.Details(err, nil))
	}
	var cfg Config
	if err := v.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	return &cfg, nil
}

// resolve makes relative paths absolute against base and fills in the
// paths derived from the store directory.
func (c *Config) resolve(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Store.Dir = abs(c.Store.Dir)
	c.Store.IndexDir = abs(c.Store.IndexDir)
	c.Scan.StateDB = abs(c.Scan.StateDB)
	if c.Store.IndexDir == "" {
		c.Store.IndexDir = filepath.Join(c.Store.Dir, DefaultIndexDir)
	}
	if c.Scan.StateDB == "" {
		c.Scan.StateDB = filepath.Join(c.Store.Dir, DefaultStateDB)
	}
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
