package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("store:\n  dir: blocks\n"))
	require.NoError(t, err)

	assert.Equal(t, "mainnet", cfg.Network)
	assert.Equal(t, "blocks", cfg.Store.Dir)
	assert.Equal(t, "blk", cfg.Store.Prefix)
	assert.Equal(t, "dat", cfg.Store.Extension)
	assert.Equal(t, uint32(128<<20), cfg.Store.MaxFileSize)
	assert.Equal(t, 5*time.Second, cfg.Store.LockTimeout())
	assert.Equal(t, 64, cfg.Store.CacheSize)
	assert.Equal(t, int32(0), cfg.Scan.StartHeight)
	assert.True(t, cfg.Scan.CheckDoubleSpend)
	assert.Empty(t, cfg.Scan.Watch)
}

func TestParse_Full(t *testing.T) {
	cfg, err := Parse([]byte(`
network: regtest
store:
  dir: /var/lib/chainscan
  prefix: rev
  extension: bin
  max_file_size: 1048576
  lock_timeout_ms: 250
  index_dir: /tmp/index
  cache_size: 8
scan:
  start_height: 120
  check_double_spend: false
  state_db: /tmp/state.db
  watch:
    - mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn
    - bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080
`))
	require.NoError(t, err)

	assert.Equal(t, "regtest", cfg.Network)
	assert.Equal(t, StoreConfig{
		Dir:           "/var/lib/chainscan",
		Prefix:        "rev",
		Extension:     "bin",
		MaxFileSize:   1 << 20,
		LockTimeoutMS: 250,
		IndexDir:      "/tmp/index",
		CacheSize:     8,
	}, cfg.Store)
	assert.Equal(t, ScanConfig{
		StartHeight:      120,
		CheckDoubleSpend: false,
		StateDB:          "/tmp/state.db",
		Watch: []string{
			"mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn",
			"bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080",
		},
	}, cfg.Scan)

	params, err := cfg.Params()
	require.NoError(t, err)
	assert.Same(t, &chaincfg.RegressionNetParams, params)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty file", ""},
		{"missing store dir", "network: regtest\n"},
		{"empty store dir", "store:\n  dir: \"\"\n"},
		{"unknown network", "network: litecoin\nstore:\n  dir: x\n"},
		{"unknown top-level key", "store:\n  dir: x\nlogging: debug\n"},
		{"unknown nested key", "store:\n  dir: x\n  max_size: 10\n"},
		{"zero max file size", "store:\n  dir: x\n  max_file_size: 0\n"},
		{"max file size above 4GiB", "store:\n  dir: x\n  max_file_size: 4294967296\n"},
		{"negative start height", "store:\n  dir: x\nscan:\n  start_height: -1\n"},
		{"bad extension", "store:\n  dir: x\n  extension: .dat\n"},
		{"prefix with separator", "store:\n  dir: x\n  prefix: blk-\n"},
		{"non-ascii prefix", "store:\n  dir: x\n  prefix: blé\n"},
		{"empty prefix", "store:\n  dir: x\n  prefix: \"\"\n"},
		{"watch is not a list", "store:\n  dir: x\nscan:\n  watch: abc\n"},
		{"malformed yaml", "store: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParamsFor(t *testing.T) {
	for name, want := range map[string]*chaincfg.Params{
		"mainnet":  &chaincfg.MainNetParams,
		"testnet3": &chaincfg.TestNet3Params,
		"regtest":  &chaincfg.RegressionNetParams,
		"simnet":   &chaincfg.SimNetParams,
		"signet":   &chaincfg.SigNetParams,
	} {
		got, err := ParamsFor(name)
		require.NoError(t, err)
		assert.Same(t, want, got, name)
	}
	_, err := ParamsFor("")
	assert.Error(t, err)
}

func TestLoad_ResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chainscan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  dir: data\nscan:\n  state_db: /abs/state.db\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.Store.Dir)
	assert.Equal(t, filepath.Join(dir, "data", DefaultIndexDir), cfg.Store.IndexDir)
	assert.Equal(t, "/abs/state.db", cfg.Scan.StateDB)
}

func TestLoad_DefaultStateDB(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chainscan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  dir: /srv/blocks\n  index_dir: idx\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "idx"), cfg.Store.IndexDir)
	assert.Equal(t, filepath.Join("/srv/blocks", DefaultStateDB), cfg.Scan.StateDB)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMarshal(t *testing.T) {
	cfg, err := Parse([]byte("network: regtest\nstore:\n  dir: /data/chain\nscan:\n  start_height: 100\n"))
	require.NoError(t, err)

	out, err := cfg.Marshal()
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "effective_config", out)

	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}
