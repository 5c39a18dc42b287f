package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chainscan/internal/blockstore"
	"github.com/roach88/chainscan/internal/chunkstore"
	"github.com/roach88/chainscan/internal/testutil"
)

var owner = testutil.NewKey(1)

// fixture is a configuration file next to a block store holding a regtest
// chain that pays the owner 5000 satoshis at height 2.
type fixture struct {
	dir     string
	config  string
	chain   *testutil.Chain
	funding *wire.MsgTx
}

func newFixture(t *testing.T, watch ...string) *fixture {
	t.Helper()
	dir := t.TempDir()

	var cfg strings.Builder
	cfg.WriteString("network: regtest\nstore:\n  dir: blocks\n  max_file_size: 4096\n  lock_timeout_ms: 200\n")
	if len(watch) > 0 {
		cfg.WriteString("scan:\n  watch:\n")
		for _, w := range watch {
			fmt.Fprintf(&cfg, "    - %s\n", w)
		}
	}
	path := filepath.Join(dir, "chainscan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg.String()), 0o644))

	funding := wire.NewMsgTx(wire.TxVersion)
	funding.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{0xf0}}, nil, nil))
	funding.AddTxOut(owner.Pay(5000))

	c := testutil.NewChain()
	c.MineEmpty(1)
	c.Mine(funding)
	c.MineEmpty(1)

	f := &fixture{dir: dir, config: path, chain: c, funding: funding}
	f.store(t, c.Blocks()[1:]...)
	return f
}

func (f *fixture) store(t *testing.T, blocks ...*wire.MsgBlock) {
	t.Helper()
	s, err := blockstore.Open(blockstore.Config{
		Dir:         filepath.Join(f.dir, "blocks"),
		MaxFileSize: 4096,
		Params:      testutil.Params,
	})
	require.NoError(t, err)
	defer s.Close()
	for _, b := range blocks {
		_, err := s.Append(b)
		require.NoError(t, err)
	}
}

func (f *fixture) run(args ...string) (string, error) {
	return execute(append([]string{"--config", f.config}, args...)...)
}

func execute(args ...string) (string, error) {
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func decodeData(t *testing.T, out string, data any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, data))
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "chainscan", cmd.Use)

	for _, name := range []string{"config", "enumerate", "import", "reindex", "tip", "scan", "ledger"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, DefaultConfigPath, configFlag.DefValue)

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	f := newFixture(t)
	_, err := f.run("tip", "--format", "yaml")
	assert.ErrorContains(t, err, "invalid format")
}

func TestConfigCommand(t *testing.T) {
	f := newFixture(t)
	out, err := f.run("config")
	require.NoError(t, err)
	assert.Contains(t, out, "network: regtest")
	assert.Contains(t, out, "dir: "+filepath.Join(f.dir, "blocks"))
	assert.Contains(t, out, "max_file_size: 4096")
}

func TestMissingConfig(t *testing.T) {
	out, err := execute("--config", filepath.Join(t.TempDir(), "missing.yaml"), "tip")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E002]")
}

func TestEnumerateCommand(t *testing.T) {
	f := newFixture(t)

	out, err := f.run("enumerate")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "0-0 "), lines[0])
	assert.Contains(t, lines[1], f.chain.Block(2).BlockHash().String())
	assert.Contains(t, lines[1], "txs=2")

	out, err = f.run("enumerate", "--limit", "1", "--format", "json")
	require.NoError(t, err)
	var result EnumerateResult
	decodeData(t, out, &result)
	require.Len(t, result.Records, 1)
	assert.Equal(t, f.chain.Block(1).BlockHash().String(), result.Records[0].Hash)
	assert.NotEmpty(t, result.Next)

	out, err = f.run("enumerate", "--from", result.Next, "--format", "json")
	require.NoError(t, err)
	decodeData(t, out, &result)
	assert.Len(t, result.Records, 2)
}

func TestEnumerateCommand_ToBoundary(t *testing.T) {
	f := newFixture(t)

	out, err := f.run("enumerate", "--format", "json")
	require.NoError(t, err)
	var all EnumerateResult
	decodeData(t, out, &all)
	require.Len(t, all.Records, 3)

	out, err = f.run("enumerate", "--to", all.Records[1].Pos, "--format", "json")
	require.NoError(t, err)
	var bounded EnumerateResult
	decodeData(t, out, &bounded)
	require.Len(t, bounded.Records, 1, "a record starting at --to is not listed")
	assert.Equal(t, all.Records[0].Pos, bounded.Records[0].Pos)

	out, err = f.run("enumerate", "--from", all.Records[1].Pos, "--format", "json")
	require.NoError(t, err)
	decodeData(t, out, &bounded)
	require.Len(t, bounded.Records, 2, "the record at --from is listed")
	assert.Equal(t, all.Records[1].Pos, bounded.Records[0].Pos)
}

func TestEnumerateCommand_BadPosition(t *testing.T) {
	f := newFixture(t)
	_, err := f.run("enumerate", "--from", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTipCommand(t *testing.T) {
	f := newFixture(t, owner.Address().EncodeAddress())

	out, err := f.run("tip")
	require.NoError(t, err)
	assert.Contains(t, out, "store   3 "+f.chain.Tip().BlockHash().String())
	assert.Contains(t, out, "scanned none")

	_, err = f.run("scan")
	require.NoError(t, err)

	out, err = f.run("tip", "--format", "json")
	require.NoError(t, err)
	var tip TipResult
	decodeData(t, out, &tip)
	require.NotNil(t, tip.Scanned)
	assert.Equal(t, int32(3), tip.Scanned.Height)
	assert.Zero(t, tip.Behind)
}

func TestScanCommand(t *testing.T) {
	f := newFixture(t, owner.Address().EncodeAddress())

	out, err := f.run("scan", "--format", "json")
	require.NoError(t, err)
	var result ScanResult
	decodeData(t, out, &result)
	assert.True(t, result.Committed)
	assert.Equal(t, int32(3), result.Height)
	assert.Equal(t, 1, result.Unspent)
	assert.Equal(t, int64(5000), result.Balance)

	out, err = f.run("ledger")
	require.NoError(t, err)
	coin := testutil.OutPoint(f.funding, 0)
	assert.Contains(t, out, "#0 income  "+f.chain.Block(2).BlockHash().String()+" "+coin.String()+" amount=5000")
	assert.Contains(t, out, "unspent "+coin.String()+" value=5000")
	assert.Contains(t, out, "balance 5000")

	out, err = f.run("scan", "--format", "json")
	require.NoError(t, err)
	decodeData(t, out, &result)
	assert.Equal(t, 1, result.Unspent, "a second scan finds nothing new")
}

func TestScanCommand_Reorg(t *testing.T) {
	f := newFixture(t, owner.Address().EncodeAddress())
	_, err := f.run("scan")
	require.NoError(t, err)

	fork := f.chain.Fork(1)
	fork.MineEmpty(3)
	f.store(t, fork.Blocks()[2:]...)

	_, err = f.run("scan")
	require.NoError(t, err)

	out, err := f.run("ledger", "--format", "json")
	require.NoError(t, err)
	var result LedgerResult
	decodeData(t, out, &result)
	require.Len(t, result.Entries, 2)
	assert.Equal(t, "outcome", result.Entries[1].Reason)
	assert.True(t, result.Entries[1].Neutralized)
	assert.Empty(t, result.Unspent)
	assert.Zero(t, result.Balance)
}

func TestScanCommand_Abort(t *testing.T) {
	f := newFixture(t, owner.Address().EncodeAddress())
	stray := owner.Spend(wire.OutPoint{Hash: chainhash.Hash{0xee}}, testutil.NewKey(2).Pay(1))
	f.chain.Mine(stray)
	f.store(t, f.chain.Tip())

	out, err := f.run("scan")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E005]")

	out, err = f.run("ledger", "--format", "json")
	require.NoError(t, err)
	var result LedgerResult
	decodeData(t, out, &result)
	assert.Empty(t, result.Entries, "an aborted scan commits nothing")
}

func TestScanCommand_NoWatchList(t *testing.T) {
	f := newFixture(t)
	_, err := f.run("scan")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = f.run("scan", "--watch", owner.Address().EncodeAddress())
	require.NoError(t, err)
}

func TestScanCommand_BadAddress(t *testing.T) {
	f := newFixture(t)
	out, err := f.run("scan", "--watch", "not-an-address")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E002]")
}

func TestImportCommand(t *testing.T) {
	f := newFixture(t)
	src := t.TempDir()
	source, err := chunkstore.New[wire.MsgBlock](chunkstore.Config{
		Dir:         src,
		Prefix:      "blk",
		MaxFileSize: 1 << 20,
		Magic:       testutil.Params.Net,
	})
	require.NoError(t, err)

	more := f.chain.Fork(f.chain.Height())
	more.MineEmpty(2)
	orphan := wire.NewMsgBlock(&wire.BlockHeader{PrevBlock: chainhash.Hash{0x99}})
	orphan.AddTransaction(testutil.Coinbase(1, 99))
	// Child before parent, a known block and a block nothing connects to.
	_, err = source.AppendAll(more.Block(5), more.Block(4), f.chain.Block(1), orphan)
	require.NoError(t, err)

	out, err := f.run("import", src, "--format", "json")
	require.NoError(t, err)
	var result ImportResult
	decodeData(t, out, &result)
	assert.Equal(t, ImportResult{
		Read:      4,
		Imported:  2,
		Known:     1,
		Orphans:   1,
		TipHeight: 5,
		TipHash:   more.Tip().BlockHash().String(),
	}, result)
}

func TestReindexCommand(t *testing.T) {
	f := newFixture(t)
	out, err := f.run("reindex")
	require.NoError(t, err)
	assert.Contains(t, out, "indexed 3 blocks")
	assert.Contains(t, out, "tip 3 "+f.chain.Tip().BlockHash().String())
}
