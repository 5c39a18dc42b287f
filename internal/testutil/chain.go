package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chainscan/internal/chain"
)

// Params are the network parameters generated chains use.
var Params = &chaincfg.RegressionNetParams

// Key is a deterministic test key.
type Key struct {
	Priv *btcec.PrivateKey
	Pub  []byte // compressed
}

// NewKey derives a key whose 32 secret bytes are all seed. seed must not be
// zero.
func NewKey(seed byte) Key {
	priv, pub := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	return Key{Priv: priv, Pub: pub.SerializeCompressed()}
}

// Address returns the key's pay-to-pubkey-hash address on Params.
func (k Key) Address() *btcutil.AddressPubKeyHash {
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(k.Pub), Params)
	if err != nil {
		panic(err)
	}
	return addr
}

// PkScript returns the output script paying the key.
func (k Key) PkScript() []byte {
	script, err := txscript.PayToAddrScript(k.Address())
	if err != nil {
		panic(err)
	}
	return script
}

// Pay returns an output of value paying the key.
func (k Key) Pay(value int64) *wire.TxOut {
	return wire.NewTxOut(value, k.PkScript())
}

// Spend returns a transaction spending prev (which must pay k) to outputs.
// The input carries a real signature.
func (k Key) Spend(prev wire.OutPoint, outputs ...*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&prev, nil, nil))
	for _, out := range outputs {
		tx.AddTxOut(out)
	}
	sig, err := txscript.SignatureScript(tx, 0, k.PkScript(), txscript.SigHashAll, k.Priv, true)
	if err != nil {
		panic(err)
	}
	tx.TxIn[0].SignatureScript = sig
	return tx
}

// Chain builds a regtest block chain on top of the genesis block.
type Chain struct {
	nonces *NonceSource
	blocks []*wire.MsgBlock
}

// NewChain returns a chain holding only the genesis block.
func NewChain() *Chain {
	return &Chain{
		nonces: NewNonceSource(),
		blocks: []*wire.MsgBlock{Params.GenesisBlock},
	}
}

// Fork returns a new chain sharing blocks up to and including height.
// Blocks mined on either chain afterwards differ.
func (c *Chain) Fork(height int32) *Chain {
	return &Chain{
		nonces: c.nonces,
		blocks: append([]*wire.MsgBlock(nil), c.blocks[:height+1]...),
	}
}

// Height returns the tip height.
func (c *Chain) Height() int32 {
	return int32(len(c.blocks) - 1)
}

// Tip returns the highest block.
func (c *Chain) Tip() *wire.MsgBlock {
	return c.blocks[len(c.blocks)-1]
}

// Block returns the block at height.
func (c *Chain) Block(height int32) *wire.MsgBlock {
	return c.blocks[height]
}

// Blocks returns every block, genesis first.
func (c *Chain) Blocks() []*wire.MsgBlock {
	return append([]*wire.MsgBlock(nil), c.blocks...)
}

// Mine appends a block holding a coinbase followed by txs and returns it.
func (c *Chain) Mine(txs ...*wire.MsgTx) *wire.MsgBlock {
	height := c.Height() + 1
	nonce := c.nonces.Next()

	all := append([]*wire.MsgTx{Coinbase(height, nonce)}, txs...)
	wrapped := make([]*btcutil.Tx, len(all))
	for i, tx := range all {
		wrapped[i] = btcutil.NewTx(tx)
	}
	merkle := blockchain.CalcMerkleRoot(wrapped, false)
	prev := c.Tip().BlockHash()

	header := wire.NewBlockHeader(1, &prev, &merkle, Params.PowLimitBits, nonce)
	header.Timestamp = Params.GenesisBlock.Header.Timestamp.Add(time.Duration(height) * 10 * time.Minute)

	block := wire.NewMsgBlock(header)
	for _, tx := range all {
		block.AddTransaction(tx)
	}
	c.blocks = append(c.blocks, block)
	return block
}

// MineEmpty mines n blocks with only a coinbase.
func (c *Chain) MineEmpty(n int) {
	for range n {
		c.Mine()
	}
}

// View returns an in-memory chain view holding every block of c.
func (c *Chain) View(t testing.TB) *chain.View {
	t.Helper()
	v := chain.NewMemory()
	require.NoError(t, v.Initialize(c.blocks[0].Header, 0))
	for _, b := range c.blocks[1:] {
		_, err := v.GetOrAdd(b.Header)
		require.NoError(t, err)
	}
	return v
}

// Coinbase returns a coinbase transaction paying an anyone-can-spend
// output. The extra nonce keeps coinbases of sibling blocks distinct.
func Coinbase(height int32, extraNonce uint32) *wire.MsgTx {
	script, err := txscript.NewScriptBuilder().
		AddInt64(int64(height)).
		AddInt64(int64(extraNonce)).
		Script()
	if err != nil {
		panic(err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: math.MaxUint32},
		SignatureScript:  script,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(50*btcutil.SatoshiPerBitcoin, []byte{txscript.OP_TRUE}))
	return tx
}

// OutPoint returns the outpoint of output index of tx.
func OutPoint(tx *wire.MsgTx, index uint32) wire.OutPoint {
	return wire.OutPoint{Hash: tx.TxHash(), Index: index}
}

// ErrFetch is returned by a MapFetcher told to fail.
var ErrFetch = errors.New("testutil: fetch failed")

// MapFetcher serves blocks from memory and records what it was asked for.
type MapFetcher struct {
	mu     sync.Mutex
	blocks map[chainhash.Hash]*wire.MsgBlock
	skip   map[chainhash.Hash]bool
	fail   map[chainhash.Hash]bool
	calls  []chainhash.Hash
	search [][][]byte
}

// NewMapFetcher returns a fetcher serving blocks.
func NewMapFetcher(blocks ...*wire.MsgBlock) *MapFetcher {
	f := &MapFetcher{
		blocks: map[chainhash.Hash]*wire.MsgBlock{},
		skip:   map[chainhash.Hash]bool{},
		fail:   map[chainhash.Hash]bool{},
	}
	f.Add(blocks...)
	return f
}

// Add serves more blocks.
func (f *MapFetcher) Add(blocks ...*wire.MsgBlock) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range blocks {
		f.blocks[b.BlockHash()] = b
	}
}

// Skip makes the fetcher report nothing of interest for hash.
func (f *MapFetcher) Skip(hash chainhash.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skip[hash] = true
}

// Fail makes the fetcher return ErrFetch for hash.
func (f *MapFetcher) Fail(hash chainhash.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[hash] = true
}

// FetchBlock returns the stored block, or nil when it is skipped.
func (f *MapFetcher) FetchBlock(ctx context.Context, hash chainhash.Hash, searchData [][]byte) (*wire.MsgBlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, hash)
	f.search = append(f.search, searchData)
	if f.fail[hash] {
		return nil, fmt.Errorf("block %s: %w", hash, ErrFetch)
	}
	if f.skip[hash] {
		return nil, nil
	}
	b, ok := f.blocks[hash]
	if !ok {
		return nil, fmt.Errorf("block %s: %w", hash, ErrFetch)
	}
	return b, nil
}

// Calls returns the hashes requested so far.
func (f *MapFetcher) Calls() []chainhash.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chainhash.Hash(nil), f.calls...)
}

// SearchData returns the search data passed with each call.
func (f *MapFetcher) SearchData() [][][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][][]byte(nil), f.search...)
}
