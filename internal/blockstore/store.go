package blockstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/dgraph-io/badger/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/chainscan/internal/chain"
	"github.com/roach88/chainscan/internal/chunkstore"
	"github.com/roach88/chainscan/internal/ledger"
	"github.com/roach88/chainscan/internal/scan"
)

var (
	// ErrNotFound is returned for blocks the store does not hold.
	ErrNotFound = errors.New("blockstore: block not found")
	// ErrOrphan is returned when appending a block whose parent is unknown.
	ErrOrphan = errors.New("blockstore: parent block unknown")
)

// DefaultCacheSize is the number of decoded blocks kept in memory.
const DefaultCacheSize = 64

// IndexDirName is the default index directory inside the store directory.
const IndexDirName = "index"

// Config describes a block store.
type Config struct {
	Dir         string
	Prefix      string // defaults to "blk"
	Extension   string
	MaxFileSize uint32
	LockTimeout time.Duration
	IndexDir    string // defaults to Dir/index
	CacheSize   int    // defaults to DefaultCacheSize
	Params      *chaincfg.Params
	Logger      *slog.Logger
}

// Store holds full blocks of one network.
type Store struct {
	params *chaincfg.Params
	chunks *chunkstore.Store[wire.MsgBlock, *wire.MsgBlock]
	index  *badger.DB
	cache  *lru.Cache[chainhash.Hash, *wire.MsgBlock]
	logger *slog.Logger
}

var _ scan.BlockFetcher = (*Store)(nil)

// Open creates the store directories if needed, opens the index and
// indexes whatever the chunk files hold beyond it.
func Open(cfg Config) (*Store, error) {
	if cfg.Params == nil {
		return nil, errors.New("blockstore: nil network params")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "blk"
	}
	if cfg.IndexDir == "" {
		cfg.IndexDir = filepath.Join(cfg.Dir, IndexDirName)
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	chunks, err := chunkstore.New[wire.MsgBlock](chunkstore.Config{
		Dir:         cfg.Dir,
		Prefix:      cfg.Prefix,
		Extension:   cfg.Extension,
		MaxFileSize: cfg.MaxFileSize,
		Magic:       cfg.Params.Net,
		LockTimeout: cfg.LockTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("blockstore: %w", err)
	}
	// badger does not create parent directories.
	if err := os.MkdirAll(cfg.IndexDir, 0o755); err != nil {
		return nil, fmt.Errorf("blockstore: create index dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("blockstore: create store dir: %w", err)
	}

	db, err := badger.Open(badger.DefaultOptions(cfg.IndexDir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("blockstore: open index: %w", err)
	}
	cache, err := lru.New[chainhash.Hash, *wire.MsgBlock](cfg.CacheSize)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("blockstore: cache: %w", err)
	}

	s := &Store{
		params: cfg.Params,
		chunks: chunks,
		index:  db,
		cache:  cache,
		logger: logger.With("dir", cfg.Dir),
	}
	if _, err := s.Sync(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the index.
func (s *Store) Close() error {
	return s.index.Close()
}

// Chunks exposes the underlying chunk store.
func (s *Store) Chunks() *chunkstore.Store[wire.MsgBlock, *wire.MsgBlock] {
	return s.chunks
}

func (s *Store) genesis() *Entry {
	return &Entry{
		Header: s.params.GenesisBlock.Header,
		Work:   blockchain.CalcWork(s.params.GenesisBlock.Header.Bits),
	}
}

// lookup returns the entry for hash, synthesizing one for the genesis
// block, which is never stored.
func (s *Store) lookup(txn *badger.Txn, hash chainhash.Hash) (*Entry, error) {
	if hash == *s.params.GenesisHash {
		return s.genesis(), nil
	}
	return getEntry(txn, hash)
}

// Lookup returns the index entry for hash, or ErrNotFound.
func (s *Store) Lookup(hash chainhash.Hash) (*Entry, error) {
	var e *Entry
	err := s.index.View(func(txn *badger.Txn) error {
		var err error
		e, err = s.lookup(txn, hash)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("blockstore: lookup %s: %w", hash, err)
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return e, nil
}

// Has reports whether the store holds hash.
func (s *Store) Has(hash chainhash.Hash) bool {
	_, err := s.Lookup(hash)
	return err == nil
}

// Tip returns the entry of the block with the most cumulative work.
func (s *Store) Tip() (*Entry, error) {
	var tip *Entry
	err := s.index.View(func(txn *badger.Txn) error {
		hash, err := getHash(txn, tipKey)
		if err != nil || hash == nil {
			tip = s.genesis()
			return err
		}
		tip, err = getEntry(txn, *hash)
		if err == nil && tip == nil {
			err = fmt.Errorf("tip %s not indexed", hash)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("blockstore: tip: %w", err)
	}
	return tip, nil
}

// Append stores block unless it is already known. Its parent must be known.
func (s *Store) Append(block *wire.MsgBlock) (chunkstore.Pos, error) {
	hash := block.BlockHash()
	if e, err := s.Lookup(hash); err == nil {
		return e.Pos, nil
	}
	if !s.Has(block.Header.PrevBlock) {
		return chunkstore.Pos{}, fmt.Errorf("%w: %s has parent %s", ErrOrphan, hash, block.Header.PrevBlock)
	}
	pos, err := s.chunks.Append(block)
	if err != nil {
		return chunkstore.Pos{}, fmt.Errorf("blockstore: append %s: %w", hash, err)
	}
	if _, err := s.Sync(); err != nil {
		return pos, err
	}
	s.cache.Add(hash, block)
	return pos, nil
}

// Sync indexes the records appended to the chunk files since the index
// cursor and returns how many blocks were added.
func (s *Store) Sync() (int, error) {
	var cursor chunkstore.Pos
	err := s.index.View(func(txn *badger.Txn) error {
		var err error
		cursor, err = getCursor(txn)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("blockstore: read cursor: %w", err)
	}

	added := 0
	for rec, err := range s.chunks.Enumerate(chunkstore.Range{Begin: cursor, End: chunkstore.End}) {
		if err != nil {
			return added, fmt.Errorf("blockstore: sync from %s: %w", cursor, err)
		}
		ok, err := s.indexRecord(rec)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	if added > 0 {
		s.logger.Debug("index synced", "from", cursor.String(), "added", added)
	}
	return added, nil
}

// indexRecord adds rec to the index and moves the cursor past it. Known
// blocks and orphans only move the cursor.
func (s *Store) indexRecord(rec chunkstore.Stored[*wire.MsgBlock]) (bool, error) {
	hash := rec.Item.BlockHash()
	added := false
	err := s.index.Update(func(txn *badger.Txn) error {
		if err := txn.Set(cursorKey, []byte(rec.Next().String())); err != nil {
			return err
		}
		known, err := s.lookup(txn, hash)
		if err != nil || known != nil {
			return err
		}
		parent, err := s.lookup(txn, rec.Item.Header.PrevBlock)
		if err != nil {
			return err
		}
		if parent == nil {
			s.logger.Warn("orphan block not indexed", "hash", hash.String(), "pos", rec.Pos.String())
			return nil
		}

		e := &Entry{
			Pos:    rec.Pos,
			Height: parent.Height + 1,
			Header: rec.Item.Header,
			Work:   new(big.Int).Add(parent.Work, blockchain.CalcWork(rec.Item.Header.Bits)),
		}
		val, err := e.marshal()
		if err != nil {
			return err
		}
		if err := txn.Set(blockKey(hash), val); err != nil {
			return err
		}
		added = true

		tipHash, err := getHash(txn, tipKey)
		if err != nil {
			return err
		}
		tip := s.genesis()
		if tipHash != nil {
			if tip, err = getEntry(txn, *tipHash); err != nil {
				return err
			}
		}
		if tip == nil || e.Work.Cmp(tip.Work) > 0 {
			return txn.Set(tipKey, hash[:])
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("blockstore: index %s at %s: %w", hash, rec.Pos, err)
	}
	return added, nil
}

// Reindex drops the index and rebuilds it from the chunk files.
func (s *Store) Reindex() (int, error) {
	if err := s.index.DropAll(); err != nil {
		return 0, fmt.Errorf("blockstore: drop index: %w", err)
	}
	s.cache.Purge()
	n, err := s.Sync()
	if err != nil {
		return n, err
	}
	s.logger.Info("index rebuilt", "blocks", n)
	return n, nil
}

// Get returns the block with the given hash. The returned block may be
// shared with other callers and must not be modified.
func (s *Store) Get(hash chainhash.Hash) (*wire.MsgBlock, error) {
	if hash == *s.params.GenesisHash {
		return s.params.GenesisBlock, nil
	}
	if b, ok := s.cache.Get(hash); ok {
		return b, nil
	}
	e, err := s.Lookup(hash)
	if err != nil {
		return nil, err
	}
	rec, err := s.chunks.ReadAt(e.Pos)
	if err != nil {
		return nil, fmt.Errorf("blockstore: read %s at %s: %w", hash, e.Pos, err)
	}
	if got := rec.Item.BlockHash(); got != hash {
		return nil, fmt.Errorf("blockstore: index points %s at %s holding %s", hash, e.Pos, got)
	}
	s.cache.Add(hash, rec.Item)
	return rec.Item, nil
}

// Chain returns the best chain the store knows, from genesis to the tip,
// as an in-memory view.
func (s *Store) Chain() (*chain.View, error) {
	tip, err := s.Tip()
	if err != nil {
		return nil, err
	}

	headers := make([]wire.BlockHeader, tip.Height)
	err = s.index.View(func(txn *badger.Txn) error {
		e := tip
		for i := tip.Height - 1; i >= 0; i-- {
			headers[i] = e.Header
			parent, err := getEntry(txn, e.Header.PrevBlock)
			if err != nil {
				return err
			}
			if parent == nil {
				if i == 0 && e.Header.PrevBlock == *s.params.GenesisHash {
					break
				}
				return fmt.Errorf("%w: %s", ErrNotFound, e.Header.PrevBlock)
			}
			e = parent
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blockstore: walk chain: %w", err)
	}

	v := chain.NewMemory()
	if err := v.Initialize(s.params.GenesisBlock.Header, 0); err != nil {
		return nil, fmt.Errorf("blockstore: chain: %w", err)
	}
	for _, h := range headers {
		if _, err := v.GetOrAdd(h); err != nil {
			return nil, fmt.Errorf("blockstore: chain: %w", err)
		}
	}
	return v, nil
}

// FetchBlock returns the stored block for hash when it may concern
// searchData, and nil otherwise. A block concerns searchData when an output
// script contains a datum, an input spends an outpoint whose key is a datum,
// or an input reveals data whose hash160 is a datum.
func (s *Store) FetchBlock(ctx context.Context, hash chainhash.Hash, searchData [][]byte) (*wire.MsgBlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	block, err := s.Get(hash)
	if err != nil {
		return nil, err
	}
	if !Concerns(block, searchData) {
		return nil, nil
	}
	return block, nil
}

// Concerns reports whether any transaction of block matches searchData.
func Concerns(block *wire.MsgBlock, searchData [][]byte) bool {
	if len(searchData) == 0 {
		return false
	}
	keys := make(map[string]struct{}, len(searchData))
	for _, d := range searchData {
		keys[string(d)] = struct{}{}
	}
	for _, tx := range block.Transactions {
		for _, out := range tx.TxOut {
			for _, d := range searchData {
				if len(d) > 0 && bytes.Contains(out.PkScript, d) {
					return true
				}
			}
		}
		if blockchain.IsCoinBaseTx(tx) {
			continue
		}
		for _, in := range tx.TxIn {
			if _, ok := keys[string(ledger.OutPointKey(in.PreviousOutPoint))]; ok {
				return true
			}
			if revealsAny(in, keys) {
				return true
			}
		}
	}
	return false
}

func revealsAny(in *wire.TxIn, keys map[string]struct{}) bool {
	pushes, err := txscript.PushedData(in.SignatureScript)
	if err != nil {
		pushes = nil
	}
	for _, d := range append(pushes, in.Witness...) {
		if _, ok := keys[string(btcutil.Hash160(d))]; ok {
			return true
		}
	}
	return false
}
