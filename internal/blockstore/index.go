package blockstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/dgraph-io/badger/v2"

	"github.com/roach88/chainscan/internal/chunkstore"
)

var (
	blockPrefix = []byte("b/")
	tipKey      = []byte("tip")
	cursorKey   = []byte("cursor")
)

// entryFixedSize is position (8) + height (4) + header.
const entryFixedSize = 12 + wire.MaxBlockHeaderPayload

// Entry is what the index knows about a stored block.
type Entry struct {
	Pos    chunkstore.Pos
	Height int32
	Header wire.BlockHeader
	Work   *big.Int // cumulative, genesis included
}

// Hash returns the block hash.
func (e *Entry) Hash() chainhash.Hash {
	return e.Header.BlockHash()
}

func blockKey(hash chainhash.Hash) []byte {
	return append(append([]byte(nil), blockPrefix...), hash[:]...)
}

func (e *Entry) marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(entryFixedSize + 32)
	var fixed [12]byte
	binary.BigEndian.PutUint32(fixed[0:4], e.Pos.File)
	binary.BigEndian.PutUint32(fixed[4:8], e.Pos.Offset)
	binary.BigEndian.PutUint32(fixed[8:12], uint32(e.Height))
	buf.Write(fixed[:])
	if err := e.Header.Serialize(&buf); err != nil {
		return nil, err
	}
	buf.Write(e.Work.Bytes())
	return buf.Bytes(), nil
}

func (e *Entry) unmarshal(data []byte) error {
	if len(data) < entryFixedSize {
		return fmt.Errorf("index entry: %d bytes, want at least %d", len(data), entryFixedSize)
	}
	e.Pos = chunkstore.Pos{
		File:   binary.BigEndian.Uint32(data[0:4]),
		Offset: binary.BigEndian.Uint32(data[4:8]),
	}
	e.Height = int32(binary.BigEndian.Uint32(data[8:12]))
	if err := e.Header.Deserialize(bytes.NewReader(data[12:entryFixedSize])); err != nil {
		return fmt.Errorf("index entry header: %w", err)
	}
	e.Work = new(big.Int).SetBytes(data[entryFixedSize:])
	return nil
}

// getEntry returns the indexed entry for hash, or nil.
func getEntry(txn *badger.Txn, hash chainhash.Hash) (*Entry, error) {
	item, err := txn.Get(blockKey(hash))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	e := &Entry{}
	if err := e.unmarshal(val); err != nil {
		return nil, err
	}
	return e, nil
}

func getHash(txn *badger.Txn, key []byte) (*chainhash.Hash, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return chainhash.NewHash(val)
}

func getCursor(txn *badger.Txn) (chunkstore.Pos, error) {
	item, err := txn.Get(cursorKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return chunkstore.Begin, nil
	}
	if err != nil {
		return chunkstore.Pos{}, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return chunkstore.Pos{}, err
	}
	return chunkstore.ParsePos(string(val))
}
