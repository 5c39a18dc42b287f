package chain

import (
	"errors"
	"fmt"
	"iter"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/roach88/chainscan/internal/recordlog"
)

var (
	// ErrNotInitialized is returned by operations that need a tip.
	ErrNotInitialized = errors.New("chain: view not initialized")
	// ErrNotConnected is returned when a header does not build on the tip.
	ErrNotConnected = errors.New("chain: header does not connect to tip")
	// ErrUnknownBlock is returned when a block is not part of the view.
	ErrUnknownBlock = errors.New("chain: unknown block")
)

// Block is a header placed in a view.
type Block struct {
	Header wire.BlockHeader
	Hash   chainhash.Hash
	Height int32
}

func newBlock(h wire.BlockHeader, height int32) *Block {
	return &Block{Header: h, Hash: h.BlockHash(), Height: height}
}

func (b *Block) String() string {
	return fmt.Sprintf("%d:%s", b.Height, b.Hash)
}

// ChangeLog is the record log a view persists its changes to.
type ChangeLog = recordlog.Log[Change, *Change]

// View is a contiguous run of headers, from a base height up to a tip,
// backed by a change log. Every mutation is written to the log before it
// is applied.
type View struct {
	changes *ChangeLog
	blocks  []*Block
	index   map[chainhash.Hash]*Block
}

// New returns a view over changes after folding every change already in it.
func New(changes *ChangeLog) (*View, error) {
	v := &View{changes: changes}
	if err := v.Process(); err != nil {
		return nil, err
	}
	return v, nil
}

// NewMemory returns an empty view over an in-memory log.
func NewMemory() *View {
	return &View{changes: recordlog.NewMemory[Change](), index: map[chainhash.Hash]*Block{}}
}

// Process rebuilds the view by folding the whole change log. The log is
// left at its end, ready for new changes.
func (v *View) Process() error {
	if err := v.changes.Rewind(); err != nil {
		return fmt.Errorf("chain: rewind: %w", err)
	}
	v.blocks = nil
	v.index = map[chainhash.Hash]*Block{}
	for c, err := range v.changes.All() {
		if err != nil {
			return fmt.Errorf("chain: read change: %w", err)
		}
		if err := v.apply(c); err != nil {
			return fmt.Errorf("chain: replay %s change at height %d: %w", c.Kind, c.Height, err)
		}
	}
	return nil
}

// check reports whether c can be applied to the current state.
func (v *View) check(c *Change) error {
	switch c.Kind {
	case ChangeInit:
		return nil
	case ChangeAdd:
		tip := v.Tip()
		if tip == nil {
			return ErrNotInitialized
		}
		if c.Header.PrevBlock != tip.Hash {
			return ErrNotConnected
		}
		return nil
	case ChangeSetTip:
		b := v.GetBlock(c.Height)
		if b == nil || b.Hash != c.Header.BlockHash() {
			return ErrUnknownBlock
		}
		return nil
	default:
		return fmt.Errorf("unknown change kind %d", c.Kind)
	}
}

func (v *View) apply(c *Change) error {
	if err := v.check(c); err != nil {
		return err
	}
	switch c.Kind {
	case ChangeInit:
		b := newBlock(c.Header, c.Height)
		v.blocks = []*Block{b}
		v.index = map[chainhash.Hash]*Block{b.Hash: b}
	case ChangeAdd:
		b := newBlock(c.Header, v.Tip().Height+1)
		v.blocks = append(v.blocks, b)
		v.index[b.Hash] = b
	case ChangeSetTip:
		cut := int(c.Height-v.blocks[0].Height) + 1
		for _, orphan := range v.blocks[cut:] {
			delete(v.index, orphan.Hash)
		}
		v.blocks = v.blocks[:cut:cut]
	}
	return nil
}

func (v *View) record(c *Change) error {
	if err := v.check(c); err != nil {
		return err
	}
	if err := v.changes.WriteNext(c); err != nil {
		return fmt.Errorf("chain: write %s change: %w", c.Kind, err)
	}
	return v.apply(c)
}

// Initialized reports whether the view has a tip.
func (v *View) Initialized() bool {
	return len(v.blocks) > 0
}

// Initialize resets the view to a single header at height.
func (v *View) Initialize(h wire.BlockHeader, height int32) error {
	return v.record(&Change{Kind: ChangeInit, Height: height, Header: h})
}

// Tip returns the highest block, or nil for an uninitialized view.
func (v *View) Tip() *Block {
	if len(v.blocks) == 0 {
		return nil
	}
	return v.blocks[len(v.blocks)-1]
}

// Height returns the tip height, or -1 for an uninitialized view.
func (v *View) Height() int32 {
	if tip := v.Tip(); tip != nil {
		return tip.Height
	}
	return -1
}

// GetBlock returns the block at height, or nil if the view does not cover
// it.
func (v *View) GetBlock(height int32) *Block {
	if len(v.blocks) == 0 {
		return nil
	}
	i := int(height) - int(v.blocks[0].Height)
	if i < 0 || i >= len(v.blocks) {
		return nil
	}
	return v.blocks[i]
}

// ByHash returns the block with the given hash, or nil.
func (v *View) ByHash(hash chainhash.Hash) *Block {
	return v.index[hash]
}

// Contains reports whether hash is part of the view.
func (v *View) Contains(hash chainhash.Hash) bool {
	_, ok := v.index[hash]
	return ok
}

// SetTip rewinds the view so that b becomes its tip.
func (v *View) SetTip(b *Block) error {
	if b == nil {
		return ErrUnknownBlock
	}
	return v.record(&Change{Kind: ChangeSetTip, Height: b.Height, Header: b.Header})
}

// GetOrAdd returns the block for h, appending it on top of the tip if the
// view does not have it yet.
func (v *View) GetOrAdd(h wire.BlockHeader) (*Block, error) {
	if b := v.ByHash(h.BlockHash()); b != nil {
		return b, nil
	}
	if err := v.record(&Change{Kind: ChangeAdd, Height: v.Height() + 1, Header: h}); err != nil {
		return nil, err
	}
	return v.Tip(), nil
}

// Blocks yields the blocks of the view in ascending height order, or from
// the tip down when reverse is set.
func (v *View) Blocks(reverse bool) iter.Seq[*Block] {
	return func(yield func(*Block) bool) {
		n := len(v.blocks)
		for i := range n {
			j := i
			if reverse {
				j = n - 1 - i
			}
			if !yield(v.blocks[j]) {
				return
			}
		}
	}
}

// FindFork returns the highest block of local that v also contains, as a
// block of v. It returns nil when the two views share nothing.
func (v *View) FindFork(local *View) *Block {
	for b := range local.Blocks(true) {
		if own := v.ByHash(b.Hash); own != nil {
			return own
		}
	}
	return nil
}

// Clone copies the current state into a view over a fresh in-memory log.
// The clone's log starts empty, so everything it records afterwards can be
// copied back with CopyFrom.
func (v *View) Clone() *View {
	c := &View{
		changes: recordlog.NewMemory[Change](),
		blocks:  make([]*Block, len(v.blocks)),
		index:   make(map[chainhash.Hash]*Block, len(v.index)),
	}
	for i, b := range v.blocks {
		cp := *b
		c.blocks[i] = &cp
		c.index[cp.Hash] = &cp
	}
	return c
}

// Changes returns the underlying change log.
func (v *View) Changes() *ChangeLog {
	return v.changes
}

// Close releases the change log.
func (v *View) Close() error {
	return v.changes.Close()
}
