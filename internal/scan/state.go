package scan

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/roach88/chainscan/internal/chain"
	"github.com/roach88/chainscan/internal/ledger"
)

// BlockFetcher retrieves full blocks. It may prune the block to what
// matches searchData, and returns a nil block when nothing in it is of
// interest.
type BlockFetcher interface {
	FetchBlock(ctx context.Context, hash chainhash.Hash, searchData [][]byte) (*wire.MsgBlock, error)
}

// Coins are candidate incomes found in one transaction. Outputs keep their
// index; a nil output is not a candidate.
type Coins struct {
	TxID    chainhash.Hash
	Outputs []*wire.TxOut
}

// Matcher decides what belongs to the watched wallet.
type Matcher interface {
	// ScannedPushData returns the patterns a fetcher should look for.
	ScannedPushData() [][]byte
	// FindSpent returns every previous output the block spends that the
	// matcher considers watched. Used as an independent double-spend check.
	FindSpent(block *wire.MsgBlock) []wire.OutPoint
	// ScanCoins returns the watched outputs created by the block.
	ScanCoins(block *wire.MsgBlock, height int32) []Coins
}

// ChainSource is the authoritative chain.
type ChainSource interface {
	FindFork(local *chain.View) *chain.Block
	GetBlock(height int32) *chain.Block
	Blocks(reverse bool) iter.Seq[*chain.Block]
}

// Committer groups the log appends of one commit so they persist together
// or not at all. store.Store implements it.
type Committer interface {
	InTx(ctx context.Context, fn func() error) error
}

// State binds a matcher, a chain view and a ledger. Process brings the
// view and the ledger up to date with an authoritative chain.
type State struct {
	matcher          Matcher
	view             *chain.View
	ledger           *ledger.Ledger
	startHeight      int32
	checkDoubleSpend bool
	logger           *slog.Logger
	sessions         SessionGenerator
	committer        Committer
	lastAbort        *AbortError
}

// Option configures a State.
type Option func(*State)

// WithCheckDoubleSpend enables the matcher based double-spend guard.
func WithCheckDoubleSpend(enabled bool) Option {
	return func(s *State) {
		s.checkDoubleSpend = enabled
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *State) {
		s.logger = logger
	}
}

// WithSessionGenerator sets the session id generator. Defaults to
// UUIDv7Generator.
func WithSessionGenerator(g SessionGenerator) Option {
	return func(s *State) {
		s.sessions = g
	}
}

// WithCommitter makes commits atomic across the chain view and ledger
// logs. Without one the logs are appended to one after the other.
func WithCommitter(c Committer) Option {
	return func(s *State) {
		s.committer = c
	}
}

// NewState returns a scan state. A fresh view is seeded at startHeight on
// the first Process.
func NewState(m Matcher, view *chain.View, l *ledger.Ledger, startHeight int32, opts ...Option) (*State, error) {
	if m == nil {
		return nil, errors.New("scan: nil matcher")
	}
	if view == nil || l == nil {
		return nil, errors.New("scan: nil chain view or ledger")
	}
	s := &State{
		matcher:     m,
		view:        view,
		ledger:      l,
		startHeight: startHeight,
		logger:      slog.Default(),
		sessions:    UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// View returns the committed chain view.
func (s *State) View() *chain.View {
	return s.view
}

// Ledger returns the committed ledger.
func (s *State) Ledger() *ledger.Ledger {
	return s.ledger
}

// StartHeight returns the height a fresh view is seeded at.
func (s *State) StartHeight() int32 {
	return s.startHeight
}

// LastAbort returns why the last Process call returned false without an
// error, or nil.
func (s *State) LastAbort() *AbortError {
	return s.lastAbort
}

// Close releases the chain view and ledger logs.
func (s *State) Close() error {
	return errors.Join(s.ledger.Close(), s.view.Close())
}

// run is the working copy of one Process call.
type run struct {
	*State
	session string
	logger  *slog.Logger
	view    *chain.View
	ledger  *ledger.Ledger
}

func (r *run) abort(code AbortCode, height int32, err error, format string, args ...any) (bool, error) {
	r.lastAbort = &AbortError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Session: r.session,
		Height:  height,
		Err:     err,
	}
	r.logger.Warn("scan aborted", "code", string(code), "height", height, "error", r.lastAbort)
	return false, nil
}

// Process scans main from the fork with the local view up to its tip.
//
// Work happens on clones of the view and the ledger. On success everything
// they recorded is appended to the committed logs and true is returned. A
// consistency violation (double spend, rejected ledger entry, header that
// does not connect) returns false with a nil error; fetch, storage and
// context errors return false with the error. Either way nothing is
// committed. With a Committer a failed commit leaves the logs untouched as
// well.
//
// A block the fetcher returns as nil records no entries but its header
// still extends the working view. Leaving the tip behind would make the
// next block's header fail to connect.
func (s *State) Process(ctx context.Context, main ChainSource, fetcher BlockFetcher) (bool, error) {
	s.lastAbort = nil
	session := s.sessions.Generate()
	r := &run{
		State:   s,
		session: session,
		logger:  s.logger.With("session", session),
		view:    s.view.Clone(),
		ledger:  s.ledger.Clone(),
	}
	defer r.view.Close()
	defer r.ledger.Close()

	chainSave := r.view.Changes().Position()
	ledgerSave := r.ledger.Log().Position()

	fresh := false
	if !r.view.Initialized() {
		first := main.GetBlock(s.startHeight)
		if first == nil {
			return false, fmt.Errorf("scan: authoritative chain has no block at start height %d", s.startHeight)
		}
		if err := r.view.Initialize(first.Header, first.Height); err != nil {
			return false, fmt.Errorf("scan: seed chain view: %w", err)
		}
		fresh = true
	}

	fork := main.FindFork(r.view)
	if fork == nil {
		return r.abort(ErrCodeNoFork, -1, nil, "local tip %s not on authoritative chain", r.view.Tip())
	}
	r.logger.Info("scan started",
		"tip", r.view.Height(),
		"fork", fork.Height,
		"authoritative_tip", heightOf(main),
		"fresh", fresh,
	)

	if tip := r.view.Tip(); fork.Hash != tip.Hash {
		if ok, err := r.rewind(fork); !ok || err != nil {
			return ok, err
		}
	}

	for _, b := range replaySet(main, fork, fresh) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if ok, err := r.scanBlock(ctx, b, fetcher); !ok || err != nil {
			return ok, err
		}
	}

	if err := s.commit(ctx, r, chainSave, ledgerSave); err != nil {
		return false, err
	}
	r.logger.Info("scan committed",
		"tip", s.view.Height(),
		"unspent", len(s.ledger.Unspent()),
		"balance", int64(s.ledger.Balance()),
	)
	return true, nil
}

// rewind neutralizes the entries of blocks above fork, newest first, and
// moves the working tip back to fork. Lock and Unlock entries are kept.
func (r *run) rewind(fork *chain.Block) (bool, error) {
	orphaned := map[chainhash.Hash]struct{}{}
	for b := range r.view.Blocks(true) {
		if b.Height <= fork.Height {
			break
		}
		orphaned[b.Hash] = struct{}{}
	}

	entries := r.ledger.InBlocks(orphaned)
	neutralized := 0
	for _, e := range slices.Backward(entries) {
		if e.Reason == ledger.Lock || e.Reason == ledger.Unlock {
			continue
		}
		if err := r.ledger.Push(e.Neutralize()); err != nil {
			return r.ledgerFailure(fork.Height, err, "neutralize %s of %s", e.Reason, e.Spendable.OutPoint)
		}
		neutralized++
	}

	if err := r.view.SetTip(r.view.ByHash(fork.Hash)); err != nil {
		return false, fmt.Errorf("scan: rewind chain view to %s: %w", fork, err)
	}
	r.logger.Info("fork detected",
		"fork", fork.Height,
		"orphaned_blocks", len(orphaned),
		"neutralized", neutralized,
	)
	return true, nil
}

// replaySet returns the blocks of main above fork in ascending height
// order, led by fork itself for a freshly seeded view.
func replaySet(main ChainSource, fork *chain.Block, fresh bool) []*chain.Block {
	var blocks []*chain.Block
	for b := range main.Blocks(true) {
		if b.Hash == fork.Hash {
			break
		}
		blocks = append(blocks, b)
	}
	if fresh {
		blocks = append(blocks, fork)
	}
	slices.Reverse(blocks)
	return blocks
}

func (r *run) scanBlock(ctx context.Context, b *chain.Block, fetcher BlockFetcher) (bool, error) {
	search := r.matcher.ScannedPushData()
	for _, u := range r.ledger.Unspent() {
		search = append(search, ledger.OutPointKey(u.OutPoint))
	}

	full, err := fetcher.FetchBlock(ctx, b.Hash, search)
	if err != nil {
		return false, fmt.Errorf("scan: fetch block %s: %w", b, err)
	}
	if full == nil {
		r.logger.Debug("block skipped", "height", b.Height)
		return r.extend(b)
	}

	var outcomes []*ledger.Entry
	for sp := range FindSpent(full, r.ledger.Unspent()) {
		outcomes = append(outcomes, ledger.NewOutcome(b.Hash, sp))
	}

	if r.checkDoubleSpend {
		covered := make(map[wire.OutPoint]struct{}, len(outcomes))
		for _, e := range outcomes {
			covered[e.Spendable.OutPoint] = struct{}{}
		}
		for _, op := range r.matcher.FindSpent(full) {
			if _, ok := covered[op]; !ok {
				return r.abort(ErrCodeDoubleSpend, b.Height, nil, "%s spent by block %s is not an unspent coin", op, b.Hash)
			}
		}
	}

	for _, e := range outcomes {
		if err := r.ledger.Push(e); err != nil {
			return r.ledgerFailure(b.Height, err, "outcome %s", e.Spendable.OutPoint)
		}
	}

	incomes := 0
	for _, coins := range r.matcher.ScanCoins(full, b.Height) {
		for i, out := range coins.Outputs {
			if out == nil {
				continue
			}
			sp := ledger.Spendable{
				OutPoint: wire.OutPoint{Hash: coins.TxID, Index: uint32(i)},
				TxOut:    *out,
			}
			if err := r.ledger.Push(ledger.NewIncome(b.Hash, sp)); err != nil {
				return r.ledgerFailure(b.Height, err, "income %s", sp.OutPoint)
			}
			incomes++
		}
	}

	r.logger.Debug("block scanned",
		"height", b.Height,
		"outcomes", len(outcomes),
		"incomes", incomes,
	)
	return r.extend(b)
}

// extend appends b's header to the working view.
func (r *run) extend(b *chain.Block) (bool, error) {
	_, err := r.view.GetOrAdd(b.Header)
	if errors.Is(err, chain.ErrNotConnected) || errors.Is(err, chain.ErrNotInitialized) {
		return r.abort(ErrCodeChainRejected, b.Height, err, "header %s does not extend %s", b.Hash, r.view.Tip())
	}
	if err != nil {
		return false, fmt.Errorf("scan: extend chain view with %s: %w", b, err)
	}
	return true, nil
}

// ledgerFailure turns a rejected entry into an abort and anything else into
// an error.
func (r *run) ledgerFailure(height int32, err error, format string, args ...any) (bool, error) {
	if errors.Is(err, ledger.ErrRejected) {
		return r.abort(ErrCodeLedgerRejected, height, err, format, args...)
	}
	return false, fmt.Errorf("scan: %s: %w", fmt.Sprintf(format, args...), err)
}

// commit appends what the working copies recorded since their save points
// to the committed logs, then rebuilds the committed state from them. When
// the append fails the state is rebuilt from what the logs still hold.
func (s *State) commit(ctx context.Context, r *run, chainSave, ledgerSave int64) error {
	appendAll := func() error {
		if err := r.ledger.Log().GoTo(ledgerSave); err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
		if err := s.ledger.Log().CopyFrom(r.ledger.Log()); err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
		if err := r.view.Changes().GoTo(chainSave); err != nil {
			return fmt.Errorf("chain view: %w", err)
		}
		if err := s.view.Changes().CopyFrom(r.view.Changes()); err != nil {
			return fmt.Errorf("chain view: %w", err)
		}
		return nil
	}

	var err error
	if s.committer != nil {
		err = s.committer.InTx(ctx, appendAll)
	} else {
		err = appendAll()
	}
	if err != nil {
		return errors.Join(fmt.Errorf("scan: commit: %w", err), s.reload())
	}
	return s.reload()
}

// reload folds the committed logs into the committed view and ledger.
func (s *State) reload() error {
	if err := s.ledger.Process(); err != nil {
		return fmt.Errorf("scan: reload ledger: %w", err)
	}
	if err := s.view.Process(); err != nil {
		return fmt.Errorf("scan: reload chain view: %w", err)
	}
	return nil
}

func heightOf(main ChainSource) int32 {
	for b := range main.Blocks(true) {
		return b.Height
	}
	return -1
}

// FindSpent yields, in transaction and input order, every coin of among
// that a non-coinbase input of block spends. Each coin is yielded at most
// once. The lookup map is private to the iteration.
func FindSpent(block *wire.MsgBlock, among []ledger.Spendable) iter.Seq[ledger.Spendable] {
	return func(yield func(ledger.Spendable) bool) {
		owned := make(map[wire.OutPoint]ledger.Spendable, len(among))
		for _, sp := range among {
			owned[sp.OutPoint] = sp
		}
		for _, tx := range block.Transactions {
			if blockchain.IsCoinBaseTx(tx) {
				continue
			}
			for _, in := range tx.TxIn {
				sp, ok := owned[in.PreviousOutPoint]
				if !ok {
					continue
				}
				delete(owned, in.PreviousOutPoint)
				if !yield(sp) {
					return
				}
			}
		}
	}
}
