package ledger

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/roach88/chainscan/internal/recordlog"
)

// ErrRejected is returned by Push when an entry would corrupt the ledger:
// a coin booked twice, a spend of an untracked coin, or a lock transition
// from the wrong state.
var ErrRejected = errors.New("ledger: entry rejected")

// EntryLog is the record log a ledger persists its entries to.
type EntryLog = recordlog.Log[Entry, *Entry]

// Ledger is an append-only list of entries and the coin state obtained by
// folding them.
type Ledger struct {
	log       *EntryLog
	entries   []*Entry
	cancelled []bool // cancelled[i] is set once entries[i] has been neutralized

	unspent map[wire.OutPoint]Spendable
	locked  map[wire.OutPoint]struct{}
	spent   map[wire.OutPoint]struct{}
	balance btcutil.Amount
}

// New returns a ledger over log after folding every entry already in it.
func New(log *EntryLog) (*Ledger, error) {
	l := &Ledger{log: log}
	if err := l.Process(); err != nil {
		return nil, err
	}
	return l, nil
}

// NewMemory returns an empty ledger over an in-memory log.
func NewMemory() *Ledger {
	l := &Ledger{log: recordlog.NewMemory[Entry]()}
	l.reset()
	return l
}

func (l *Ledger) reset() {
	l.entries = nil
	l.cancelled = nil
	l.unspent = map[wire.OutPoint]Spendable{}
	l.locked = map[wire.OutPoint]struct{}{}
	l.spent = map[wire.OutPoint]struct{}{}
	l.balance = 0
}

// Process rebuilds the state by folding the whole log. The log is left at
// its end.
func (l *Ledger) Process() error {
	if err := l.log.Rewind(); err != nil {
		return fmt.Errorf("ledger: rewind: %w", err)
	}
	l.reset()
	for e, err := range l.log.All() {
		if err != nil {
			return fmt.Errorf("ledger: read entry: %w", err)
		}
		if err := l.check(e); err != nil {
			return fmt.Errorf("ledger: replay entry %d: %w", len(l.entries), err)
		}
		l.apply(e)
	}
	return nil
}

// check validates e against the current state.
func (l *Ledger) check(e *Entry) error {
	op := e.Spendable.OutPoint
	_, unspent := l.unspent[op]
	_, locked := l.locked[op]
	_, spent := l.spent[op]

	switch e.Reason {
	case Income:
		if unspent {
			return fmt.Errorf("%w: %s already unspent", ErrRejected, op)
		}
		if e.Neutralized && !spent {
			return fmt.Errorf("%w: %s was never spent", ErrRejected, op)
		}
		if !e.Neutralized && spent {
			return fmt.Errorf("%w: %s already spent", ErrRejected, op)
		}
	case Outcome:
		if !unspent {
			return fmt.Errorf("%w: %s not unspent", ErrRejected, op)
		}
	case Lock:
		if !unspent || locked {
			return fmt.Errorf("%w: %s cannot be locked", ErrRejected, op)
		}
	case Unlock:
		if !locked {
			return fmt.Errorf("%w: %s not locked", ErrRejected, op)
		}
	default:
		return fmt.Errorf("%w: unknown reason %d", ErrRejected, e.Reason)
	}
	return nil
}

func (l *Ledger) apply(e *Entry) {
	op := e.Spendable.OutPoint
	switch e.Reason {
	case Income:
		l.unspent[op] = e.Spendable
		// Undoing a spend makes the coin spendable again.
		delete(l.spent, op)
	case Outcome:
		delete(l.unspent, op)
		delete(l.locked, op)
		// Undoing a receipt forgets the coin instead of marking it spent.
		if !e.Neutralized {
			l.spent[op] = struct{}{}
		}
	case Lock:
		l.locked[op] = struct{}{}
	case Unlock:
		delete(l.locked, op)
	}
	l.balance += e.Amount

	if e.Neutralized {
		l.cancelLatest(e)
	}
	l.entries = append(l.entries, e)
	l.cancelled = append(l.cancelled, false)
}

// cancelLatest marks the most recent live entry that n neutralizes.
func (l *Ledger) cancelLatest(n *Entry) {
	want := n.Reason.Inverse()
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if l.cancelled[i] || e.Neutralized || e.Reason != want {
			continue
		}
		if e.Block == n.Block && e.Spendable.OutPoint == n.Spendable.OutPoint {
			l.cancelled[i] = true
			return
		}
	}
}

// Push validates e, writes it to the log and applies it. A rejected entry
// returns an error wrapping ErrRejected and leaves the ledger untouched.
func (l *Ledger) Push(e *Entry) error {
	if e == nil {
		return fmt.Errorf("%w: nil entry", ErrRejected)
	}
	if err := l.check(e); err != nil {
		return err
	}
	if err := l.log.WriteNext(e); err != nil {
		return fmt.Errorf("ledger: write entry: %w", err)
	}
	l.apply(e)
	return nil
}

func compareOutPoints(a, b wire.OutPoint) int {
	if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
		return c
	}
	return cmp.Compare(a.Index, b.Index)
}

// Unspent returns every unspent coin, locked ones included, ordered by
// outpoint.
func (l *Ledger) Unspent() []Spendable {
	out := make([]Spendable, 0, len(l.unspent))
	for _, s := range l.unspent {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Spendable) int {
		return compareOutPoints(a.OutPoint, b.OutPoint)
	})
	return out
}

// IsUnspent reports whether op is an unspent coin of the ledger.
func (l *Ledger) IsUnspent(op wire.OutPoint) bool {
	_, ok := l.unspent[op]
	return ok
}

// Locked returns the locked outpoints in order.
func (l *Ledger) Locked() []wire.OutPoint {
	out := make([]wire.OutPoint, 0, len(l.locked))
	for op := range l.locked {
		out = append(out, op)
	}
	slices.SortFunc(out, compareOutPoints)
	return out
}

// Balance is the sum of every entry amount.
func (l *Ledger) Balance() btcutil.Amount {
	return l.balance
}

// Entries returns every entry in the order they were pushed.
func (l *Ledger) Entries() []*Entry {
	return slices.Clone(l.entries)
}

// History returns the entries touching op, oldest first.
func (l *Ledger) History(op wire.OutPoint) []*Entry {
	var out []*Entry
	for _, e := range l.entries {
		if e.Spendable.OutPoint == op {
			out = append(out, e)
		}
	}
	return out
}

// InBlocks returns the live entries recorded against any of blocks, oldest
// first. Neutralizing entries and entries already neutralized are left
// out.
func (l *Ledger) InBlocks(blocks map[chainhash.Hash]struct{}) []*Entry {
	var out []*Entry
	for i, e := range l.entries {
		if e.Neutralized || l.cancelled[i] {
			continue
		}
		if _, ok := blocks[e.Block]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Clone copies the state into a ledger over a fresh in-memory log.
func (l *Ledger) Clone() *Ledger {
	c := &Ledger{
		log:       recordlog.NewMemory[Entry](),
		entries:   slices.Clone(l.entries),
		cancelled: slices.Clone(l.cancelled),
		unspent:   make(map[wire.OutPoint]Spendable, len(l.unspent)),
		locked:    make(map[wire.OutPoint]struct{}, len(l.locked)),
		spent:     make(map[wire.OutPoint]struct{}, len(l.spent)),
		balance:   l.balance,
	}
	for op, s := range l.unspent {
		c.unspent[op] = s
	}
	for op := range l.locked {
		c.locked[op] = struct{}{}
	}
	for op := range l.spent {
		c.spent[op] = struct{}{}
	}
	return c
}

// Log returns the underlying entry log.
func (l *Ledger) Log() *EntryLog {
	return l.log
}

// Close releases the entry log.
func (l *Ledger) Close() error {
	return l.log.Close()
}

// Dump writes one line per entry followed by the unspent set and the
// balance in satoshis.
func (l *Ledger) Dump(w io.Writer) error {
	for i, e := range l.entries {
		flag := ""
		if e.Neutralized {
			flag = " neutralized"
		} else if l.cancelled[i] {
			flag = " cancelled"
		}
		_, err := fmt.Fprintf(w, "#%d %-7s %s %s amount=%d%s\n",
			i, e.Reason, e.Block, e.Spendable.OutPoint, int64(e.Amount), flag)
		if err != nil {
			return err
		}
	}
	for _, s := range l.Unspent() {
		if _, err := fmt.Fprintf(w, "unspent %s value=%d\n", s.OutPoint, s.TxOut.Value); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "balance %d\n", int64(l.balance))
	return err
}
