package recordlog

import (
	"errors"
	"fmt"
	"io"
	"iter"
)

var (
	// ErrInvalidArgument is returned when a nil record is written.
	ErrInvalidArgument = errors.New("recordlog: invalid argument")

	// ErrInvalidState is returned when a write is attempted before the log
	// was read to exhaustion, or when a core reports exhaustion while its
	// EOF flag is still false.
	ErrInvalidState = errors.New("recordlog: invalid state")
)

// Record is a value that can be encoded into a log.
type Record interface {
	Serialize(w io.Writer) error
	Deserialize(r io.Reader) error
}

// RecordPtr constrains P to a pointer to T implementing Record.
type RecordPtr[T any] interface {
	*T
	Record
}

// Core is the storage-specific half of a Log. Cores do not enforce the
// read-before-write discipline; Log does.
type Core[P any] interface {
	// ReadNextCore returns the next record, or a nil P when exhausted.
	ReadNextCore() (P, error)
	// WriteNextCore appends p at the cursor.
	WriteNextCore(p P) error
	// EOF reports whether the cursor is past the last record.
	EOF() bool
	// Rewind moves the cursor to the first record.
	Rewind() error
	// Position is an opaque save point for GoTo.
	Position() int64
	// GoTo moves the cursor to a position previously returned by Position.
	GoTo(pos int64) error
	Close() error
}

// Log is a cursor over a single stream of records. Records are read until
// the log is exhausted, after which more records may be appended.
type Log[T any, P RecordPtr[T]] struct {
	core Core[P]
}

// New wraps a core.
func New[T any, P RecordPtr[T]](core Core[P]) *Log[T, P] {
	return &Log[T, P]{core: core}
}

// ReadNext returns the next record or nil once the log is exhausted.
func (l *Log[T, P]) ReadNext() (P, error) {
	p, err := l.core.ReadNextCore()
	if err != nil {
		return nil, err
	}
	if p == nil && !l.core.EOF() {
		return nil, fmt.Errorf("%w: no record left but not at end", ErrInvalidState)
	}
	return p, nil
}

// WriteNext appends p. The log must be at its end.
func (l *Log[T, P]) WriteNext(p P) error {
	if p == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidArgument)
	}
	if !l.core.EOF() {
		return fmt.Errorf("%w: write before end of log", ErrInvalidState)
	}
	return l.core.WriteNextCore(p)
}

// EOF reports whether every record has been read.
func (l *Log[T, P]) EOF() bool {
	return l.core.EOF()
}

// Rewind moves back to the first record.
func (l *Log[T, P]) Rewind() error {
	return l.core.Rewind()
}

// Position returns a save point.
func (l *Log[T, P]) Position() int64 {
	return l.core.Position()
}

// GoTo returns to a save point.
func (l *Log[T, P]) GoTo(pos int64) error {
	return l.core.GoTo(pos)
}

// All yields the remaining records from the cursor on. The sequence is
// single-pass; iterate again after Rewind.
func (l *Log[T, P]) All() iter.Seq2[P, error] {
	return func(yield func(P, error) bool) {
		for {
			p, err := l.ReadNext()
			if err != nil {
				yield(nil, err)
				return
			}
			if p == nil {
				return
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

// CopyFrom appends every remaining record of src to l.
func (l *Log[T, P]) CopyFrom(src *Log[T, P]) error {
	for p, err := range src.All() {
		if err != nil {
			return fmt.Errorf("copy: %w", err)
		}
		if err := l.WriteNext(p); err != nil {
			return fmt.Errorf("copy: %w", err)
		}
	}
	return nil
}

// Close releases the underlying storage.
func (l *Log[T, P]) Close() error {
	return l.core.Close()
}
