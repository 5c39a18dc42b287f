package store

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/chainscan/internal/recordlog"
)

// sqlCore is a recordlog.Core over one stream. The cursor is the seq of the
// last record read or written; Position returns it.
type sqlCore[T any, P recordlog.RecordPtr[T]] struct {
	store  *Store
	stream string
	cursor int64
	last   int64
}

// OpenLog registers stream if needed and returns a log over it, positioned
// at its first record. The log shares the store's connection and must not
// outlive it. Writes made inside Store.InTx belong to that transaction.
func OpenLog[T any, P recordlog.RecordPtr[T]](s *Store, stream string) (*recordlog.Log[T, P], error) {
	if stream == "" {
		return nil, errors.New("open log: empty stream name")
	}
	if _, err := s.conn().Exec(`INSERT INTO streams (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, stream); err != nil {
		return nil, fmt.Errorf("open log %s: %w", stream, err)
	}
	c := &sqlCore[T, P]{store: s, stream: stream}
	if err := c.resync(s.conn()); err != nil {
		return nil, fmt.Errorf("open log %s: %w", stream, err)
	}
	s.logs = append(s.logs, c)
	return recordlog.New[T, P](c), nil
}

// resync reloads the last seq of the stream and pulls the cursor back
// inside it.
func (c *sqlCore[T, P]) resync(q querier) error {
	var last sql.NullInt64
	if err := q.QueryRow(`SELECT MAX(seq) FROM records WHERE stream = ?`, c.stream).Scan(&last); err != nil {
		return fmt.Errorf("resync %s: %w", c.stream, err)
	}
	c.last = last.Int64
	c.cursor = min(c.cursor, c.last)
	return nil
}

func (c *sqlCore[T, P]) ReadNextCore() (P, error) {
	if c.cursor >= c.last {
		return nil, nil
	}
	var payload []byte
	err := c.store.conn().QueryRow(`
		SELECT payload FROM records
		WHERE stream = ? AND seq = ?
	`, c.stream, c.cursor+1).Scan(&payload)
	if err != nil {
		return nil, fmt.Errorf("read %s/%d: %w", c.stream, c.cursor+1, err)
	}
	p := P(new(T))
	if err := p.Deserialize(bytes.NewReader(payload)); err != nil {
		return nil, fmt.Errorf("decode %s/%d: %w", c.stream, c.cursor+1, err)
	}
	c.cursor++
	return p, nil
}

func (c *sqlCore[T, P]) WriteNextCore(p P) error {
	var buf bytes.Buffer
	if err := p.Serialize(&buf); err != nil {
		return fmt.Errorf("encode %s: %w", c.stream, err)
	}
	_, err := c.store.conn().Exec(`
		INSERT INTO records (stream, seq, payload)
		VALUES (?, ?, ?)
	`, c.stream, c.cursor+1, buf.Bytes())
	if err != nil {
		return fmt.Errorf("write %s/%d: %w", c.stream, c.cursor+1, err)
	}
	c.cursor++
	c.last = max(c.last, c.cursor)
	return nil
}

func (c *sqlCore[T, P]) EOF() bool {
	return c.cursor >= c.last
}

func (c *sqlCore[T, P]) Rewind() error {
	c.cursor = 0
	return nil
}

func (c *sqlCore[T, P]) Position() int64 {
	return c.cursor
}

func (c *sqlCore[T, P]) GoTo(pos int64) error {
	if pos < 0 || pos > c.last {
		return fmt.Errorf("goto %s/%d: outside [0, %d]", c.stream, pos, c.last)
	}
	c.cursor = pos
	return nil
}

// Close detaches the log from the store; the connection belongs to the
// Store.
func (c *sqlCore[T, P]) Close() error {
	c.store.logs = slices.DeleteFunc(c.store.logs, func(l resyncer) bool {
		return l == resyncer(c)
	})
	return nil
}
