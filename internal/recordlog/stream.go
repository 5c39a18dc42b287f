package recordlog

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/btcsuite/btcd/wire"
)

// MaxRecordSize bounds a single encoded record.
const MaxRecordSize = wire.MaxMessagePayload

// streamCore stores records back to back in a seekable byte stream, each
// prefixed by its length as a Bitcoin varint.
type streamCore[T any, P RecordPtr[T]] struct {
	rws    io.ReadWriteSeeker
	closer io.Closer
	pos    int64
	size   int64
}

// NewStream returns a log over rws, positioned at its first record. c may
// be nil.
func NewStream[T any, P RecordPtr[T]](rws io.ReadWriteSeeker, c io.Closer) (*Log[T, P], error) {
	size, err := rws.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("recordlog: measure stream: %w", err)
	}
	return New[T, P](&streamCore[T, P]{rws: rws, closer: c, size: size}), nil
}

// OpenFile opens (creating if needed) a file backed log.
func OpenFile[T any, P RecordPtr[T]](path string) (*Log[T, P], error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("recordlog: open %s: %w", path, err)
	}
	l, err := NewStream[T, P](f, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (c *streamCore[T, P]) ReadNextCore() (P, error) {
	if c.pos >= c.size {
		return nil, nil
	}
	if _, err := c.rws.Seek(c.pos, io.SeekStart); err != nil {
		return nil, fmt.Errorf("recordlog: seek: %w", err)
	}
	br := bufio.NewReader(io.LimitReader(c.rws, c.size-c.pos))
	payload, err := wire.ReadVarBytes(br, 0, MaxRecordSize, "record")
	if err != nil {
		return nil, fmt.Errorf("recordlog: read at %d: %w", c.pos, err)
	}
	p := P(new(T))
	if err := p.Deserialize(bytes.NewReader(payload)); err != nil {
		return nil, fmt.Errorf("recordlog: decode at %d: %w", c.pos, err)
	}
	c.pos += int64(wire.VarIntSerializeSize(uint64(len(payload))) + len(payload))
	return p, nil
}

func (c *streamCore[T, P]) WriteNextCore(p P) error {
	var payload bytes.Buffer
	if err := p.Serialize(&payload); err != nil {
		return fmt.Errorf("recordlog: encode: %w", err)
	}
	var framed bytes.Buffer
	if err := wire.WriteVarBytes(&framed, 0, payload.Bytes()); err != nil {
		return fmt.Errorf("recordlog: encode: %w", err)
	}
	if _, err := c.rws.Seek(c.pos, io.SeekStart); err != nil {
		return fmt.Errorf("recordlog: seek: %w", err)
	}
	if _, err := c.rws.Write(framed.Bytes()); err != nil {
		return fmt.Errorf("recordlog: write at %d: %w", c.pos, err)
	}
	if s, ok := c.rws.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			return fmt.Errorf("recordlog: sync: %w", err)
		}
	}
	c.pos += int64(framed.Len())
	c.size = max(c.size, c.pos)
	return nil
}

func (c *streamCore[T, P]) EOF() bool {
	return c.pos >= c.size
}

func (c *streamCore[T, P]) Rewind() error {
	c.pos = 0
	return nil
}

func (c *streamCore[T, P]) Position() int64 {
	return c.pos
}

func (c *streamCore[T, P]) GoTo(pos int64) error {
	if pos < 0 || pos > c.size {
		return fmt.Errorf("recordlog: position %d outside [0, %d]", pos, c.size)
	}
	c.pos = pos
	return nil
}

func (c *streamCore[T, P]) Close() error {
	if c.closer == nil {
		return nil
	}
	err := c.closer.Close()
	c.closer = nil
	return err
}

// memoryCore keeps encoded records in memory. Position is a record index.
type memoryCore[T any, P RecordPtr[T]] struct {
	records [][]byte
	pos     int
}

// NewMemory returns an empty in-memory log.
func NewMemory[T any, P RecordPtr[T]]() *Log[T, P] {
	return New[T, P](&memoryCore[T, P]{})
}

func (c *memoryCore[T, P]) ReadNextCore() (P, error) {
	if c.pos >= len(c.records) {
		return nil, nil
	}
	p := P(new(T))
	if err := p.Deserialize(bytes.NewReader(c.records[c.pos])); err != nil {
		return nil, fmt.Errorf("recordlog: decode record %d: %w", c.pos, err)
	}
	c.pos++
	return p, nil
}

func (c *memoryCore[T, P]) WriteNextCore(p P) error {
	var buf bytes.Buffer
	if err := p.Serialize(&buf); err != nil {
		return fmt.Errorf("recordlog: encode: %w", err)
	}
	c.records = append(c.records[:c.pos], buf.Bytes())
	c.pos++
	return nil
}

func (c *memoryCore[T, P]) EOF() bool {
	return c.pos >= len(c.records)
}

func (c *memoryCore[T, P]) Rewind() error {
	c.pos = 0
	return nil
}

func (c *memoryCore[T, P]) Position() int64 {
	return int64(c.pos)
}

func (c *memoryCore[T, P]) GoTo(pos int64) error {
	if pos < 0 || pos > int64(len(c.records)) {
		return fmt.Errorf("recordlog: position %d outside [0, %d]", pos, len(c.records))
	}
	c.pos = int(pos)
	return nil
}

func (c *memoryCore[T, P]) Close() error {
	return nil
}
