package chunkstore

import (
	"bufio"
	"bytes"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/roach88/chainscan/internal/filelock"
)

// Record is an item that can live in a chunk file.
// *wire.MsgBlock satisfies it.
type Record interface {
	Serialize(w io.Writer) error
	Deserialize(r io.Reader) error
	SerializeSize() int
}

// RecordPtr constrains P to a pointer to T implementing Record, so the
// store can allocate fresh items when decoding.
type RecordPtr[T any] interface {
	*T
	Record
}

// headerSize is magic (4 bytes) + payload size (4 bytes).
const headerSize = 8

// LockFileName is the name of the lock and cursor-hint file inside a store
// directory.
const LockFileName = "StoreLock"

// DefaultLockTimeout matches the busy timeout used by the SQLite state store.
const DefaultLockTimeout = 5 * time.Second

// Stored is an item together with the position it was read from or written
// to. Only the store creates Stored values.
type Stored[P any] struct {
	Magic wire.BitcoinNet
	Pos   Pos
	Size  uint32 // payload size, excluding the header
	Item  P
}

// StorageSize is the number of bytes the record occupies on disk.
func (s Stored[P]) StorageSize() uint32 {
	return headerSize + s.Size
}

// Next is the position right after this record.
func (s Stored[P]) Next() Pos {
	return Pos{File: s.Pos.File, Offset: s.Pos.Offset + s.StorageSize()}
}

// Config describes a store directory.
type Config struct {
	Dir         string
	Prefix      string
	Extension   string // without the dot; defaults to "dat"
	MaxFileSize uint32
	Magic       wire.BitcoinNet
	LockTimeout time.Duration // defaults to DefaultLockTimeout
	Logger      *slog.Logger
}

// nameRe constrains the prefix and extension of chunk file names.
var nameRe = regexp.MustCompile(`^[a-z0-9]*$`)

// Store maps an unbounded sequence of records onto numbered files of
// bounded size.
//
// Writers are serialized by an exclusive flock on the StoreLock file, which
// also holds the position of the next append. Readers going through
// Enumerate take a shared lock.
type Store[T any, P RecordPtr[T]] struct {
	cfg    Config
	re     *regexp.Regexp
	logger *slog.Logger
}

// New validates cfg and returns a store over cfg.Dir. The directory is not
// created; a missing directory surfaces as an IO error on first use.
func New[T any, P RecordPtr[T]](cfg Config) (*Store[T, P], error) {
	if cfg.Dir == "" {
		return nil, errors.New("chunkstore: empty directory")
	}
	if cfg.MaxFileSize == 0 {
		return nil, errors.New("chunkstore: max file size must be positive")
	}
	if cfg.Extension == "" {
		cfg.Extension = "dat"
	}
	if !nameRe.MatchString(cfg.Prefix) || !nameRe.MatchString(cfg.Extension) {
		return nil, fmt.Errorf("chunkstore: file prefix %q and extension %q must be lowercase ASCII letters and digits", cfg.Prefix, cfg.Extension)
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	re, err := regexp.Compile("^" + regexp.QuoteMeta(cfg.Prefix) + `([0-9]{5})\.` + regexp.QuoteMeta(cfg.Extension) + "$")
	if err != nil {
		return nil, fmt.Errorf("chunkstore: file pattern: %w", err)
	}
	return &Store[T, P]{cfg: cfg, re: re, logger: logger}, nil
}

// Config returns the effective configuration.
func (s *Store[T, P]) Config() Config {
	return s.cfg
}

// FileName returns the name of the chunk file with the given index.
func (s *Store[T, P]) FileName(index uint32) string {
	return fmt.Sprintf("%s%05d.%s", s.cfg.Prefix, index, s.cfg.Extension)
}

func (s *Store[T, P]) filePath(index uint32) string {
	return filepath.Join(s.cfg.Dir, s.FileName(index))
}

func (s *Store[T, P]) lockPath() string {
	return filepath.Join(s.cfg.Dir, LockFileName)
}

// fileIndex parses the index out of a chunk file name.
func (s *Store[T, P]) fileIndex(name string) (uint32, bool) {
	m := s.re.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	var idx uint32
	for _, c := range m[1] {
		idx = idx*10 + uint32(c-'0')
	}
	return idx, true
}

type chunkFile struct {
	index uint32
	path  string
}

// files lists matching chunk files in ascending index order.
func (s *Store[T, P]) files() ([]chunkFile, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, ioError("list", s.cfg.Dir, err)
	}
	var files []chunkFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, ok := s.fileIndex(e.Name())
		if !ok {
			continue
		}
		files = append(files, chunkFile{index: idx, path: filepath.Join(s.cfg.Dir, e.Name())})
	}
	slices.SortFunc(files, func(a, b chunkFile) int {
		return cmp.Compare(a.index, b.index)
	})
	return files, nil
}

// Enumerate yields every record in r whose magic matches the store's
// network, in (file, offset) order. A shared lock is held until the
// iteration ends.
func (s *Store[T, P]) Enumerate(r Range) iter.Seq2[Stored[P], error] {
	return func(yield func(Stored[P], error) bool) {
		lock, err := filelock.Acquire(s.lockPath(), filelock.Shared, s.cfg.LockTimeout)
		if err != nil {
			yield(Stored[P]{}, s.lockError("enumerate", s.lockPath(), err))
			return
		}
		defer lock.Release()

		for rec, err := range s.EnumerateFolder(r) {
			if err != nil {
				yield(Stored[P]{}, err)
				return
			}
			if rec.Magic != s.cfg.Magic {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// EnumerateFolder yields every record of every matching file inside r
// without locking or filtering. Missing indices are skipped.
func (s *Store[T, P]) EnumerateFolder(r Range) iter.Seq2[Stored[P], error] {
	return func(yield func(Stored[P], error) bool) {
		files, err := s.files()
		if err != nil {
			yield(Stored[P]{}, err)
			return
		}
		for _, f := range files {
			if !r.Contains(f.index) {
				continue
			}
			for rec, err := range s.EnumerateFile(f.path, f.index, r) {
				if !yield(rec, err) || err != nil {
					return
				}
			}
		}
	}
}

// EnumerateFile reads records of a single chunk file, starting at the
// clipped range begin. It stops at end of file or once the position after a
// record reaches the clipped range end.
func (s *Store[T, P]) EnumerateFile(path string, index uint32, r Range) iter.Seq2[Stored[P], error] {
	return func(yield func(Stored[P], error) bool) {
		clipped, ok := r.Clip(index)
		if !ok {
			return
		}
		f, err := os.Open(path)
		if err != nil {
			yield(Stored[P]{}, ioError("open", path, err))
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			yield(Stored[P]{}, ioError("stat", path, err))
			return
		}
		size := info.Size()
		offset := int64(clipped.Begin.Offset)
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			yield(Stored[P]{}, ioError("seek", path, err))
			return
		}

		br := bufio.NewReader(f)
		for offset < size {
			rec, err := s.readRecord(br, Pos{File: index, Offset: uint32(offset)})
			if err != nil {
				yield(Stored[P]{}, corruptError("read", path, err))
				return
			}
			if !yield(rec, nil) {
				return
			}
			offset += int64(rec.StorageSize())
			if offset >= int64(clipped.End.Offset) {
				return
			}
		}
	}
}

// ReadAt decodes the single record stored at pos.
func (s *Store[T, P]) ReadAt(pos Pos) (Stored[P], error) {
	for rec, err := range s.EnumerateFile(s.filePath(pos.File), pos.File, Range{Begin: pos, End: pos}) {
		return rec, err
	}
	return Stored[P]{}, ioError("read", s.filePath(pos.File), fmt.Errorf("no record at %s", pos))
}

func (s *Store[T, P]) readRecord(r io.Reader, pos Pos) (Stored[P], error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Stored[P]{}, fmt.Errorf("header at %s: %w", pos, err)
	}
	rec := Stored[P]{
		Magic: wire.BitcoinNet(binary.LittleEndian.Uint32(hdr[0:4])),
		Pos:   pos,
		Size:  binary.LittleEndian.Uint32(hdr[4:8]),
		Item:  P(new(T)),
	}
	payload := io.LimitReader(r, int64(rec.Size))
	if err := rec.Item.Deserialize(payload); err != nil {
		return Stored[P]{}, fmt.Errorf("payload at %s: %w", pos, err)
	}
	// Skip whatever the decoder left so the next header stays aligned.
	if _, err := io.Copy(io.Discard, payload); err != nil {
		return Stored[P]{}, fmt.Errorf("payload at %s: %w", pos, err)
	}
	return rec, nil
}

// Write serializes stored at its position. The target file is opened
// read-write (created if needed) and exclusively locked for the duration of
// the write. Callers coordinate the position through Append.
func (s *Store[T, P]) Write(stored Stored[P]) error {
	if stored.Item == nil {
		return errors.New("chunkstore: write nil item")
	}
	path := s.filePath(stored.Pos.File)

	var buf bytes.Buffer
	buf.Grow(headerSize + stored.Item.SerializeSize())
	buf.Write(make([]byte, headerSize))
	if err := stored.Item.Serialize(&buf); err != nil {
		return fmt.Errorf("chunkstore: serialize: %w", err)
	}
	data := buf.Bytes()
	binary.LittleEndian.PutUint32(data[0:4], uint32(stored.Magic))
	binary.LittleEndian.PutUint32(data[4:8], uint32(len(data)-headerSize))

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return ioError("write", path, err)
	}
	defer f.Close()
	if err := filelock.TryLock(f, filelock.Exclusive); err != nil {
		return s.lockError("write", path, err)
	}
	if _, err := f.WriteAt(data, int64(stored.Pos.Offset)); err != nil {
		return ioError("write", path, err)
	}
	if err := f.Sync(); err != nil {
		return ioError("sync", path, err)
	}
	return nil
}

// CreateFile creates the chunk file for index if it does not exist yet.
// Existing content is left untouched.
func (s *Store[T, P]) CreateFile(index uint32) (string, error) {
	path := s.filePath(index)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", ioError("create", path, err)
	}
	return path, f.Close()
}

// SeekEnd returns the end of the highest indexed chunk file, or Begin when
// the directory holds none.
func (s *Store[T, P]) SeekEnd() (Pos, error) {
	files, err := s.files()
	if err != nil {
		return Pos{}, err
	}
	if len(files) == 0 {
		return Begin, nil
	}
	last := files[len(files)-1]
	info, err := os.Stat(last.path)
	if err != nil {
		return Pos{}, ioError("stat", last.path, err)
	}
	return Pos{File: last.index, Offset: uint32(info.Size())}, nil
}

// hintedEnd reads the append position from the lock file, falling back to
// SeekEnd when the hint is absent or unreadable.
func (s *Store[T, P]) hintedEnd(lock *filelock.Lock) (Pos, error) {
	hint, err := lock.ReadString()
	if err != nil {
		return Pos{}, ioError("read hint", s.lockPath(), err)
	}
	if hint == "" {
		return s.SeekEnd()
	}
	pos, err := ParsePos(hint)
	if err != nil {
		s.logger.Warn("malformed store cursor, scanning directory",
			"dir", s.cfg.Dir,
			"hint", hint,
			"error", err,
		)
		return s.SeekEnd()
	}
	return pos, nil
}

// Append writes item after the last record and returns the position used.
// A record never straddles two files: if it does not fit in the current
// file (and the file is not empty) it goes to offset 0 of the next one.
func (s *Store[T, P]) Append(item P) (Pos, error) {
	if item == nil {
		return Pos{}, errors.New("chunkstore: append nil item")
	}
	lock, err := filelock.Acquire(s.lockPath(), filelock.Exclusive, s.cfg.LockTimeout)
	if err != nil {
		return Pos{}, s.lockError("append", s.lockPath(), err)
	}
	defer lock.Release()

	pos, err := s.hintedEnd(lock)
	if err != nil {
		return Pos{}, err
	}

	size := uint32(headerSize + item.SerializeSize())
	if pos.Offset > 0 && uint64(pos.Offset)+uint64(size) > uint64(s.cfg.MaxFileSize) {
		pos = Pos{File: pos.File + 1, Offset: 0}
	}

	stored := Stored[P]{Magic: s.cfg.Magic, Pos: pos, Size: size - headerSize, Item: item}
	if err := s.Write(stored); err != nil {
		return Pos{}, err
	}
	if err := lock.WriteString(stored.Next().String()); err != nil {
		return Pos{}, ioError("write hint", s.lockPath(), err)
	}

	s.logger.Debug("record appended", "dir", s.cfg.Dir, "pos", pos.String(), "size", size)
	return pos, nil
}

// AppendAll appends items one by one. On failure the already appended
// prefix stays durable and the positions written so far are returned.
func (s *Store[T, P]) AppendAll(items ...P) ([]Pos, error) {
	positions := make([]Pos, 0, len(items))
	for _, item := range items {
		pos, err := s.Append(item)
		if err != nil {
			return positions, err
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (s *Store[T, P]) lockError(op, path string, err error) error {
	if errors.Is(err, filelock.ErrLockContention) {
		return &Error{Code: ErrCodeLockContention, Op: op, Path: path, Err: err}
	}
	return ioError(op, path, err)
}
