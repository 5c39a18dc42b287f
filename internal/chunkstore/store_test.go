package chunkstore

import (
	"bytes"
	"io"
	"iter"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chainscan/internal/filelock"
)

// blob is a raw byte payload; its stored size is len(data) + 8.
type blob struct {
	data []byte
}

func (b *blob) Serialize(w io.Writer) error {
	_, err := w.Write(b.data)
	return err
}

func (b *blob) Deserialize(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.data = data
	return nil
}

func (b *blob) SerializeSize() int {
	return len(b.data)
}

func newBlob(fill byte, size int) *blob {
	return &blob{data: bytes.Repeat([]byte{fill}, size)}
}

// createTestStore returns a blob store rooted in a fresh temp directory.
func createTestStore(t *testing.T, maxFileSize uint32) *Store[blob, *blob] {
	t.Helper()
	s, err := New[blob](Config{
		Dir:         t.TempDir(),
		Prefix:      "blk",
		MaxFileSize: maxFileSize,
		Magic:       wire.MainNet,
		LockTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	return s
}

func collect[P any](t *testing.T, seq iter.Seq2[Stored[P], error]) []Stored[P] {
	t.Helper()
	var out []Stored[P]
	for rec, err := range seq {
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	_, err := New[blob](Config{MaxFileSize: 10})
	assert.Error(t, err, "empty dir")

	_, err = New[blob](Config{Dir: t.TempDir()})
	assert.Error(t, err, "zero max file size")

	s, err := New[blob](Config{Dir: t.TempDir(), Prefix: "rev", MaxFileSize: 10})
	require.NoError(t, err)
	assert.Equal(t, "dat", s.Config().Extension)
	assert.Equal(t, DefaultLockTimeout, s.Config().LockTimeout)
	assert.Equal(t, "rev00042.dat", s.FileName(42))

	for _, cfg := range []Config{
		{Prefix: "blk-", Extension: "dat"},
		{Prefix: "bl\u00e9", Extension: "dat"},
		{Prefix: "blk", Extension: "DAT"},
		{Prefix: "blk", Extension: "d.t"},
	} {
		cfg.Dir = t.TempDir()
		cfg.MaxFileSize = 10
		_, err := New[blob](cfg)
		assert.Error(t, err, "prefix %q extension %q", cfg.Prefix, cfg.Extension)
	}
}

func TestAppend_RolloverScenario(t *testing.T) {
	s := createTestStore(t, 100)

	// 32-byte payload + 8-byte header = 40 bytes on disk.
	positions, err := s.AppendAll(newBlob(1, 32), newBlob(2, 32), newBlob(3, 32))
	require.NoError(t, err)
	assert.Equal(t, []Pos{{0, 0}, {0, 40}, {1, 0}}, positions)

	info, err := os.Stat(filepath.Join(s.Config().Dir, "blk00000.dat"))
	require.NoError(t, err)
	assert.Equal(t, int64(80), info.Size(), "no record straddles files")

	end, err := s.SeekEnd()
	require.NoError(t, err)
	assert.Equal(t, Pos{1, 40}, end)
}

func TestAppend_OversizedRecordGetsItsOwnFile(t *testing.T) {
	s := createTestStore(t, 100)

	first, err := s.Append(newBlob(1, 200))
	require.NoError(t, err)
	assert.Equal(t, Pos{0, 0}, first, "an empty file always accepts a record")

	second, err := s.Append(newBlob(2, 8))
	require.NoError(t, err)
	assert.Equal(t, Pos{1, 0}, second)
}

func TestWriteRead_RoundTrip(t *testing.T) {
	s := createTestStore(t, 1<<20)

	want := newBlob(0xab, 77)
	pos, err := s.Append(want)
	require.NoError(t, err)

	got, err := s.ReadAt(pos)
	require.NoError(t, err)
	assert.Equal(t, pos, got.Pos)
	assert.Equal(t, wire.MainNet, got.Magic)
	assert.Equal(t, uint32(77), got.Size)
	assert.Equal(t, want.data, got.Item.data)
}

func TestWriteRead_RoundTripBlocks(t *testing.T) {
	s, err := New[wire.MsgBlock](Config{
		Dir:         t.TempDir(),
		Prefix:      "blk",
		MaxFileSize: 1 << 20,
		Magic:       chaincfg.RegressionNetParams.Net,
	})
	require.NoError(t, err)

	genesis := chaincfg.RegressionNetParams.GenesisBlock
	pos, err := s.Append(genesis)
	require.NoError(t, err)

	got, err := s.ReadAt(pos)
	require.NoError(t, err)
	assert.Equal(t, *chaincfg.RegressionNetParams.GenesisHash, got.Item.BlockHash())
	assert.Equal(t, uint32(genesis.SerializeSize()), got.Size)

	var recs []Stored[*wire.MsgBlock]
	for rec, err := range s.Enumerate(All) {
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	require.Len(t, recs, 1)
	assert.Equal(t, genesis.Header.BlockHash(), recs[0].Item.Header.BlockHash())
	assert.NotEqual(t, chainhash.Hash{}, recs[0].Item.Transactions[0].TxHash())
}

func TestEnumerate_AscendingAcrossFiles(t *testing.T) {
	s := createTestStore(t, 1000)

	// Written out of order, with a gap at file 1.
	for _, st := range []Stored[*blob]{
		{Magic: wire.MainNet, Pos: Pos{3, 0}, Size: 4, Item: newBlob(3, 4)},
		{Magic: wire.MainNet, Pos: Pos{0, 0}, Size: 4, Item: newBlob(0, 4)},
		{Magic: wire.MainNet, Pos: Pos{2, 0}, Size: 4, Item: newBlob(2, 4)},
		{Magic: wire.MainNet, Pos: Pos{0, 12}, Size: 4, Item: newBlob(1, 4)},
	} {
		require.NoError(t, s.Write(st))
	}

	recs := collect(t, s.Enumerate(All))
	require.Len(t, recs, 4)
	for i := 1; i < len(recs); i++ {
		assert.True(t, recs[i-1].Pos.Less(recs[i].Pos), "%s before %s", recs[i-1].Pos, recs[i].Pos)
	}
	assert.Equal(t, []byte{0, 0, 0, 0}, recs[0].Item.data)
	assert.Equal(t, []byte{3, 3, 3, 3}, recs[3].Item.data)
}

func TestEnumerate_IgnoresForeignFiles(t *testing.T) {
	s := createTestStore(t, 1000)
	_, err := s.Append(newBlob(1, 4))
	require.NoError(t, err)

	dir := s.Config().Dir
	for _, name := range []string{"blk0001.dat", "blk00001.idx", "xblk00002.dat", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("garbage"), 0o644))
	}

	recs := collect(t, s.Enumerate(All))
	assert.Len(t, recs, 1)
}

func TestEnumerate_FiltersForeignMagic(t *testing.T) {
	s := createTestStore(t, 1000)

	require.NoError(t, s.Write(Stored[*blob]{Magic: wire.MainNet, Pos: Pos{0, 0}, Size: 2, Item: newBlob(1, 2)}))
	require.NoError(t, s.Write(Stored[*blob]{Magic: wire.TestNet3, Pos: Pos{0, 10}, Size: 2, Item: newBlob(2, 2)}))
	require.NoError(t, s.Write(Stored[*blob]{Magic: wire.MainNet, Pos: Pos{0, 20}, Size: 2, Item: newBlob(3, 2)}))

	filtered := collect(t, s.Enumerate(All))
	require.Len(t, filtered, 2)
	assert.Equal(t, Pos{0, 20}, filtered[1].Pos)

	raw := collect(t, s.EnumerateFolder(All))
	assert.Len(t, raw, 3)
}

func TestEnumerate_Range(t *testing.T) {
	s := createTestStore(t, 30)
	// 12 bytes each, two per file.
	positions, err := s.AppendAll(newBlob(1, 4), newBlob(2, 4), newBlob(3, 4), newBlob(4, 4), newBlob(5, 4))
	require.NoError(t, err)
	require.Equal(t, []Pos{{0, 0}, {0, 12}, {1, 0}, {1, 12}, {2, 0}}, positions)

	recs := collect(t, s.Enumerate(Range{Begin: Pos{0, 12}, End: Pos{1, 12}}))
	got := make([]Pos, len(recs))
	for i, r := range recs {
		got[i] = r.Pos
	}
	assert.Equal(t, []Pos{{0, 12}, {1, 0}}, got)
}

func TestEnumerate_StopsEarly(t *testing.T) {
	s := createTestStore(t, 1000)
	_, err := s.AppendAll(newBlob(1, 4), newBlob(2, 4), newBlob(3, 4))
	require.NoError(t, err)

	n := 0
	for _, err := range s.Enumerate(All) {
		require.NoError(t, err)
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)

	// The shared lock was released when the loop broke.
	_, err = s.Append(newBlob(4, 4))
	require.NoError(t, err)
}

func TestEnumerate_TruncatedTailIsCorrupt(t *testing.T) {
	s := createTestStore(t, 1000)
	_, err := s.Append(newBlob(1, 4))
	require.NoError(t, err)

	f, err := os.OpenFile(filepath.Join(s.Config().Dir, "blk00000.dat"), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xd9, 0xb4})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var lastErr error
	for _, err := range s.Enumerate(All) {
		lastErr = err
	}
	assert.True(t, IsCorrupt(lastErr), "got %v", lastErr)
}

func TestSeekEnd_EmptyDirectory(t *testing.T) {
	s := createTestStore(t, 1000)
	end, err := s.SeekEnd()
	require.NoError(t, err)
	assert.Equal(t, Begin, end)
}

func TestCreateFile_DoesNotTruncate(t *testing.T) {
	s := createTestStore(t, 1000)
	_, err := s.Append(newBlob(1, 4))
	require.NoError(t, err)

	path, err := s.CreateFile(0)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(12), info.Size())

	path, err = s.CreateFile(5)
	require.NoError(t, err)
	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	end, err := s.SeekEnd()
	require.NoError(t, err)
	assert.Equal(t, Pos{5, 0}, end)
}

func TestAppend_UsesHint(t *testing.T) {
	s := createTestStore(t, 1000)
	_, err := s.Append(newBlob(1, 4))
	require.NoError(t, err)

	hint, err := os.ReadFile(filepath.Join(s.Config().Dir, LockFileName))
	require.NoError(t, err)
	assert.Equal(t, "0-12", string(hint))

	// A hint beyond the physical end is trusted.
	require.NoError(t, os.WriteFile(filepath.Join(s.Config().Dir, LockFileName), []byte("0-100"), 0o644))
	pos, err := s.Append(newBlob(2, 4))
	require.NoError(t, err)
	assert.Equal(t, Pos{0, 100}, pos)
}

func TestAppend_MalformedHintFallsBackToSeekEnd(t *testing.T) {
	s := createTestStore(t, 1000)
	_, err := s.AppendAll(newBlob(1, 4), newBlob(2, 4))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(s.Config().Dir, LockFileName), []byte("not a position"), 0o644))

	pos, err := s.Append(newBlob(3, 4))
	require.NoError(t, err)
	assert.Equal(t, Pos{0, 24}, pos)
	assert.Len(t, collect(t, s.Enumerate(All)), 3)
}

func TestAppend_MissingDirectory(t *testing.T) {
	s, err := New[blob](Config{
		Dir:         filepath.Join(t.TempDir(), "missing"),
		MaxFileSize: 100,
	})
	require.NoError(t, err)

	_, err = s.Append(newBlob(1, 4))
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeIO, se.Code)
	assert.False(t, IsLockContention(err))
}

func TestAppend_NilItem(t *testing.T) {
	s := createTestStore(t, 100)
	_, err := s.Append(nil)
	assert.Error(t, err)
}

func TestAppend_LockContention(t *testing.T) {
	s := createTestStore(t, 1000)

	held, err := filelock.Acquire(filepath.Join(s.Config().Dir, LockFileName), filelock.Exclusive, 0)
	require.NoError(t, err)
	defer held.Release()

	_, err = s.Append(newBlob(1, 4))
	require.Error(t, err)
	assert.True(t, IsLockContention(err), "got %v", err)

	for _, err := range s.Enumerate(All) {
		assert.True(t, IsLockContention(err), "got %v", err)
	}
}

func TestWrite_DataFileLocked(t *testing.T) {
	s := createTestStore(t, 1000)
	path, err := s.CreateFile(0)
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, filelock.TryLock(f, filelock.Exclusive))

	err = s.Write(Stored[*blob]{Magic: wire.MainNet, Pos: Pos{0, 0}, Size: 4, Item: newBlob(1, 4)})
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeLockContention, se.Code)
	assert.Equal(t, "write", se.Op)
	assert.Equal(t, path, se.Path, "the error names the data file, not the store lock")
}
