package store

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/wire"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testRecord is a minimal record carrying a label.
type testRecord struct {
	Label string
}

func (r *testRecord) Serialize(w io.Writer) error {
	return wire.WriteVarString(w, 0, r.Label)
}

func (r *testRecord) Deserialize(rd io.Reader) error {
	s, err := wire.ReadVarString(rd, 0)
	if err != nil {
		return err
	}
	r.Label = s
	return nil
}
