package chain

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
)

// ChangeKind identifies what a Change does to a view.
type ChangeKind uint8

const (
	// ChangeInit resets the view to a single block at Height.
	ChangeInit ChangeKind = iota + 1
	// ChangeAdd appends Header on top of the tip.
	ChangeAdd
	// ChangeSetTip rewinds the view to the block Header at Height.
	ChangeSetTip
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInit:
		return "init"
	case ChangeAdd:
		return "add"
	case ChangeSetTip:
		return "set-tip"
	default:
		return fmt.Sprintf("ChangeKind(%d)", uint8(k))
	}
}

// Change is one event of a view's change log. Folding every change in order
// reproduces the view.
type Change struct {
	Kind   ChangeKind
	Height int32
	Header wire.BlockHeader
}

// Serialize encodes the change as kind (1 byte), height (int32 LE) and the
// 80-byte header.
func (c *Change) Serialize(w io.Writer) error {
	var buf [5]byte
	buf[0] = byte(c.Kind)
	binary.LittleEndian.PutUint32(buf[1:], uint32(c.Height))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	return c.Header.Serialize(w)
}

// Deserialize decodes a change written by Serialize.
func (c *Change) Deserialize(r io.Reader) error {
	var buf [5]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	c.Kind = ChangeKind(buf[0])
	c.Height = int32(binary.LittleEndian.Uint32(buf[1:]))
	if c.Kind < ChangeInit || c.Kind > ChangeSetTip {
		return fmt.Errorf("unknown change kind %d", buf[0])
	}
	return c.Header.Deserialize(r)
}
