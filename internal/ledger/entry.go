package ledger

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Reason says why an entry was recorded.
type Reason uint8

const (
	// Income is a confirmed receipt.
	Income Reason = iota + 1
	// Outcome is a confirmed spend.
	Outcome
	// Lock holds a coin for the current session. Not derived from chain data.
	Lock
	// Unlock releases a held coin.
	Unlock
)

func (r Reason) String() string {
	switch r {
	case Income:
		return "income"
	case Outcome:
		return "outcome"
	case Lock:
		return "lock"
	case Unlock:
		return "unlock"
	default:
		return fmt.Sprintf("Reason(%d)", uint8(r))
	}
}

// Inverse returns the reason that undoes r.
func (r Reason) Inverse() Reason {
	switch r {
	case Income:
		return Outcome
	case Outcome:
		return Income
	case Lock:
		return Unlock
	case Unlock:
		return Lock
	default:
		return r
	}
}

// Spendable is an outpoint with the output it references.
type Spendable struct {
	OutPoint wire.OutPoint
	TxOut    wire.TxOut
}

// Entry is one ledger event.
type Entry struct {
	Reason      Reason
	Block       chainhash.Hash
	Spendable   Spendable
	Amount      btcutil.Amount
	Neutralized bool
}

// NewIncome records the receipt of s in block.
func NewIncome(block chainhash.Hash, s Spendable) *Entry {
	return &Entry{Reason: Income, Block: block, Spendable: s, Amount: btcutil.Amount(s.TxOut.Value)}
}

// NewOutcome records the spend of s in block.
func NewOutcome(block chainhash.Hash, s Spendable) *Entry {
	return &Entry{Reason: Outcome, Block: block, Spendable: s, Amount: -btcutil.Amount(s.TxOut.Value)}
}

// Neutralize returns the entry cancelling e: inverse reason, negated
// amount, same block and coin.
func (e *Entry) Neutralize() *Entry {
	return &Entry{
		Reason:      e.Reason.Inverse(),
		Block:       e.Block,
		Spendable:   e.Spendable,
		Amount:      -e.Amount,
		Neutralized: true,
	}
}

// Serialize writes reason, neutralized flag, block hash, outpoint, output
// and amount. Integers are little-endian; the output script is a varint
// prefixed byte string.
func (e *Entry) Serialize(w io.Writer) error {
	var buf [2 + chainhash.HashSize + chainhash.HashSize + 4 + 8]byte
	buf[0] = byte(e.Reason)
	if e.Neutralized {
		buf[1] = 1
	}
	n := 2
	n += copy(buf[n:], e.Block[:])
	n += copy(buf[n:], e.Spendable.OutPoint.Hash[:])
	binary.LittleEndian.PutUint32(buf[n:], e.Spendable.OutPoint.Index)
	n += 4
	binary.LittleEndian.PutUint64(buf[n:], uint64(e.Spendable.TxOut.Value))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, 0, e.Spendable.TxOut.PkScript); err != nil {
		return err
	}
	var amount [8]byte
	binary.LittleEndian.PutUint64(amount[:], uint64(e.Amount))
	_, err := w.Write(amount[:])
	return err
}

// Deserialize reads an entry written by Serialize.
func (e *Entry) Deserialize(r io.Reader) error {
	var buf [2 + chainhash.HashSize + chainhash.HashSize + 4 + 8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	e.Reason = Reason(buf[0])
	if e.Reason < Income || e.Reason > Unlock {
		return fmt.Errorf("unknown entry reason %d", buf[0])
	}
	e.Neutralized = buf[1] == 1
	n := 2
	n += copy(e.Block[:], buf[n:])
	n += copy(e.Spendable.OutPoint.Hash[:], buf[n:])
	e.Spendable.OutPoint.Index = binary.LittleEndian.Uint32(buf[n:])
	n += 4
	e.Spendable.TxOut.Value = int64(binary.LittleEndian.Uint64(buf[n:]))

	script, err := wire.ReadVarBytes(r, 0, wire.MaxMessagePayload, "pkScript")
	if err != nil {
		return err
	}
	e.Spendable.TxOut.PkScript = script

	var amount [8]byte
	if _, err := io.ReadFull(r, amount[:]); err != nil {
		return err
	}
	e.Amount = btcutil.Amount(int64(binary.LittleEndian.Uint64(amount[:])))
	return nil
}

// OutPointKey returns the 36-byte wire encoding of op: hash followed by the
// little-endian index. Block fetchers receive it as search data.
func OutPointKey(op wire.OutPoint) []byte {
	key := make([]byte, chainhash.HashSize+4)
	copy(key, op.Hash[:])
	binary.LittleEndian.PutUint32(key[chainhash.HashSize:], op.Index)
	return key
}
