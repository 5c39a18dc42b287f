// Package matcher decides which outputs and spends of a block belong to a
// watched wallet.
package matcher

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/roach88/chainscan/internal/scan"
)

// PubKeyHash watches pay-to-pubkey-hash and pay-to-witness-pubkey-hash
// addresses.
//
// Outputs are matched by their script. Spends are matched by the public key
// an input reveals: the last push of its signature script, or the last
// witness item.
type PubKeyHash struct {
	params  *chaincfg.Params
	addrs   []btcutil.Address
	hashes  [][]byte
	scripts map[string]struct{}
	byHash  map[[20]byte]struct{}
}

var _ scan.Matcher = (*PubKeyHash)(nil)

// NewPubKeyHash returns a matcher for the given encoded addresses.
func NewPubKeyHash(params *chaincfg.Params, addrs ...string) (*PubKeyHash, error) {
	m := &PubKeyHash{
		params:  params,
		scripts: map[string]struct{}{},
		byHash:  map[[20]byte]struct{}{},
	}
	for _, s := range addrs {
		addr, err := btcutil.DecodeAddress(s, params)
		if err != nil {
			return nil, fmt.Errorf("matcher: decode %q: %w", s, err)
		}
		if err := m.Add(addr); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Add starts watching addr.
func (m *PubKeyHash) Add(addr btcutil.Address) error {
	var hash [20]byte
	switch a := addr.(type) {
	case *btcutil.AddressPubKeyHash:
		hash = *a.Hash160()
	case *btcutil.AddressWitnessPubKeyHash:
		copy(hash[:], a.WitnessProgram())
	default:
		return fmt.Errorf("matcher: unsupported address type %T", addr)
	}
	if !addr.IsForNet(m.params) {
		return fmt.Errorf("matcher: address %s is not for %s", addr, m.params.Name)
	}
	if _, ok := m.byHash[hash]; ok {
		return nil
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return fmt.Errorf("matcher: script for %s: %w", addr, err)
	}
	m.addrs = append(m.addrs, addr)
	m.hashes = append(m.hashes, hash[:])
	m.scripts[string(script)] = struct{}{}
	m.byHash[hash] = struct{}{}
	return nil
}

// AddPubKey watches the pay-to-pubkey-hash address of a serialized public
// key.
func (m *PubKeyHash) AddPubKey(pubKey []byte) error {
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pubKey), m.params)
	if err != nil {
		return fmt.Errorf("matcher: %w", err)
	}
	return m.Add(addr)
}

// Addresses returns the watched addresses in the order they were added.
func (m *PubKeyHash) Addresses() []btcutil.Address {
	return append([]btcutil.Address(nil), m.addrs...)
}

// ScannedPushData returns the watched key hashes.
func (m *PubKeyHash) ScannedPushData() [][]byte {
	out := make([][]byte, len(m.hashes))
	for i, h := range m.hashes {
		out[i] = append([]byte(nil), h...)
	}
	return out
}

// ScanCoins returns, per transaction with at least one watched output, the
// outputs paying a watched address. Unwatched outputs are nil.
func (m *PubKeyHash) ScanCoins(block *wire.MsgBlock, height int32) []scan.Coins {
	var out []scan.Coins
	for _, tx := range block.Transactions {
		var outputs []*wire.TxOut
		for i, txOut := range tx.TxOut {
			if _, ok := m.scripts[string(txOut.PkScript)]; !ok {
				continue
			}
			if outputs == nil {
				outputs = make([]*wire.TxOut, len(tx.TxOut))
			}
			outputs[i] = txOut
		}
		if outputs != nil {
			out = append(out, scan.Coins{TxID: tx.TxHash(), Outputs: outputs})
		}
	}
	return out
}

// FindSpent returns the previous outputs of every non-coinbase input that
// reveals a watched public key.
func (m *PubKeyHash) FindSpent(block *wire.MsgBlock) []wire.OutPoint {
	var out []wire.OutPoint
	for _, tx := range block.Transactions {
		if blockchain.IsCoinBaseTx(tx) {
			continue
		}
		for _, in := range tx.TxIn {
			if m.revealsWatchedKey(in) {
				out = append(out, in.PreviousOutPoint)
			}
		}
	}
	return out
}

func (m *PubKeyHash) revealsWatchedKey(in *wire.TxIn) bool {
	var pubKey []byte
	if n := len(in.Witness); n > 0 {
		pubKey = in.Witness[n-1]
	} else {
		pushes, err := txscript.PushedData(in.SignatureScript)
		if err != nil || len(pushes) == 0 {
			return false
		}
		pubKey = pushes[len(pushes)-1]
	}
	var hash [20]byte
	copy(hash[:], btcutil.Hash160(pubKey))
	_, ok := m.byHash[hash]
	return ok
}
