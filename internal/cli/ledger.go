package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/chainscan/internal/ledger"
)

// LedgerEntry is the JSON form of a ledger entry.
type LedgerEntry struct {
	Index       int    `json:"index"`
	Reason      string `json:"reason"`
	Block       string `json:"block"`
	OutPoint    string `json:"outpoint"`
	Amount      int64  `json:"amount"`
	Neutralized bool   `json:"neutralized,omitempty"`
}

// LedgerCoin is the JSON form of an unspent coin.
type LedgerCoin struct {
	OutPoint string `json:"outpoint"`
	Value    int64  `json:"value"`
}

// LedgerResult is the content of the wallet ledger.
type LedgerResult struct {
	Entries []LedgerEntry `json:"entries"`
	Unspent []LedgerCoin  `json:"unspent"`
	Balance int64         `json:"balance"`

	ledger *ledger.Ledger
}

func (r LedgerResult) RenderText(w io.Writer) error {
	return r.ledger.Dump(w)
}

// NewLedgerCommand creates the ledger command.
func NewLedgerCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ledger",
		Short: "Print the wallet ledger",
		Long: `Print every ledger entry in order, then the unspent coins and the balance
in satoshis. Entries undone by a reorganization are flagged cancelled, and
the entries undoing them neutralized.

Examples:
  chainscan ledger
  chainscan ledger --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedger(rootOpts, cmd)
		},
	}
}

func runLedger(opts *RootOptions, cmd *cobra.Command) error {
	e, err := newEnv(opts, cmd)
	if err != nil {
		return err
	}
	st, err := e.openState()
	if err != nil {
		return err
	}
	defer st.Close()

	l := st.ledger
	result := LedgerResult{
		Entries: []LedgerEntry{},
		Unspent: []LedgerCoin{},
		Balance: int64(l.Balance()),
		ledger:  l,
	}
	for i, entry := range l.Entries() {
		result.Entries = append(result.Entries, LedgerEntry{
			Index:       i,
			Reason:      entry.Reason.String(),
			Block:       entry.Block.String(),
			OutPoint:    entry.Spendable.OutPoint.String(),
			Amount:      int64(entry.Amount),
			Neutralized: entry.Neutralized,
		})
	}
	for _, coin := range l.Unspent() {
		result.Unspent = append(result.Unspent, LedgerCoin{
			OutPoint: coin.OutPoint.String(),
			Value:    coin.TxOut.Value,
		})
	}
	return e.out.Success(result)
}
