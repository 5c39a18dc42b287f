package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/chainscan/internal/matcher"
	"github.com/roach88/chainscan/internal/scan"
)

// ScanOptions holds flags for the scan command.
type ScanOptions struct {
	*RootOptions
	Watch []string
}

// ScanResult summarizes a scan run.
type ScanResult struct {
	Committed bool   `json:"committed"`
	Height    int32  `json:"height"`
	Hash      string `json:"hash,omitempty"`
	Unspent   int    `json:"unspent"`
	Balance   int64  `json:"balance"`
}

func (r ScanResult) String() string {
	return fmt.Sprintf("scanned to %d %s\nunspent %d\nbalance %d", r.Height, r.Hash, r.Unspent, r.Balance)
}

// NewScanCommand creates the scan command.
func NewScanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Bring the wallet ledger up to the best stored chain",
		Long: `Scan the best chain of the block store for payments to and spends from
the watched addresses, rolling back entries of blocks that left the chain.

The chain view and ledger are kept in the state database. A run either
commits everything it found or nothing.

Exit codes:
  0 - Scan committed
  1 - Scan aborted (double spend, rejected entry, disconnected header)
  2 - Command error (bad config, unreadable store, etc.)

Examples:
  chainscan scan
  chainscan scan --watch mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn -v`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Watch, "watch", nil, "additional address to watch (repeatable)")

	return cmd
}

func runScan(opts *ScanOptions, cmd *cobra.Command) error {
	e, err := newEnv(opts.RootOptions, cmd)
	if err != nil {
		return err
	}

	watch := append(append([]string(nil), e.cfg.Scan.Watch...), opts.Watch...)
	if len(watch) == 0 {
		_ = e.out.Error(ErrCodeConfig, "no addresses to watch", nil)
		return NewExitError(ExitCommandError, "no addresses to watch")
	}
	m, err := matcher.NewPubKeyHash(e.params, watch...)
	if err != nil {
		_ = e.out.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid watch list", err)
	}

	blocks, err := e.openBlocks()
	if err != nil {
		return err
	}
	defer blocks.Close()
	best, err := blocks.Chain()
	if err != nil {
		_ = e.out.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load best chain", err)
	}

	st, err := e.openState()
	if err != nil {
		return err
	}
	defer st.Close()

	state, err := scan.NewState(m, st.view, st.ledger, e.cfg.Scan.StartHeight,
		scan.WithCheckDoubleSpend(e.cfg.Scan.CheckDoubleSpend),
		scan.WithLogger(e.logger),
		scan.WithCommitter(st.db),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create scan state", err)
	}

	e.out.VerboseLog("Scanning %d addresses from height %d", len(watch), e.cfg.Scan.StartHeight)
	ok, err := state.Process(cmd.Context(), best, blocks)
	if err != nil {
		_ = e.out.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "scan failed", err)
	}
	if !ok {
		abort := state.LastAbort()
		_ = e.out.Error(ErrCodeAbort, abort.Message, map[string]any{
			"reason":  string(abort.Code),
			"session": abort.Session,
			"height":  abort.Height,
		})
		return WrapExitError(ExitFailure, "scan aborted", abort)
	}

	result := ScanResult{
		Committed: true,
		Height:    st.view.Height(),
		Unspent:   len(st.ledger.Unspent()),
		Balance:   int64(st.ledger.Balance()),
	}
	if tip := st.view.Tip(); tip != nil {
		result.Hash = tip.Hash.String()
	}
	return e.out.Success(result)
}
