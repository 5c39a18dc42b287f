package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// TipInfo is a height and block hash.
type TipInfo struct {
	Height int32  `json:"height"`
	Hash   string `json:"hash"`
}

// TipResult compares the block store tip with the scanned tip.
type TipResult struct {
	Store   TipInfo  `json:"store"`
	Scanned *TipInfo `json:"scanned,omitempty"`
	Behind  int32    `json:"behind"`
}

func (r TipResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "store   %d %s\n", r.Store.Height, r.Store.Hash)
	if r.Scanned == nil {
		b.WriteString("scanned none")
		return b.String()
	}
	fmt.Fprintf(&b, "scanned %d %s\nbehind  %d", r.Scanned.Height, r.Scanned.Hash, r.Behind)
	return b.String()
}

// NewTipCommand creates the tip command.
func NewTipCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tip",
		Short: "Show the best stored block and the scanned tip",
		Long: `Show the tip of the best chain in the block store and, once a scan has
run, the tip of the scanned chain view.

Examples:
  chainscan tip
  chainscan tip --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTip(rootOpts, cmd)
		},
	}
}

func runTip(opts *RootOptions, cmd *cobra.Command) error {
	e, err := newEnv(opts, cmd)
	if err != nil {
		return err
	}
	blocks, err := e.openBlocks()
	if err != nil {
		return err
	}
	defer blocks.Close()

	tip, err := blocks.Tip()
	if err != nil {
		_ = e.out.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read tip", err)
	}
	result := TipResult{Store: TipInfo{Height: tip.Height, Hash: tip.Hash().String()}}

	if e.stateExists() {
		st, err := e.openState()
		if err != nil {
			return err
		}
		defer st.Close()
		if scanned := st.view.Tip(); scanned != nil {
			result.Scanned = &TipInfo{Height: scanned.Height, Hash: scanned.Hash.String()}
			result.Behind = tip.Height - scanned.Height
		}
	}
	return e.out.Success(result)
}
