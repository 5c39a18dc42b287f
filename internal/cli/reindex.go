package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ReindexResult reports a rebuilt index.
type ReindexResult struct {
	Blocks    int    `json:"blocks"`
	TipHeight int32  `json:"tip_height"`
	TipHash   string `json:"tip_hash"`
}

func (r ReindexResult) String() string {
	return fmt.Sprintf("indexed %d blocks\ntip %d %s", r.Blocks, r.TipHeight, r.TipHash)
}

// NewReindexCommand creates the reindex command.
func NewReindexCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the block index from the chunk files",
		Long: `Drop the block index and rebuild it by reading every chunk file.

Examples:
  chainscan reindex`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(rootOpts, cmd)
			if err != nil {
				return err
			}
			blocks, err := e.openBlocks()
			if err != nil {
				return err
			}
			defer blocks.Close()

			n, err := blocks.Reindex()
			if err != nil {
				_ = e.out.Error(ErrCodeStore, err.Error(), nil)
				return WrapExitError(ExitCommandError, "failed to rebuild index", err)
			}
			tip, err := blocks.Tip()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read tip", err)
			}
			return e.out.Success(ReindexResult{Blocks: n, TipHeight: tip.Height, TipHash: tip.Hash().String()})
		},
	}
}
