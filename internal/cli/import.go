package cli

import (
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/wire"
	"github.com/spf13/cobra"

	"github.com/roach88/chainscan/internal/blockstore"
	"github.com/roach88/chainscan/internal/chunkstore"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	Prefix    string
	Extension string
}

// ImportResult summarizes an import.
type ImportResult struct {
	Read      int    `json:"read"`
	Imported  int    `json:"imported"`
	Known     int    `json:"known"`
	Orphans   int    `json:"orphans"`
	TipHeight int32  `json:"tip_height"`
	TipHash   string `json:"tip_hash"`
}

func (r ImportResult) String() string {
	return fmt.Sprintf("read %d blocks: %d imported, %d already stored, %d orphans\ntip %d %s",
		r.Read, r.Imported, r.Known, r.Orphans, r.TipHeight, r.TipHash)
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import DIR",
		Short: "Import blocks from a directory of block files",
		Long: `Copy the blocks found in DIR into the block store. DIR holds files in the
same layout as the store: numbered files of records made of the network
magic, the payload size and a serialized block. Records of other networks
are ignored and the source directory is only read.

Blocks may appear before their parent. They are retried until no further
block connects; whatever is left is reported as orphans.

Examples:
  chainscan import ~/.bitcoin/regtest/blocks
  chainscan import ./export --prefix blk --extension dat`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Prefix, "prefix", "blk", "file name prefix of the source files")
	cmd.Flags().StringVar(&opts.Extension, "extension", "dat", "file extension of the source files")

	return cmd
}

func runImport(opts *ImportOptions, cmd *cobra.Command, dir string) error {
	e, err := newEnv(opts.RootOptions, cmd)
	if err != nil {
		return err
	}

	source, err := chunkstore.New[wire.MsgBlock](chunkstore.Config{
		Dir:         dir,
		Prefix:      opts.Prefix,
		Extension:   opts.Extension,
		MaxFileSize: math.MaxUint32,
		Magic:       e.params.Net,
		Logger:      e.logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid source", err)
	}

	blocks, err := e.openBlocks()
	if err != nil {
		return err
	}
	defer blocks.Close()

	var result ImportResult
	var pending []*wire.MsgBlock
	// The source may belong to a running node; read it without taking its lock.
	for rec, err := range source.EnumerateFolder(chunkstore.All) {
		if err != nil {
			_ = e.out.Error(ErrCodeStore, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to read source", err)
		}
		if rec.Magic != e.params.Net {
			continue
		}
		result.Read++
		pending = append(pending, rec.Item)
	}

	for len(pending) > 0 {
		var retry []*wire.MsgBlock
		for _, b := range pending {
			if blocks.Has(b.BlockHash()) {
				result.Known++
				continue
			}
			_, err := blocks.Append(b)
			if errors.Is(err, blockstore.ErrOrphan) {
				retry = append(retry, b)
				continue
			}
			if err != nil {
				_ = e.out.Error(ErrCodeStore, err.Error(), nil)
				return WrapExitError(ExitCommandError, "failed to store block", err)
			}
			result.Imported++
		}
		if len(retry) == len(pending) {
			break
		}
		pending = retry
	}
	result.Orphans = len(pending)

	tip, err := blocks.Tip()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read tip", err)
	}
	result.TipHeight = tip.Height
	result.TipHash = tip.Hash().String()
	return e.out.Success(result)
}
