package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/chainscan/internal/config"
)

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Load the configuration file, validate it, apply defaults and print the
result. Relative paths are shown resolved.

Examples:
  chainscan config
  chainscan config --config ./regtest.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(rootOpts, cmd)
			if err != nil {
				return err
			}
			return e.out.Success(configResult{e.cfg})
		},
	}
}

type configResult struct {
	*config.Config
}

func (r configResult) RenderText(w io.Writer) error {
	data, err := r.Marshal()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
