package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/spf13/cobra"

	"github.com/roach88/chainscan/internal/blockstore"
	"github.com/roach88/chainscan/internal/chain"
	"github.com/roach88/chainscan/internal/config"
	"github.com/roach88/chainscan/internal/ledger"
	"github.com/roach88/chainscan/internal/store"
)

// Stream names of the scan state logs inside the state database.
const (
	ChainStream  = "chain"
	LedgerStream = "ledger"
)

// env is what every command derives from the global flags.
type env struct {
	cfg    *config.Config
	params *chaincfg.Params
	logger *slog.Logger
	out    *OutputFormatter
}

func newEnv(opts *RootOptions, cmd *cobra.Command) (*env, error) {
	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	cfg, err := config.Load(opts.Config)
	if err != nil {
		_ = out.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	params, err := cfg.Params()
	if err != nil {
		_ = out.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	out.VerboseLog("Using configuration %s (network %s)", opts.Config, params.Name)
	return &env{cfg: cfg, params: params, logger: newLogger(opts, cmd), out: out}, nil
}

func (e *env) openBlocks() (*blockstore.Store, error) {
	s, err := blockstore.Open(blockstore.Config{
		Dir:         e.cfg.Store.Dir,
		Prefix:      e.cfg.Store.Prefix,
		Extension:   e.cfg.Store.Extension,
		MaxFileSize: e.cfg.Store.MaxFileSize,
		LockTimeout: e.cfg.Store.LockTimeout(),
		IndexDir:    e.cfg.Store.IndexDir,
		CacheSize:   e.cfg.Store.CacheSize,
		Params:      e.params,
		Logger:      e.logger,
	})
	if err != nil {
		_ = e.out.Error(ErrCodeStore, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to open block store", err)
	}
	return s, nil
}

// scanState is the persisted chain view and ledger of a wallet scan.
type scanState struct {
	db     *store.Store
	view   *chain.View
	ledger *ledger.Ledger
}

func (s *scanState) Close() error {
	return s.db.Close()
}

// stateExists reports whether the state database has been created yet.
func (e *env) stateExists() bool {
	_, err := os.Stat(e.cfg.Scan.StateDB)
	return err == nil
}

func (e *env) openState() (*scanState, error) {
	fail := func(err error) (*scanState, error) {
		_ = e.out.Error(ErrCodeState, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to open scan state", err)
	}

	db, err := store.Open(e.cfg.Scan.StateDB)
	if err != nil {
		return fail(err)
	}
	changes, err := store.OpenLog[chain.Change](db, ChainStream)
	if err != nil {
		db.Close()
		return fail(err)
	}
	view, err := chain.New(changes)
	if err != nil {
		db.Close()
		return fail(fmt.Errorf("rebuild chain view: %w", err))
	}
	entries, err := store.OpenLog[ledger.Entry](db, LedgerStream)
	if err != nil {
		db.Close()
		return fail(err)
	}
	l, err := ledger.New(entries)
	if err != nil {
		db.Close()
		return fail(fmt.Errorf("rebuild ledger: %w", err))
	}
	return &scanState{db: db, view: view, ledger: l}, nil
}
