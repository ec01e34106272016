// Package commands implements each Workforge subcommand: run, status,
// and catalog verify. Every command loads its own runtime from the
// config flag rather than sharing global state, mirroring the
// teacher's per-command config-load-then-act shape.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"workforge/internal/cacheindex"
	"workforge/internal/catalog"
	"workforge/internal/executor"
	"workforge/internal/ledger"
	"workforge/internal/module"
	"workforge/internal/modules/packagestd"
	"workforge/internal/modules/search"
	"workforge/internal/runstate"
	"workforge/internal/secretstore"
	"workforge/internal/secretstore/pgmigrate"
	"workforge/pkg/config"
	"workforge/pkg/logging"
)

// runtime bundles every collaborator a command needs after loading
// config, so a command's RunE only has to call newRuntime once.
type runtime struct {
	cfg *config.Config
	log logging.Logger

	reg     *catalog.Registry
	prices  *catalog.PriceBook
	reasons *catalog.ReasonCatalog

	ledger  *ledger.Ledger
	runs    *runstate.Store
	cache   *cacheindex.Index
	secrets secretstore.Store
	modules *module.Registry

	exec *executor.Executor
}

func newRuntime(ctx context.Context, configPath string, verbose bool) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	log := logging.NewLogger(verbose)

	reg, err := catalog.LoadRegistry(cfg.Catalog.ModulesIndexPath, cfg.Catalog.ModuleContractRulesPath)
	if err != nil {
		return nil, fmt.Errorf("loading module registry: %w", err)
	}
	prices, err := catalog.LoadPriceBook(cfg.Catalog.PricesPath, cfg.Catalog.PricesFallbackPath)
	if err != nil {
		return nil, fmt.Errorf("loading price book: %w", err)
	}
	reasons, err := catalog.LoadReasonCatalog(cfg.Catalog.ReasonsPath, reg)
	if err != nil {
		return nil, fmt.Errorf("loading reason catalog: %w", err)
	}

	led, err := ledger.Load(cfg.Ledger.Dir, log)
	if err != nil {
		return nil, fmt.Errorf("loading ledger: %w", err)
	}
	runs := runstate.NewStore(cfg.RunState.Path)
	cache, err := cacheindex.Load(cfg.CacheIndex.Path)
	if err != nil {
		return nil, fmt.Errorf("loading cache index: %w", err)
	}

	secrets, err := secretstore.Open(ctx, cfg.SecretStore, pgmigrate.Open)
	if err != nil {
		return nil, fmt.Errorf("opening secret store: %w", err)
	}

	modules := module.NewRegistry()
	search.Register(modules)
	packagestd.Register(modules)

	exec := executor.New(
		cfg.Executor,
		reg, prices, reasons,
		secrets,
		led, runs, cache, modules, cfg.Modules,
		cfg.Runtime.Dir, cfg.Evidence.Dir,
		cfg.CacheIndex,
		log,
	)

	return &runtime{
		cfg: cfg, log: log,
		reg: reg, prices: prices, reasons: reasons,
		ledger: led, runs: runs, cache: cache, secrets: secrets, modules: modules,
		exec: exec,
	}, nil
}

func (r *runtime) flush() error {
	if err := r.ledger.Flush(); err != nil {
		return fmt.Errorf("flushing ledger: %w", err)
	}
	if err := r.cache.Flush(); err != nil {
		return fmt.Errorf("flushing cache index: %w", err)
	}
	return nil
}

// flagsFromCommand reads the global --config/--verbose persistent
// flags, which every subcommand inherits from the root command.
func flagsFromCommand(cmd *cobra.Command) (configPath string, verbose bool) {
	configPath, _ = cmd.Flags().GetString("config")
	verbose, _ = cmd.Flags().GetBool("verbose")
	return configPath, verbose
}
