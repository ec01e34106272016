// SPDX-License-Identifier: AGPL-3.0-or-later

/*

Workforge - Workforge is a Go-based, ledger-backed job orchestrator that
executes declarative work orders against a registry of pluggable modules.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package config defines the platform configuration schema: where the
// maintenance-produced catalog tables live, where the ledger and
// run-state stores persist, which secret backend to use, and the
// worker pool/timeout tuning the Executor reads at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound is returned when the config file does not exist at the given path.
var ErrConfigNotFound = errors.New("workforge config not found")

// Config is the top-level platform configuration.
type Config struct {
	Project     ProjectConfig      `yaml:"project"`
	Catalog     CatalogConfig      `yaml:"catalog"`
	Runtime     RuntimeConfig      `yaml:"runtime"`
	Ledger      LedgerConfig       `yaml:"ledger"`
	RunState    RunStateConfig     `yaml:"run_state"`
	CacheIndex  CacheIndexConfig   `yaml:"cache_index"`
	SecretStore SecretStoreConfig  `yaml:"secret_store"`
	Evidence    EvidenceConfig     `yaml:"evidence"`
	Executor    ExecutorConfig     `yaml:"executor"`
	Modules     map[string]Module  `yaml:"modules,omitempty"`
}

// ProjectConfig describes project-level settings.
type ProjectConfig struct {
	Name string `yaml:"name"`
}

// CatalogConfig locates the maintenance-produced tabular catalogs.
type CatalogConfig struct {
	ModulesIndexPath        string `yaml:"modules_index_path"`
	ModuleContractRulesPath string `yaml:"module_contract_rules_path"`
	PricesPath              string `yaml:"prices_path"`
	PricesFallbackPath      string `yaml:"prices_fallback_path,omitempty"`
	ReasonsPath             string `yaml:"reasons_path"`
}

// RuntimeConfig locates per-step working directories, rooted at
// Dir/runs/<tenant>/<work_order>/<step>.
type RuntimeConfig struct {
	Dir string `yaml:"dir"`
}

// LedgerConfig locates the ledger's CSV tables.
type LedgerConfig struct {
	Dir string `yaml:"dir"`
}

// RunStateConfig locates the run-state JSON store.
type RunStateConfig struct {
	Path string `yaml:"path"`
}

// CacheIndexConfig locates the cache index and its default TTLs by record type.
type CacheIndexConfig struct {
	Path       string           `yaml:"path"`
	TTLSeconds map[string]int64 `yaml:"ttl_seconds,omitempty"`
}

// TTLFor returns the configured TTL for a cache index record type,
// falling back to 30 days when the type has no entry.
func (c CacheIndexConfig) TTLFor(recordType string) time.Duration {
	if seconds, ok := c.TTLSeconds[recordType]; ok && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 30 * 24 * time.Hour
}

// SecretStoreConfig selects and configures the secret backend.
type SecretStoreConfig struct {
	Backend  string          `yaml:"backend"` // "file", "env", or "postgres"
	File     *FileSecrets    `yaml:"file,omitempty"`
	Postgres *PostgresConfig `yaml:"postgres,omitempty"`
}

// FileSecrets configures the file-backed secret store.
type FileSecrets struct {
	Path string `yaml:"path"`
}

// PostgresConfig configures the optional pgx-backed secret store.
type PostgresConfig struct {
	ConnectionEnv  string `yaml:"connection_env"`
	MigrationsPath string `yaml:"migrations_path"`
}

// EvidenceConfig locates where evidence archives are written.
type EvidenceConfig struct {
	Dir string `yaml:"dir"`
}

// ExecutorConfig tunes the worker pool and per-kind module timeouts.
type ExecutorConfig struct {
	WorkerPoolSize int             `yaml:"worker_pool_size"`
	Timeouts       TimeoutsConfig  `yaml:"timeouts"`
}

// TimeoutsConfig sets the per-module-kind execution timeout.
type TimeoutsConfig struct {
	AcquisitionSeconds int `yaml:"acquisition_seconds"`
	TransformSeconds   int `yaml:"transform_seconds"`
	PackagingSeconds   int `yaml:"packaging_seconds"`
	DeliverySeconds    int `yaml:"delivery_seconds"`
}

// Module describes how to invoke a single module: in-process via the
// registry adapter, or out-of-process via the subprocess adapter.
type Module struct {
	Invocation string   `yaml:"invocation"` // "in_process" or "subprocess"
	Command    string   `yaml:"command,omitempty"`
	Args       []string `yaml:"args,omitempty"`
}

// AcquisitionTimeout returns the configured acquisition-kind timeout.
func (t TimeoutsConfig) AcquisitionTimeout() time.Duration {
	return durationOrDefault(t.AcquisitionSeconds, 120)
}

// TransformTimeout returns the configured transform-kind timeout.
func (t TimeoutsConfig) TransformTimeout() time.Duration {
	return durationOrDefault(t.TransformSeconds, 60)
}

// PackagingTimeout returns the configured packaging-kind timeout.
func (t TimeoutsConfig) PackagingTimeout() time.Duration {
	return durationOrDefault(t.PackagingSeconds, 300)
}

// DeliveryTimeout returns the configured delivery-kind timeout.
func (t TimeoutsConfig) DeliveryTimeout() time.Duration {
	return durationOrDefault(t.DeliverySeconds, 600)
}

func durationOrDefault(seconds int, fallback int) time.Duration {
	if seconds <= 0 {
		seconds = fallback
	}
	return time.Duration(seconds) * time.Second
}

// DefaultConfigPath returns the default config path for the current working directory.
func DefaultConfigPath() string {
	return "workforge.yml"
}

// Exists reports whether a config file exists at the given path.
// It returns (false, nil) if the file does not exist.
func Exists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Load reads and validates the config from the given path.
//
// It returns ErrConfigNotFound if the file does not exist.
func Load(path string) (*Config, error) {
	exists, err := Exists(path)
	if err != nil {
		return nil, fmt.Errorf("checking config existence: %w", err)
	}
	if !exists {
		return nil, ErrConfigNotFound
	}

	//nolint:gosec // G304: reading config file from user-specified path is expected behavior
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Runtime.Dir == "" {
		cfg.Runtime.Dir = ".workforge/runtime"
	}
	if cfg.RunState.Path == "" {
		cfg.RunState.Path = ".workforge/runstate.json"
	}
	if cfg.CacheIndex.Path == "" {
		cfg.CacheIndex.Path = ".workforge/cache_index.csv"
	}
	if cfg.Ledger.Dir == "" {
		cfg.Ledger.Dir = ".workforge/ledger"
	}
	if cfg.Evidence.Dir == "" {
		cfg.Evidence.Dir = ".workforge/evidence"
	}
	if cfg.SecretStore.Backend == "" {
		cfg.SecretStore.Backend = "env"
	}
	if cfg.Executor.WorkerPoolSize <= 0 {
		cfg.Executor.WorkerPoolSize = 4
	}
}

func validate(cfg *Config) error {
	if cfg.Project.Name == "" {
		return errors.New("config: project.name must be non-empty")
	}
	if cfg.Catalog.ModulesIndexPath == "" {
		return errors.New("config: catalog.modules_index_path must be non-empty")
	}
	if cfg.Catalog.ModuleContractRulesPath == "" {
		return errors.New("config: catalog.module_contract_rules_path must be non-empty")
	}
	if cfg.Catalog.PricesPath == "" {
		return errors.New("config: catalog.prices_path must be non-empty")
	}
	if cfg.Catalog.ReasonsPath == "" {
		return errors.New("config: catalog.reasons_path must be non-empty")
	}

	switch cfg.SecretStore.Backend {
	case "file":
		if cfg.SecretStore.File == nil || cfg.SecretStore.File.Path == "" {
			return errors.New("config: secret_store.file.path is required when backend is file")
		}
	case "env":
		// no further configuration required
	case "postgres":
		if cfg.SecretStore.Postgres == nil || cfg.SecretStore.Postgres.ConnectionEnv == "" {
			return errors.New("config: secret_store.postgres.connection_env is required when backend is postgres")
		}
	default:
		return fmt.Errorf("config: secret_store.backend %q must be one of: file, env, postgres", cfg.SecretStore.Backend)
	}

	for moduleID, m := range cfg.Modules {
		switch m.Invocation {
		case "in_process":
		case "subprocess":
			if m.Command == "" {
				return fmt.Errorf("config: modules.%s.command is required for subprocess invocation", moduleID)
			}
		default:
			return fmt.Errorf("config: modules.%s.invocation must be one of: in_process, subprocess", moduleID)
		}
	}

	return nil
}
