package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workforge/internal/cacheindex"
	"workforge/internal/catalog"
	"workforge/internal/csvio"
	"workforge/internal/ledger"
	"workforge/internal/module"
	"workforge/internal/modules/search"
	"workforge/internal/runstate"
	"workforge/internal/secretstore"
	"workforge/pkg/config"
	"workforge/pkg/logging"
)

// This file exercises the six seed end-to-end scenarios named in
// spec.md's testable-properties section, one test per scenario,
// alongside the narrower unit tests in executor_test.go.

func TestScenario1_HappyPathWithPackagingAndDelivery(t *testing.T) {
	env := newTestEnv(t, 100)
	bundleFile := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(bundleFile, []byte("hello"), 0o600))

	path := env.wo(t, `
work_order_id: wo1
tenant_id: t1
enabled: true
mode: ALL_OR_NOTHING
steps:
  - step_id: s1
    module_id: search
    kind: acquisition
    enabled: true
    inputs:
      query: "golang"
    requested_deliverables: ["queries"]
  - step_id: s2
    module_id: package_std
    kind: packaging
    enabled: true
    inputs:
      bundle: [`+"\""+bundleFile+"\""+`]
`)

	run, err := env.exec.Run(context.Background(), "t1", path)
	require.NoError(t, err)
	assert.Equal(t, runstate.RunCompleted, run.Status)
	assert.Equal(t, 85, env.exec.ledger.Balance("t1"))

	entries, err := os.ReadDir(env.exec.evidenceDir)
	require.NoError(t, err)
	var sawZip bool
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".zip" {
			sawZip = true
		}
	}
	assert.True(t, sawZip, "expected an evidence zip to be written to %s", env.exec.evidenceDir)
}

func TestScenario2_PreflightSecretMissing(t *testing.T) {
	dir := t.TempDir()

	indexPath := filepath.Join(dir, "modules_index.csv")
	rulesPath := filepath.Join(dir, "module_contract_rules.csv")
	require.NoError(t, csvio.WriteRows(indexPath, []string{"module_id", "kind", "version", "supports_downloadable_artifacts"}, []map[string]string{
		{"module_id": "search", "kind": "acquisition", "version": "1", "supports_downloadable_artifacts": "false"},
	}))
	require.NoError(t, csvio.WriteRows(rulesPath, []string{"module_id", "rule_type", "key", "visibility", "extra"}, []map[string]string{
		{"module_id": "search", "rule_type": "input", "key": "query", "visibility": "tenant_visible"},
		{"module_id": "search", "rule_type": "output", "key": "queries", "visibility": "tenant_visible"},
		{"module_id": "search", "rule_type": "requirement_secret", "key": "search_api_key"},
	}))
	reg, err := catalog.LoadRegistry(indexPath, rulesPath)
	require.NoError(t, err)

	pricePath := filepath.Join(dir, "prices.csv")
	require.NoError(t, csvio.WriteRows(pricePath, []string{"module_id", "deliverable_id", "credits", "effective_from", "effective_to", "active"}, []map[string]string{
		{"module_id": "search", "deliverable_id": catalog.RunDeliverable, "credits": "5", "effective_from": "2020-01-01T00:00:00Z", "effective_to": "", "active": "true"},
	}))
	prices, err := catalog.LoadPriceBook(pricePath, "")
	require.NoError(t, err)

	reasonsPath := filepath.Join(dir, "reasons.csv")
	require.NoError(t, csvio.WriteRows(reasonsPath, []string{"scope", "module_id", "category_id", "reason_id", "slug", "description", "refundable"}, []map[string]string{
		{"scope": "global", "module_id": "", "category_id": "1", "reason_id": "1", "slug": "secrets_missing", "description": "required secret unresolved", "refundable": "false"},
	}))
	reasons, err := catalog.LoadReasonCatalog(reasonsPath, reg)
	require.NoError(t, err)

	log := logging.NewLogger(false)
	led := ledger.New(filepath.Join(dir, "ledger"), log)
	_, err = led.PostTransaction(ledger.Transaction{
		TenantID: "t1", Type: ledger.TypeTopup, AmountCredits: 100,
		Metadata: map[string]string{"idempotency_key": "seed"},
	})
	require.NoError(t, err)

	runs := runstate.NewStore(filepath.Join(dir, "runstate.json"))
	cache := cacheindex.New(filepath.Join(dir, "cache_index.csv"))
	modules := module.NewRegistry()
	search.Register(modules)

	// env backend with nothing set for WORKFORGE_SECRET_SEARCH_API_KEY:
	// the secret genuinely never resolves.
	secrets, err := secretstore.Open(context.Background(), config.SecretStoreConfig{Backend: "env"}, nil)
	require.NoError(t, err)

	exec := New(
		config.ExecutorConfig{},
		reg, prices, reasons,
		secrets,
		led, runs, cache, modules, nil,
		filepath.Join(dir, "runtime"), filepath.Join(dir, "evidence"),
		config.CacheIndexConfig{},
		log,
	)

	woPath := filepath.Join(dir, "wo.yaml")
	require.NoError(t, os.WriteFile(woPath, []byte(`
work_order_id: wo2
tenant_id: t1
enabled: true
mode: ALL_OR_NOTHING
steps:
  - step_id: s1
    module_id: search
    kind: acquisition
    enabled: true
    inputs:
      query: "golang"
`), 0o600))

	run, err := exec.Run(context.Background(), "t1", woPath)
	require.NoError(t, err)
	assert.Equal(t, runstate.RunFailed, run.Status)
	assert.Equal(t, "secrets_missing", run.Metadata["reason_slug"])
	assert.Equal(t, 100, led.Balance("t1"), "balance must be untouched by a zero-amount audit SPEND")

	txs := led.Transactions()
	require.Len(t, txs, 2, "expected the seed topup plus one zero-amount SPEND")
	spend := txs[1]
	assert.Equal(t, ledger.TypeSpend, spend.Type)
	assert.Equal(t, 0, spend.AmountCredits)
}

func TestScenario3_AllOrNothingMidPlanFailureRefundsRemainder(t *testing.T) {
	env := newTestEnv(t, 100)

	path := env.wo(t, `
work_order_id: wo3
tenant_id: t1
enabled: true
mode: ALL_OR_NOTHING
steps:
  - step_id: s1
    module_id: search
    kind: acquisition
    enabled: true
    inputs:
      query: "golang"
  - step_id: s2
    module_id: search
    kind: acquisition
    enabled: true
    inputs:
      query: ""
  - step_id: s3
    module_id: search
    kind: acquisition
    enabled: true
    inputs:
      query: "rust"
`)

	run, err := env.exec.Run(context.Background(), "t1", path)
	require.NoError(t, err)
	assert.Equal(t, runstate.RunPartial, run.Status)

	require.Len(t, run.StepRuns, 2, "step s3 should never have been attempted")
	assert.Equal(t, "s1", run.StepRuns[0].StepID)
	assert.Equal(t, runstate.StepCompleted, run.StepRuns[0].Status)
	assert.Equal(t, "s2", run.StepRuns[1].StepID)
	assert.Equal(t, runstate.StepFailed, run.StepRuns[1].Status)

	// Reserved 5 (s1) + 5 (s2) + 5 (s3) = 15; s2 refunds 5 (invalid_query)
	// and s3's never-run reservation refunds its own 5.
	assert.Equal(t, 95, env.exec.ledger.Balance("t1"))
}

func TestScenario4_IdempotentRerunLeavesRowsUnchanged(t *testing.T) {
	env := newTestEnv(t, 100)
	path := env.wo(t, `
work_order_id: wo4
tenant_id: t1
enabled: true
mode: ALL_OR_NOTHING
steps:
  - step_id: s1
    module_id: search
    kind: acquisition
    enabled: true
    inputs:
      query: "golang"
`)

	_, err := env.exec.Run(context.Background(), "t1", path)
	require.NoError(t, err)
	balanceAfterFirst := env.exec.ledger.Balance("t1")
	txCountAfterFirst := len(env.exec.ledger.Transactions())
	itemCountAfterFirst := len(env.exec.ledger.Items())

	_, err = env.exec.Run(context.Background(), "t1", path)
	require.NoError(t, err)

	assert.Equal(t, balanceAfterFirst, env.exec.ledger.Balance("t1"))
	assert.Equal(t, txCountAfterFirst, len(env.exec.ledger.Transactions()))
	assert.Equal(t, itemCountAfterFirst, len(env.exec.ledger.Items()))
}

func TestScenario5_ActivationGatingRejectsArtifactsWithoutDelivery(t *testing.T) {
	env := newTestEnv(t, 100)
	bundleFile := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(bundleFile, []byte("hello"), 0o600))

	path := env.wo(t, `
work_order_id: wo5
tenant_id: t1
enabled: true
mode: ALL_OR_NOTHING
artifacts_requested: true
steps:
  - step_id: s1
    module_id: package_std
    kind: packaging
    enabled: true
    inputs:
      bundle: [`+"\""+bundleFile+"\""+`]
`)

	run, err := env.exec.Run(context.Background(), "t1", path)
	require.NoError(t, err)
	assert.Equal(t, runstate.RunFailed, run.Status)
	assert.Equal(t, "activation_gating_violation", run.Metadata["reason_slug"])
	assert.Equal(t, 100, env.exec.ledger.Balance("t1"), "no SPEND should be posted before activation gating runs")
	assert.Empty(t, run.StepRuns, "no step should have been attempted")
}

func TestScenario6_BindingErrorFailsStepAndRefundsUnderPartialAllowed(t *testing.T) {
	env := newTestEnv(t, 100)
	path := env.wo(t, `
work_order_id: wo6
tenant_id: t1
enabled: true
mode: PARTIAL_ALLOWED
steps:
  - step_id: s1
    module_id: search
    kind: acquisition
    enabled: true
    inputs:
      query: "golang"
  - step_id: s2
    module_id: package_std
    kind: packaging
    enabled: true
    inputs:
      bundle:
        from_step: ghost
        selector: results
`)

	run, err := env.exec.Run(context.Background(), "t1", path)
	require.NoError(t, err)
	assert.Equal(t, runstate.RunPartial, run.Status)

	require.Len(t, run.StepRuns, 2)
	assert.Equal(t, runstate.StepCompleted, run.StepRuns[0].Status, "s1 is unaffected by s2's binding error")
	assert.Equal(t, runstate.StepFailed, run.StepRuns[1].Status)

	// s1 (5) charged and kept; s2 (8) reserved then refunded for
	// binding_error, a refundable global reason.
	assert.Equal(t, 95, env.exec.ledger.Balance("t1"))
}
