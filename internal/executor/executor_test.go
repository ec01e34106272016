package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"workforge/internal/cacheindex"
	"workforge/internal/catalog"
	"workforge/internal/csvio"
	"workforge/internal/ledger"
	"workforge/internal/module"
	"workforge/internal/modules/packagestd"
	"workforge/internal/modules/search"
	"workforge/internal/runstate"
	"workforge/internal/secretstore"
	"workforge/pkg/config"
	"workforge/pkg/logging"
)

// testEnv wires a complete, disposable Executor: an in-memory catalog
// (search __run__=5/queries=2, package_std __run__=8), a funded
// ledger, and every other collaborator backed by a temp directory.
type testEnv struct {
	exec *Executor
	wo   func(t *testing.T, content string) string
}

func newTestEnv(t *testing.T, tenantCredits int) *testEnv {
	t.Helper()
	dir := t.TempDir()

	indexPath := filepath.Join(dir, "modules_index.csv")
	rulesPath := filepath.Join(dir, "module_contract_rules.csv")
	if err := csvio.WriteRows(indexPath, []string{"module_id", "kind", "version", "supports_downloadable_artifacts"}, []map[string]string{
		{"module_id": "search", "kind": "acquisition", "version": "1", "supports_downloadable_artifacts": "false"},
		{"module_id": "package_std", "kind": "packaging", "version": "1", "supports_downloadable_artifacts": "false"},
	}); err != nil {
		t.Fatalf("writing index: %v", err)
	}
	if err := csvio.WriteRows(rulesPath, []string{"module_id", "rule_type", "key", "visibility", "extra"}, []map[string]string{
		{"module_id": "search", "rule_type": "input", "key": "query", "visibility": "tenant_visible"},
		{"module_id": "search", "rule_type": "output", "key": "queries", "visibility": "tenant_visible"},
		{"module_id": "package_std", "rule_type": "input", "key": "bundle", "visibility": "tenant_visible"},
	}); err != nil {
		t.Fatalf("writing rules: %v", err)
	}
	reg, err := catalog.LoadRegistry(indexPath, rulesPath)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}

	pricePath := filepath.Join(dir, "prices.csv")
	from := "2020-01-01T00:00:00Z"
	if err := csvio.WriteRows(pricePath, []string{"module_id", "deliverable_id", "credits", "effective_from", "effective_to", "active"}, []map[string]string{
		{"module_id": "search", "deliverable_id": catalog.RunDeliverable, "credits": "5", "effective_from": from, "effective_to": "", "active": "true"},
		{"module_id": "search", "deliverable_id": "queries", "credits": "2", "effective_from": from, "effective_to": "", "active": "true"},
		{"module_id": "package_std", "deliverable_id": catalog.RunDeliverable, "credits": "8", "effective_from": from, "effective_to": "", "active": "true"},
	}); err != nil {
		t.Fatalf("writing prices: %v", err)
	}
	prices, err := catalog.LoadPriceBook(pricePath, "")
	if err != nil {
		t.Fatalf("LoadPriceBook: %v", err)
	}

	reasonsPath := filepath.Join(dir, "reasons.csv")
	if err := csvio.WriteRows(reasonsPath, []string{"scope", "module_id", "category_id", "reason_id", "slug", "description", "refundable"}, []map[string]string{
		{"scope": "global", "module_id": "", "category_id": "1", "reason_id": "1", "slug": "not_enough_credits", "description": "insufficient balance", "refundable": "false"},
		{"scope": "global", "module_id": "", "category_id": "1", "reason_id": "2", "slug": "secrets_missing", "description": "required secret unresolved", "refundable": "false"},
		{"scope": "global", "module_id": "", "category_id": "1", "reason_id": "3", "slug": "binding_error", "description": "input binding failed", "refundable": "true"},
		{"scope": "global", "module_id": "", "category_id": "1", "reason_id": "4", "slug": "plan_aborted", "description": "step never reached after an earlier ALL_OR_NOTHING failure", "refundable": "true"},
		{"scope": "global", "module_id": "", "category_id": "2", "reason_id": "1", "slug": "invalid_query", "description": "malformed query", "refundable": "true"},
	}); err != nil {
		t.Fatalf("writing reasons: %v", err)
	}
	reasons, err := catalog.LoadReasonCatalog(reasonsPath, reg)
	if err != nil {
		t.Fatalf("LoadReasonCatalog: %v", err)
	}

	log := logging.NewLogger(false)
	led := ledger.New(filepath.Join(dir, "ledger"), log)
	if tenantCredits > 0 {
		if _, err := led.PostTransaction(ledger.Transaction{
			TenantID: "t1", Type: ledger.TypeTopup, AmountCredits: tenantCredits,
			Metadata: map[string]string{"idempotency_key": "seed"},
		}); err != nil {
			t.Fatalf("seeding balance: %v", err)
		}
	}

	runs := runstate.NewStore(filepath.Join(dir, "runstate.json"))
	cache := cacheindex.New(filepath.Join(dir, "cache_index.csv"))

	modules := module.NewRegistry()
	search.Register(modules)
	packagestd.Register(modules)

	secrets, err := secretstore.Open(context.Background(), config.SecretStoreConfig{Backend: "env"}, nil)
	if err != nil {
		t.Fatalf("Open secret store: %v", err)
	}

	exec := New(
		config.ExecutorConfig{},
		reg, prices, reasons,
		secrets,
		led, runs, cache, modules, nil,
		filepath.Join(dir, "runtime"), filepath.Join(dir, "evidence"),
		config.CacheIndexConfig{},
		log,
	)

	return &testEnv{
		exec: exec,
		wo: func(t *testing.T, content string) string {
			t.Helper()
			path := filepath.Join(dir, "wo.yaml")
			if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
				t.Fatalf("writing workorder fixture: %v", err)
			}
			return path
		},
	}
}

func TestRun_HappyPathChargesAndCompletes(t *testing.T) {
	env := newTestEnv(t, 100)
	bundleFile := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(bundleFile, []byte("hello"), 0o600); err != nil {
		t.Fatalf("writing bundle fixture: %v", err)
	}

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
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != runstate.RunCompleted {
		t.Fatalf("expected COMPLETED, got %v", run.Status)
	}
	if got := env.exec.ledger.Balance("t1"); got != 85 {
		t.Errorf("expected balance 85 after spending 15, got %d", got)
	}
}

func TestRun_InsufficientCreditsStopsBeforeReservation(t *testing.T) {
	env := newTestEnv(t, 1)
	path := env.wo(t, `
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
`)

	run, err := env.exec.Run(context.Background(), "t1", path)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != runstate.RunFailed {
		t.Fatalf("expected FAILED, got %v", run.Status)
	}
	if got := env.exec.ledger.Balance("t1"); got != 1 {
		t.Errorf("expected balance untouched at 1, got %d", got)
	}
}

func TestRun_BindingErrorFailsStepAndRefunds(t *testing.T) {
	env := newTestEnv(t, 100)
	path := env.wo(t, `
work_order_id: wo3
tenant_id: t1
enabled: true
mode: ALL_OR_NOTHING
steps:
  - step_id: s1
    module_id: package_std
    kind: packaging
    enabled: true
    inputs:
      bundle:
        from_step: ghost
        selector: results
`)

	run, err := env.exec.Run(context.Background(), "t1", path)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != runstate.RunFailed {
		t.Fatalf("expected FAILED, got %v", run.Status)
	}
}

func TestPool_RunsSubmittedJobToCompletion(t *testing.T) {
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

	pool := NewPool(env.exec, 2, logging.NewLogger(false))
	results := pool.Run(context.Background(), []Job{
		{TenantID: "t1", WorkOrderPath: path},
	})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Err != nil {
		t.Fatalf("unexpected job error: %v", results[0].Err)
	}
	if results[0].Run.Status != runstate.RunCompleted {
		t.Errorf("expected COMPLETED, got %v", results[0].Run.Status)
	}
}
