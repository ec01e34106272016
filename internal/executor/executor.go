// Package executor implements the Executor's per-workorder lifecycle
// (§4.11): load, preflight, price, reserve, run steps in plan order,
// refund, archive evidence, and reduce to a terminal status.
package executor

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"workforge/internal/binder"
	"workforge/internal/cacheindex"
	"workforge/internal/catalog"
	"workforge/internal/evidence"
	"workforge/internal/idempotency"
	"workforge/internal/ids"
	"workforge/internal/ledger"
	"workforge/internal/module"
	"workforge/internal/planner"
	"workforge/internal/preflight"
	"workforge/internal/refund"
	"workforge/internal/runstate"
	"workforge/internal/statusreducer"
	"workforge/internal/werrors"
	"workforge/internal/workorder"
	"workforge/pkg/config"
	"workforge/pkg/logging"
)

// Executor owns every collaborator needed to run a single workorder to
// completion. One Executor is shared by every workorder task admitted
// by the worker pool (§5.1); the Ledger, Run-State Store, and Cache
// Index it wraps are themselves single-writer and safe for concurrent
// callers.
type Executor struct {
	cfg       config.ExecutorConfig
	reg       *catalog.Registry
	prices    *catalog.PriceBook
	reasons   *catalog.ReasonCatalog
	secrets   preflight.SecretResolver
	ledger    *ledger.Ledger
	runs      *runstate.Store
	cache     *cacheindex.Index
	modules   *module.Registry
	moduleCfg map[string]config.Module

	runtimeDir  string // base for per-step outputs: <runtimeDir>/runs/<tenant>/<wo>/<step>
	evidenceDir string
	cacheCfg    config.CacheIndexConfig

	log logging.Logger
	now func() time.Time
}

// New constructs an Executor. moduleCfg selects, per module_id, whether
// it runs in-process (looked up in modules) or as a subprocess
// (command/args from the config entry); a module_id absent from
// moduleCfg is assumed in-process.
func New(
	cfg config.ExecutorConfig,
	reg *catalog.Registry,
	prices *catalog.PriceBook,
	reasons *catalog.ReasonCatalog,
	secrets preflight.SecretResolver,
	led *ledger.Ledger,
	runs *runstate.Store,
	cache *cacheindex.Index,
	modules *module.Registry,
	moduleCfg map[string]config.Module,
	runtimeDir, evidenceDir string,
	cacheCfg config.CacheIndexConfig,
	log logging.Logger,
) *Executor {
	return &Executor{
		cfg: cfg, reg: reg, prices: prices, reasons: reasons, secrets: secrets,
		ledger: led, runs: runs, cache: cache, modules: modules, moduleCfg: moduleCfg,
		runtimeDir: runtimeDir, evidenceDir: evidenceDir, cacheCfg: cacheCfg,
		log: log, now: func() time.Time { return time.Now().UTC() },
	}
}

// priceLine is one priced (step, deliverable) pair resolved at
// reservation time, kept so refunds can re-use the exact same price
// even if the price book changes later.
type priceLine struct {
	stepID        string
	moduleID      string
	deliverableID string
	credits       int
}

// idempotencyKey picks StepRunCharge for the __run__ line and
// DeliverableCharge for a named deliverable, per the two key
// derivations idempotency.go exposes for reservation items.
func (l priceLine) idempotencyKey(tenantID, workOrderID string) string {
	if l.deliverableID == catalog.RunDeliverable {
		return idempotency.StepRunCharge(tenantID, workOrderID, l.stepID, l.moduleID)
	}
	return idempotency.DeliverableCharge(tenantID, workOrderID, l.stepID, l.moduleID, l.deliverableID)
}

// Run executes one workorder document end to end and returns its final
// run record.
func (e *Executor) Run(ctx context.Context, tenantID, workOrderPath string) (*runstate.RunRecord, error) {
	wo, err := workorder.Load(workOrderPath)
	if err != nil {
		return nil, err
	}
	if wo.TenantID != tenantID {
		return nil, werrors.Newf(werrors.KindValidation, "workorder %q belongs to tenant %q, not requested tenant %q", wo.WorkOrderID, wo.TenantID, tenantID)
	}

	if _, err := e.runs.CreateRun(ctx, tenantID, wo.WorkOrderID, nil); err != nil {
		return nil, err
	}
	if err := e.runs.SetRunStatus(ctx, tenantID, wo.WorkOrderID, runstate.RunRunning, nil); err != nil {
		return nil, err
	}

	plan, err := planner.Plan(wo.EnabledSteps(), e.reg)
	if err != nil {
		return e.terminal(ctx, tenantID, wo, runstate.RunFailed, "plan_failed", map[string]string{"error": err.Error()})
	}

	if failed, err := e.runPreflight(ctx, tenantID, wo, plan); err != nil {
		return nil, err
	} else if failed != "" {
		return e.terminal(ctx, tenantID, wo, runstate.RunFailed, failed, nil)
	}

	at := e.now()
	lines, estTotal, err := e.priceLines(plan, at)
	if err != nil {
		return e.terminal(ctx, tenantID, wo, runstate.RunFailed, "pricing_failed", map[string]string{"error": err.Error()})
	}

	if e.ledger.Balance(tenantID) < estTotal {
		if err := e.emitZeroSpend(tenantID, wo, "not_enough_credits"); err != nil {
			return nil, err
		}
		return e.terminal(ctx, tenantID, wo, runstate.RunFailed, "not_enough_credits", nil)
	}

	if err := e.reserve(tenantID, wo, lines, estTotal); err != nil {
		return nil, err
	}

	stepStatuses, outcomes, publishRequired, publishCompleted, err := e.runSteps(ctx, tenantID, wo, plan)
	if err != nil {
		return nil, err
	}

	reservedLookup := reservedPriceLookup(lines)
	if _, err := refund.Emit(e.ledger, e.reasons, tenantID, wo.WorkOrderID, outcomes, reservedLookup); err != nil {
		return nil, err
	}
	if err := e.ledger.Flush(); err != nil {
		return nil, err
	}

	zipPath, manifestPath, err := e.archiveEvidence(tenantID, wo.WorkOrderID)
	if err != nil {
		return nil, err
	}
	if zipPath != "" {
		ttl := e.cacheCfg.TTLFor("runtime_evidence")
		e.cache.Register("evidence", "runtime_evidence", zipPath, ttl)
		e.cache.Register("evidence", "runtime_evidence", manifestPath, ttl)
		if err := e.cache.Flush(); err != nil {
			return nil, err
		}
	}

	status := statusreducer.Reduce(stepStatuses, len(outcomes) > 0, publishRequired, publishCompleted)
	return e.terminal(ctx, tenantID, wo, status, "", nil)
}

// runPreflight runs the two Preflight Gate checks. A non-empty return
// string is the reason_slug the run should terminate FAILED with; for
// secrets_missing, runPreflight has already posted the zero-amount
// audit SPEND itself.
func (e *Executor) runPreflight(ctx context.Context, tenantID string, wo *workorder.WorkOrder, plan []workorder.Step) (string, error) {
	missing, err := preflight.RequiredSecrets(ctx, tenantID, plan, e.reg, e.secrets)
	if err != nil {
		return "", err
	}
	if len(missing) > 0 {
		if err := e.emitZeroSpend(tenantID, wo, "secrets_missing"); err != nil {
			return "", err
		}
		return "secrets_missing", nil
	}

	if err := preflight.ActivationGating(wo, e.reg, e.log); err != nil {
		return "activation_gating_violation", nil
	}
	return "", nil
}

func (e *Executor) emitZeroSpend(tenantID string, wo *workorder.WorkOrder, reasonSlug string) error {
	code, err := e.reasons.Code(ids.ReasonScopeGlobal, "", reasonSlug)
	if err != nil {
		return err
	}
	key := idempotency.WorkOrderSpend(tenantID, wo.WorkOrderID, wo.Path, "preflight:"+reasonSlug)
	_, err = e.ledger.PostTransaction(ledger.Transaction{
		TenantID: tenantID, WorkOrderID: wo.WorkOrderID, Type: ledger.TypeSpend,
		AmountCredits: 0, ReasonCode: code,
		Metadata: map[string]string{"idempotency_key": key},
	})
	if err != nil {
		return err
	}
	return e.ledger.Flush()
}

// priceLines resolves the reservation-time price of every step's
// __run__ invocation plus each requested deliverable.
func (e *Executor) priceLines(plan []workorder.Step, at time.Time) ([]priceLine, int, error) {
	var lines []priceLine
	total := 0
	for _, step := range plan {
		runPrice, err := e.prices.Price(step.ModuleID, catalog.RunDeliverable, at)
		if err != nil {
			return nil, 0, err
		}
		lines = append(lines, priceLine{stepID: step.StepID, moduleID: step.ModuleID, deliverableID: catalog.RunDeliverable, credits: runPrice})
		total += runPrice

		for _, d := range step.RequestedDeliverables {
			price, err := e.prices.Price(step.ModuleID, d, at)
			if err != nil {
				return nil, 0, err
			}
			lines = append(lines, priceLine{stepID: step.StepID, moduleID: step.ModuleID, deliverableID: d, credits: price})
			total += price
		}
	}
	return lines, total, nil
}

// reserve posts the single workorder-level SPEND transaction and one
// TransactionItem per priced line.
func (e *Executor) reserve(tenantID string, wo *workorder.WorkOrder, lines []priceLine, total int) error {
	spendKey := idempotency.WorkOrderSpend(tenantID, wo.WorkOrderID, wo.Path, string(wo.Mode))
	tx, err := e.ledger.PostTransaction(ledger.Transaction{
		TenantID: tenantID, WorkOrderID: wo.WorkOrderID, Type: ledger.TypeSpend,
		AmountCredits: -total,
		Metadata:      map[string]string{"idempotency_key": spendKey},
	})
	if err != nil {
		return err
	}

	for _, line := range lines {
		if line.credits == 0 {
			continue
		}
		itemKey := line.idempotencyKey(tenantID, wo.WorkOrderID)
		_, err := e.ledger.PostTransactionItem(ledger.TransactionItem{
			TransactionID: tx.TransactionID,
			TenantID:      tenantID,
			ModuleID:      line.moduleID,
			WorkOrderID:   wo.WorkOrderID,
			StepID:        line.stepID,
			DeliverableID: line.deliverableID,
			Type:          ledger.TypeSpend,
			AmountCredits: -line.credits,
			Metadata:      map[string]string{"idempotency_key": itemKey},
		})
		if err != nil {
			return err
		}
	}
	return e.ledger.Flush()
}

func reservedPriceLookup(lines []priceLine) refund.ReservedPrice {
	byKey := make(map[string]int, len(lines))
	for _, l := range lines {
		if l.credits == 0 {
			continue
		}
		byKey[l.stepID+"\x1f"+l.deliverableID] = l.credits
	}
	return func(stepID, deliverableID string) (int, bool) {
		credits, ok := byKey[stepID+"\x1f"+deliverableID]
		return credits, ok
	}
}

// reasonPlanAborted is the global, refundable reason posted for steps
// the plan never reached because an earlier step failed under
// ALL_OR_NOTHING. Their reservations are returned in full: the step
// never ran, so it never had a chance to earn its charge.
const reasonPlanAborted = "plan_aborted"

// runSteps executes the plan in order, stopping early under
// ALL_OR_NOTHING on the first step failure but always returning every
// outcome observed so far for the refund phase. Steps the plan never
// reached because of that early stop are reported as abandoned so
// their reservations are refunded alongside the step that failed.
func (e *Executor) runSteps(ctx context.Context, tenantID string, wo *workorder.WorkOrder, plan []workorder.Step) ([]runstate.StepStatus, []refund.StepOutcome, bool, bool, error) {
	priorOutputs := make(map[string]binder.StepOutput, len(plan))
	var statuses []runstate.StepStatus
	var outcomes []refund.StepOutcome
	publishRequired := false
	publishCompleted := false

	for i, step := range plan {
		contract, err := e.reg.GetContract(step.ModuleID)
		if err != nil {
			return nil, nil, false, false, err
		}
		if contract.Kind == catalog.KindDelivery {
			publishRequired = true
		}

		status, outcome, stepErr := e.runStep(ctx, tenantID, wo, step, contract, priorOutputs)
		if stepErr != nil {
			return nil, nil, false, false, stepErr
		}
		statuses = append(statuses, status)
		if outcome != nil {
			outcomes = append(outcomes, *outcome)
		}
		if contract.Kind == catalog.KindDelivery && status == runstate.StepCompleted {
			publishCompleted = true
		}

		if status == runstate.StepFailed && wo.Mode == workorder.ModeAllOrNothing {
			outcomes = append(outcomes, abandonedOutcomes(plan[i+1:])...)
			break
		}
	}
	return statuses, outcomes, publishRequired, publishCompleted, nil
}

// abandonedOutcomes builds a refund.StepOutcome for every step an
// ALL_OR_NOTHING abort left unreached, so their eager reservations are
// returned rather than stranded.
func abandonedOutcomes(remaining []workorder.Step) []refund.StepOutcome {
	outcomes := make([]refund.StepOutcome, 0, len(remaining))
	for _, step := range remaining {
		outcomes = append(outcomes, refund.StepOutcome{
			StepID:                  step.StepID,
			ModuleID:                step.ModuleID,
			ReasonSlug:              reasonPlanAborted,
			NonDelivery:             true,
			FailedBeforeDeliverable: true,
			Deliverables:            step.RequestedDeliverables,
		})
	}
	return outcomes
}

// runStep executes one step: bind inputs, invoke the module under its
// kind's timeout, record the run-state transition, and capture its
// outputs for later steps. A non-nil refund.StepOutcome is returned
// only when the step failed (success never needs a refund).
func (e *Executor) runStep(ctx context.Context, tenantID string, wo *workorder.WorkOrder, step workorder.Step, contract catalog.ModuleContract, priorOutputs map[string]binder.StepOutput) (runstate.StepStatus, *refund.StepOutcome, error) {
	stepRunKey := idempotency.StepRun(tenantID, wo.WorkOrderID, step.StepID, step.ModuleID)
	outputsDir := filepath.Join(e.runtimeDir, "runs", tenantID, wo.WorkOrderID, step.StepID)

	if _, err := e.runs.CreateStepRun(ctx, tenantID, wo.WorkOrderID, step.StepID, step.ModuleID, stepRunKey, outputsDir, nil); err != nil {
		return "", nil, err
	}
	if err := e.runs.SetStepRunStatus(ctx, tenantID, wo.WorkOrderID, step.StepID, stepRunKey, runstate.StepRunning, false); err != nil {
		return "", nil, err
	}

	platformInputs := e.platformInputs(ctx, tenantID, wo.WorkOrderID, step, contract)

	params, err := binder.Bind(step, e.reg, priorOutputs, platformInputs)
	if err != nil {
		return e.fail(ctx, tenantID, wo, step, stepRunKey, contract, "binding_error")
	}

	if err := os.MkdirAll(outputsDir, 0o750); err != nil {
		return "", nil, werrors.Wrap(werrors.KindInfra, err, "creating step outputs directory")
	}

	invoker, err := e.resolveInvoker(step.ModuleID)
	if err != nil {
		return "", nil, err
	}

	stepCtx, cancel := context.WithTimeout(ctx, e.timeoutFor(contract.Kind))
	outcome, invokeErr := invoker.Invoke(stepCtx, params, outputsDir)
	cancel()

	if invokeErr != nil {
		reasonSlug := "module_invocation_failed"
		if stepCtx.Err() == context.DeadlineExceeded {
			reasonSlug = "timeout"
		}
		return e.fail(ctx, tenantID, wo, step, stepRunKey, contract, reasonSlug)
	}

	switch outcome.Status {
	case module.StatusCompleted:
		if err := e.runs.SetStepRunStatus(ctx, tenantID, wo.WorkOrderID, step.StepID, stepRunKey, runstate.StepCompleted, true); err != nil {
			return "", nil, err
		}
		priorOutputs[step.StepID] = binder.StepOutput{
			ModuleID:     step.ModuleID,
			Values:       outcome.Metadata,
			PlatformOnly: platformOnlyOutputs(contract),
		}
		return runstate.StepCompleted, nil, nil
	default:
		if err := e.runs.SetStepRunStatus(ctx, tenantID, wo.WorkOrderID, step.StepID, stepRunKey, runstate.StepFailed, true); err != nil {
			return "", nil, err
		}
		stepOutcome := refund.StepOutcome{
			StepID: step.StepID, ModuleID: step.ModuleID, Kind: contract.Kind,
			ReasonSlug:              outcome.ReasonSlug,
			NonDelivery:             outcome.RefundEligible,
			FailedBeforeDeliverable: outcome.RefundEligible,
			Deliverables:            step.RequestedDeliverables,
		}
		return runstate.StepFailed, &stepOutcome, nil
	}
}

func (e *Executor) fail(ctx context.Context, tenantID string, wo *workorder.WorkOrder, step workorder.Step, stepRunKey string, contract catalog.ModuleContract, reasonSlug string) (runstate.StepStatus, *refund.StepOutcome, error) {
	if err := e.runs.SetStepRunStatus(ctx, tenantID, wo.WorkOrderID, step.StepID, stepRunKey, runstate.StepFailed, true); err != nil {
		return "", nil, err
	}
	outcome := refund.StepOutcome{
		StepID: step.StepID, ModuleID: step.ModuleID, Kind: contract.Kind,
		ReasonSlug: reasonSlug, NonDelivery: true, FailedBeforeDeliverable: true,
		Deliverables: step.RequestedDeliverables,
	}
	return runstate.StepFailed, &outcome, nil
}

// platformInputs builds the platform-injected input map for a step:
// the module's declared platform-only input ports plus the
// limited_inputs of any requested deliverable, resolved first from the
// secret store (keyed by the port name) and falling back to the
// well-known identity values every step may be injected with.
func (e *Executor) platformInputs(ctx context.Context, tenantID, workOrderID string, step workorder.Step, contract catalog.ModuleContract) map[string]any {
	keys := map[string]bool{}
	for _, k := range contract.Ports.PlatformOnly.Inputs {
		keys[k] = true
	}
	requested := map[string]bool{}
	for _, d := range step.RequestedDeliverables {
		requested[d] = true
	}
	for id, d := range contract.Deliverables {
		if !requested[id] {
			continue
		}
		for _, k := range d.LimitedInputs {
			keys[k] = true
		}
	}

	out := make(map[string]any, len(keys))
	for key := range keys {
		if v, ok := e.secrets.Resolve(ctx, tenantID, key); ok {
			out[key] = v
			continue
		}
		switch key {
		case "tenant_id":
			out[key] = tenantID
		case "work_order_id":
			out[key] = workOrderID
		case "step_id":
			out[key] = step.StepID
		}
	}
	return out
}

// platformOnlyOutputs returns the output keys a module's contract
// declares platform_only, so the binder can tell them apart from
// tenant-visible keys inside the same captured Values map. Whether a
// later step may actually forward one of these keys is decided by the
// CONSUMING module's own contract (catalog.ModuleContract.ForwardedPlatformOutputs),
// not by anything the producer declares here.
func platformOnlyOutputs(contract catalog.ModuleContract) map[string]bool {
	out := make(map[string]bool, len(contract.Ports.PlatformOnly.Outputs))
	for _, k := range contract.Ports.PlatformOnly.Outputs {
		out[k] = true
	}
	return out
}

// resolveInvoker picks the subprocess adapter when the module's config
// entry says so, otherwise looks it up in the in-process registry.
func (e *Executor) resolveInvoker(moduleID string) (module.Invoker, error) {
	if m, ok := e.moduleCfg[moduleID]; ok && m.Invocation == "subprocess" {
		return module.NewSubprocess(m.Command, m.Args...), nil
	}
	return e.modules.Get(moduleID)
}

func (e *Executor) timeoutFor(kind catalog.ModuleKind) time.Duration {
	switch kind {
	case catalog.KindAcquisition:
		return e.cfg.Timeouts.AcquisitionTimeout()
	case catalog.KindTransform:
		return e.cfg.Timeouts.TransformTimeout()
	case catalog.KindPackaging:
		return e.cfg.Timeouts.PackagingTimeout()
	case catalog.KindDelivery:
		return e.cfg.Timeouts.DeliveryTimeout()
	default:
		return e.cfg.Timeouts.TransformTimeout()
	}
}

// archiveEvidence collects this run's output directory into a zip plus
// manifest. A run directory that does not exist (no steps executed)
// yields no archive.
func (e *Executor) archiveEvidence(tenantID, workOrderID string) (zipPath, manifestPath string, err error) {
	runDir := filepath.Join(e.runtimeDir, "runs", tenantID, workOrderID)
	if _, statErr := os.Stat(runDir); os.IsNotExist(statErr) {
		return "", "", nil
	}
	stamp := e.now().Format("20060102T150405Z")
	return evidence.Archive(runDir, e.evidenceDir, tenantID, workOrderID, stamp, e.now())
}

// terminal sets the run's final status (attaching an optional reason in
// metadata) and returns the up-to-date run record.
func (e *Executor) terminal(ctx context.Context, tenantID string, wo *workorder.WorkOrder, status runstate.RunStatus, reasonSlug string, extra map[string]string) (*runstate.RunRecord, error) {
	metadata := extra
	if reasonSlug != "" {
		if metadata == nil {
			metadata = map[string]string{}
		}
		metadata["reason_slug"] = reasonSlug
	}
	if err := e.runs.SetRunStatus(ctx, tenantID, wo.WorkOrderID, status, metadata); err != nil {
		return nil, err
	}
	return e.runs.GetRun(ctx, tenantID, wo.WorkOrderID)
}
