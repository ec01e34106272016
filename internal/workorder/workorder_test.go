package workorder

import (
	"os"
	"path/filepath"
	"testing"
)

func writeWorkOrder(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "wo.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing workorder fixture: %v", err)
	}
	return path
}

func TestLoad_ParsesStepsAndInputs(t *testing.T) {
	path := writeWorkOrder(t, `
work_order_id: wo1
tenant_id: t1
enabled: true
mode: ALL_OR_NOTHING
artifacts_requested: true
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
      bundle:
        from_step: s1
        selector: results
        take: 5
`)

	wo, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if wo.WorkOrderID != "wo1" || wo.TenantID != "t1" {
		t.Fatalf("unexpected identifiers: %+v", wo)
	}
	if len(wo.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(wo.Steps))
	}

	s1, ok := wo.StepByID("s1")
	if !ok {
		t.Fatal("expected step s1")
	}
	if s1.Inputs["query"].Literal != "golang" {
		t.Errorf("expected literal input, got %+v", s1.Inputs["query"])
	}

	s2, ok := wo.StepByID("s2")
	if !ok {
		t.Fatal("expected step s2")
	}
	ref := s2.Inputs["bundle"]
	if !ref.IsReference() {
		t.Fatalf("expected from_step reference, got %+v", ref)
	}
	if ref.FromStep.FromStep != "s1" || ref.FromStep.Selector != "results" || ref.FromStep.Take != 5 {
		t.Errorf("unexpected FromStepRef: %+v", ref.FromStep)
	}
}

func TestLoad_RejectsMissingWorkOrderID(t *testing.T) {
	path := writeWorkOrder(t, `
tenant_id: t1
mode: ALL_OR_NOTHING
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing work_order_id")
	}
}

func TestLoad_RejectsDuplicateStepID(t *testing.T) {
	path := writeWorkOrder(t, `
work_order_id: wo1
tenant_id: t1
mode: ALL_OR_NOTHING
steps:
  - step_id: s1
    module_id: search
    kind: acquisition
    enabled: true
  - step_id: s1
    module_id: package_std
    kind: packaging
    enabled: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for duplicate step_id")
	}
}

func TestLoad_RejectsInvalidMode(t *testing.T) {
	path := writeWorkOrder(t, `
work_order_id: wo1
tenant_id: t1
mode: SOMETIMES
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for invalid mode")
	}
}

func TestEnabledSteps_FiltersDisabled(t *testing.T) {
	path := writeWorkOrder(t, `
work_order_id: wo1
tenant_id: t1
mode: PARTIAL_ALLOWED
steps:
  - step_id: s1
    module_id: search
    kind: acquisition
    enabled: true
  - step_id: s2
    module_id: package_std
    kind: packaging
    enabled: false
`)
	wo, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	enabled := wo.EnabledSteps()
	if len(enabled) != 1 || enabled[0].StepID != "s1" {
		t.Errorf("expected only s1 enabled, got %+v", enabled)
	}
}
