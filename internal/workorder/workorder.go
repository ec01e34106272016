// Package workorder defines the declarative work order document and its
// YAML loader (§6.1), following the teacher's yaml.v3-decode-then-
// validate pattern used for its own project configuration.
package workorder

import (
	"os"

	"gopkg.in/yaml.v3"

	"workforge/internal/catalog"
	"workforge/internal/werrors"
)

// Mode governs whether a step failure stops the remaining plan.
type Mode string

const (
	ModeAllOrNothing   Mode = "ALL_OR_NOTHING"
	ModePartialAllowed Mode = "PARTIAL_ALLOWED"
)

// Input is one step input value: a literal, a from_step reference, or a
// self-test fixture reference. Exactly one of these populates at decode
// time; UnmarshalYAML distinguishes them by shape.
type Input struct {
	Literal  any
	FromStep *FromStepRef
	Fixture  string
}

// FromStepRef resolves a value from a prior step's declared output.
type FromStepRef struct {
	FromStep string `yaml:"from_step"`
	Selector string `yaml:"selector,omitempty"`
	JSONPath string `yaml:"json_path,omitempty"`
	Take     int    `yaml:"take,omitempty"`
}

type rawInput struct {
	FromStep string `yaml:"from_step"`
	Selector string `yaml:"selector,omitempty"`
	JSONPath string `yaml:"json_path,omitempty"`
	Take     int    `yaml:"take,omitempty"`
	Fixture  string `yaml:"fixture,omitempty"`
}

// UnmarshalYAML decodes a step input, disambiguating literal values from
// the from_step/fixture object shapes.
func (in *Input) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.MappingNode {
		var raw rawInput
		if err := value.Decode(&raw); err == nil && (raw.FromStep != "" || raw.Fixture != "") {
			if raw.Fixture != "" {
				in.Fixture = raw.Fixture
				return nil
			}
			in.FromStep = &FromStepRef{
				FromStep: raw.FromStep,
				Selector: raw.Selector,
				JSONPath: raw.JSONPath,
				Take:     raw.Take,
			}
			return nil
		}
	}
	var literal any
	if err := value.Decode(&literal); err != nil {
		return err
	}
	in.Literal = literal
	return nil
}

// IsReference reports whether this input resolves from a prior step.
func (in Input) IsReference() bool {
	return in.FromStep != nil
}

// IsFixture reports whether this input is a self-test fixture path.
func (in Input) IsFixture() bool {
	return in.Fixture != ""
}

// Step is one module invocation within a work order.
type Step struct {
	StepID                string              `yaml:"step_id"`
	ModuleID              string              `yaml:"module_id"`
	Kind                  catalog.ModuleKind  `yaml:"kind"`
	Inputs                map[string]Input    `yaml:"inputs,omitempty"`
	RequestedDeliverables []string            `yaml:"requested_deliverables,omitempty"`
	Enabled               bool                `yaml:"enabled"`
}

// WorkOrder is the declarative job request document (§6.1).
type WorkOrder struct {
	WorkOrderID        string `yaml:"work_order_id"`
	TenantID           string `yaml:"tenant_id"`
	Enabled            bool   `yaml:"enabled"`
	Mode               Mode   `yaml:"mode"`
	ArtifactsRequested bool   `yaml:"artifacts_requested"`
	Steps              []Step `yaml:"steps"`

	// Path is the filesystem location this document was loaded from; it
	// feeds the workorder-level idempotency key and is not part of the
	// wire document itself.
	Path string `yaml:"-"`
}

// Load reads and parses a work order document from path.
func Load(path string) (*WorkOrder, error) {
	//nolint:gosec // G304: path comes from a trusted queue entry
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindInfra, err, "reading workorder document "+path)
	}
	var wo WorkOrder
	if err := yaml.Unmarshal(data, &wo); err != nil {
		return nil, werrors.Wrap(werrors.KindValidation, err, "parsing workorder document "+path)
	}
	wo.Path = path
	if err := validate(&wo); err != nil {
		return nil, err
	}
	return &wo, nil
}

func validate(wo *WorkOrder) error {
	if wo.WorkOrderID == "" {
		return werrors.New(werrors.KindValidation, "work_order_id must be non-empty")
	}
	if wo.TenantID == "" {
		return werrors.New(werrors.KindValidation, "tenant_id must be non-empty")
	}
	if wo.Mode != ModeAllOrNothing && wo.Mode != ModePartialAllowed {
		return werrors.Newf(werrors.KindValidation, "mode must be ALL_OR_NOTHING or PARTIAL_ALLOWED, got %q", wo.Mode)
	}
	seen := make(map[string]bool, len(wo.Steps))
	for _, s := range wo.Steps {
		if s.StepID == "" {
			return werrors.New(werrors.KindValidation, "step_id must be non-empty")
		}
		if seen[s.StepID] {
			return werrors.Newf(werrors.KindValidation, "duplicate step_id %q", s.StepID)
		}
		seen[s.StepID] = true
		if s.ModuleID == "" {
			return werrors.Newf(werrors.KindValidation, "step %q: module_id must be non-empty", s.StepID)
		}
	}
	return nil
}

// EnabledSteps returns the steps with enabled=true, in document order.
func (wo *WorkOrder) EnabledSteps() []Step {
	out := make([]Step, 0, len(wo.Steps))
	for _, s := range wo.Steps {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// StepByID finds a step by its step_id.
func (wo *WorkOrder) StepByID(stepID string) (Step, bool) {
	for _, s := range wo.Steps {
		if s.StepID == stepID {
			return s, true
		}
	}
	return Step{}, false
}
