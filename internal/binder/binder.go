// Package binder resolves a step's declared inputs into the concrete
// params map passed to a module's entry point (§4.9), enforcing port
// visibility along the way.
package binder

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"workforge/internal/catalog"
	"workforge/internal/werrors"
	"workforge/internal/workorder"
)

// StepOutput is a prior step's captured output.
type StepOutput struct {
	ModuleID string
	Values   map[string]any
	// PlatformOnly marks which keys of Values the producing module
	// declared platform_only, as opposed to tenant_visible. A key absent
	// from this set is tenant-visible.
	PlatformOnly map[string]bool
}

// Bind resolves every declared input of step into a flat params map,
// then merges in any platform-injected values (which always win on key
// collision, per rule 2).
func Bind(step workorder.Step, reg *catalog.Registry, priorOutputs map[string]StepOutput, platformInputs map[string]any) (map[string]any, error) {
	contract, err := reg.GetContract(step.ModuleID)
	if err != nil {
		return nil, err
	}
	tenantVisible := make(map[string]bool, len(contract.Ports.TenantVisible.Inputs))
	for _, k := range contract.Ports.TenantVisible.Inputs {
		tenantVisible[k] = true
	}
	forwardAllowed := make(map[string]bool, len(contract.ForwardedPlatformOutputs))
	for _, k := range contract.ForwardedPlatformOutputs {
		forwardAllowed[k] = true
	}

	params := make(map[string]any, len(step.Inputs)+len(platformInputs))

	for key, in := range step.Inputs {
		if !tenantVisible[key] {
			return nil, bindingErr(step.StepID, fmt.Sprintf("input %q is not tenant-visible for module %q", key, step.ModuleID))
		}
		value, err := resolveInput(step.StepID, key, in, priorOutputs, forwardAllowed)
		if err != nil {
			return nil, err
		}
		params[key] = value
	}

	// platform-injected values always win on collision (rule 2).
	for key, value := range platformInputs {
		params[key] = value
	}

	return params, nil
}

func resolveInput(stepID, key string, in workorder.Input, priorOutputs map[string]StepOutput, forwardAllowed map[string]bool) (any, error) {
	switch {
	case in.IsFixture():
		return "file://" + in.Fixture, nil
	case in.IsReference():
		ref := in.FromStep
		prior, ok := priorOutputs[ref.FromStep]
		if !ok {
			return nil, bindingErr(stepID, fmt.Sprintf("input %q references undefined from_step %q", key, ref.FromStep))
		}
		return resolveFromStep(stepID, key, ref, prior, forwardAllowed)
	default:
		return in.Literal, nil
	}
}

func resolveFromStep(stepID, key string, ref *workorder.FromStepRef, prior StepOutput, forwardAllowed map[string]bool) (any, error) {
	selector := ref.Selector
	if selector == "" {
		selector = ref.JSONPath
	}
	if selector == "" {
		return nil, bindingErr(stepID, fmt.Sprintf("input %q: from_step reference needs selector or json_path", key))
	}

	if ref.JSONPath != "" {
		if _, ok := rootKey(ref.JSONPath, prior, forwardAllowed); !ok {
			return nil, bindingErr(stepID, fmt.Sprintf("input %q: json_path %q roots at an unpublished output of %q", key, ref.JSONPath, prior.ModuleID))
		}
		doc, err := json.Marshal(prior.Values)
		if err != nil {
			return nil, werrors.Wrap(werrors.KindInfra, err, "marshaling prior step output for json_path evaluation")
		}
		result := gjson.GetBytes(doc, ref.JSONPath)
		if !result.Exists() {
			return nil, bindingErr(stepID, fmt.Sprintf("input %q: json_path %q did not match any value", key, ref.JSONPath))
		}
		return applyTake(result.Value(), ref.Take), nil
	}

	value, present := prior.Values[ref.Selector]
	if !present {
		return nil, bindingErr(stepID, fmt.Sprintf("input %q: selector %q is not a tenant-visible output of %q", key, ref.Selector, prior.ModuleID))
	}
	if prior.PlatformOnly[ref.Selector] && !forwardAllowed[ref.Selector] {
		return nil, bindingErr(stepID, fmt.Sprintf("input %q: selector %q is a platform-only output of %q with no forwarding allowance", key, ref.Selector, prior.ModuleID))
	}
	return applyTake(value, ref.Take), nil
}

// rootKey extracts the leading path segment of a gjson path so port
// visibility can be checked against it before evaluating the full
// expression.
func rootKey(path string, prior StepOutput, forwardAllowed map[string]bool) (string, bool) {
	root := path
	for i, r := range path {
		if r == '.' || r == '[' {
			root = path[:i]
			break
		}
	}
	if _, present := prior.Values[root]; !present {
		return root, false
	}
	if prior.PlatformOnly[root] && !forwardAllowed[root] {
		return root, false
	}
	return root, true
}

func applyTake(value any, take int) any {
	if take <= 0 {
		return value
	}
	list, ok := value.([]any)
	if !ok {
		return value
	}
	if take > len(list) {
		take = len(list)
	}
	return list[:take]
}

func bindingErr(stepID, message string) error {
	return werrors.New(werrors.KindBinding, message).WithStep(stepID)
}
