// Package planner topologically orders the steps of a work order subject
// to their modules' declared depends_on, restricted to the set of
// modules actually requested by the plan (§4.8).
package planner

import (
	"workforge/internal/catalog"
	"workforge/internal/werrors"
	"workforge/internal/workorder"
)

type color int

const (
	white color = iota
	gray
	black
)

// Plan builds a stable topological ordering of steps. depends_on is
// declared per module, not per step, so the DFS walks the module graph;
// a module visited once is expanded back into every step that
// references it, in the order those steps were given. Ties (independent
// subgraphs, or no dependency relation at all) are broken by the
// input steps' insertion order, giving a deterministic plan for a given
// work order document.
func Plan(steps []workorder.Step, reg *catalog.Registry) ([]workorder.Step, error) {
	stepsByModule := make(map[string][]workorder.Step, len(steps))
	order := make(map[string]int, len(steps))
	var moduleOrder []string
	for i, s := range steps {
		if _, seen := order[s.ModuleID]; !seen {
			order[s.ModuleID] = i
			moduleOrder = append(moduleOrder, s.ModuleID)
		}
		stepsByModule[s.ModuleID] = append(stepsByModule[s.ModuleID], s)
	}

	colors := make(map[string]color, len(moduleOrder))
	var sortedModules []string

	var visit func(moduleID string) error
	visit = func(moduleID string) error {
		switch colors[moduleID] {
		case black:
			return nil
		case gray:
			return werrors.Wrap(werrors.KindValidation, werrors.ErrCycle, "dependency cycle at module "+moduleID)
		}
		colors[moduleID] = gray

		contract, err := reg.GetContract(moduleID)
		if err != nil {
			return err
		}
		deps := make([]string, len(contract.DependsOn))
		copy(deps, contract.DependsOn)
		// stable-sort deps by their position in the requested step list,
		// so that independent dependency chains still resolve in
		// insertion order rather than contract declaration order.
		for i := 1; i < len(deps); i++ {
			for j := i; j > 0 && depLess(deps[j], deps[j-1], order); j-- {
				deps[j], deps[j-1] = deps[j-1], deps[j]
			}
		}

		for _, dep := range deps {
			if _, requested := stepsByModule[dep]; !requested {
				return werrors.Wrap(werrors.KindValidation, werrors.ErrMissingDep, "module "+moduleID+" depends on unrequested module "+dep)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		colors[moduleID] = black
		sortedModules = append(sortedModules, moduleID)
		return nil
	}

	for _, moduleID := range moduleOrder {
		if err := visit(moduleID); err != nil {
			return nil, err
		}
	}

	out := make([]workorder.Step, 0, len(steps))
	for _, moduleID := range sortedModules {
		out = append(out, stepsByModule[moduleID]...)
	}
	return out, nil
}

func depLess(a, b string, order map[string]int) bool {
	return order[a] < order[b]
}
