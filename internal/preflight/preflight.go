// Package preflight implements the Preflight Gate: the two checks the
// Executor runs before spending any credits on a workorder — required
// secrets and packaging/delivery activation gating.
package preflight

import (
	"context"
	"sort"

	"workforge/internal/catalog"
	"workforge/internal/werrors"
	"workforge/internal/workorder"
	"workforge/pkg/logging"
)

// SecretResolver resolves a tenant-scoped secret key to its value. A
// secret store (file/env or Postgres backed) satisfies this.
type SecretResolver interface {
	Resolve(ctx context.Context, tenantID, key string) (value string, ok bool)
}

// RequiredSecrets checks every enabled step's module.requirements.secrets
// against resolver and returns the sorted, deduplicated set of keys that
// failed to resolve to a non-empty value. An empty result means the
// check passed; the caller (Executor) is responsible for turning a
// non-empty result into the zero-amount SPEND with reason
// secrets_missing and a FAILED run.
func RequiredSecrets(ctx context.Context, tenantID string, steps []workorder.Step, reg *catalog.Registry, resolver SecretResolver) ([]string, error) {
	seen := map[string]bool{}
	for _, step := range steps {
		if !step.Enabled {
			continue
		}
		contract, err := reg.GetContract(step.ModuleID)
		if err != nil {
			return nil, err
		}
		for _, key := range contract.Requirements.Secrets {
			if seen[key] {
				continue
			}
			value, ok := resolver.Resolve(ctx, tenantID, key)
			if !ok || value == "" {
				seen[key] = true
			} else {
				seen[key] = false
			}
		}
	}

	var missing []string
	for key, isMissing := range seen {
		if isMissing {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing, nil
}

// ActivationGating checks packaging/delivery pairing: if any enabled
// step has kind=packaging, an enabled delivery step must follow it in
// document order; if the workorder requests artifacts, both a
// packaging and a delivery step must be present among the enabled
// steps. A violation on an enabled workorder is a fatal validation
// error; on a disabled workorder it is only logged.
func ActivationGating(wo *workorder.WorkOrder, reg *catalog.Registry, log logging.Logger) error {
	enabled := wo.EnabledSteps()

	var packagingSeen, deliverySeen bool
	var unpairedPackaging bool
	for i, step := range enabled {
		contract, err := reg.GetContract(step.ModuleID)
		if err != nil {
			return err
		}
		switch contract.Kind {
		case catalog.KindPackaging:
			packagingSeen = true
			if !hasDeliveryAfter(enabled[i+1:], reg) {
				unpairedPackaging = true
			}
		case catalog.KindDelivery:
			deliverySeen = true
		}
	}

	violations := unpairedPackaging
	if wo.ArtifactsRequested && (!packagingSeen || !deliverySeen) {
		violations = true
	}

	if !violations {
		return nil
	}

	message := "activation gating violation: packaging step without a following enabled delivery step, or artifacts_requested without both a packaging and a delivery step"
	if !wo.Enabled {
		log.Warn(message, logging.F("work_order_id", wo.WorkOrderID))
		return nil
	}
	return werrors.New(werrors.KindValidation, message)
}

func hasDeliveryAfter(rest []workorder.Step, reg *catalog.Registry) bool {
	for _, step := range rest {
		contract, err := reg.GetContract(step.ModuleID)
		if err != nil {
			continue
		}
		if contract.Kind == catalog.KindDelivery {
			return true
		}
	}
	return false
}
