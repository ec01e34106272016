// Package publisher defines the out-of-core adapter a work order's
// delivery steps hand packaged artifacts to (§4.20): this module never
// uploads anywhere itself, it only specifies the interface and ships a
// no-op implementation so AWAITING_PUBLISH workflows have something to
// call in tests and in deployments with no external publish target
// configured.
package publisher

import (
	"context"

	"workforge/pkg/logging"
)

// ArtifactRef points at one packaged file a delivery step produced,
// identified well enough for an external publish target to fetch and
// verify it without re-reading the run directory.
type ArtifactRef struct {
	StepID        string
	DeliverableID string
	Path          string
	SHA256        string
}

// Receipt records the outcome of a delivery step, independent of
// whether publishing against that outcome has happened yet.
type Receipt struct {
	StepID string
	Status string
	Detail string
}

// Publisher hands a work order's packaged artifacts and delivery
// receipts to an external target. Implementations own retries and
// partial-failure handling; Publish returning nil means the work order
// may leave AWAITING_PUBLISH.
type Publisher interface {
	Publish(ctx context.Context, workOrderID string, artifacts []ArtifactRef, receipts []Receipt) error
}

// Noop satisfies Publisher without contacting anything external. It
// logs what it was handed and returns nil, the same way disabling a
// feature in config yields a trivial success instead of an error.
type Noop struct {
	Log logging.Logger
}

// Publish implements Publisher.
func (n Noop) Publish(_ context.Context, workOrderID string, artifacts []ArtifactRef, receipts []Receipt) error {
	if n.Log != nil {
		n.Log.Info("publish skipped: no publish target configured",
			logging.F("work_order_id", workOrderID),
			logging.F("artifact_count", len(artifacts)),
			logging.F("receipt_count", len(receipts)))
	}
	return nil
}
