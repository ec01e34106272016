// Package refund implements the Refund Engine (§4.12): given the
// executed steps of a run and the prices observed at reservation time,
// it emits REFUND transactions and items back onto the Ledger.
package refund

import (
	"workforge/internal/catalog"
	"workforge/internal/idempotency"
	"workforge/internal/ids"
	"workforge/internal/ledger"
)

// StepOutcome is the refund-relevant view of one executed step. The
// Executor sets NonDelivery and FailedBeforeDeliverable alike: both
// from the module's own refund_eligible assertion (§6.6 ABI), or both
// true when the step failed in binding or invocation; refundable then
// reads whichever field applies to the step's kind.
type StepOutcome struct {
	StepID                  string
	ModuleID                string
	Kind                    catalog.ModuleKind
	ReasonSlug              string   // module-reported reason_slug, empty on success
	NonDelivery             bool     // for delivery modules: asserted non-delivery
	FailedBeforeDeliverable bool     // step failed before producing a billable deliverable
	Deliverables            []string // requested deliverables for this step, "__run__" implied separately
}

// refundable reports whether outcome qualifies for a refund: the
// classified reason must be refundable AND the module must have
// asserted non-delivery (delivery kind) or failed before producing a
// billable deliverable.
func refundable(o StepOutcome, reasons *catalog.ReasonCatalog) (bool, string, error) {
	if o.ReasonSlug == "" {
		return false, "", nil
	}
	code, err := reasons.Code(ids.ReasonScopeModule, o.ModuleID, o.ReasonSlug)
	if err != nil {
		return false, "", err
	}
	entry, err := reasons.Describe(code)
	if err != nil {
		return false, "", err
	}
	if !entry.Refundable {
		return false, code, nil
	}
	if o.Kind == catalog.KindDelivery {
		return o.NonDelivery, code, nil
	}
	return o.FailedBeforeDeliverable, code, nil
}

// ReservedPrice looks up the credits reserved for one deliverable of
// one step at reservation time (reservation-time prices are re-used
// for refunds so a later price change never alters them).
type ReservedPrice func(stepID, deliverableID string) (credits int, ok bool)

// Emit posts refunds for every step in outcomes whose classified
// reason is refundable. It returns the total credits refunded.
func Emit(l *ledger.Ledger, reasons *catalog.ReasonCatalog, tenantID, workOrderID string, outcomes []StepOutcome, reserved ReservedPrice) (int, error) {
	total := 0
	for _, o := range outcomes {
		ok, code, err := refundable(o, reasons)
		if err != nil {
			return total, err
		}
		if !ok {
			continue
		}

		deliverableIDs := append([]string{catalog.RunDeliverable}, o.Deliverables...)
		amount := 0
		prices := make(map[string]int, len(deliverableIDs))
		for _, d := range deliverableIDs {
			credits, found := reserved(o.StepID, d)
			if !found {
				continue
			}
			prices[d] = credits
			amount += credits
		}
		if amount == 0 {
			continue
		}

		txKey := idempotency.Refund(tenantID, workOrderID, o.StepID, o.ModuleID, catalog.RunDeliverable, o.ReasonSlug)
		tx, err := l.PostTransaction(ledger.Transaction{
			TenantID:      tenantID,
			WorkOrderID:   workOrderID,
			Type:          ledger.TypeRefund,
			AmountCredits: amount,
			ReasonCode:    code,
			Metadata:      map[string]string{"idempotency_key": txKey},
		})
		if err != nil {
			return total, err
		}

		for _, d := range deliverableIDs {
			credits, found := prices[d]
			if !found {
				continue
			}
			itemKey := idempotency.Refund(tenantID, workOrderID, o.StepID, o.ModuleID, d, o.ReasonSlug)
			if _, err := l.PostTransactionItem(ledger.TransactionItem{
				TransactionID: tx.TransactionID,
				TenantID:      tenantID,
				ModuleID:      o.ModuleID,
				WorkOrderID:   workOrderID,
				StepID:        o.StepID,
				DeliverableID: d,
				Type:          ledger.TypeRefund,
				AmountCredits: credits,
				Metadata:      map[string]string{"idempotency_key": itemKey},
			}); err != nil {
				return total, err
			}
		}

		total += amount
	}
	return total, nil
}
