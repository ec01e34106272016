// Package ledger implements the Ledger Writer: append-only transaction
// tables plus the per-tenant balance cache, following the teacher's
// in-memory-map-plus-mutex-plus-atomic-flush state manager shape.
//
// Writes are held in memory for the life of a run and flushed to CSV
// atomically (temp file, fsync, rename) rather than appended line by
// line, so a crash mid-run never leaves a torn row.
package ledger

import (
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"workforge/internal/csvio"
	"workforge/internal/ids"
	"workforge/internal/werrors"
	"workforge/pkg/logging"
)

// TransactionType classifies a Transaction.
type TransactionType string

const (
	TypeSpend  TransactionType = "SPEND"
	TypeRefund TransactionType = "REFUND"
	TypeTopup  TransactionType = "TOPUP"
)

// Transaction is a billable event header.
type Transaction struct {
	TransactionID string
	TenantID      string
	WorkOrderID   string
	Type          TransactionType
	AmountCredits int
	ReasonCode    string
	CreatedAt     time.Time
	Note          string
	Metadata      map[string]string // must include "idempotency_key"
}

// TransactionItem is a per-step/per-deliverable breakdown of a Transaction.
type TransactionItem struct {
	TransactionItemID string
	TransactionID     string
	TenantID          string
	ModuleID          string
	WorkOrderID       string
	StepID            string
	DeliverableID     string // "__run__" or a named deliverable
	Feature           string
	Type              TransactionType
	AmountCredits     int
	CreatedAt         time.Time
	Note              string
	Metadata          map[string]string // must include "idempotency_key"
}

// TenantCredits is the current balance cache for one tenant.
type TenantCredits struct {
	TenantID         string
	CreditsAvailable int
	UpdatedAt        time.Time
	Status           string
}

var transactionHeaders = []string{
	"transaction_id", "tenant_id", "work_order_id", "type", "amount_credits",
	"created_at", "reason_code", "note", "metadata_json",
}

var itemHeaders = []string{
	"transaction_item_id", "transaction_id", "tenant_id", "module_id", "work_order_id",
	"step_id", "deliverable_id", "feature", "type", "amount_credits", "created_at",
	"note", "metadata_json",
}

var creditsHeaders = []string{"tenant_id", "credits_available", "updated_at", "status"}

// Ledger holds the in-memory transaction tables for one process run.
type Ledger struct {
	dir string
	log logging.Logger
	now func() time.Time

	mu           sync.Mutex
	transactions []Transaction
	items        []TransactionItem
	balances     map[string]*TenantCredits

	// txKeys / itemKeys provide O(1) duplicate-suppression lookups.
	txKeys   map[string]int // scope key -> index in transactions
	itemKeys map[string]int // scope key -> index in items
}

// New constructs an empty Ledger that will flush to CSV tables in dir.
func New(dir string, log logging.Logger) *Ledger {
	return &Ledger{
		dir:      dir,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		balances: make(map[string]*TenantCredits),
		txKeys:   make(map[string]int),
		itemKeys: make(map[string]int),
	}
}

func txScopeKey(tenantID, workOrderID string, typ TransactionType, idempotencyKey string) string {
	return tenantID + "\x1f" + workOrderID + "\x1f" + string(typ) + "\x1f" + idempotencyKey
}

func itemScopeKey(tenantID, workOrderID, idempotencyKey string) string {
	return tenantID + "\x1f" + workOrderID + "\x1f" + idempotencyKey
}

// Load reads the three ledger tables from dir (if present) and
// recomputes each tenant's balance from transaction history,
// reconciling it against the stored tenants_credits row. A mismatch is
// logged as a warning but never blocks — the recomputed value always
// wins, per the ledger's "balance is a cache of history" contract.
func Load(dir string, log logging.Logger) (*Ledger, error) {
	l := New(dir, log)

	txRows, _, err := csvio.ReadRows(l.path("transactions.csv"))
	if err != nil {
		return nil, err
	}
	for _, row := range txRows {
		tx, err := decodeTransaction(row)
		if err != nil {
			return nil, err
		}
		l.indexTransaction(tx)
	}

	itemRows, _, err := csvio.ReadRows(l.path("transaction_items.csv"))
	if err != nil {
		return nil, err
	}
	for _, row := range itemRows {
		ti, err := decodeItem(row)
		if err != nil {
			return nil, err
		}
		l.indexItem(ti)
	}

	creditRows, _, err := csvio.ReadRows(l.path("tenants_credits.csv"))
	if err != nil {
		return nil, err
	}
	stored := make(map[string]int, len(creditRows))
	for _, row := range creditRows {
		n, err := strconv.Atoi(row["credits_available"])
		if err != nil {
			return nil, werrors.Wrap(werrors.KindInfra, err, "parsing credits_available")
		}
		stored[row["tenant_id"]] = n
	}

	computed := l.recomputeBalances()
	for tenantID, n := range computed {
		if storedN, ok := stored[tenantID]; ok && storedN != n {
			log.Warn("ledger balance mismatch on load, recomputed from history wins",
				logging.F("tenant_id", tenantID), logging.F("stored", storedN), logging.F("computed", n))
		}
	}

	return l, nil
}

func (l *Ledger) path(name string) string {
	if l.dir == "" {
		return name
	}
	return l.dir + "/" + name
}

func (l *Ledger) indexTransaction(tx Transaction) {
	key := txScopeKey(tx.TenantID, tx.WorkOrderID, tx.Type, tx.Metadata["idempotency_key"])
	l.txKeys[key] = len(l.transactions)
	l.transactions = append(l.transactions, tx)
}

func (l *Ledger) indexItem(ti TransactionItem) {
	key := itemScopeKey(ti.TenantID, ti.WorkOrderID, ti.Metadata["idempotency_key"])
	l.itemKeys[key] = len(l.items)
	l.items = append(l.items, ti)
}

func (l *Ledger) recomputeBalances() map[string]int {
	totals := make(map[string]int)
	for _, tx := range l.transactions {
		totals[tx.TenantID] += tx.AmountCredits
	}
	now := l.now()
	for tenantID, n := range totals {
		l.balances[tenantID] = &TenantCredits{
			TenantID: tenantID, CreditsAvailable: n, UpdatedAt: now, Status: "active",
		}
	}
	return totals
}

// Balance returns a tenant's current available credits. An unknown
// tenant has a zero balance, matching "created on first SPEND".
func (l *Ledger) Balance(tenantID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tc, ok := l.balances[tenantID]; ok {
		return tc.CreditsAvailable
	}
	return 0
}

// PostTransaction appends a Transaction, applying its amount to the
// tenant's balance cache. Duplicate idempotency keys scoped by
// (tenant_id, work_order_id, type) are silently skipped, returning the
// already-recorded transaction.
func (l *Ledger) PostTransaction(tx Transaction) (Transaction, error) {
	if tx.Metadata == nil || tx.Metadata["idempotency_key"] == "" {
		return Transaction{}, werrors.New(werrors.KindValidation, "transaction metadata.idempotency_key is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := txScopeKey(tx.TenantID, tx.WorkOrderID, tx.Type, tx.Metadata["idempotency_key"])
	if idx, ok := l.txKeys[key]; ok {
		return l.transactions[idx], nil
	}

	if tx.TransactionID == "" {
		tx.TransactionID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = l.now()
	}

	l.txKeys[key] = len(l.transactions)
	l.transactions = append(l.transactions, tx)

	tc, ok := l.balances[tx.TenantID]
	if !ok {
		tc = &TenantCredits{TenantID: tx.TenantID, Status: "active"}
		l.balances[tx.TenantID] = tc
	}
	tc.CreditsAvailable += tx.AmountCredits
	tc.UpdatedAt = l.now()

	return tx, nil
}

// PostTransactionItem appends a TransactionItem. Duplicate idempotency
// keys scoped by (tenant_id, work_order_id) are silently skipped.
func (l *Ledger) PostTransactionItem(ti TransactionItem) (TransactionItem, error) {
	if ti.Metadata == nil || ti.Metadata["idempotency_key"] == "" {
		return TransactionItem{}, werrors.New(werrors.KindValidation, "transaction item metadata.idempotency_key is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := itemScopeKey(ti.TenantID, ti.WorkOrderID, ti.Metadata["idempotency_key"])
	if idx, ok := l.itemKeys[key]; ok {
		return l.items[idx], nil
	}

	if ti.TransactionItemID == "" {
		ti.TransactionItemID = uuid.NewString()
	}
	if ti.CreatedAt.IsZero() {
		ti.CreatedAt = l.now()
	}

	l.itemKeys[key] = len(l.items)
	l.items = append(l.items, ti)
	return ti, nil
}

// Flush writes all three tables to dir atomically.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	txRows := make([]map[string]string, len(l.transactions))
	for i, tx := range l.transactions {
		row, err := encodeTransaction(tx)
		if err != nil {
			return err
		}
		txRows[i] = row
	}
	if err := csvio.WriteRows(l.path("transactions.csv"), transactionHeaders, txRows); err != nil {
		return err
	}

	itemRows := make([]map[string]string, len(l.items))
	for i, ti := range l.items {
		row, err := encodeItem(ti)
		if err != nil {
			return err
		}
		itemRows[i] = row
	}
	if err := csvio.WriteRows(l.path("transaction_items.csv"), itemHeaders, itemRows); err != nil {
		return err
	}

	tenantIDs := make([]string, 0, len(l.balances))
	for id := range l.balances {
		tenantIDs = append(tenantIDs, id)
	}
	sort.Strings(tenantIDs)
	creditRows := make([]map[string]string, 0, len(tenantIDs))
	for _, id := range tenantIDs {
		tc := l.balances[id]
		creditRows = append(creditRows, map[string]string{
			"tenant_id":         tc.TenantID,
			"credits_available": strconv.Itoa(tc.CreditsAvailable),
			"updated_at":        ids.FormatTimestamp(tc.UpdatedAt),
			"status":            tc.Status,
		})
	}
	return csvio.WriteRows(l.path("tenants_credits.csv"), creditsHeaders, creditRows)
}

func encodeTransaction(tx Transaction) (map[string]string, error) {
	metaJSON, err := json.Marshal(tx.Metadata)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindInfra, err, "marshaling transaction metadata")
	}
	return map[string]string{
		"transaction_id":  tx.TransactionID,
		"tenant_id":       tx.TenantID,
		"work_order_id":   tx.WorkOrderID,
		"type":            string(tx.Type),
		"amount_credits":  strconv.Itoa(tx.AmountCredits),
		"created_at":      ids.FormatTimestamp(tx.CreatedAt),
		"reason_code":     tx.ReasonCode,
		"note":            tx.Note,
		"metadata_json":   string(metaJSON),
	}, nil
}

func decodeTransaction(row map[string]string) (Transaction, error) {
	amount, err := strconv.Atoi(row["amount_credits"])
	if err != nil {
		return Transaction{}, werrors.Wrap(werrors.KindInfra, err, "parsing amount_credits")
	}
	createdAt, err := time.Parse(time.RFC3339, row["created_at"])
	if err != nil {
		return Transaction{}, werrors.Wrap(werrors.KindInfra, err, "parsing transaction created_at")
	}
	var meta map[string]string
	if s := row["metadata_json"]; s != "" {
		if err := json.Unmarshal([]byte(s), &meta); err != nil {
			return Transaction{}, werrors.Wrap(werrors.KindInfra, err, "parsing transaction metadata_json")
		}
	}
	return Transaction{
		TransactionID: row["transaction_id"],
		TenantID:      row["tenant_id"],
		WorkOrderID:   row["work_order_id"],
		Type:          TransactionType(row["type"]),
		AmountCredits: amount,
		ReasonCode:    row["reason_code"],
		CreatedAt:     createdAt,
		Note:          row["note"],
		Metadata:      meta,
	}, nil
}

func encodeItem(ti TransactionItem) (map[string]string, error) {
	metaJSON, err := json.Marshal(ti.Metadata)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindInfra, err, "marshaling transaction item metadata")
	}
	return map[string]string{
		"transaction_item_id": ti.TransactionItemID,
		"transaction_id":      ti.TransactionID,
		"tenant_id":           ti.TenantID,
		"module_id":           ti.ModuleID,
		"work_order_id":       ti.WorkOrderID,
		"step_id":             ti.StepID,
		"deliverable_id":      ti.DeliverableID,
		"feature":             ti.Feature,
		"type":                string(ti.Type),
		"amount_credits":      strconv.Itoa(ti.AmountCredits),
		"created_at":          ids.FormatTimestamp(ti.CreatedAt),
		"note":                ti.Note,
		"metadata_json":       string(metaJSON),
	}, nil
}

func decodeItem(row map[string]string) (TransactionItem, error) {
	amount, err := strconv.Atoi(row["amount_credits"])
	if err != nil {
		return TransactionItem{}, werrors.Wrap(werrors.KindInfra, err, "parsing item amount_credits")
	}
	createdAt, err := time.Parse(time.RFC3339, row["created_at"])
	if err != nil {
		return TransactionItem{}, werrors.Wrap(werrors.KindInfra, err, "parsing item created_at")
	}
	var meta map[string]string
	if s := row["metadata_json"]; s != "" {
		if err := json.Unmarshal([]byte(s), &meta); err != nil {
			return TransactionItem{}, werrors.Wrap(werrors.KindInfra, err, "parsing item metadata_json")
		}
	}
	return TransactionItem{
		TransactionItemID: row["transaction_item_id"],
		TransactionID:     row["transaction_id"],
		TenantID:          row["tenant_id"],
		ModuleID:          row["module_id"],
		WorkOrderID:       row["work_order_id"],
		StepID:            row["step_id"],
		DeliverableID:     row["deliverable_id"],
		Feature:           row["feature"],
		Type:              TransactionType(row["type"]),
		AmountCredits:     amount,
		CreatedAt:         createdAt,
		Note:              row["note"],
		Metadata:          meta,
	}, nil
}

// Transactions returns a copy of all transactions in insertion order,
// for inspection in tests and audits.
func (l *Ledger) Transactions() []Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Transaction, len(l.transactions))
	copy(out, l.transactions)
	return out
}

// Items returns a copy of all transaction items in insertion order.
func (l *Ledger) Items() []TransactionItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TransactionItem, len(l.items))
	copy(out, l.items)
	return out
}
