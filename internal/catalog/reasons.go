package catalog

import (
	"strconv"
	"strings"

	"workforge/internal/csvio"
	"workforge/internal/ids"
	"workforge/internal/werrors"
)

// ReasonEntry is one row of the compiled reason catalog: a human slug
// mapped to its composed wire code and descriptive text.
type ReasonEntry struct {
	Scope       ids.ReasonScope
	ModuleID    string // empty for global-scope entries
	Slug        string
	Code        string
	Description string
	Refundable  bool
}

// ReasonCatalog resolves (scope, module_id, slug) to a composed reason code.
type ReasonCatalog struct {
	bySlug map[string]ReasonEntry // key: scope|module_id|slug
	byCode map[string]ReasonEntry
}

// NewReasonCatalog returns an empty catalog.
func NewReasonCatalog() *ReasonCatalog {
	return &ReasonCatalog{
		bySlug: make(map[string]ReasonEntry),
		byCode: make(map[string]ReasonEntry),
	}
}

func reasonKey(scope ids.ReasonScope, moduleID, slug string) string {
	m := ""
	if scope == ids.ReasonScopeModule {
		m, _ = ids.CanonicalizeForMatch(moduleID)
	}
	return strconv.Itoa(int(scope)) + "|" + m + "|" + strings.ToLower(strings.TrimSpace(slug))
}

// LoadReasonCatalog reads the maintenance-produced reason table.
//
// reasons.csv columns: scope,module_id,category_id,reason_id,slug,description,refundable
//
//	scope ∈ {global, module}; module_id is required (and validated
//	against the registry) when scope=module, ignored otherwise.
func LoadReasonCatalog(path string, reg *Registry) (*ReasonCatalog, error) {
	rows, _, err := csvio.ReadRows(path)
	if err != nil {
		return nil, err
	}
	rc := NewReasonCatalog()
	for _, row := range rows {
		scope := ids.ReasonScopeGlobal
		if strings.EqualFold(strings.TrimSpace(row["scope"]), "module") {
			scope = ids.ReasonScopeModule
		}
		moduleID := row["module_id"]
		if scope == ids.ReasonScopeModule {
			if reg != nil {
				if _, err := reg.GetContract(moduleID); err != nil {
					return nil, werrors.Newf(werrors.KindValidation, "reason catalog references unknown module %q", moduleID)
				}
			}
		}
		categoryID, err := strconv.Atoi(strings.TrimSpace(row["category_id"]))
		if err != nil {
			return nil, werrors.Wrap(werrors.KindValidation, err, "parsing category_id in "+path)
		}
		reasonID, err := strconv.Atoi(strings.TrimSpace(row["reason_id"]))
		if err != nil {
			return nil, werrors.Wrap(werrors.KindValidation, err, "parsing reason_id in "+path)
		}
		code, err := ids.ComposeReasonCode(scope, categoryID, moduleID, reasonID)
		if err != nil {
			return nil, err
		}
		refundable := strings.EqualFold(strings.TrimSpace(row["refundable"]), "true")
		entry := ReasonEntry{
			Scope:       scope,
			ModuleID:    moduleID,
			Slug:        row["slug"],
			Code:        code,
			Description: row["description"],
			Refundable:  refundable,
		}
		key := reasonKey(scope, moduleID, entry.Slug)
		if existing, ok := rc.bySlug[key]; ok {
			return nil, werrors.Newf(werrors.KindValidation, "duplicate reason slug %q for module %q (codes %s and %s)", entry.Slug, moduleID, existing.Code, code)
		}
		rc.bySlug[key] = entry
		rc.byCode[code] = entry
	}
	return rc, nil
}

// Code resolves (scope, module_id, slug) to its composed reason code.
// A module-scoped lookup falls back to the global scope when no
// module-specific entry exists, matching the catalog's
// more-specific-wins-else-global resolution rule.
func (rc *ReasonCatalog) Code(scope ids.ReasonScope, moduleID, slug string) (string, error) {
	if entry, ok := rc.bySlug[reasonKey(scope, moduleID, slug)]; ok {
		return entry.Code, nil
	}
	if scope == ids.ReasonScopeModule {
		if entry, ok := rc.bySlug[reasonKey(ids.ReasonScopeGlobal, "", slug)]; ok {
			return entry.Code, nil
		}
	}
	return "", werrors.Wrap(werrors.KindUnknownReason, werrors.ErrUnknownReason, "no reason for slug "+slug)
}

// Describe resolves a composed reason code back to its catalog entry,
// used by the evidence archiver when rendering human-readable reports.
func (rc *ReasonCatalog) Describe(code string) (ReasonEntry, error) {
	entry, ok := rc.byCode[code]
	if !ok {
		return ReasonEntry{}, werrors.Wrap(werrors.KindUnknownReason, werrors.ErrUnknownReason, "no catalog entry for code "+code)
	}
	return entry, nil
}
