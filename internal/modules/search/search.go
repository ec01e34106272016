// Package search implements a minimal acquisition module used as an
// in-process test fixture for the Executor/Binder/Ledger pipeline. It
// is not a production deliverable: its single output, queries, is a
// JSON array of the query strings it was given.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"workforge/internal/module"
)

// ModuleID is the catalog module_id this package registers under.
const ModuleID = "search"

// Run is the module entry point: it reads the "query" param (a string
// or a list of strings) and writes outputs_dir/queries.json.
func Run(_ context.Context, params map[string]any, outputsDir string) (module.Outcome, error) {
	queries, err := collectQueries(params["query"])
	if err != nil {
		return module.Outcome{Status: module.StatusFailed, ReasonSlug: "invalid_query", RefundEligible: true}, nil
	}

	payload, err := json.Marshal(queries)
	if err != nil {
		return module.Outcome{}, fmt.Errorf("marshaling queries: %w", err)
	}

	path := filepath.Join(outputsDir, "queries.json")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return module.Outcome{}, fmt.Errorf("writing %s: %w", path, err)
	}

	queriesAny := make([]any, len(queries))
	for i, q := range queries {
		queriesAny[i] = q
	}

	return module.Outcome{
		Status:    module.StatusCompleted,
		OutputRef: path,
		Metadata: map[string]any{
			"queries":     queriesAny,
			"query_count": len(queries),
		},
	}, nil
}

func collectQueries(raw any) ([]string, error) {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return nil, fmt.Errorf("empty query")
		}
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("query list contains a non-string entry")
			}
			out = append(out, s)
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("empty query list")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported query type %T", raw)
	}
}

// Register installs the search module into reg under ModuleID.
func Register(reg *module.Registry) {
	reg.Register(ModuleID, module.Func(Run))
}
