// Package module implements the Module Entry Point ABI (§6.6) and the
// two adapters the Executor uses to invoke it: an in-process registry
// for built-in/self-test modules, grounded on the teacher's backend
// provider registry, and a subprocess adapter built on executil.Runner
// for external module binaries.
package module

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"workforge/pkg/executil"
)

// Status is the terminal outcome a module entry point reports.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Outcome is the Module Entry Point ABI's return value. Metadata
// doubles as the module's tenant-visible output values: the Executor
// hands it to the Binder as a prior step's StepOutput.Values, keyed by
// the module's declared tenant-visible output ports.
type Outcome struct {
	Status         Status         `json:"status"`
	ReasonSlug     string         `json:"reason_slug,omitempty"`
	RefundEligible bool           `json:"refund_eligible,omitempty"`
	OutputRef      string         `json:"output_ref,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Invoker is the entry point contract every module adapter satisfies.
type Invoker interface {
	Invoke(ctx context.Context, params map[string]any, outputsDir string) (Outcome, error)
}

// Func adapts a plain function to Invoker, for built-in modules.
type Func func(ctx context.Context, params map[string]any, outputsDir string) (Outcome, error)

// Invoke calls the underlying function.
func (f Func) Invoke(ctx context.Context, params map[string]any, outputsDir string) (Outcome, error) {
	return f(ctx, params, outputsDir)
}

const registryName = "module.Registry"

var (
	// ErrUnknownModule is returned when Get() is called with an unregistered module ID.
	ErrUnknownModule = errors.New("unknown module")
	// ErrDuplicateModule is used when registering a module ID that already exists.
	ErrDuplicateModule = errors.New("duplicate module ID")
	// ErrEmptyModuleID is used when registering a module with an empty ID.
	ErrEmptyModuleID = errors.New("empty module ID")
)

// Registry holds in-process module invokers, keyed by module_id.
type Registry struct {
	mu       sync.RWMutex
	invokers map[string]Invoker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{invokers: make(map[string]Invoker)}
}

// Register registers an invoker under id. Panics on an empty or
// already-registered id, matching the provider registry it is
// modeled on: a duplicate module_id is a programming error, not a
// runtime condition to recover from.
func (r *Registry) Register(id string, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" {
		panic(fmt.Sprintf("%s.Register: %v", registryName, ErrEmptyModuleID))
	}
	if _, exists := r.invokers[id]; exists {
		panic(fmt.Sprintf("%s.Register: %v: %q", registryName, ErrDuplicateModule, id))
	}
	r.invokers[id] = inv
}

// Get retrieves an invoker by module_id.
func (r *Registry) Get(id string) (Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inv, ok := r.invokers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModule, id)
	}
	return inv, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.invokers[id]
	return ok
}

// IDs returns every registered module_id in lexicographic order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.invokers))
	for id := range r.invokers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// entryPointRequest is the JSON payload written to a subprocess
// module's stdin.
type entryPointRequest struct {
	Params     map[string]any `json:"params"`
	OutputsDir string         `json:"outputs_dir"`
}

// Subprocess invokes an out-of-process module binary: params are
// marshaled to JSON on stdin, outputs_dir is passed as the last
// argument after the configured Args, and the Outcome is parsed from
// stdout.
type Subprocess struct {
	Command string
	Args    []string
	Runner  executil.Runner
}

// NewSubprocess constructs a Subprocess adapter with a default Runner.
func NewSubprocess(command string, args ...string) *Subprocess {
	return &Subprocess{Command: command, Args: args, Runner: executil.NewRunner()}
}

// Invoke runs the subprocess under ctx's deadline, which the Executor
// sets to the per-kind timeout before calling this method.
func (s *Subprocess) Invoke(ctx context.Context, params map[string]any, outputsDir string) (Outcome, error) {
	payload, err := json.Marshal(entryPointRequest{Params: params, OutputsDir: outputsDir})
	if err != nil {
		return Outcome{}, fmt.Errorf("marshaling module entry point request: %w", err)
	}

	cmd := executil.Command{
		Name:  s.Command,
		Args:  append(append([]string{}, s.Args...), outputsDir),
		Stdin: bytes.NewReader(payload),
	}
	result, err := s.Runner.Run(ctx, cmd)
	if err != nil {
		return Outcome{}, fmt.Errorf("running module entry point %s: %w", s.Command, err)
	}

	var outcome Outcome
	if err := json.Unmarshal(result.Stdout, &outcome); err != nil {
		return Outcome{}, fmt.Errorf("parsing module entry point outcome: %w", err)
	}
	return outcome, nil
}
