// Package catalog implements the Module Registry, Price Book, and
// Reason Catalog: read-only, maintenance-produced tabular data that the
// Executor consults at plan and run time. None of these tables are
// mutated at runtime; they are loaded once and held immutable for the
// life of the process, following the teacher's provider-registry shape
// (a mutex-guarded map with deterministic, lexicographically sorted
// enumeration) generalized from a live Go registration table to a
// CSV-loaded one.
package catalog

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"workforge/internal/csvio"
	"workforge/internal/ids"
	"workforge/internal/werrors"
)

// ModuleKind classifies what a module does.
type ModuleKind string

const (
	KindAcquisition ModuleKind = "acquisition"
	KindTransform   ModuleKind = "transform"
	KindPackaging   ModuleKind = "packaging"
	KindDelivery    ModuleKind = "delivery"
)

// PortSet names the input/output keys visible at one visibility level.
type PortSet struct {
	Inputs  []string
	Outputs []string
}

// Ports partitions a module's declared inputs/outputs by visibility.
type Ports struct {
	TenantVisible PortSet
	PlatformOnly  PortSet
}

// Deliverable is a named, individually priced output facet of a module.
type Deliverable struct {
	ID            string
	LimitedInputs []string // platform-only input keys injected when this deliverable is requested
}

// Requirements names the secrets/vars a module's execution depends on.
type Requirements struct {
	Secrets []string
	Vars    []string
}

// ModuleContract is a module's compiled, immutable interface.
type ModuleContract struct {
	ModuleID                      string
	DependsOn                     []string
	Kind                          ModuleKind
	Version                       string
	SupportsDownloadableArtifacts bool
	Ports                         Ports
	Deliverables                  map[string]Deliverable
	Requirements                  Requirements
	SelfTest                      bool
	// ForwardedPlatformOutputs names platform-only output keys (declared
	// by some other module) this module is explicitly allowed to read
	// via a from_step reference. A producer declaring an output
	// platform-only hides it from the tenant; it does not by itself
	// grant any consumer the right to chain it into a later step.
	ForwardedPlatformOutputs []string
}

// Registry resolves module_id to its compiled contract.
type Registry struct {
	mu        sync.RWMutex
	contracts map[string]ModuleContract
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{contracts: make(map[string]ModuleContract)}
}

// put registers a contract, for use by loaders only.
func (r *Registry) put(c ModuleContract) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contracts[c.ModuleID] = c
}

// GetContract resolves module_id to its contract.
func (r *Registry) GetContract(moduleID string) (ModuleContract, error) {
	canon, err := ids.CanonicalizeForMatch(moduleID)
	if err != nil {
		return ModuleContract{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, c := range r.contracts {
		matchID, err := ids.CanonicalizeForMatch(id)
		if err == nil && matchID == canon {
			return c, nil
		}
	}
	return ModuleContract{}, werrors.Wrap(werrors.KindUnknownModule, werrors.ErrUnknownModule, "module "+moduleID)
}

// GetPorts returns the tenant-visible input keys, platform-only input
// keys, and tenant-visible output keys for a module.
func (r *Registry) GetPorts(moduleID string) (tenantIn, platformIn, tenantOut []string, err error) {
	c, err := r.GetContract(moduleID)
	if err != nil {
		return nil, nil, nil, err
	}
	return c.Ports.TenantVisible.Inputs, c.Ports.PlatformOnly.Inputs, c.Ports.TenantVisible.Outputs, nil
}

// GetDeliverables returns a module's declared deliverables.
func (r *Registry) GetDeliverables(moduleID string) (map[string]Deliverable, error) {
	c, err := r.GetContract(moduleID)
	if err != nil {
		return nil, err
	}
	return c.Deliverables, nil
}

// ModuleIDs returns every registered module id in lexicographic order.
func (r *Registry) ModuleIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.contracts))
	for id := range r.contracts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// LoadRegistry reads modules_index.csv and module_contract_rules.csv
// (as produced by the maintenance tool, §4.17) and compiles them into
// a Registry.
//
// modules_index.csv columns: module_id,kind,version,supports_downloadable_artifacts
// module_contract_rules.csv columns: module_id,rule_type,key,visibility,extra
//
//	rule_type=input|output              key=port name          visibility=tenant_visible|platform_only
//	rule_type=deliverable                key=deliverable_id
//	rule_type=deliverable_limited_input  key=deliverable_id     extra=platform-only input key
//	rule_type=requirement_secret         key=secret key
//	rule_type=requirement_var            key=var key
//	rule_type=depends_on                 key=module_id this module depends on
//	rule_type=self_test                  key=true|false
//	rule_type=forwarded_platform_output  key=platform-only output key this module may forward from a prior step
func LoadRegistry(indexPath, rulesPath string) (*Registry, error) {
	indexRows, _, err := csvio.ReadRows(indexPath)
	if err != nil {
		return nil, err
	}
	rulesRows, _, err := csvio.ReadRows(rulesPath)
	if err != nil {
		return nil, err
	}

	reg := NewRegistry()
	for _, row := range indexRows {
		moduleID := row["module_id"]
		if moduleID == "" {
			continue
		}
		reg.put(ModuleContract{
			ModuleID:                      moduleID,
			Kind:                          ModuleKind(row["kind"]),
			Version:                       row["version"],
			SupportsDownloadableArtifacts: strings.EqualFold(row["supports_downloadable_artifacts"], "true"),
			Deliverables:                  map[string]Deliverable{},
		})
	}

	contracts := map[string]*ModuleContract{}
	reg.mu.RLock()
	for id, c := range reg.contracts {
		cc := c
		contracts[id] = &cc
	}
	reg.mu.RUnlock()

	for _, row := range rulesRows {
		moduleID := row["module_id"]
		c, ok := contracts[moduleID]
		if !ok {
			return nil, werrors.Newf(werrors.KindValidation, "module_contract_rules references unknown module %q (not in modules_index)", moduleID)
		}
		key := row["key"]
		visibility := row["visibility"]
		extra := row["extra"]

		switch row["rule_type"] {
		case "input":
			if visibility == "platform_only" {
				c.Ports.PlatformOnly.Inputs = append(c.Ports.PlatformOnly.Inputs, key)
			} else {
				c.Ports.TenantVisible.Inputs = append(c.Ports.TenantVisible.Inputs, key)
			}
		case "output":
			if visibility == "platform_only" {
				c.Ports.PlatformOnly.Outputs = append(c.Ports.PlatformOnly.Outputs, key)
			} else {
				c.Ports.TenantVisible.Outputs = append(c.Ports.TenantVisible.Outputs, key)
			}
		case "deliverable":
			if _, exists := c.Deliverables[key]; !exists {
				c.Deliverables[key] = Deliverable{ID: key}
			}
		case "deliverable_limited_input":
			d, exists := c.Deliverables[key]
			if !exists {
				d = Deliverable{ID: key}
			}
			d.LimitedInputs = append(d.LimitedInputs, extra)
			c.Deliverables[key] = d
		case "requirement_secret":
			c.Requirements.Secrets = append(c.Requirements.Secrets, key)
		case "requirement_var":
			c.Requirements.Vars = append(c.Requirements.Vars, key)
		case "depends_on":
			c.DependsOn = append(c.DependsOn, key)
		case "self_test":
			b, _ := strconv.ParseBool(key)
			c.SelfTest = b
		case "forwarded_platform_output":
			c.ForwardedPlatformOutputs = append(c.ForwardedPlatformOutputs, key)
		default:
			return nil, werrors.Newf(werrors.KindValidation, "unknown contract rule_type %q for module %q", row["rule_type"], moduleID)
		}
	}

	for _, c := range contracts {
		reg.put(*c)
	}

	return reg, nil
}
