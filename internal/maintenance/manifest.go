// Package maintenance implements the out-of-core catalog compiler
// (§4.17): it walks a directory of per-module YAML manifests and
// compiles them into the flat CSV tables the Module Registry, Price
// Book, and Reason Catalog read at runtime.
package maintenance

// Manifest is the YAML shape of a single module's declaration. One
// file under manifestsDir maps to one Manifest.
//
// ForwardedPlatformOutputs names platform-only output keys (declared by
// some OTHER module's ports.platform_only.outputs) that this module is
// explicitly allowed to read via a from_step reference when it consumes
// a prior step's output. Declaring an output platform-only only hides
// it from the tenant; it does not by itself let a later step forward
// it, so a module wanting to chain a platform-only value from a prior
// step must list that key here.
type Manifest struct {
	ModuleID                      string               `yaml:"module_id"`
	Kind                          string               `yaml:"kind"`
	Version                       string               `yaml:"version"`
	SupportsDownloadableArtifacts bool                 `yaml:"supports_downloadable_artifacts"`
	Ports                         ManifestPorts        `yaml:"ports"`
	Deliverables                  []ManifestDeliverable `yaml:"deliverables"`
	Requirements                  ManifestRequirements `yaml:"requirements"`
	DependsOn                     []string             `yaml:"depends_on,omitempty"`
	SelfTest                      bool                 `yaml:"self_test,omitempty"`
	Reasons                       []ManifestReason     `yaml:"reasons,omitempty"`
	ForwardedPlatformOutputs      []string             `yaml:"forwarded_platform_outputs,omitempty"`
}

// ManifestPorts splits a module's inputs and outputs into tenant-visible
// and platform-only sets, mirroring catalog.Ports.
type ManifestPorts struct {
	TenantVisible PortSet `yaml:"tenant_visible"`
	PlatformOnly  PortSet `yaml:"platform_only"`
}

// PortSet names the input and output keys at one visibility level.
type PortSet struct {
	Inputs  []string `yaml:"inputs,omitempty"`
	Outputs []string `yaml:"outputs,omitempty"`
}

// ManifestDeliverable declares one deliverable a module can produce,
// plus any platform-only inputs that become visible only when that
// deliverable is requested.
type ManifestDeliverable struct {
	ID             string   `yaml:"id"`
	LimitedInputs  []string `yaml:"limited_inputs,omitempty"`
}

// ManifestRequirements lists the secrets and config vars a module needs
// present before it can run.
type ManifestRequirements struct {
	Secrets []string `yaml:"secrets,omitempty"`
	Vars    []string `yaml:"vars,omitempty"`
}

// ManifestReason declares one reason code a module can report, used to
// compile both reason_catalog.csv and reason_policy.csv.
type ManifestReason struct {
	CategoryID  int    `yaml:"category_id"`
	ReasonID    int    `yaml:"reason_id"`
	Slug        string `yaml:"slug"`
	Description string `yaml:"description"`
	Refundable  bool   `yaml:"refundable"`
}
