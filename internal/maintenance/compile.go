package maintenance

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"workforge/internal/csvio"
	"workforge/internal/werrors"
)

// Compile walks manifestsDir for per-module YAML manifests and an
// optional platform.yaml, and writes the five catalog tables to
// outDir: modules_index.csv, module_contract_rules.csv,
// reason_catalog.csv, reason_policy.csv, platform_policy.csv.
//
// It is a direct, un-cached walk-decode-encode: every call recompiles
// the full catalog from scratch, so outDir always reflects exactly
// what manifestsDir declares.
func Compile(manifestsDir, outDir string) error {
	manifests, platform, err := loadManifests(manifestsDir)
	if err != nil {
		return err
	}

	if err := writeModulesIndex(manifests, filepath.Join(outDir, "modules_index.csv")); err != nil {
		return err
	}
	if err := writeContractRules(manifests, filepath.Join(outDir, "module_contract_rules.csv")); err != nil {
		return err
	}
	if err := writeReasonCatalog(manifests, filepath.Join(outDir, "reason_catalog.csv")); err != nil {
		return err
	}
	if err := writeReasonPolicy(manifests, filepath.Join(outDir, "reason_policy.csv")); err != nil {
		return err
	}
	if err := writePlatformPolicy(platform, filepath.Join(outDir, "platform_policy.csv")); err != nil {
		return err
	}
	return nil
}

// platformManifestName is the one file in manifestsDir that is not a
// module manifest: it declares global config keys such as cache TTLs.
const platformManifestName = "platform.yaml"

type platformPolicy struct {
	Keys []platformKey `yaml:"keys"`
}

type platformKey struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

func loadManifests(dir string) ([]Manifest, platformPolicy, error) {
	var manifests []Manifest
	var platform platformPolicy

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, platform, werrors.Wrap(werrors.KindInfra, err, "reading manifests directory "+dir)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		//nolint:gosec // G304: manifestsDir is an operator-supplied maintenance input, not user input
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, platform, werrors.Wrap(werrors.KindInfra, err, "reading manifest "+path)
		}

		if name == platformManifestName {
			if err := yaml.Unmarshal(data, &platform); err != nil {
				return nil, platform, werrors.Wrap(werrors.KindValidation, err, "parsing platform manifest "+path)
			}
			continue
		}

		var m Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, platform, werrors.Wrap(werrors.KindValidation, err, "parsing manifest "+path)
		}
		if m.ModuleID == "" {
			return nil, platform, werrors.Newf(werrors.KindValidation, "manifest %s is missing module_id", path)
		}
		manifests = append(manifests, m)
	}

	sort.Slice(manifests, func(i, j int) bool { return manifests[i].ModuleID < manifests[j].ModuleID })
	return manifests, platform, nil
}

func writeModulesIndex(manifests []Manifest, path string) error {
	headers := []string{"module_id", "kind", "version", "supports_downloadable_artifacts"}
	rows := make([]map[string]string, 0, len(manifests))
	for _, m := range manifests {
		rows = append(rows, map[string]string{
			"module_id":                       m.ModuleID,
			"kind":                             m.Kind,
			"version":                          m.Version,
			"supports_downloadable_artifacts": strconv.FormatBool(m.SupportsDownloadableArtifacts),
		})
	}
	return csvio.WriteRows(path, headers, rows)
}

func writeContractRules(manifests []Manifest, path string) error {
	headers := []string{"module_id", "rule_type", "key", "visibility", "extra"}
	var rows []map[string]string

	row := func(moduleID, ruleType, key, visibility, extra string) map[string]string {
		return map[string]string{
			"module_id":  moduleID,
			"rule_type":  ruleType,
			"key":        key,
			"visibility": visibility,
			"extra":      extra,
		}
	}

	for _, m := range manifests {
		for _, key := range m.Ports.TenantVisible.Inputs {
			rows = append(rows, row(m.ModuleID, "input", key, "tenant_visible", ""))
		}
		for _, key := range m.Ports.PlatformOnly.Inputs {
			rows = append(rows, row(m.ModuleID, "input", key, "platform_only", ""))
		}
		for _, key := range m.Ports.TenantVisible.Outputs {
			rows = append(rows, row(m.ModuleID, "output", key, "tenant_visible", ""))
		}
		for _, key := range m.Ports.PlatformOnly.Outputs {
			rows = append(rows, row(m.ModuleID, "output", key, "platform_only", ""))
		}
		for _, d := range m.Deliverables {
			rows = append(rows, row(m.ModuleID, "deliverable", d.ID, "", ""))
			for _, limited := range d.LimitedInputs {
				rows = append(rows, row(m.ModuleID, "deliverable_limited_input", d.ID, "", limited))
			}
		}
		for _, secret := range m.Requirements.Secrets {
			rows = append(rows, row(m.ModuleID, "requirement_secret", secret, "", ""))
		}
		for _, v := range m.Requirements.Vars {
			rows = append(rows, row(m.ModuleID, "requirement_var", v, "", ""))
		}
		for _, dep := range m.DependsOn {
			rows = append(rows, row(m.ModuleID, "depends_on", dep, "", ""))
		}
		if m.SelfTest {
			rows = append(rows, row(m.ModuleID, "self_test", "true", "", ""))
		}
		for _, key := range m.ForwardedPlatformOutputs {
			rows = append(rows, row(m.ModuleID, "forwarded_platform_output", key, "", ""))
		}
	}
	return csvio.WriteRows(path, headers, rows)
}

func writeReasonCatalog(manifests []Manifest, path string) error {
	headers := []string{"scope", "module_id", "category_id", "reason_id", "slug", "description"}
	var rows []map[string]string
	for _, m := range manifests {
		for _, r := range m.Reasons {
			rows = append(rows, map[string]string{
				"scope":       "module",
				"module_id":   m.ModuleID,
				"category_id": strconv.Itoa(r.CategoryID),
				"reason_id":   strconv.Itoa(r.ReasonID),
				"slug":        r.Slug,
				"description": r.Description,
			})
		}
	}
	return csvio.WriteRows(path, headers, rows)
}

func writeReasonPolicy(manifests []Manifest, path string) error {
	headers := []string{"scope", "module_id", "slug", "refundable"}
	var rows []map[string]string
	for _, m := range manifests {
		for _, r := range m.Reasons {
			rows = append(rows, map[string]string{
				"scope":      "module",
				"module_id":  m.ModuleID,
				"slug":       r.Slug,
				"refundable": strconv.FormatBool(r.Refundable),
			})
		}
	}
	return csvio.WriteRows(path, headers, rows)
}

func writePlatformPolicy(platform platformPolicy, path string) error {
	headers := []string{"key", "value"}
	rows := make([]map[string]string, 0, len(platform.Keys))
	for _, k := range platform.Keys {
		rows = append(rows, map[string]string{"key": k.Key, "value": k.Value})
	}
	return csvio.WriteRows(path, headers, rows)
}
