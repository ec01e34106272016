package maintenance

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workforge/internal/csvio"
)

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestCompile_WritesAllFiveTables(t *testing.T) {
	manifestsDir := t.TempDir()
	outDir := t.TempDir()

	writeManifest(t, manifestsDir, "search.yaml", `
module_id: search
kind: acquisition
version: "1"
supports_downloadable_artifacts: false
ports:
  tenant_visible:
    inputs: [query]
    outputs: [queries]
  platform_only:
    inputs: [tenant_id]
deliverables:
  - id: queries
requirements:
  secrets: [search_api_key]
reasons:
  - category_id: 2
    reason_id: 1
    slug: invalid_query
    description: malformed query
    refundable: true
`)
	writeManifest(t, manifestsDir, "package_std.yaml", `
module_id: package_std
kind: packaging
version: "1"
supports_downloadable_artifacts: false
ports:
  tenant_visible:
    inputs: [bundle]
deliverables:
  - id: __run__
depends_on: [search]
forwarded_platform_outputs: [request_trace]
`)
	writeManifest(t, manifestsDir, "platform.yaml", `
keys:
  - key: cache_index.ttl_seconds.runtime_evidence
    value: "2592000"
`)

	require.NoError(t, Compile(manifestsDir, outDir))

	indexRows, _, err := csvio.ReadRows(filepath.Join(outDir, "modules_index.csv"))
	require.NoError(t, err)
	require.Len(t, indexRows, 2)
	assert.Equal(t, "package_std", indexRows[0]["module_id"])
	assert.Equal(t, "search", indexRows[1]["module_id"])

	rulesRows, _, err := csvio.ReadRows(filepath.Join(outDir, "module_contract_rules.csv"))
	require.NoError(t, err)
	assert.NotEmpty(t, rulesRows)

	foundLimitedVisibility := false
	foundSecretRequirement := false
	foundForwardedOutput := false
	for _, row := range rulesRows {
		if row["module_id"] == "search" && row["rule_type"] == "input" && row["key"] == "tenant_id" && row["visibility"] == "platform_only" {
			foundLimitedVisibility = true
		}
		if row["module_id"] == "search" && row["rule_type"] == "requirement_secret" && row["key"] == "search_api_key" {
			foundSecretRequirement = true
		}
		if row["module_id"] == "package_std" && row["rule_type"] == "forwarded_platform_output" && row["key"] == "request_trace" {
			foundForwardedOutput = true
		}
	}
	assert.True(t, foundLimitedVisibility, "expected platform-only input rule for search")
	assert.True(t, foundSecretRequirement, "expected requirement_secret rule for search")
	assert.True(t, foundForwardedOutput, "expected forwarded_platform_output rule for package_std")

	reasonRows, _, err := csvio.ReadRows(filepath.Join(outDir, "reason_catalog.csv"))
	require.NoError(t, err)
	require.Len(t, reasonRows, 1)
	assert.Equal(t, "invalid_query", reasonRows[0]["slug"])

	policyRows, _, err := csvio.ReadRows(filepath.Join(outDir, "reason_policy.csv"))
	require.NoError(t, err)
	require.Len(t, policyRows, 1)
	assert.Equal(t, "true", policyRows[0]["refundable"])

	platformRows, _, err := csvio.ReadRows(filepath.Join(outDir, "platform_policy.csv"))
	require.NoError(t, err)
	require.Len(t, platformRows, 1)
	assert.Equal(t, "cache_index.ttl_seconds.runtime_evidence", platformRows[0]["key"])
}

func TestCompile_MissingModuleIDRejected(t *testing.T) {
	manifestsDir := t.TempDir()
	outDir := t.TempDir()
	writeManifest(t, manifestsDir, "broken.yaml", "kind: acquisition\n")

	err := Compile(manifestsDir, outDir)
	require.Error(t, err)
}

func TestCompile_NoPlatformManifestYieldsEmptyPolicyTable(t *testing.T) {
	manifestsDir := t.TempDir()
	outDir := t.TempDir()
	writeManifest(t, manifestsDir, "search.yaml", `
module_id: search
kind: acquisition
version: "1"
supports_downloadable_artifacts: false
`)

	require.NoError(t, Compile(manifestsDir, outDir))

	rows, _, err := csvio.ReadRows(filepath.Join(outDir, "platform_policy.csv"))
	require.NoError(t, err)
	assert.Empty(t, rows)
}
