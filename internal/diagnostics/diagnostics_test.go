package diagnostics_test

import (
	"testing"

	lsp "github.com/sourcegraph/go-lsp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnera-dev/vulnera-lsp/internal/client"
	"github.com/vulnera-dev/vulnera-lsp/internal/diagnostics"
)

func TestBuildDiagnosticsNpmQuickFix(t *testing.T) {
	text := `{ "dependencies": { "lodash": "4.17.20" } }`
	result := client.FileAnalysisResult{
		Ecosystem: "npm",
		Vulnerabilities: []client.VulnerabilityDto{{
			ID:       "GHSA-xxxx",
			Summary:  "Prototype pollution",
			Severity: "high",
			AffectedPackages: []client.AffectedPackageDto{{
				Name:    "lodash",
				Version: "4.17.20",
			}},
		}},
	}

	diags := diagnostics.BuildDiagnostics(result, text, "")
	require.Len(t, diags, 1)
	assert.Equal(t, lsp.Error, diags[0].Severity)
	assert.Equal(t, "vulnera", diags[0].Source)
	assert.Equal(t, 0, diags[0].Range.Start.Line)
}

func TestBuildDiagnosticsCleanFileEmitsInformational(t *testing.T) {
	result := client.FileAnalysisResult{Ecosystem: "npm"}
	diags := diagnostics.BuildDiagnostics(result, "{}", "")
	require.Len(t, diags, 1)
	assert.Equal(t, lsp.Hint, diags[0].Severity)
	assert.Contains(t, diags[0].Message, "Dependency scan complete: 0 vulnerabilities")
}

func TestBuildDiagnosticsCleanEmptyTextCollapsesRange(t *testing.T) {
	result := client.FileAnalysisResult{Ecosystem: "npm"}
	diags := diagnostics.BuildDiagnostics(result, "", "")
	require.Len(t, diags, 1)
	assert.Equal(t, 0, diags[0].Range.End.Character)
}

func TestBuildAnalysisFailureDiagnostic(t *testing.T) {
	d := diagnostics.BuildAnalysisFailureDiagnostic("service unavailable")
	assert.Equal(t, lsp.Error, d.Severity)
	assert.Equal(t, "Dependency scan failed: service unavailable", d.Message)
}

func TestSeverityMappingIsTotal(t *testing.T) {
	cases := map[string]lsp.DiagnosticSeverity{
		"critical": lsp.Error,
		"HIGH":     lsp.Error,
		"Medium":   lsp.Warning,
		"low":      lsp.Information,
		"unknown":  lsp.Hint,
		"":         lsp.Hint,
	}
	for severity, want := range cases {
		result := client.FileAnalysisResult{
			Ecosystem: "npm",
			Vulnerabilities: []client.VulnerabilityDto{{
				Severity:         severity,
				AffectedPackages: []client.AffectedPackageDto{{Name: "pkg"}},
			}},
		}
		diags := diagnostics.BuildDiagnostics(result, "{}", "")
		require.Len(t, diags, 1)
		assert.Equal(t, want, diags[0].Severity, "severity %q", severity)
	}
}

func TestBuildCodeActionsOrderAndPreferred(t *testing.T) {
	text := "[dependencies]\nserde = \"1.0.100\"\n"
	recs := []client.VersionRecommendationDto{{
		Package:                         "serde",
		NearestSafeAboveCurrent:         "1.0.101",
		MostUpToDateSafe:                "1.0.200",
		NextSafeMinorWithinCurrentMajor: "1.0.150",
	}}

	actions := diagnostics.BuildCodeActions("file:///w/Cargo.toml", "cargo", text, recs, "", nil)
	require.Len(t, actions, 3)
	assert.True(t, actions[0].IsPreferred)
	assert.False(t, actions[1].IsPreferred)
	assert.False(t, actions[2].IsPreferred)
	assert.Contains(t, actions[0].Title, "nearest safe 1.0.101")
	assert.NotNil(t, actions[0].Edit)
	assert.Equal(t, "1.0.101", actions[0].Edit.Changes["file:///w/Cargo.toml"][0].NewText)
}

func TestBuildCodeActionsCommandFallbackWhenRangeUnresolved(t *testing.T) {
	recs := []client.VersionRecommendationDto{{
		Package:                 "left-pad",
		NearestSafeAboveCurrent: "1.3.0",
	}}

	actions := diagnostics.BuildCodeActions("file:///w/package.json", "npm", `{}`, recs, "javascript", nil)
	require.Len(t, actions, 1)
	assert.Nil(t, actions[0].Edit)
	require.NotNil(t, actions[0].Command)
	assert.Equal(t, "vulnera.applyRecommendation", actions[0].Command.Command)
}
