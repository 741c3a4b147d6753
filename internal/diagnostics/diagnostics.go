// Package diagnostics turns a remote analysis result into LSP diagnostics
// and quick-fix code actions, anchoring each to a source range resolved by
// internal/locator.
package diagnostics

import (
	"fmt"
	"strings"

	lsp "github.com/sourcegraph/go-lsp"

	"github.com/vulnera-dev/vulnera-lsp/internal/client"
	"github.com/vulnera-dev/vulnera-lsp/internal/locator"
)

// source is the constant Diagnostic.Source field for every diagnostic this
// package produces.
const source = "vulnera"

// zeroRange is the fallback range used when a version literal cannot be
// located in the document text.
var zeroRange = lsp.Range{Start: lsp.Position{Line: 0, Character: 0}, End: lsp.Position{Line: 0, Character: 0}}

// CodeActionKind mirrors the LSP CodeActionKind string enum; only the
// "quickfix" value this adapter produces is named.
type CodeActionKind string

// QuickFix is the only kind of code action this adapter produces.
const QuickFix CodeActionKind = "quickfix"

// CodeAction is a quick-fix action: either a WorkspaceEdit applied directly
// by the editor, or a command fallback for a client-side extension to
// interpret when no text range could be resolved.
type CodeAction struct {
	Title       string             `json:"title"`
	Kind        CodeActionKind     `json:"kind"`
	Diagnostics []lsp.Diagnostic   `json:"diagnostics,omitempty"`
	IsPreferred bool               `json:"isPreferred,omitempty"`
	Edit        *lsp.WorkspaceEdit `json:"edit,omitempty"`
	Command     *lsp.Command       `json:"command,omitempty"`
}

// severityFor maps a vulnerability severity string (case-insensitive) to
// an LSP diagnostic severity. Unknown severities map to Hint, never an
// error — the mapping is total.
func severityFor(severity string) lsp.DiagnosticSeverity {
	switch strings.ToLower(severity) {
	case "critical", "high":
		return lsp.Error
	case "medium":
		return lsp.Warning
	case "low":
		return lsp.Information
	default:
		return lsp.Hint
	}
}

// rangeOrZero resolves the version range for pkg in text under ecosystem,
// falling back to the zero-width zeroRange on a miss.
func rangeOrZero(text, ecosystem, pkg string) lsp.Range {
	if rng, ok := locator.Locate(text, ecosystem, pkg); ok {
		return rng
	}
	return zeroRange
}

// BuildDiagnostics implements 4.B buildDiagnostics: one diagnostic per
// (vulnerability, affected package) pair, or a single informational
// diagnostic when the file is clean.
func BuildDiagnostics(result client.FileAnalysisResult, text, languageID string) []lsp.Diagnostic {
	var diags []lsp.Diagnostic
	for _, vuln := range result.Vulnerabilities {
		for _, affected := range vuln.AffectedPackages {
			rng := rangeOrZero(text, result.Ecosystem, affected.Name)
			msg := fmt.Sprintf("%s: %s (%s %s)", vuln.Summary, affected.Name, affected.Version, vuln.ID)
			if languageID != "" {
				msg += fmt.Sprintf("[lang: %s]", languageID)
			}
			diags = append(diags, lsp.Diagnostic{
				Range:    rng,
				Severity: severityFor(vuln.Severity),
				Source:   source,
				Message:  msg,
			})
		}
	}

	if len(diags) == 0 {
		end := lsp.Position{Line: 0, Character: 1}
		if len(text) == 0 {
			end = lsp.Position{Line: 0, Character: 0}
		}
		msg := fmt.Sprintf("Dependency scan complete: %d vulnerabilities", len(result.Vulnerabilities))
		if languageID != "" {
			msg += fmt.Sprintf("[lang: %s]", languageID)
		}
		diags = append(diags, lsp.Diagnostic{
			Range:    lsp.Range{Start: lsp.Position{Line: 0, Character: 0}, End: end},
			Severity: lsp.Hint,
			Source:   source,
			Message:  msg,
		})
	}

	return diags
}

// BuildAnalysisFailureDiagnostic implements 4.B buildAnalysisFailureDiagnostic.
func BuildAnalysisFailureDiagnostic(msg string) lsp.Diagnostic {
	return lsp.Diagnostic{
		Range:    zeroRange,
		Severity: lsp.Error,
		Source:   source,
		Message:  "Dependency scan failed: " + msg,
	}
}

// strategy names a version-recommendation field, in the fixed order 4.B
// requires actions to be generated.
type strategy struct {
	field func(client.VersionRecommendationDto) string
	key   string
	label string
}

var strategies = []strategy{
	{field: func(r client.VersionRecommendationDto) string { return r.NearestSafeAboveCurrent }, key: "nearest_safe_above_current", label: "nearest safe"},
	{field: func(r client.VersionRecommendationDto) string { return r.MostUpToDateSafe }, key: "most_up_to_date_safe", label: "latest safe"},
	{field: func(r client.VersionRecommendationDto) string { return r.NextSafeMinorWithinCurrentMajor }, key: "next_safe_minor_within_current_major", label: "next safe minor"},
}

// applyRecommendationCommand is the command name 4.B and §6 specify for the
// client-side fallback when no range could be located.
const applyRecommendationCommand = "vulnera.applyRecommendation"

// BuildCodeActions implements 4.B buildCodeActions.
func BuildCodeActions(uri lsp.DocumentURI, ecosystem, text string, recommendations []client.VersionRecommendationDto, languageID string, diags []lsp.Diagnostic) []CodeAction {
	var actions []CodeAction
	for _, rec := range recommendations {
		for _, st := range strategies {
			version := st.field(rec)
			if version == "" {
				continue
			}

			langBracket := ""
			if languageID != "" {
				langBracket = fmt.Sprintf("[ %s]", languageID)
			}
			title := fmt.Sprintf("%s: %s%s -> %s %s", ecosystem, rec.Package, langBracket, st.label, version)

			isPreferred := st.key == strategies[0].key

			rng, ok := locator.Locate(text, ecosystem, rec.Package)
			if ok {
				actions = append(actions, CodeAction{
					Title:       title,
					Kind:        QuickFix,
					Diagnostics: diags,
					IsPreferred: isPreferred,
					Edit: &lsp.WorkspaceEdit{
						Changes: map[string][]lsp.TextEdit{
							string(uri): {{Range: rng, NewText: version}},
						},
					},
				})
				continue
			}

			actions = append(actions, CodeAction{
				Title:       title,
				Kind:        QuickFix,
				Diagnostics: diags,
				IsPreferred: isPreferred,
				Command: &lsp.Command{
					Title:   title,
					Command: applyRecommendationCommand,
					Arguments: []interface{}{map[string]interface{}{
						"package":                             rec.Package,
						"ecosystem":                           ecosystem,
						"strategy":                            st.key,
						"language_id":                         languageID,
						"nearest_safe_above_current":          rec.NearestSafeAboveCurrent,
						"most_up_to_date_safe":                rec.MostUpToDateSafe,
						"next_safe_minor_within_current_major": rec.NextSafeMinorWithinCurrentMajor,
					}},
				},
			})
		}
	}
	return actions
}
