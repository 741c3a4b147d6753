// Package client implements the stateless HTTP client used to call the
// remote dependency vulnerability analysis service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/crossplane/crossplane-runtime/pkg/errors"

	uphttp "github.com/vulnera-dev/vulnera-lsp/internal/http"
)

const (
	analyzePath = "/api/v1/dependencies/analyze"

	errBuildRequest  = "failed to build analysis request"
	errDoRequest     = "analysis request failed"
	errReadBody      = "failed to read analysis response body"
	errDecodeBody    = "failed to decode analysis response"
	errInvalidAPIURL = "invalid API base URL"
)

// DetailLevel selects the verbosity of the analysis response.
type DetailLevel string

// Supported detail levels.
const (
	DetailMinimal  DetailLevel = "minimal"
	DetailStandard DetailLevel = "standard"
	DetailFull     DetailLevel = "full"
)

// StatusError is returned when the analysis service responds with a
// non-2xx status code. It carries both the status and the raw response
// body so callers can build a descriptive failure diagnostic.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// DependencyFileRequest describes a single manifest to be analysed.
type DependencyFileRequest struct {
	FileID        string `json:"file_id,omitempty"`
	FileContent   string `json:"file_content"`
	Ecosystem     string `json:"ecosystem"`
	Filename      string `json:"filename,omitempty"`
	WorkspacePath string `json:"workspace_path,omitempty"`
}

// BatchDependencyAnalysisRequest is the wire body of an analyse-batch call.
type BatchDependencyAnalysisRequest struct {
	Files       []DependencyFileRequest `json:"files"`
	EnableCache bool                    `json:"enable_cache"`
	CompactMode bool                    `json:"compact_mode"`
}

// BatchDependencyAnalysisResponse is the wire body returned by the service.
type BatchDependencyAnalysisResponse struct {
	Results  []FileAnalysisResult  `json:"results"`
	Metadata BatchAnalysisMetadata `json:"metadata"`
}

// BatchAnalysisMetadata carries batch-level aggregates.
type BatchAnalysisMetadata struct {
	RequestID            string `json:"request_id,omitempty"`
	TotalFiles           int    `json:"total_files"`
	Successful           int    `json:"successful"`
	Failed               int    `json:"failed"`
	DurationMs           int64  `json:"duration_ms"`
	TotalVulnerabilities int    `json:"total_vulnerabilities"`
	TotalPackages        int    `json:"total_packages"`
	CacheHits            *int   `json:"cache_hits,omitempty"`
	CriticalCount        int    `json:"critical_count"`
	HighCount            int    `json:"high_count"`
}

// FileAnalysisResult is the per-file result of a batch analysis.
type FileAnalysisResult struct {
	FileID                 string                     `json:"file_id,omitempty"`
	Filename               string                     `json:"filename,omitempty"`
	Ecosystem              string                     `json:"ecosystem"`
	Vulnerabilities        []VulnerabilityDto         `json:"vulnerabilities"`
	Packages               []PackageDto               `json:"packages,omitempty"`
	DependencyGraph        json.RawMessage            `json:"dependency_graph,omitempty"`
	VersionRecommendations []VersionRecommendationDto `json:"version_recommendations,omitempty"`
	Metadata               AnalysisMetadataDto        `json:"metadata"`
	Error                  string                     `json:"error,omitempty"`
	CacheHit               *bool                      `json:"cache_hit,omitempty"`
	WorkspacePath          string                     `json:"workspace_path,omitempty"`
}

// AnalysisMetadataDto carries per-file aggregates.
type AnalysisMetadataDto struct {
	TotalPackages        int                  `json:"total_packages"`
	VulnerablePackages   int                  `json:"vulnerable_packages"`
	TotalVulnerabilities int                  `json:"total_vulnerabilities"`
	SeverityBreakdown    SeverityBreakdownDto `json:"severity_breakdown"`
	AnalysisDurationMs   int64                `json:"analysis_duration_ms"`
	SourcesQueried       []string             `json:"sources_queried"`
}

// SeverityBreakdownDto tallies findings by severity.
type SeverityBreakdownDto struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// PackageDto describes a single resolved dependency.
type PackageDto struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Ecosystem string `json:"ecosystem"`
}

// VulnerabilityDto describes a single reported vulnerability.
type VulnerabilityDto struct {
	ID               string              `json:"id"`
	Summary          string              `json:"summary"`
	Description      string              `json:"description"`
	Severity         string              `json:"severity"`
	AffectedPackages []AffectedPackageDto `json:"affected_packages"`
	References       []string            `json:"references"`
	Sources          []string            `json:"sources"`
}

// AffectedPackageDto names one package touched by a vulnerability.
type AffectedPackageDto struct {
	Name             string   `json:"name"`
	Version          string   `json:"version"`
	Ecosystem        string   `json:"ecosystem"`
	VulnerableRanges []string `json:"vulnerable_ranges"`
	FixedVersions    []string `json:"fixed_versions"`
}

// VersionRecommendationDto carries candidate upgrade versions for a package.
type VersionRecommendationDto struct {
	Package                         string   `json:"package"`
	Ecosystem                       string   `json:"ecosystem"`
	CurrentVersion                  string   `json:"current_version,omitempty"`
	NearestSafeAboveCurrent         string   `json:"nearest_safe_above_current,omitempty"`
	MostUpToDateSafe                string   `json:"most_up_to_date_safe,omitempty"`
	NextSafeMinorWithinCurrentMajor string   `json:"next_safe_minor_within_current_major,omitempty"`
	NearestImpact                   string   `json:"nearest_impact,omitempty"`
	MostUpToDateImpact              string   `json:"most_up_to_date_impact,omitempty"`
	PrereleaseExclusionApplied      *bool    `json:"prerelease_exclusion_applied,omitempty"`
	Notes                           []string `json:"notes,omitempty"`
}

// Client is a stateless HTTP client for the analysis service.
type Client struct {
	baseURL   *url.URL
	apiKey    string
	userAgent string
	http      uphttp.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP transport, primarily for
// testing.
func WithHTTPClient(c uphttp.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// New constructs a Client for the given base URL. An invalid base URL is
// rejected immediately, matching spec §7's "invalid configuration URL" case.
func New(baseURL, apiKey, userAgent string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, errInvalidAPIURL)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New(errInvalidAPIURL)
	}

	c := &Client{
		baseURL:   u,
		apiKey:    apiKey,
		userAgent: userAgent,
		http:      &http.Client{},
	}

	for _, o := range opts {
		o(c)
	}

	return c, nil
}

// AnalyzeDependencies issues a single batched analysis call.
func (c *Client) AnalyzeDependencies(ctx context.Context, detail DetailLevel, req BatchDependencyAnalysisRequest) (*BatchDependencyAnalysisResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, errBuildRequest)
	}

	endpoint := *c.baseURL
	endpoint.Path = analyzePath
	q := endpoint.Query()
	q.Set("detail_level", string(detail))
	endpoint.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errBuildRequest)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, errDoRequest)
	}
	defer resp.Body.Close() // nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errReadBody)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(payload)}
	}

	var out BatchDependencyAnalysisResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, errors.Wrap(err, errDecodeBody)
	}

	return &out, nil
}
