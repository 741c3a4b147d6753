package client_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnera-dev/vulnera-lsp/internal/client"
	"github.com/vulnera-dev/vulnera-lsp/internal/http/mocks"
)

func TestNewRejectsInvalidBaseURL(t *testing.T) {
	_, err := client.New("not-a-url", "", "")
	assert.Error(t, err)

	_, err = client.New("", "", "")
	assert.Error(t, err)
}

func TestAnalyzeDependenciesSendsHeadersAndQuery(t *testing.T) {
	var captured *http.Request
	mock := mocks.CapturingJSONResponse(&captured, 200,
		`{"results":[],"metadata":{"total_files":0,"successful":0,"failed":0,"duration_ms":1,"total_vulnerabilities":0,"total_packages":0,"critical_count":0,"high_count":0}}`)

	c, err := client.New("http://localhost:3000", "secret", "vulnera-adapter-lsp/test", client.WithHTTPClient(mock))
	require.NoError(t, err)

	resp, err := c.AnalyzeDependencies(context.Background(), client.DetailStandard, client.BatchDependencyAnalysisRequest{})
	require.NoError(t, err)
	require.NotNil(t, resp)

	require.NotNil(t, captured)
	assert.Equal(t, "secret", captured.Header.Get("X-API-Key"))
	assert.Equal(t, "vulnera-adapter-lsp/test", captured.Header.Get("User-Agent"))
	assert.Equal(t, "standard", captured.URL.Query().Get("detail_level"))
	assert.Equal(t, "/api/v1/dependencies/analyze", captured.URL.Path)
}

func TestAnalyzeDependenciesOmitsAPIKeyWhenUnset(t *testing.T) {
	var captured *http.Request
	mock := mocks.CapturingJSONResponse(&captured, 200, `{"results":[],"metadata":{}}`)

	c, err := client.New("http://localhost:3000", "", "", client.WithHTTPClient(mock))
	require.NoError(t, err)

	_, err = c.AnalyzeDependencies(context.Background(), client.DetailMinimal, client.BatchDependencyAnalysisRequest{})
	require.NoError(t, err)
	assert.Empty(t, captured.Header.Get("X-API-Key"))
}

func TestAnalyzeDependenciesNon2xxYieldsStatusError(t *testing.T) {
	mock := mocks.NewJSONResponse(500, "boom")

	c, err := client.New("http://localhost:3000", "", "", client.WithHTTPClient(mock))
	require.NoError(t, err)

	_, err = c.AnalyzeDependencies(context.Background(), client.DetailStandard, client.BatchDependencyAnalysisRequest{})
	require.Error(t, err)

	var statusErr *client.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 500, statusErr.StatusCode)
	assert.Equal(t, "boom", statusErr.Body)
}

func TestAnalyzeDependenciesInvalidJSONYieldsError(t *testing.T) {
	mock := mocks.NewJSONResponse(200, "not json")

	c, err := client.New("http://localhost:3000", "", "", client.WithHTTPClient(mock))
	require.NoError(t, err)

	_, err = c.AnalyzeDependencies(context.Background(), client.DetailStandard, client.BatchDependencyAnalysisRequest{})
	assert.Error(t, err)
}
