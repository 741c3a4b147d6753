package locator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnera-dev/vulnera-lsp/internal/locator"
)

func TestLocateNpm(t *testing.T) {
	text := `{
  "dependencies": {
    "lodash": "4.17.20"
  }
}`
	rng, ok := locator.Locate(text, "npm", "lodash")
	require.True(t, ok)
	assert.Equal(t, 2, rng.Start.Line)
	assert.Equal(t, 2, rng.End.Line)
}

func TestLocateCargoInlineTable(t *testing.T) {
	text := "[dependencies]\n" + `serde = { version = "1.0.100", features = ["derive"] }` + "\n"
	rng, ok := locator.Locate(text, "cargo", "serde")
	require.True(t, ok)
	assert.Equal(t, 1, rng.Start.Line)
	assert.Equal(t, 1, rng.End.Line)
}

func TestLocateCargoPlainString(t *testing.T) {
	text := "[dependencies]\nserde = \"1.0.100\"\n"
	rng, ok := locator.Locate(text, "cargo", "serde")
	require.True(t, ok)
	assert.Equal(t, 1, rng.Start.Line)
}

func TestLocatePypi(t *testing.T) {
	text := "flask==2.0.1\nrequests>=2.25.0\n"
	rng, ok := locator.Locate(text, "pypi", "requests")
	require.True(t, ok)
	assert.Equal(t, 1, rng.Start.Line)
}

func TestLocateNotFound(t *testing.T) {
	_, ok := locator.Locate(`{"dependencies": {}}`, "npm", "lodash")
	assert.False(t, ok)
}

func TestLocateUnknownEcosystem(t *testing.T) {
	_, ok := locator.Locate("anything", "unknown", "pkg")
	assert.False(t, ok)
}

func TestLocateEscapesMetacharacters(t *testing.T) {
	text := `{"dependencies": {"@scope/pkg.name+x": "1.2.3"}}`
	rng, ok := locator.Locate(text, "npm", "@scope/pkg.name+x")
	require.True(t, ok)
	assert.Equal(t, 0, rng.Start.Line)
}

func TestLocateFirstDeclarationWins(t *testing.T) {
	text := "serde = \"1.0.0\"\nserde = \"2.0.0\"\n"
	rng, ok := locator.Locate(text, "cargo", "serde")
	require.True(t, ok)
	assert.Equal(t, 0, rng.Start.Line)
}

func TestLocateUTF16SurrogatePair(t *testing.T) {
	// U+1F600 (GRINNING FACE) is the first character of the captured version
	// literal and occupies two UTF-16 code units, so the end column advances
	// by two for it: 26 + 2 + len("1.0.0") = 33, not 32 (runes) or 35 (bytes).
	text := `{"dependencies": {"pkg": "😀1.0.0"}}`
	rng, ok := locator.Locate(text, "npm", "pkg")
	require.True(t, ok)
	assert.Equal(t, 0, rng.Start.Line)
	assert.Equal(t, 33, rng.End.Character)
}
