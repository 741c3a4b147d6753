// Package store maintains an in-memory, thread-safe mirror of every open
// document, classified by ecosystem, and applies incremental LSP edits to
// it under UTF-16 code-unit positions.
package store

import (
	"net/url"
	"strings"
	"sync"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	lsp "github.com/sourcegraph/go-lsp"
)

const (
	errNoChanges     = "no content changes supplied"
	errUnknownURI    = "no snapshot exists for uri"
	errInvalidRange  = "invalid range supplied"
	errPositionRange = "position out of range"
)

// Ecosystem values recognised by the remote analysis service, plus the
// unknown sentinel used for files this adapter does not classify.
const (
	EcosystemNPM       = "npm"
	EcosystemPyPI      = "pypi"
	EcosystemCargo     = "cargo"
	EcosystemGo        = "go"
	EcosystemMaven     = "maven"
	EcosystemPackagist = "packagist"
	EcosystemUnknown   = "unknown"
)

// DocumentSnapshot is the value-copied state of one open document, per §3.
type DocumentSnapshot struct {
	URI           lsp.DocumentURI
	Text          string
	Version       int
	LanguageID    string
	FileName      string
	WorkspacePath string
	Ecosystem     string
}

// Change is one element of a textDocument/didChange content-change list.
// Range nil means a full-text replacement.
type Change struct {
	Range *lsp.Range
	Text  string
}

// Store is a thread-safe mapping from document URI to DocumentSnapshot.
type Store struct {
	mu   sync.RWMutex
	docs map[lsp.DocumentURI]*DocumentSnapshot
}

// New constructs an empty Store.
func New() *Store {
	return &Store{docs: make(map[lsp.DocumentURI]*DocumentSnapshot)}
}

// filenameSuffixEcosystem maps case-insensitive filename suffixes to the
// ecosystem they identify, in the order of §4.D's classification table.
var filenameSuffixEcosystem = []struct {
	suffixes  []string
	ecosystem string
}{
	{[]string{"package.json", "package-lock.json", "yarn.lock", "pnpm-lock.yaml"}, EcosystemNPM},
	{[]string{"requirements.txt", "pyproject.toml", "pipfile", "pipfile.lock", "poetry.lock", "uv.lock"}, EcosystemPyPI},
	{[]string{"cargo.toml", "cargo.lock"}, EcosystemCargo},
	{[]string{"go.mod", "go.sum"}, EcosystemGo},
	{[]string{"pom.xml", "build.gradle", "build.gradle.kts", "gradle.lockfile"}, EcosystemMaven},
	{[]string{"composer.json", "composer.lock"}, EcosystemPackagist},
}

// languageIDEcosystem is the fallback table used when no file name is
// available.
var languageIDEcosystem = map[string]string{
	"javascript": EcosystemNPM,
	"typescript": EcosystemNPM,
	"python":     EcosystemPyPI,
	"rust":       EcosystemCargo,
	"go":         EcosystemGo,
	"java":       EcosystemMaven,
	"kotlin":     EcosystemMaven,
	"php":        EcosystemPackagist,
}

// ClassifyEcosystem implements §4.D's deterministic ecosystem classifier:
// a pure function of file name (preferred) and language id (fallback),
// never of file content.
func ClassifyEcosystem(fileName, languageID string) string {
	lower := strings.ToLower(fileName)
	if lower != "" {
		for _, row := range filenameSuffixEcosystem {
			for _, suffix := range row.suffixes {
				if strings.HasSuffix(lower, suffix) {
					return row.ecosystem
				}
			}
		}
	}
	if lower == "" {
		if eco, ok := languageIDEcosystem[strings.ToLower(languageID)]; ok {
			return eco
		}
	}
	return EcosystemUnknown
}

// FileNameFromURI extracts the final path segment of a document URI, per
// §3's definition of "file name".
func FileNameFromURI(uri lsp.DocumentURI) string {
	raw := string(uri)
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		raw = u.Path
	}
	if idx := strings.LastIndex(raw, "/"); idx >= 0 {
		return raw[idx+1:]
	}
	return raw
}

// DocumentPath extracts the full path component of a document URI (e.g.
// "/workspace/repo/package.json" from "file:///workspace/repo/package.json").
// This, not the LSP session's root URI, is what populates
// DocumentSnapshot.WorkspacePath: WorkspaceKey derives the containing
// directory from it per document, so manifests are only ever batched with
// the siblings in their own directory.
func DocumentPath(uri lsp.DocumentURI) string {
	raw := string(uri)
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return u.Path
	}
	return raw
}

// Open creates or replaces the snapshot for uri on textDocument/didOpen.
func (s *Store) Open(uri lsp.DocumentURI, languageID, text string, version int, workspacePath string) DocumentSnapshot {
	fileName := FileNameFromURI(uri)
	snap := &DocumentSnapshot{
		URI:           uri,
		Text:          text,
		Version:       version,
		LanguageID:    languageID,
		FileName:      fileName,
		WorkspacePath: workspacePath,
		Ecosystem:     ClassifyEcosystem(fileName, languageID),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[uri] = snap
	return *snap
}

// Remove destroys the snapshot for uri on textDocument/didClose.
func (s *Store) Remove(uri lsp.DocumentURI) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, uri)
}

// Snapshot returns a value copy of the current snapshot for uri.
func (s *Store) Snapshot(uri lsp.DocumentURI) (DocumentSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.docs[uri]
	if !ok {
		return DocumentSnapshot{}, false
	}
	return *snap, true
}

// Text returns the current text for uri.
func (s *Store) Text(uri lsp.DocumentURI) (string, bool) {
	snap, ok := s.Snapshot(uri)
	if !ok {
		return "", false
	}
	return snap.Text, true
}

// All returns a value-copied snapshot of every currently open document,
// required for the blast-radius failure reporting in §4.E.
func (s *Store) All() []DocumentSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DocumentSnapshot, 0, len(s.docs))
	for _, snap := range s.docs {
		out = append(out, *snap)
	}
	return out
}

// ApplyChanges applies an ordered list of didChange content-change events
// to the snapshot for uri, per §4.D's incremental edit algorithm. Each
// change with a Range is spliced in using UTF-16 code-unit offsets; a
// change with no Range is a full-text replacement. version becomes the
// snapshot's new version on success.
func (s *Store) ApplyChanges(uri lsp.DocumentURI, changes []Change, version int) (DocumentSnapshot, error) {
	if len(changes) == 0 {
		return DocumentSnapshot{}, errors.New(errNoChanges)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.docs[uri]
	if !ok {
		return DocumentSnapshot{}, errors.New(errUnknownURI)
	}

	text := snap.Text
	for _, c := range changes {
		if c.Range == nil {
			text = c.Text
			continue
		}

		start, err := offsetFromPosition(text, c.Range.Start)
		if err != nil {
			return DocumentSnapshot{}, err
		}
		end, err := offsetFromPosition(text, c.Range.End)
		if err != nil {
			return DocumentSnapshot{}, err
		}
		if start > end || end > len(text) {
			return DocumentSnapshot{}, errors.New(errInvalidRange)
		}

		var b strings.Builder
		b.Grow(len(text) - (end - start) + len(c.Text))
		b.WriteString(text[:start])
		b.WriteString(c.Text)
		b.WriteString(text[end:])
		text = b.String()
	}

	snap.Text = text
	snap.Version = version
	return *snap, nil
}

// Save implements textDocument/didSave. LSP's didSave identifies the
// document without a version, so version is never touched here, whether
// or not text is supplied — resolving §9's open question about
// didSave/version interaction by never guessing at one.
func (s *Store) Save(uri lsp.DocumentURI, text *string) (DocumentSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.docs[uri]
	if !ok {
		return DocumentSnapshot{}, errors.New(errUnknownURI)
	}
	if text != nil {
		snap.Text = *text
	}
	return *snap, nil
}

// offsetFromPosition walks text counting newlines to reach pos.Line, then
// counts UTF-16 code units on that line until pos.Character is reached,
// returning the byte offset. Returns an error if the position cannot be
// resolved within text.
func offsetFromPosition(text string, pos lsp.Position) (int, error) {
	line, col := 0, 0
	i := 0
	for i < len(text) {
		if line == pos.Line && col == pos.Character {
			return i, nil
		}
		r, size := utf8.DecodeRuneInString(text[i:])
		if r == '\n' {
			if line == pos.Line {
				// target column is beyond this line's length.
				return 0, errors.New(errPositionRange)
			}
			line++
			col = 0
			i += size
			continue
		}
		if line == pos.Line {
			if r1, r2 := utf16.EncodeRune(r); r1 == utf16.RuneError && r2 == utf16.RuneError {
				col++
			} else {
				col += 2
			}
		}
		i += size
	}
	if line == pos.Line && col == pos.Character {
		return i, nil
	}
	return 0, errors.New(errPositionRange)
}
