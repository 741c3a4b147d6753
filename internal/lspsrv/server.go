// Package lspsrv implements the LSP façade: it translates LSP lifecycle
// notifications and per-document requests into calls on the document store
// and the analysis scheduler, and answers textDocument/codeAction from
// cached analysis.
package lspsrv

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/logging"
	lsp "github.com/sourcegraph/go-lsp"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/vulnera-dev/vulnera-lsp/internal/client"
	"github.com/vulnera-dev/vulnera-lsp/internal/config"
	"github.com/vulnera-dev/vulnera-lsp/internal/diagnostics"
	uphttp "github.com/vulnera-dev/vulnera-lsp/internal/http"
	"github.com/vulnera-dev/vulnera-lsp/internal/scheduler"
	"github.com/vulnera-dev/vulnera-lsp/internal/store"
)

const (
	errDecodeInitializeOptions = "failed to apply initializationOptions"
	errRebuildClient           = "rejected invalid API base URL, keeping previous client"
	errPublishDiagnostics      = "failed to publish textDocument/publishDiagnostics"
	errShowMessage             = "failed to send window/showMessage"
	errLogMessage              = "failed to send window/logMessage"
	errReply                   = "failed to reply to request"
)

// publishDiagnosticsParams extends go-lsp's PublishDiagnosticsParams with an
// optional version, matching editors that understand the newer wire shape
// while remaining valid JSON for those that don't.
type publishDiagnosticsParams struct {
	URI         lsp.DocumentURI  `json:"uri"`
	Version     int              `json:"version,omitempty"`
	Diagnostics []lsp.Diagnostic `json:"diagnostics"`
}

// Server holds the process-lifetime singletons §9 describes and implements
// scheduler.Publisher on behalf of the active connection.
type Server struct {
	store *store.Store
	sched *scheduler.Scheduler
	log   logging.Logger

	cfgMu    sync.RWMutex
	cfg      config.Config
	cli      *client.Client
	httpDoer uphttp.Client

	connMu   sync.RWMutex
	conn     *jsonrpc2.Conn
	rootPath string

	shutdownMu   sync.Mutex
	shutdownSeen bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger, defaulting to a no-op logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithHTTPClient overrides the HTTP transport used by every analysis
// client this server constructs (both at New and on initialize's rebuild),
// primarily for testing.
func WithHTTPClient(c uphttp.Client) Option {
	return func(s *Server) { s.httpDoer = c }
}

// newAnalysisClient constructs a *client.Client honoring s.httpDoer when set.
func (s *Server) newAnalysisClient(cfg config.Config) (*client.Client, error) {
	var opts []client.Option
	if s.httpDoer != nil {
		opts = append(opts, client.WithHTTPClient(s.httpDoer))
	}
	return client.New(cfg.APIURL, cfg.APIKey, cfg.UserAgent, opts...)
}

// New constructs a Server backed by st, wiring a Scheduler whose analysis
// client and debounce/detail settings come from the initial cfg. The HTTP
// client is rebuilt on initialize once client-supplied initializationOptions
// are merged in.
func New(st *store.Store, cfg config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		store: st,
		cfg:   cfg,
		log:   logging.NewNopLogger(),
	}
	for _, o := range opts {
		o(s)
	}

	cli, err := s.newAnalysisClient(cfg)
	if err != nil {
		return nil, err
	}
	s.cli = cli

	s.sched = scheduler.New(st, &analysisClientProxy{s: s}, s,
		scheduler.WithLogger(s.log),
		scheduler.WithDebounce(time.Duration(cfg.DebounceMs)*time.Millisecond),
		scheduler.WithDetailLevel(cfg.DetailLevel),
		scheduler.WithRequestOptions(cfg.EnableCache, cfg.CompactMode),
	)

	return s, nil
}

// analysisClientProxy adapts Server's currently active *client.Client to
// scheduler.AnalysisClient, so a configuration update can swap the
// underlying client without reconstructing the Scheduler.
type analysisClientProxy struct{ s *Server }

func (p *analysisClientProxy) AnalyzeDependencies(ctx context.Context, detail client.DetailLevel, req client.BatchDependencyAnalysisRequest) (*client.BatchDependencyAnalysisResponse, error) {
	p.s.cfgMu.RLock()
	cli := p.s.cli
	p.s.cfgMu.RUnlock()
	return cli.AnalyzeDependencies(ctx, detail, req)
}

func (s *Server) setConn(conn *jsonrpc2.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conn = conn
}

func (s *Server) activeConn() *jsonrpc2.Conn {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn
}

func (s *Server) workspacePath() string {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.rootPath
}

// PublishDiagnostics implements scheduler.Publisher.
func (s *Server) PublishDiagnostics(uri lsp.DocumentURI, version int, diags []lsp.Diagnostic) {
	conn := s.activeConn()
	if conn == nil {
		return
	}
	if diags == nil {
		diags = []lsp.Diagnostic{}
	}
	params := publishDiagnosticsParams{URI: uri, Version: version, Diagnostics: diags}
	if err := conn.Notify(context.Background(), "textDocument/publishDiagnostics", params); err != nil {
		s.log.Debug(errPublishDiagnostics, "error", err)
	}
}

// ShowMessage implements scheduler.Publisher.
func (s *Server) ShowMessage(severity lsp.MessageType, message string) {
	conn := s.activeConn()
	if conn == nil {
		return
	}
	if err := conn.Notify(context.Background(), "window/showMessage", lsp.ShowMessageParams{Type: severity, Message: message}); err != nil {
		s.log.Debug(errShowMessage, "error", err)
	}
}

// LogMessage implements scheduler.Publisher.
func (s *Server) LogMessage(severity lsp.MessageType, message string) {
	conn := s.activeConn()
	if conn == nil {
		return
	}
	if err := conn.Notify(context.Background(), "window/logMessage", lsp.LogMessageParams{Type: severity, Message: message}); err != nil {
		s.log.Debug(errLogMessage, "error", err)
	}
}

// initializeParams mirrors the wire shape of lsp.InitializeParams but keeps
// initializationOptions as a raw message: go-lsp types that field as
// interface{}, which is of no use to config.ApplyInitializeOptions.
type initializeParams struct {
	RootPath              string          `json:"rootPath"`
	RootURI               lsp.DocumentURI `json:"rootUri"`
	InitializationOptions json.RawMessage `json:"initializationOptions"`
}

// rootPathFromParams prefers rootUri, falling back to the deprecated
// rootPath field clients may still send.
func rootPathFromParams(p initializeParams) string {
	if p.RootURI != "" {
		return strings.TrimPrefix(string(p.RootURI), "file://")
	}
	return p.RootPath
}

// handleInitialize merges environment-derived config with the client's
// initializationOptions, rebuilds the HTTP client against the merged
// values, and advertises server capabilities.
func (s *Server) handleInitialize(_ context.Context, conn *jsonrpc2.Conn, raw *json.RawMessage) *lsp.InitializeResult {
	s.setConn(conn)

	var params initializeParams
	if raw != nil {
		if err := json.Unmarshal(*raw, &params); err != nil {
			s.log.Debug("failed to parse initialize params", "error", err)
		}
	}

	s.connMu.Lock()
	s.rootPath = rootPathFromParams(params)
	s.connMu.Unlock()

	s.cfgMu.Lock()
	merged, err := config.ApplyInitializeOptions(s.cfg, params.InitializationOptions)
	if err != nil {
		s.log.Debug(errDecodeInitializeOptions, "error", err)
		merged = s.cfg
	}
	s.cfg = merged

	if cli, err := s.newAnalysisClient(merged); err != nil {
		// §7: an invalid configuration URL is rejected at construction; the
		// server keeps serving with the previously valid client.
		s.log.Info(errRebuildClient, "error", err)
	} else {
		s.cli = cli
	}
	s.cfgMu.Unlock()

	kind := lsp.TDSKIncremental
	return &lsp.InitializeResult{
		Capabilities: lsp.ServerCapabilities{
			TextDocumentSync: &lsp.TextDocumentSyncOptionsOrKind{
				Options: &lsp.TextDocumentSyncOptions{
					OpenClose: true,
					Change:    kind,
					Save:      &lsp.SaveOptions{IncludeText: true},
				},
			},
			CodeActionProvider: true,
		},
	}
}

func (s *Server) handleShutdown() {
	s.shutdownMu.Lock()
	s.shutdownSeen = true
	s.shutdownMu.Unlock()
}

// isShuttingDown reports whether shutdown was seen, for the exit notification
// handler's exit-code decision.
func (s *Server) isShuttingDown() bool {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	return s.shutdownSeen
}

func (s *Server) handleDidOpen(ctx context.Context, raw *json.RawMessage) {
	var params lsp.DidOpenTextDocumentParams
	if err := json.Unmarshal(*raw, &params); err != nil {
		s.log.Debug("failed to parse didOpen params", "error", err)
		return
	}
	uri := params.TextDocument.URI
	// WorkspacePath is derived from the document's own URI, not the LSP
	// session's root: scheduler.WorkspaceKey splits off the containing
	// directory from it, so unrelated manifests elsewhere under the root
	// never get batched together.
	s.store.Open(uri, params.TextDocument.LanguageID, params.TextDocument.Text, params.TextDocument.Version, store.DocumentPath(uri))
	s.sched.Schedule(ctx, uri)
}

// fullTextChange returns the text of the last content-change event with no
// range (a full-text replacement), or nil if none is present.
func fullTextChange(changes []lsp.TextDocumentContentChangeEvent) *string {
	for i := len(changes) - 1; i >= 0; i-- {
		if changes[i].Range == nil {
			text := changes[i].Text
			return &text
		}
	}
	return nil
}

func (s *Server) handleDidChange(ctx context.Context, raw *json.RawMessage) {
	var params lsp.DidChangeTextDocumentParams
	if err := json.Unmarshal(*raw, &params); err != nil {
		s.log.Debug("failed to parse didChange params", "error", err)
		return
	}

	uri := params.TextDocument.URI
	changes := make([]store.Change, len(params.ContentChanges))
	for i, c := range params.ContentChanges {
		changes[i] = store.Change{Range: c.Range, Text: c.Text}
	}

	if _, err := s.store.ApplyChanges(uri, changes, params.TextDocument.Version); err != nil {
		s.log.Debug("incremental edit application failed, attempting fallback", "uri", uri, "error", err)
		full := fullTextChange(params.ContentChanges)
		if full == nil {
			s.log.Debug("no full-text fallback available, leaving document text unchanged", "uri", uri)
			return
		}
		if _, ferr := s.store.ApplyChanges(uri, []store.Change{{Text: *full}}, params.TextDocument.Version); ferr != nil {
			s.log.Debug("full-text fallback also failed", "uri", uri, "error", ferr)
			return
		}
	}

	s.sched.Schedule(ctx, uri)
}

func (s *Server) handleDidSave(ctx context.Context, raw *json.RawMessage) {
	var params lsp.DidSaveTextDocumentParams
	if err := json.Unmarshal(*raw, &params); err != nil {
		s.log.Debug("failed to parse didSave params", "error", err)
		return
	}

	uri := params.TextDocument.URI
	var text *string
	if params.Text != "" {
		t := params.Text
		text = &t
	}
	if _, err := s.store.Save(uri, text); err != nil {
		s.log.Debug("failed to apply didSave", "uri", uri, "error", err)
		return
	}

	s.sched.Schedule(ctx, uri)
}

func (s *Server) handleDidClose(_ context.Context, raw *json.RawMessage) {
	var params lsp.DidCloseTextDocumentParams
	if err := json.Unmarshal(*raw, &params); err != nil {
		s.log.Debug("failed to parse didClose params", "error", err)
		return
	}

	uri := params.TextDocument.URI
	snap, ok := s.store.Snapshot(uri)
	s.store.Remove(uri)
	s.sched.InvalidateCache(uri)

	version := 0
	if ok {
		version = snap.Version
		key := scheduler.WorkspaceKey(snap.WorkspacePath, uri)
		remaining := false
		for _, other := range s.store.All() {
			if scheduler.WorkspaceKey(other.WorkspacePath, other.URI) == key {
				remaining = true
				break
			}
		}
		if !remaining {
			s.sched.CancelWorkspace(key)
		}
	}

	// §8.2 retraction on close: the next publication for uri is empty.
	s.PublishDiagnostics(uri, version, nil)
}

func (s *Server) handleCodeAction(_ context.Context, raw *json.RawMessage) ([]diagnostics.CodeAction, error) {
	var params lsp.CodeActionParams
	if err := json.Unmarshal(*raw, &params); err != nil {
		return nil, errors.Wrap(err, "failed to parse codeAction params")
	}

	uri := params.TextDocument.URI
	entry, ok := s.sched.CachedAnalysis(uri)
	if !ok {
		return []diagnostics.CodeAction{}, nil
	}
	snap, ok := s.store.Snapshot(uri)
	if !ok {
		return []diagnostics.CodeAction{}, nil
	}

	return diagnostics.BuildCodeActions(uri, entry.Result.Ecosystem, snap.Text, entry.Result.VersionRecommendations, snap.LanguageID, entry.Diagnostics), nil
}
