// Package scheduler implements the debounced, coalescing, per-workspace
// batch-analysis pipeline: §4.E of the workspace-batched analysis design.
// It is the concurrency core of the adapter — a background task per
// workspace key that sleeps out a debounce window, drains the dirty set,
// dispatches one batched remote analysis call, and demultiplexes the
// response back to per-document diagnostics.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/crossplane/crossplane-runtime/pkg/logging"
	lsp "github.com/sourcegraph/go-lsp"

	"github.com/vulnera-dev/vulnera-lsp/internal/client"
	"github.com/vulnera-dev/vulnera-lsp/internal/diagnostics"
	"github.com/vulnera-dev/vulnera-lsp/internal/store"
)

const (
	errCardinalityMismatch = "analysis response returned a different number of results than files requested"
	errUnknownFileID       = "analysis response referenced an unknown file_id"
)

// Publisher is the narrow surface of the LSP façade the scheduler needs:
// publishing diagnostics for a document and logging/showing messages. The
// façade (internal/lspsrv) implements this; the scheduler never depends on
// the façade package, avoiding an import cycle.
type Publisher interface {
	PublishDiagnostics(uri lsp.DocumentURI, version int, diags []lsp.Diagnostic)
	ShowMessage(severity lsp.MessageType, message string)
	LogMessage(severity lsp.MessageType, message string)
}

// AnalysisClient is the subset of internal/client.Client the scheduler
// calls, narrowed for testability.
type AnalysisClient interface {
	AnalyzeDependencies(ctx context.Context, detail client.DetailLevel, req client.BatchDependencyAnalysisRequest) (*client.BatchDependencyAnalysisResponse, error)
}

// CacheEntry is the AnalysisCache entry described in §3: the last
// successfully analysed result and the diagnostics published for it.
type CacheEntry struct {
	Result      client.FileAnalysisResult
	Diagnostics []lsp.Diagnostic
}

// pendingTask is the handle recorded in Scheduler.pendingTasks: the
// cancellation function for a not-yet-dispatched (or in-flight) batch.
// running marks that the debounce sleep has elapsed and dispatchBatch's
// HTTP round-trip is underway; rerun records that a Schedule call arrived
// during that window and must start a fresh debounce cycle once the
// in-flight batch completes, rather than racing it with a second call.
type pendingTask struct {
	cancel  context.CancelFunc
	running bool
	rerun   bool
}

// Scheduler holds the DirtyWorkspaceSet and PendingTask maps from §3 and
// drives the batch-dispatch pipeline.
type Scheduler struct {
	store     *store.Store
	client    AnalysisClient
	publisher Publisher
	log       logging.Logger

	debounce func() time.Duration

	mu               sync.Mutex
	dirtyByWorkspace map[string]map[lsp.DocumentURI]struct{}
	pendingTasks     map[string]*pendingTask
	cache            map[lsp.DocumentURI]*CacheEntry
	detailLevel      client.DetailLevel
	enableCache      bool
	compactMode      bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger, defaulting to a no-op logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithDebounce overrides the debounce duration function, primarily for
// tests that want a short or zero debounce window.
func WithDebounce(d time.Duration) Option {
	return func(s *Scheduler) {
		s.debounce = func() time.Duration { return d }
	}
}

// WithDetailLevel sets the detail level forwarded on every analyse call.
func WithDetailLevel(level client.DetailLevel) Option {
	return func(s *Scheduler) { s.detailLevel = level }
}

// WithRequestOptions sets the enable_cache/compact_mode flags forwarded on
// every analyse call.
func WithRequestOptions(enableCache, compactMode bool) Option {
	return func(s *Scheduler) {
		s.enableCache = enableCache
		s.compactMode = compactMode
	}
}

// New constructs a Scheduler backed by the given document store, analysis
// client, and diagnostic publisher.
func New(st *store.Store, c AnalysisClient, pub Publisher, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:            st,
		client:           c,
		publisher:        pub,
		log:              logging.NewNopLogger(),
		debounce:         func() time.Duration { return 500 * time.Millisecond },
		dirtyByWorkspace: make(map[string]map[lsp.DocumentURI]struct{}),
		pendingTasks:     make(map[string]*pendingTask),
		cache:            make(map[lsp.DocumentURI]*CacheEntry),
		detailLevel:      client.DetailStandard,
		enableCache:      true,
		compactMode:      false,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// WorkspaceKey implements §3's workspace-key derivation rule: prefer
// workspacePath when non-empty, else the URI's path; split at the last
// "/" and take the non-empty prefix, or the whole candidate if there is
// none.
func WorkspaceKey(workspacePath string, uri lsp.DocumentURI) string {
	candidate := workspacePath
	if candidate == "" {
		candidate = uriPath(uri)
	}
	idx := strings.LastIndex(candidate, "/")
	if idx > 0 {
		return candidate[:idx]
	}
	return candidate
}

// uriPath extracts the path component of a file:// (or bare) document URI.
func uriPath(uri lsp.DocumentURI) string {
	raw := string(uri)
	const filePrefix = "file://"
	if strings.HasPrefix(raw, filePrefix) {
		return strings.TrimPrefix(raw, filePrefix)
	}
	return raw
}

// CachedAnalysis returns the cached analysis result for uri, if any, for
// the façade's codeAction handler.
func (s *Scheduler) CachedAnalysis(uri lsp.DocumentURI) (CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[uri]
	if !ok {
		return CacheEntry{}, false
	}
	return *entry, true
}

// InvalidateCache removes the cached analysis for uri, on didClose.
func (s *Scheduler) InvalidateCache(uri lsp.DocumentURI) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, uri)
}

// Schedule implements §4.E schedule_analysis(uri), executed on every
// didOpen/didChange/didSave.
func (s *Scheduler) Schedule(ctx context.Context, uri lsp.DocumentURI) {
	snap, ok := s.store.Snapshot(uri)
	if !ok {
		return
	}

	if snap.Ecosystem == store.EcosystemUnknown {
		s.mu.Lock()
		delete(s.cache, uri)
		s.mu.Unlock()
		s.publisher.PublishDiagnostics(uri, snap.Version, nil)
		return
	}

	key := WorkspaceKey(snap.WorkspacePath, uri)

	s.mu.Lock()
	dirty, ok := s.dirtyByWorkspace[key]
	if !ok {
		dirty = make(map[lsp.DocumentURI]struct{})
		s.dirtyByWorkspace[key] = dirty
	}
	dirty[uri] = struct{}{}

	if prev, ok := s.pendingTasks[key]; ok {
		if prev.running {
			// A batch for this workspace is already in flight: per the
			// workspace-isolation invariant a second schedule must not race
			// it with a concurrent HTTP call. Defer instead — the in-flight
			// dispatch starts a fresh debounce cycle for this dirty set once
			// it returns.
			prev.rerun = true
			s.mu.Unlock()
			return
		}
		prev.cancel()
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	task := &pendingTask{cancel: cancel}
	s.pendingTasks[key] = task
	s.mu.Unlock()

	go s.runDebouncedBatch(taskCtx, key, task)
}

// CancelWorkspace cancels the pending task for key, if any, without
// scheduling a new one — used when the last open document under a
// workspace key is closed.
func (s *Scheduler) CancelWorkspace(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.pendingTasks[key]; ok {
		task.cancel()
		delete(s.pendingTasks, key)
	}
}

// runDebouncedBatch sleeps out the debounce window, then drains and
// dispatches the batch for key unless taskCtx is cancelled first. The
// pendingTasks[key] entry stays in place for the whole HTTP round-trip, not
// just the sleep: a Schedule call landing mid-dispatch must be deferred
// (see Schedule's running check) rather than spawning a second concurrent
// batch for the same workspace.
func (s *Scheduler) runDebouncedBatch(taskCtx context.Context, key string, task *pendingTask) {
	timer := time.NewTimer(s.debounce())
	defer timer.Stop()

	select {
	case <-taskCtx.Done():
		s.clearPendingTask(key, task)
		return
	case <-timer.C:
	}

	s.mu.Lock()
	dirty := s.dirtyByWorkspace[key]
	delete(s.dirtyByWorkspace, key)
	task.running = true
	s.mu.Unlock()

	if len(dirty) == 0 {
		s.clearPendingTask(key, task)
		return
	}
	uris := make([]lsp.DocumentURI, 0, len(dirty))
	for u := range dirty {
		uris = append(uris, u)
	}

	// Schedule cancels only at the sleep boundary: once dispatch starts, a
	// later Schedule call is deferred, not raced in, and this batch runs to
	// completion. CancelWorkspace does cancel taskCtx mid-dispatch, and since
	// taskCtx is the HTTP call's context, that aborts an in-flight call.
	s.dispatchBatch(taskCtx, key, uris)

	s.mu.Lock()
	rerun := task.rerun
	var stillCurrent bool
	if s.pendingTasks[key] == task {
		stillCurrent = true
		if rerun {
			task.running = false
			task.rerun = false
		} else {
			delete(s.pendingTasks, key)
		}
	}
	s.mu.Unlock()

	if rerun && stillCurrent {
		// Documents edited while this batch was in flight are still
		// recorded in dirtyByWorkspace[key]; start a fresh debounce cycle
		// for them now that the current batch has completed.
		newCtx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		task.cancel = cancel
		s.mu.Unlock()
		go s.runDebouncedBatch(newCtx, key, task)
	}
}

// clearPendingTask removes key's pendingTasks entry if it still points at
// task — a newer Schedule call may already have replaced it.
func (s *Scheduler) clearPendingTask(key string, task *pendingTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingTasks[key] == task {
		delete(s.pendingTasks, key)
	}
}

// dispatchBatch implements §4.E's batch-dispatch step.
func (s *Scheduler) dispatchBatch(ctx context.Context, key string, uris []lsp.DocumentURI) {
	type pairedFile struct {
		uri  lsp.DocumentURI
		snap store.DocumentSnapshot
	}

	var files []pairedFile
	req := client.BatchDependencyAnalysisRequest{
		EnableCache: s.enableCache,
		CompactMode: s.compactMode,
	}
	for _, u := range uris {
		snap, ok := s.store.Snapshot(u)
		if !ok || snap.Ecosystem == store.EcosystemUnknown {
			continue
		}
		files = append(files, pairedFile{uri: u, snap: snap})
		req.Files = append(req.Files, client.DependencyFileRequest{
			FileID:        string(u),
			FileContent:   snap.Text,
			Ecosystem:     snap.Ecosystem,
			Filename:      snap.FileName,
			WorkspacePath: snap.WorkspacePath,
		})
	}
	if len(files) == 0 {
		return
	}

	resp, err := s.client.AnalyzeDependencies(ctx, s.detailLevel, req)
	if err != nil {
		s.failWorkspace(key, err.Error())
		return
	}

	if resp.Metadata.RequestID != "" {
		s.log.Debug("analysis batch completed", "request_id", resp.Metadata.RequestID, "workspace", key)
	}

	if len(resp.Results) != len(files) {
		s.failWorkspace(key, errCardinalityMismatch)
		return
	}

	allHaveFileID := true
	for _, r := range resp.Results {
		if r.FileID == "" {
			allHaveFileID = false
			break
		}
	}

	for i, f := range files {
		var result client.FileAnalysisResult
		if allHaveFileID {
			found := false
			for _, r := range resp.Results {
				if r.FileID == string(f.uri) {
					result = r
					found = true
					break
				}
			}
			if !found {
				s.failWorkspace(key, errUnknownFileID)
				return
			}
		} else {
			result = resp.Results[i]
		}

		s.publishResult(f.uri, f.snap, result)
	}
}

// publishResult implements the per-file success/failure branch of §4.E's
// batch-dispatch step.
func (s *Scheduler) publishResult(uri lsp.DocumentURI, snap store.DocumentSnapshot, result client.FileAnalysisResult) {
	if result.Error != "" {
		diags := []lsp.Diagnostic{diagnostics.BuildAnalysisFailureDiagnostic(result.Error)}
		s.publisher.PublishDiagnostics(uri, snap.Version, diags)
		return
	}

	diags := diagnostics.BuildDiagnostics(result, snap.Text, snap.LanguageID)
	s.publisher.PublishDiagnostics(uri, snap.Version, diags)

	s.mu.Lock()
	s.cache[uri] = &CacheEntry{Result: result, Diagnostics: diags}
	s.mu.Unlock()
}

// failWorkspace implements §4.E/§7's failure blast radius: every document
// currently classified under key receives one error diagnostic, and a
// window/showMessage is sent once. The analysis cache is left untouched.
func (s *Scheduler) failWorkspace(key, detail string) {
	diag := diagnostics.BuildAnalysisFailureDiagnostic(detail)

	for _, snap := range s.store.All() {
		if WorkspaceKey(snap.WorkspacePath, snap.URI) != key {
			continue
		}
		s.publisher.PublishDiagnostics(snap.URI, snap.Version, []lsp.Diagnostic{diag})
	}

	s.publisher.ShowMessage(lsp.MTError, "Dependency scan failed: "+detail)
	s.log.Info("batch analysis failed", "workspace", key, "error", detail)
}
