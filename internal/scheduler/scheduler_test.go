package scheduler_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	lsp "github.com/sourcegraph/go-lsp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnera-dev/vulnera-lsp/internal/client"
	"github.com/vulnera-dev/vulnera-lsp/internal/scheduler"
	"github.com/vulnera-dev/vulnera-lsp/internal/store"
)

type fakeClient struct {
	mu    sync.Mutex
	calls []client.BatchDependencyAnalysisRequest
	fn    func(req client.BatchDependencyAnalysisRequest) (*client.BatchDependencyAnalysisResponse, error)
}

func (f *fakeClient) AnalyzeDependencies(_ context.Context, _ client.DetailLevel, req client.BatchDependencyAnalysisRequest) (*client.BatchDependencyAnalysisResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.fn(req)
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeClient) lastRequest() client.BatchDependencyAnalysisRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type fakePublisher struct {
	mu        sync.Mutex
	published map[lsp.DocumentURI][]lsp.Diagnostic
	messages  []string
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: make(map[lsp.DocumentURI][]lsp.Diagnostic)}
}

func (p *fakePublisher) PublishDiagnostics(uri lsp.DocumentURI, _ int, diags []lsp.Diagnostic) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published[uri] = diags
}

func (p *fakePublisher) ShowMessage(_ lsp.MessageType, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message)
}

func (p *fakePublisher) LogMessage(_ lsp.MessageType, _ string) {}

func (p *fakePublisher) get(uri lsp.DocumentURI) ([]lsp.Diagnostic, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.published[uri]
	return d, ok
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestScheduleDebounceCoalescing(t *testing.T) {
	st := store.New()
	st.Open("file:///w/package.json", "json", `{"dependencies":{"lodash":"1.0.0"}}`, 1, "/w")

	fc := &fakeClient{fn: func(req client.BatchDependencyAnalysisRequest) (*client.BatchDependencyAnalysisResponse, error) {
		return &client.BatchDependencyAnalysisResponse{
			Results:  []client.FileAnalysisResult{{FileID: req.Files[0].FileID, Ecosystem: "npm"}},
			Metadata: client.BatchAnalysisMetadata{},
		}, nil
	}}
	pub := newFakePublisher()
	sched := scheduler.New(st, fc, pub, scheduler.WithDebounce(30*time.Millisecond))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		st.ApplyChanges("file:///w/package.json", []store.Change{{Text: `{"dependencies":{"lodash":"1.0.1"}}`}}, i+2)
		sched.Schedule(ctx, "file:///w/package.json")
	}

	waitFor(t, func() bool { return fc.callCount() == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fc.callCount())
}

func TestScheduleWorkspaceBatching(t *testing.T) {
	st := store.New()
	st.Open("file:///w/package.json", "json", `{}`, 1, "/w")
	st.Open("file:///w/Cargo.toml", "toml", `[dependencies]`, 1, "/w")

	fc := &fakeClient{fn: func(req client.BatchDependencyAnalysisRequest) (*client.BatchDependencyAnalysisResponse, error) {
		results := make([]client.FileAnalysisResult, len(req.Files))
		for i, f := range req.Files {
			results[i] = client.FileAnalysisResult{FileID: f.FileID, Ecosystem: f.Ecosystem}
		}
		return &client.BatchDependencyAnalysisResponse{Results: results}, nil
	}}
	pub := newFakePublisher()
	sched := scheduler.New(st, fc, pub, scheduler.WithDebounce(10*time.Millisecond))

	ctx := context.Background()
	sched.Schedule(ctx, "file:///w/package.json")
	sched.Schedule(ctx, "file:///w/Cargo.toml")

	waitFor(t, func() bool { return fc.callCount() == 1 })
	assert.Len(t, fc.lastRequest().Files, 2)
}

func TestScheduleUnknownEcosystemNeverCallsHTTP(t *testing.T) {
	st := store.New()
	st.Open("file:///w/notes.md", "markdown", "hello", 1, "/w")

	fc := &fakeClient{fn: func(client.BatchDependencyAnalysisRequest) (*client.BatchDependencyAnalysisResponse, error) {
		t.Fatal("should never call the analysis client for an unknown ecosystem")
		return nil, nil
	}}
	pub := newFakePublisher()
	sched := scheduler.New(st, fc, pub, scheduler.WithDebounce(10*time.Millisecond))

	sched.Schedule(context.Background(), "file:///w/notes.md")
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 0, fc.callCount())

	diags, ok := pub.get("file:///w/notes.md")
	assert.True(t, ok)
	assert.Empty(t, diags)
}

func TestScheduleBatchFailureBlastRadius(t *testing.T) {
	st := store.New()
	st.Open("file:///w/package.json", "json", `{}`, 1, "/w")
	st.Open("file:///w/Cargo.toml", "toml", `[dependencies]`, 1, "/w")

	fc := &fakeClient{fn: func(client.BatchDependencyAnalysisRequest) (*client.BatchDependencyAnalysisResponse, error) {
		return nil, assertError{"service unavailable"}
	}}
	pub := newFakePublisher()
	sched := scheduler.New(st, fc, pub, scheduler.WithDebounce(10*time.Millisecond))

	ctx := context.Background()
	sched.Schedule(ctx, "file:///w/package.json")
	sched.Schedule(ctx, "file:///w/Cargo.toml")

	waitFor(t, func() bool {
		_, ok1 := pub.get("file:///w/package.json")
		_, ok2 := pub.get("file:///w/Cargo.toml")
		return ok1 && ok2
	})

	for _, uri := range []lsp.DocumentURI{"file:///w/package.json", "file:///w/Cargo.toml"} {
		diags, ok := pub.get(uri)
		require.True(t, ok)
		require.Len(t, diags, 1)
		assert.Contains(t, diags[0].Message, "Dependency scan failed:")
	}

	pub.mu.Lock()
	msgCount := len(pub.messages)
	pub.mu.Unlock()
	assert.Equal(t, 1, msgCount)
}

// TestScheduleDuringInFlightBatchDefersRatherThanRaces covers §8's
// workspace-isolation invariant as applied to a single workspace: a
// Schedule call that lands while a batch for that workspace is already
// dispatching must not start a second, concurrent HTTP call. It must wait
// for the in-flight one to finish and then run once more for whatever
// became dirty in the meantime.
func TestScheduleDuringInFlightBatchDefersRatherThanRaces(t *testing.T) {
	st := store.New()
	st.Open("file:///w/package.json", "json", `{}`, 1, "/w")

	inFlight := make(chan struct{})
	release := make(chan struct{})
	var signalOnce sync.Once
	var concurrent int32

	fc := &fakeClient{fn: func(req client.BatchDependencyAnalysisRequest) (*client.BatchDependencyAnalysisResponse, error) {
		if atomic.AddInt32(&concurrent, 1) > 1 {
			t.Error("two batches for the same workspace ran concurrently")
		}
		signalOnce.Do(func() { close(inFlight) })
		<-release
		atomic.AddInt32(&concurrent, -1)
		return &client.BatchDependencyAnalysisResponse{
			Results: []client.FileAnalysisResult{{FileID: req.Files[0].FileID, Ecosystem: "npm"}},
		}, nil
	}}
	pub := newFakePublisher()
	sched := scheduler.New(st, fc, pub, scheduler.WithDebounce(10*time.Millisecond))

	ctx := context.Background()
	sched.Schedule(ctx, "file:///w/package.json")

	<-inFlight // first batch is now inside its HTTP call

	// A second edit arrives while the batch is in flight. It must not spawn
	// a concurrent dispatch for the same workspace key.
	st.ApplyChanges("file:///w/package.json", []store.Change{{Text: `{"dependencies":{"lodash":"1.0.0"}}`}}, 2)
	sched.Schedule(ctx, "file:///w/package.json")
	time.Sleep(30 * time.Millisecond) // past the debounce window, if it were racing
	assert.Equal(t, 1, fc.callCount())

	close(release)

	waitFor(t, func() bool { return fc.callCount() == 2 })
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

func TestWorkspaceKeyPrefersWorkspacePath(t *testing.T) {
	assert.Equal(t, "/w", scheduler.WorkspaceKey("/w", "file:///elsewhere/package.json"))
}

func TestWorkspaceKeyFallsBackToURIPath(t *testing.T) {
	assert.Equal(t, "/w", scheduler.WorkspaceKey("", "file:///w/package.json"))
}

func TestWorkspaceKeyWithNoSlashIsCandidateItself(t *testing.T) {
	assert.Equal(t, "onlyname", scheduler.WorkspaceKey("onlyname", "file:///x"))
}

func TestScheduleCancelsSupersededTask(t *testing.T) {
	st := store.New()
	st.Open("file:///w/package.json", "json", `{}`, 1, "/w")

	fc := &fakeClient{fn: func(req client.BatchDependencyAnalysisRequest) (*client.BatchDependencyAnalysisResponse, error) {
		return &client.BatchDependencyAnalysisResponse{
			Results: []client.FileAnalysisResult{{FileID: req.Files[0].FileID, Ecosystem: "npm"}},
		}, nil
	}}
	pub := newFakePublisher()
	sched := scheduler.New(st, fc, pub, scheduler.WithDebounce(200*time.Millisecond))

	ctx := context.Background()
	sched.Schedule(ctx, "file:///w/package.json")
	time.Sleep(20 * time.Millisecond)
	sched.Schedule(ctx, "file:///w/package.json")

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, fc.callCount())
}
