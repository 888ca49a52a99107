package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/gitlib/internal/git"
	"github.com/schaermu/gitlib/internal/library"
)

const (
	headRev  = "1111111111111111111111111111111111111111"
	fetchRev = "2222222222222222222222222222222222222222"
	splitRev = "3333333333333333333333333333333333333333"
	treeID   = "4444444444444444444444444444444444444444"
	newRev   = "5555555555555555555555555555555555555555"
)

// mockGitClient implements git.Client for testing.
type mockGitClient struct {
	head          string
	dirtyTree     bool
	dirtyIndex    bool
	fetchErr      error
	remoteExists  bool
	revListEmpty  bool
	readTreeErr   error
	mergeOursErr  error
	mergeErr      error
	writeTreeErr  error
	unmerged      bool
	markers       bool
	pushErr       error
	calls         []string
	commits       []git.CommitSpec
	resetTo       string
	resetHard     string
	pushedCommit  string
	mergedOurs    string
	mergedSubtree string
}

func newMockGitClient() *mockGitClient {
	return &mockGitClient{head: headRev, remoteExists: true}
}

func (m *mockGitClient) record(call string) {
	m.calls = append(m.calls, call)
}

func (m *mockGitClient) called(call string) bool {
	for _, c := range m.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (m *mockGitClient) ResolveRef(_ context.Context, name string) (string, error) {
	m.record("ResolveRef")
	return name, nil
}

func (m *mockGitClient) CurrentHead(_ context.Context) (string, error) {
	m.record("CurrentHead")
	return m.head, nil
}

func (m *mockGitClient) IsWorkingTreeClean(_ context.Context) (bool, error) {
	m.record("IsWorkingTreeClean")
	return !m.dirtyTree, nil
}

func (m *mockGitClient) IsIndexClean(_ context.Context) (bool, error) {
	m.record("IsIndexClean")
	return !m.dirtyIndex, nil
}

func (m *mockGitClient) Fetch(_ context.Context, _, _ string) (string, error) {
	m.record("Fetch")
	if m.fetchErr != nil {
		return "", m.fetchErr
	}
	return fetchRev, nil
}

func (m *mockGitClient) ProbeRemote(_ context.Context, _ string) bool {
	m.record("ProbeRemote")
	return m.remoteExists
}

func (m *mockGitClient) ReadTreeIntoPrefix(_ context.Context, _, _ string) error {
	m.record("ReadTreeIntoPrefix")
	return m.readTreeErr
}

func (m *mockGitClient) CheckoutPrefix(_ context.Context, _ string) error {
	m.record("CheckoutPrefix")
	return nil
}

func (m *mockGitClient) WriteTree(_ context.Context) (string, error) {
	m.record("WriteTree")
	return treeID, m.writeTreeErr
}

func (m *mockGitClient) CommitTree(_ context.Context, spec git.CommitSpec) (string, error) {
	m.record("CommitTree")
	m.commits = append(m.commits, spec)
	return newRev, nil
}

func (m *mockGitClient) ResetTo(_ context.Context, commit string) error {
	m.record("ResetTo")
	m.resetTo = commit
	return nil
}

func (m *mockGitClient) ResetHard(_ context.Context, commit string) error {
	m.record("ResetHard")
	m.resetHard = commit
	return nil
}

func (m *mockGitClient) ResetUnborn(_ context.Context) error {
	m.record("ResetUnborn")
	return nil
}

func (m *mockGitClient) MergeOurs(_ context.Context, ref, _ string) error {
	m.record("MergeOurs")
	m.mergedOurs = ref
	return m.mergeOursErr
}

func (m *mockGitClient) MergeSubtree(_ context.Context, _, ref, _ string) error {
	m.record("MergeSubtree")
	m.mergedSubtree = ref
	return m.mergeErr
}

func (m *mockGitClient) RevListEmpty(_ context.Context, _, _ string) (bool, error) {
	m.record("RevListEmpty")
	return m.revListEmpty, nil
}

func (m *mockGitClient) Push(_ context.Context, _, commit, _ string, w io.Writer) error {
	m.record("Push")
	m.pushedCommit = commit
	_, _ = fmt.Fprintln(w, "pushed", commit)
	return m.pushErr
}

func (m *mockGitClient) HasUnmergedPaths(_ context.Context) (bool, error) {
	m.record("HasUnmergedPaths")
	return m.unmerged, nil
}

func (m *mockGitClient) HasConflictMarkers(_ context.Context, _ string) (bool, error) {
	m.record("HasConflictMarkers")
	return m.markers, nil
}

// mockSplitter implements subtree.Splitter for testing.
type mockSplitter struct {
	commit string
	err    error
	called bool
	prefix string
	base   string
}

func (m *mockSplitter) Split(_ context.Context, prefix, base string) (string, error) {
	m.called = true
	m.prefix = prefix
	m.base = base
	return m.commit, m.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testEnv struct {
	engine   *Engine
	git      *mockGitClient
	splitter *mockSplitter
	state    *StateStore
	topLevel string
	out      *bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	topLevel := t.TempDir()
	gitDir := filepath.Join(topLevel, ".git")
	require.NoError(t, os.MkdirAll(gitDir, 0755))

	env := &testEnv{
		git:      newMockGitClient(),
		splitter: &mockSplitter{commit: splitRev},
		state:    NewStateStore(gitDir),
		topLevel: topLevel,
		out:      &bytes.Buffer{},
	}
	env.engine = NewEngine(env.git, env.splitter, env.state, topLevel, env.out, testLogger())
	return env
}

func (env *testEnv) mkLib(t *testing.T, prefix string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(env.topLevel, filepath.FromSlash(prefix)), 0755))
}

func fooRef() library.Ref {
	return library.Ref{Name: "foo", Prefix: "libs/foo", URL: "git@example.com:me/foo.git", RemoteRef: "master"}
}

func TestCommitParents(t *testing.T) {
	tests := []struct {
		name  string
		head  string
		fetch string
		want  []string
	}{
		{name: "distinct head", head: headRev, fetch: fetchRev, want: []string{headRev, fetchRev}},
		{name: "empty head", head: "", fetch: fetchRev, want: []string{fetchRev}},
		{name: "head equals fetch", head: fetchRev, fetch: fetchRev, want: []string{fetchRev}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CommitParents(tt.head, tt.fetch))
		})
	}
}

func TestMessages(t *testing.T) {
	assert.Equal(t, `Add lib "foo"`, AddMessage("foo"))
	assert.Equal(t, `Merged lib "foo"`, MergeMessage("foo"))
	assert.Equal(t, `Rejoin lib "foo"`, RejoinMessage("foo"))
}

func TestPull_Add(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.engine.Pull(context.Background(), fooRef())
	require.NoError(t, err)

	assert.Equal(t, OutcomeAdded, res.Outcome)
	assert.Equal(t, newRev, res.Commit)
	assert.True(t, env.git.called("ReadTreeIntoPrefix"))
	assert.True(t, env.git.called("CheckoutPrefix"))
	assert.False(t, env.splitter.called, "adding a lib must not split")
	assert.False(t, env.git.called("MergeSubtree"))

	require.Len(t, env.git.commits, 1)
	assert.Equal(t, git.CommitSpec{Tree: treeID, Parents: []string{headRev, fetchRev}, Message: `Add lib "foo"`}, env.git.commits[0])
	assert.Equal(t, newRev, env.git.resetTo)
	assert.False(t, env.state.Exists())
}

func TestPull_AddOnUnbornBranch(t *testing.T) {
	env := newTestEnv(t)
	env.git.head = ""

	res, err := env.engine.Pull(context.Background(), fooRef())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdded, res.Outcome)

	require.Len(t, env.git.commits, 1)
	assert.Equal(t, []string{fetchRev}, env.git.commits[0].Parents)
}

func TestPull_AddFailureKeepsState(t *testing.T) {
	env := newTestEnv(t)
	env.git.readTreeErr = errors.New("read-tree exploded")

	_, err := env.engine.Pull(context.Background(), fooRef())
	require.Error(t, err)
	assert.ErrorIs(t, err, env.git.readTreeErr)
	assert.True(t, env.state.Exists(), "after the checkpoint only continue or abort resolve a pull")
	assert.Empty(t, env.git.commits)
}

func TestPull_UpToDate(t *testing.T) {
	env := newTestEnv(t)
	env.mkLib(t, "libs/foo")
	env.git.revListEmpty = true

	res, err := env.engine.Pull(context.Background(), fooRef())
	require.NoError(t, err)

	assert.Equal(t, OutcomeUpToDate, res.Outcome)
	assert.Equal(t, headRev, res.Commit)
	assert.Equal(t, "libs/foo", env.splitter.prefix)
	assert.Equal(t, fetchRev, env.splitter.base)
	assert.Empty(t, env.git.commits)
	assert.False(t, env.git.called("MergeOurs"))
	assert.False(t, env.git.called("ResetTo"))
	assert.False(t, env.state.Exists())
}

func TestPull_Merged(t *testing.T) {
	env := newTestEnv(t)
	env.mkLib(t, "libs/foo")

	res, err := env.engine.Pull(context.Background(), fooRef())
	require.NoError(t, err)

	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.Equal(t, splitRev, env.git.mergedOurs)
	assert.Equal(t, fetchRev, env.git.mergedSubtree)

	require.Len(t, env.git.commits, 1)
	assert.Equal(t, `Merged lib "foo"`, env.git.commits[0].Message)
	assert.Equal(t, []string{headRev, fetchRev}, env.git.commits[0].Parents)
	assert.False(t, env.state.Exists())
}

func TestPull_ConflictThenContinue(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.mkLib(t, "libs/foo")
	env.git.mergeErr = &git.OperationError{Op: "merge", Err: errors.Join(git.ErrMergeConflict, errors.New("exit status 1"))}

	_, err := env.engine.Pull(ctx, fooRef())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMergeConflict)
	assert.Empty(t, env.git.commits)

	st, err := env.state.Load()
	require.NoError(t, err)
	assert.Equal(t, PullState{HeadRev: headRev, FetchRev: fetchRev, Library: "foo"}, *st)

	// a second pull must not start while this one is pending
	env.git.calls = nil
	_, err = env.engine.Pull(ctx, fooRef())
	assert.ErrorIs(t, err, ErrPullInProgress)
	assert.False(t, env.git.called("Fetch"))

	res, err := env.engine.Continue(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.Equal(t, "foo", res.Library)

	require.Len(t, env.git.commits, 1)
	assert.Equal(t, git.CommitSpec{Tree: treeID, Parents: []string{headRev, fetchRev}, Message: `Merged lib "foo"`}, env.git.commits[0])
	assert.Equal(t, newRev, env.git.resetTo)
	assert.False(t, env.state.Exists())
}

func TestPull_ConflictThenAbort(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.mkLib(t, "libs/foo")
	env.git.mergeErr = fmt.Errorf("wrapped: %w", git.ErrMergeConflict)

	_, err := env.engine.Pull(ctx, fooRef())
	require.ErrorIs(t, err, ErrMergeConflict)

	res, err := env.engine.Abort(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.Equal(t, headRev, env.git.resetHard)
	assert.Empty(t, env.git.commits)
	assert.False(t, env.state.Exists())
}

func TestContinue_UnresolvedConflicts(t *testing.T) {
	tests := []struct {
		name     string
		unmerged bool
		markers  bool
	}{
		{name: "unmerged index entries", unmerged: true},
		{name: "conflict markers staged", markers: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			require.NoError(t, env.state.Save(PullState{HeadRev: headRev, FetchRev: fetchRev, Library: "foo"}))
			env.git.unmerged = tt.unmerged
			env.git.markers = tt.markers

			_, err := env.engine.Continue(context.Background())
			assert.ErrorIs(t, err, ErrUnresolvedConflicts)
			assert.Empty(t, env.git.commits)
			assert.True(t, env.state.Exists())
		})
	}
}

func TestContinueAndAbort_WithoutPull(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.Continue(context.Background())
	assert.ErrorIs(t, err, ErrNoPullInProgress)

	_, err = env.engine.Abort(context.Background())
	assert.ErrorIs(t, err, ErrNoPullInProgress)

	assert.Empty(t, env.git.commits)
	assert.False(t, env.git.called("ResetHard"))
}

func TestAbort_UnbornHead(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.state.Save(PullState{FetchRev: fetchRev, Library: "foo"}))

	res, err := env.engine.Abort(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.Empty(t, res.Commit)
	assert.True(t, env.git.called("ResetUnborn"))
	assert.False(t, env.git.called("ResetHard"))
	assert.False(t, env.state.Exists())
}

func TestPull_Preconditions(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(m *mockGitClient)
		wantErr error
	}{
		{name: "dirty work tree", setup: func(m *mockGitClient) { m.dirtyTree = true }, wantErr: ErrDirtyTree},
		{name: "dirty index", setup: func(m *mockGitClient) { m.dirtyIndex = true }, wantErr: ErrDirtyTree},
		{name: "fetch fails", setup: func(m *mockGitClient) { m.fetchErr = errors.New("no route") }, wantErr: ErrFetchFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.mkLib(t, "libs/foo")
			tt.setup(env.git)

			_, err := env.engine.Pull(context.Background(), fooRef())
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, env.state.Exists(), "no state before the fetch succeeded")
			assert.False(t, env.splitter.called)
			assert.False(t, env.git.called("MergeOurs"))
			assert.Empty(t, env.git.commits)
		})
	}
}

func TestPull_DirtyTreeSkipsFetch(t *testing.T) {
	env := newTestEnv(t)
	env.git.dirtyTree = true

	_, err := env.engine.Pull(context.Background(), fooRef())
	require.ErrorIs(t, err, ErrDirtyTree)
	assert.False(t, env.git.called("Fetch"))
}

func TestPull_SplitFailureClearsState(t *testing.T) {
	env := newTestEnv(t)
	env.mkLib(t, "libs/foo")
	env.splitter.err = errors.New("split-lib: not found")

	_, err := env.engine.Pull(context.Background(), fooRef())
	assert.ErrorIs(t, err, ErrSplitFailed)
	assert.False(t, env.state.Exists())
	assert.False(t, env.git.called("MergeOurs"))
}

func TestPull_MergeOursFailureKeepsState(t *testing.T) {
	env := newTestEnv(t)
	env.mkLib(t, "libs/foo")
	env.git.mergeOursErr = errors.New("refusing to merge")

	_, err := env.engine.Pull(context.Background(), fooRef())
	assert.ErrorIs(t, err, env.git.mergeOursErr)
	assert.True(t, env.state.Exists())
	assert.False(t, env.git.called("MergeSubtree"))
}

func TestPull_Locked(t *testing.T) {
	env := newTestEnv(t)

	other := flock.New(filepath.Join(env.topLevel, ".git", lockFileName))
	locked, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	t.Cleanup(func() { _ = other.Unlock() })

	_, err = env.engine.Pull(context.Background(), fooRef())
	assert.ErrorIs(t, err, ErrPullLocked)
	assert.False(t, env.git.called("Fetch"))

	_, err = env.engine.Continue(context.Background())
	assert.ErrorIs(t, err, ErrPullLocked)
}

func TestPush(t *testing.T) {
	env := newTestEnv(t)
	env.mkLib(t, "libs/foo")

	commit, err := env.engine.Push(context.Background(), fooRef())
	require.NoError(t, err)

	assert.Equal(t, splitRev, commit)
	assert.Equal(t, "libs/foo", env.splitter.prefix)
	assert.Equal(t, fetchRev, env.splitter.base, "split is based on the fetched remote history")
	assert.Equal(t, splitRev, env.git.pushedCommit)
	assert.False(t, env.git.called("ProbeRemote"))
	assert.Contains(t, env.out.String(), "pushed "+splitRev)
}

func TestPush_NewRemoteBranch(t *testing.T) {
	env := newTestEnv(t)
	env.mkLib(t, "libs/foo")
	env.git.fetchErr = errors.New("couldn't find remote ref master")

	_, err := env.engine.Push(context.Background(), fooRef())
	require.NoError(t, err)
	assert.True(t, env.git.called("ProbeRemote"))
	assert.True(t, env.splitter.called)
	assert.Empty(t, env.splitter.base)
	assert.Equal(t, splitRev, env.git.pushedCommit)
}

func TestPush_Failures(t *testing.T) {
	tests := []struct {
		name     string
		mkLib    bool
		setup    func(env *testEnv)
		wantErr  error
		wantPush bool
	}{
		{name: "missing lib directory", mkLib: false, setup: func(*testEnv) {}, wantErr: ErrLibraryNotFound},
		{
			name:  "remote does not exist",
			mkLib: true,
			setup: func(env *testEnv) {
				env.git.fetchErr = errors.New("repository not found")
				env.git.remoteExists = false
			},
			wantErr: ErrRemoteNotFound,
		},
		{
			name:    "split fails",
			mkLib:   true,
			setup:   func(env *testEnv) { env.splitter.err = errors.New("boom") },
			wantErr: ErrSplitFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.mkLib {
				env.mkLib(t, "libs/foo")
			}
			tt.setup(env)

			_, err := env.engine.Push(context.Background(), fooRef())
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, env.git.called("Push"), "nothing may be sent to the remote")
			assert.Empty(t, env.git.commits)
			assert.False(t, env.git.called("ResetTo"))
		})
	}

	t.Run("remote missing skips split", func(t *testing.T) {
		env := newTestEnv(t)
		env.mkLib(t, "libs/foo")
		env.git.fetchErr = errors.New("repository not found")
		env.git.remoteExists = false

		_, err := env.engine.Push(context.Background(), fooRef())
		require.Error(t, err)
		assert.False(t, env.splitter.called)
	})
}

func TestSplit(t *testing.T) {
	env := newTestEnv(t)
	env.mkLib(t, "libs/foo")

	commit, err := env.engine.Split(context.Background(), fooRef())
	require.NoError(t, err)
	assert.Equal(t, splitRev, commit)
	assert.Equal(t, splitRev+"\n", env.out.String())
	assert.Equal(t, fetchRev, env.splitter.base)
	assert.False(t, env.state.Exists())
	assert.Empty(t, env.git.commits)
}

func TestSplit_FetchFailure(t *testing.T) {
	env := newTestEnv(t)
	env.mkLib(t, "libs/foo")
	env.git.fetchErr = errors.New("offline")

	_, err := env.engine.Split(context.Background(), fooRef())
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.False(t, env.splitter.called)
	assert.Empty(t, env.out.String())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "up-to-date", OutcomeUpToDate.String())
	assert.Equal(t, "added", OutcomeAdded.String())
	assert.Equal(t, "merged", OutcomeMerged.String())
	assert.Equal(t, "aborted", OutcomeAborted.String())
	assert.Equal(t, "outcome(42)", Outcome(42).String())
}
