package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schaermu/gitlib/internal/git"
	"github.com/schaermu/gitlib/internal/library"
	"github.com/schaermu/gitlib/internal/subtree"
)

// Outcome describes how a pull ended
type Outcome int

const (
	// OutcomeUpToDate means upstream had nothing new; no commit was made
	OutcomeUpToDate Outcome = iota
	// OutcomeAdded means the library was adopted for the first time
	OutcomeAdded
	// OutcomeMerged means upstream changes were merged into the library
	OutcomeMerged
	// OutcomeAborted means a suspended pull was rolled back
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUpToDate:
		return "up-to-date"
	case OutcomeAdded:
		return "added"
	case OutcomeMerged:
		return "merged"
	case OutcomeAborted:
		return "aborted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// PullResult reports a finished pull, continue or abort
type PullResult struct {
	Outcome Outcome
	Library string
	// Commit is the commit the branch points at afterwards
	Commit string
}

// AddMessage is the commit message for first-time adoption of a library
func AddMessage(name string) string {
	return fmt.Sprintf(`Add lib "%s"`, name)
}

// MergeMessage is the commit message for merging upstream changes
func MergeMessage(name string) string {
	return fmt.Sprintf(`Merged lib "%s"`, name)
}

// RejoinMessage is the message of the ours-merge recording the split history
func RejoinMessage(name string) string {
	return fmt.Sprintf(`Rejoin lib "%s"`, name)
}

// CommitParents returns the parent list of a finalized pull commit. The
// previous head is kept unless it is empty or equals the fetched revision.
func CommitParents(headRev, fetchRev string) []string {
	if headRev != "" && headRev != fetchRev {
		return []string{headRev, fetchRev}
	}
	return []string{fetchRev}
}

// Engine orchestrates library synchronization
type Engine struct {
	git      git.Client
	splitter subtree.Splitter
	state    *StateStore
	topLevel string
	out      io.Writer
	logger   *slog.Logger
}

// NewEngine creates a new sync engine. topLevel is the work tree root that
// library prefixes are relative to; out receives user-facing command output.
func NewEngine(gitClient git.Client, splitter subtree.Splitter, state *StateStore, topLevel string, out io.Writer, logger *slog.Logger) *Engine {
	return &Engine{
		git:      gitClient,
		splitter: splitter,
		state:    state,
		topLevel: topLevel,
		out:      out,
		logger:   logger,
	}
}

// Push publishes the split history of lib to its remote
func (e *Engine) Push(ctx context.Context, lib library.Ref) (string, error) {
	if !e.libraryExists(lib.Prefix) {
		return "", fmt.Errorf("%w: %s", ErrLibraryNotFound, lib.Prefix)
	}

	e.logger.Info("probing remote repository", "url", lib.URL, "ref", lib.RemoteRef)
	base, err := e.git.Fetch(ctx, lib.URL, lib.RemoteRef)
	if err != nil {
		// the branch may simply not exist yet; only a missing repository is fatal
		if !e.git.ProbeRemote(ctx, lib.URL) {
			return "", fmt.Errorf("%w: %s, please create it and try again", ErrRemoteNotFound, lib.URL)
		}
		e.logger.Info("remote ref not fetched, splitting local history only", "ref", lib.RemoteRef, "error", err)
		base = ""
	}

	e.logger.Info("splitting lib", "library", lib.Name, "prefix", lib.Prefix, "base", base)
	split, err := e.split(ctx, lib.Prefix, base)
	if err != nil {
		return "", err
	}

	e.logger.Info("pushing lib", "commit", split, "url", lib.URL, "ref", lib.RemoteRef)
	if err := e.git.Push(ctx, lib.URL, split, lib.RemoteRef, e.out); err != nil {
		return "", fmt.Errorf("failed to push lib %s: %w", lib.Name, err)
	}
	return split, nil
}

// Split prints the commit id of the split history of lib based on the remote ref
func (e *Engine) Split(ctx context.Context, lib library.Ref) (string, error) {
	if !e.libraryExists(lib.Prefix) {
		return "", fmt.Errorf("%w: %s", ErrLibraryNotFound, lib.Prefix)
	}

	fetchRev, err := e.git.Fetch(ctx, lib.URL, lib.RemoteRef)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrFetchFailed, lib.URL, err)
	}

	split, err := e.split(ctx, lib.Prefix, fetchRev)
	if err != nil {
		return "", err
	}

	_, _ = fmt.Fprintln(e.out, split)
	return split, nil
}

// Pull merges the remote ref of lib into its prefix. A conflicted merge
// returns an error matching ErrMergeConflict and leaves the pull state on
// disk for Continue or Abort.
func (e *Engine) Pull(ctx context.Context, lib library.Ref) (*PullResult, error) {
	unlock, err := e.state.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	if e.state.Exists() {
		return nil, fmt.Errorf("%w: resolve it with --continue or --abort", ErrPullInProgress)
	}

	if err := e.ensureClean(ctx); err != nil {
		return nil, err
	}

	head, err := e.git.CurrentHead(ctx)
	if err != nil {
		return nil, err
	}

	e.logger.Info("fetching remote lib", "url", lib.URL, "ref", lib.RemoteRef)
	fetchRev, err := e.git.Fetch(ctx, lib.URL, lib.RemoteRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetchFailed, lib.URL, err)
	}

	st := PullState{HeadRev: head, FetchRev: fetchRev, Library: lib.Name}
	if err := e.state.Save(st); err != nil {
		return nil, err
	}

	if !e.libraryExists(lib.Prefix) {
		return e.add(ctx, lib, st)
	}
	return e.rejoin(ctx, lib, st)
}

// add adopts the fetched tree as a new library
func (e *Engine) add(ctx context.Context, lib library.Ref, st PullState) (*PullResult, error) {
	e.logger.Info("adding lib", "library", lib.Name, "prefix", lib.Prefix, "commit", st.FetchRev)

	if err := e.git.ReadTreeIntoPrefix(ctx, st.FetchRev, lib.Prefix); err != nil {
		return nil, e.suspended(err)
	}
	if err := e.git.CheckoutPrefix(ctx, lib.Prefix); err != nil {
		return nil, e.suspended(err)
	}

	commit, err := e.finalize(ctx, st, AddMessage(lib.Name))
	if err != nil {
		return nil, err
	}
	return &PullResult{Outcome: OutcomeAdded, Library: lib.Name, Commit: commit}, nil
}

// rejoin merges upstream changes into an existing library
func (e *Engine) rejoin(ctx context.Context, lib library.Ref, st PullState) (*PullResult, error) {
	e.logger.Info("splitting lib", "library", lib.Name, "prefix", lib.Prefix)
	split, err := e.split(ctx, lib.Prefix, st.FetchRev)
	if err != nil {
		// nothing has been touched yet, so the pull is simply abandoned
		if cerr := e.state.Clear(); cerr != nil {
			return nil, errors.Join(err, cerr)
		}
		return nil, err
	}

	upToDate, err := e.git.RevListEmpty(ctx, split, st.FetchRev)
	if err != nil {
		return nil, e.suspended(err)
	}
	if upToDate {
		e.logger.Info("everything up-to-date", "library", lib.Name, "split", split)
		if err := e.state.Clear(); err != nil {
			return nil, err
		}
		return &PullResult{Outcome: OutcomeUpToDate, Library: lib.Name, Commit: st.HeadRev}, nil
	}

	e.logger.Info("merging lib", "library", lib.Name, "split", split, "fetch", st.FetchRev)
	if err := e.git.MergeOurs(ctx, split, RejoinMessage(lib.Name)); err != nil {
		return nil, e.suspended(err)
	}

	if err := e.git.MergeSubtree(ctx, lib.Prefix, st.FetchRev, MergeMessage(lib.Name)); err != nil {
		if errors.Is(err, ErrMergeConflict) {
			e.logger.Warn("merge stopped on conflicts", "library", lib.Name, "state", e.state.Path())
			return nil, fmt.Errorf("merge failed; fix conflicts and then issue \"git lib pull --continue\": %w", err)
		}
		return nil, e.suspended(err)
	}

	commit, err := e.finalize(ctx, st, MergeMessage(lib.Name))
	if err != nil {
		return nil, err
	}
	return &PullResult{Outcome: OutcomeMerged, Library: lib.Name, Commit: commit}, nil
}

// Continue finalizes a pull whose conflicts have been resolved and staged
func (e *Engine) Continue(ctx context.Context) (*PullResult, error) {
	unlock, err := e.state.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := e.state.Load()
	if err != nil {
		return nil, err
	}

	unmerged, err := e.git.HasUnmergedPaths(ctx)
	if err != nil {
		return nil, err
	}
	if unmerged {
		return nil, fmt.Errorf("%w: stage the resolved files first", ErrUnresolvedConflicts)
	}
	markers, err := e.git.HasConflictMarkers(ctx, ".")
	if err != nil {
		return nil, err
	}
	if markers {
		return nil, fmt.Errorf("%w: staged files still contain conflict markers", ErrUnresolvedConflicts)
	}

	e.logger.Info("continuing lib pull", "library", st.Library, "head", st.HeadRev, "fetch", st.FetchRev)
	commit, err := e.finalize(ctx, *st, MergeMessage(st.Library))
	if err != nil {
		return nil, err
	}
	return &PullResult{Outcome: OutcomeMerged, Library: st.Library, Commit: commit}, nil
}

// Abort rolls a suspended pull back to the head it started from
func (e *Engine) Abort(ctx context.Context) (*PullResult, error) {
	unlock, err := e.state.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := e.state.Load()
	if err != nil {
		return nil, err
	}

	e.logger.Info("aborting lib pull", "library", st.Library, "head", st.HeadRev)
	if st.HeadRev == "" {
		// the index was empty when the pull started, so everything in it came from the pull
		if err := e.git.ResetUnborn(ctx); err != nil {
			return nil, err
		}
	} else if err := e.git.ResetHard(ctx, st.HeadRev); err != nil {
		return nil, err
	}
	if err := e.state.Clear(); err != nil {
		return nil, err
	}
	return &PullResult{Outcome: OutcomeAborted, Library: st.Library, Commit: st.HeadRev}, nil
}

// finalize turns the current index into the single commit of a pull
func (e *Engine) finalize(ctx context.Context, st PullState, message string) (string, error) {
	tree, err := e.git.WriteTree(ctx)
	if err != nil {
		return "", e.suspended(err)
	}

	commit, err := e.git.CommitTree(ctx, git.CommitSpec{
		Tree:    tree,
		Parents: CommitParents(st.HeadRev, st.FetchRev),
		Message: message,
	})
	if err != nil {
		return "", e.suspended(err)
	}

	if err := e.git.ResetTo(ctx, commit); err != nil {
		return "", e.suspended(err)
	}

	if err := e.state.Clear(); err != nil {
		return "", err
	}

	e.logger.Info("lib commit created", "commit", commit, "message", message)
	return commit, nil
}

func (e *Engine) ensureClean(ctx context.Context) error {
	clean, err := e.git.IsWorkingTreeClean(ctx)
	if err != nil {
		return err
	}
	if !clean {
		return fmt.Errorf("%w: working tree has modifications, cannot pull", ErrDirtyTree)
	}

	clean, err = e.git.IsIndexClean(ctx)
	if err != nil {
		return err
	}
	if !clean {
		return fmt.Errorf("%w: index has modifications, cannot pull", ErrDirtyTree)
	}
	return nil
}

func (e *Engine) split(ctx context.Context, prefix, base string) (string, error) {
	split, err := e.splitter.Split(ctx, prefix, base)
	if err != nil {
		if errors.Is(err, ErrSplitFailed) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrSplitFailed, err)
	}
	return split, nil
}

// suspended annotates a failure that happened after the pull state was saved
func (e *Engine) suspended(err error) error {
	return fmt.Errorf("%w (pull state kept in %s; use --abort to roll back)", err, e.state.Path())
}

func (e *Engine) libraryExists(prefix string) bool {
	info, err := os.Stat(filepath.Join(e.topLevel, filepath.FromSlash(prefix)))
	return err == nil && info.IsDir()
}
