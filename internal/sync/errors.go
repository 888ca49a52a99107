package sync

import (
	"errors"

	"github.com/schaermu/gitlib/internal/git"
	"github.com/schaermu/gitlib/internal/subtree"
)

var (
	// ErrDirtyTree means the work tree or index has uncommitted changes
	ErrDirtyTree = errors.New("working tree or index has modifications")
	// ErrFetchFailed means the remote ref could not be fetched
	ErrFetchFailed = errors.New("could not fetch from repository")
	// ErrRemoteNotFound means no repository answers at the remote URL
	ErrRemoteNotFound = errors.New("remote repository does not exist")
	// ErrSplitFailed means the split command failed
	ErrSplitFailed = subtree.ErrSplitFailed
	// ErrMergeConflict means the pull stopped for manual conflict resolution
	ErrMergeConflict = git.ErrMergeConflict
	// ErrNoPullInProgress means continue or abort found no saved pull
	ErrNoPullInProgress = errors.New("not currently in a lib pull")
	// ErrPullInProgress means a previous pull still awaits continue or abort
	ErrPullInProgress = errors.New("a lib pull is already in progress")
	// ErrPullLocked means another git-lib process holds the pull lock
	ErrPullLocked = errors.New("another git-lib pull is running")
	// ErrLibraryNotFound means the library directory does not exist
	ErrLibraryNotFound = errors.New("no such lib directory")
	// ErrUnresolvedConflicts means continue found conflicts still in the index or files
	ErrUnresolvedConflicts = errors.New("unresolved conflicts remain")
)
