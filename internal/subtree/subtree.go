// Package subtree invokes the external history-splitting command that
// turns a subdirectory's history into a standalone commit chain.
package subtree

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/schaermu/gitlib/internal/runner"
)

// ErrSplitFailed is returned when the split command fails or yields no commit.
var ErrSplitFailed = errors.New("split failed")

// DefaultCommand is the split command used when none is configured.
var DefaultCommand = []string{"git", "split-lib"}

// DefaultWithFlag names the option that bases the split on another revision.
const DefaultWithFlag = "--with"

// Splitter computes the filtered history of a path prefix
type Splitter interface {
	// Split returns the commit id of the split history of prefix. When base
	// is set the split is built on top of that revision.
	Split(ctx context.Context, prefix, base string) (string, error)
}

// CommandSplitter runs a configurable external split command
type CommandSplitter struct {
	run      runner.Runner
	dir      string
	command  []string
	withFlag string
}

// NewCommandSplitter creates a splitter that runs command in dir. An empty
// command falls back to DefaultCommand, an empty withFlag to DefaultWithFlag.
func NewCommandSplitter(run runner.Runner, dir string, command []string, withFlag string) *CommandSplitter {
	if len(command) == 0 {
		command = DefaultCommand
	}
	if withFlag == "" {
		withFlag = DefaultWithFlag
	}
	return &CommandSplitter{
		run:      run,
		dir:      dir,
		command:  command,
		withFlag: withFlag,
	}
}

// Split implements Splitter
func (s *CommandSplitter) Split(ctx context.Context, prefix, base string) (string, error) {
	out, err := s.run.Capture(ctx, s.cmd(prefix, base))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSplitFailed, err)
	}

	commit := lastLine(out)
	if !isCommitID(commit) {
		return "", fmt.Errorf("%w: unexpected output %q", ErrSplitFailed, out)
	}
	return commit, nil
}

func (s *CommandSplitter) cmd(prefix, base string) runner.Cmd {
	args := make([]string, 0, len(s.command)+3)
	args = append(args, s.command[1:]...)
	args = append(args, "--prefix", strings.TrimSuffix(prefix, "/"))
	if base != "" {
		args = append(args, s.withFlag, base)
	}
	return runner.Cmd{Name: s.command[0], Args: args, Dir: s.dir}
}

// lastLine returns the final line of output; split tools print progress
// before the resulting commit id.
func lastLine(out string) string {
	out = strings.TrimSpace(out)
	if i := strings.LastIndexByte(out, '\n'); i >= 0 {
		out = out[i+1:]
	}
	return strings.TrimSpace(out)
}

func isCommitID(s string) bool {
	if len(s) != 40 && len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}
