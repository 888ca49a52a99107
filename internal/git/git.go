package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/schaermu/gitlib/internal/runner"
)

// EmptyTree is the id of the empty tree object, used as the comparison base
// on a branch without commits.
const EmptyTree = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// Client provides the repository operations the sync engine needs
type Client interface {
	// ResolveRef resolves a revision expression to a commit id
	ResolveRef(ctx context.Context, name string) (string, error)
	// CurrentHead returns the commit HEAD points at, or "" on an unborn branch
	CurrentHead(ctx context.Context) (string, error)
	// IsWorkingTreeClean reports whether tracked files match HEAD
	IsWorkingTreeClean(ctx context.Context) (bool, error)
	// IsIndexClean reports whether the index matches HEAD
	IsIndexClean(ctx context.Context) (bool, error)
	// Fetch fetches ref from url and returns the fetched commit id
	Fetch(ctx context.Context, url, ref string) (string, error)
	// ProbeRemote reports whether a repository answers at url
	ProbeRemote(ctx context.Context, url string) bool
	ReadTreeIntoPrefix(ctx context.Context, ref, prefix string) error
	CheckoutPrefix(ctx context.Context, prefix string) error
	WriteTree(ctx context.Context) (string, error)
	CommitTree(ctx context.Context, spec CommitSpec) (string, error)
	// ResetTo moves the current branch to commit, keeping the work tree
	ResetTo(ctx context.Context, commit string) error
	// ResetHard moves the current branch to commit, discarding index and work tree changes
	ResetHard(ctx context.Context, commit string) error
	// ResetUnborn empties the index of a branch without commits and removes
	// the tracked files from the work tree
	ResetUnborn(ctx context.Context) error
	// MergeOurs records ref as merged without changing the tree
	MergeOurs(ctx context.Context, ref, message string) error
	// MergeSubtree merges ref into prefix without committing. A conflicted
	// merge returns an error matching ErrMergeConflict.
	MergeSubtree(ctx context.Context, prefix, ref, message string) error
	// RevListEmpty reports whether no commit is reachable from to but not from from
	RevListEmpty(ctx context.Context, from, to string) (bool, error)
	// Push publishes commit to ref on url, streaming progress to w
	Push(ctx context.Context, url, commit, ref string, w io.Writer) error
	// HasUnmergedPaths reports whether the index still holds conflict stages
	HasUnmergedPaths(ctx context.Context) (bool, error)
	// HasConflictMarkers reports whether staged changes under prefix still
	// contain conflict markers
	HasConflictMarkers(ctx context.Context, prefix string) (bool, error)
}

// Auth configures credentials used for remote operations
type Auth struct {
	SSHKeyFile     string
	HTTPSTokenFile string
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	run  runner.Runner
	dir  string
	auth Auth
}

// NewShellClient creates a git client operating on the work tree at dir
func NewShellClient(run runner.Runner, dir string, auth Auth) *ShellClient {
	return &ShellClient{
		run:  run,
		dir:  dir,
		auth: auth,
	}
}

// Dir returns the work tree directory the client operates on
func (c *ShellClient) Dir() string {
	return c.dir
}

// ResolveRef resolves name to a commit id
func (c *ShellClient) ResolveRef(ctx context.Context, name string) (string, error) {
	return c.git(ctx, "rev-parse", "rev-parse", "--verify", "--quiet", name+"^{commit}")
}

// CurrentHead returns the commit id of HEAD, or "" when the branch has no commits yet
func (c *ShellClient) CurrentHead(ctx context.Context) (string, error) {
	out, err := c.run.Capture(ctx, c.cmd("rev-parse", "--verify", "--quiet", "HEAD^{commit}"))
	if err != nil {
		// --verify --quiet exits 1 without output for a missing ref
		if runner.ExitCode(err) == 1 && out == "" {
			return "", nil
		}
		return "", newOpError("rev-parse", out, err)
	}
	return out, nil
}

// IsWorkingTreeClean compares tracked work tree files against HEAD
func (c *ShellClient) IsWorkingTreeClean(ctx context.Context) (bool, error) {
	base, err := c.diffBase(ctx)
	if err != nil {
		return false, err
	}

	// refresh stat info so touched-but-unchanged files are not reported
	_, _ = c.run.Capture(ctx, c.cmd("update-index", "-q", "--refresh"))

	return c.quietDiff(ctx, "diff-index", "--quiet", base, "--")
}

// IsIndexClean compares the index against HEAD
func (c *ShellClient) IsIndexClean(ctx context.Context) (bool, error) {
	base, err := c.diffBase(ctx)
	if err != nil {
		return false, err
	}
	return c.quietDiff(ctx, "diff-index", "--cached", "--quiet", base, "--")
}

func (c *ShellClient) diffBase(ctx context.Context) (string, error) {
	head, err := c.CurrentHead(ctx)
	if err != nil {
		return "", err
	}
	if head == "" {
		return EmptyTree, nil
	}
	return head, nil
}

// quietDiff maps the exit status of a --quiet diff: 0 clean, 1 modified.
func (c *ShellClient) quietDiff(ctx context.Context, args ...string) (bool, error) {
	out, err := c.run.Capture(ctx, c.cmd(args...))
	if err == nil {
		return true, nil
	}
	if runner.ExitCode(err) == 1 {
		return false, nil
	}
	return false, newOpError(args[0], out, err)
}

// Fetch fetches ref from url and returns the resolved FETCH_HEAD
func (c *ShellClient) Fetch(ctx context.Context, url, ref string) (string, error) {
	cmd, err := c.remoteCmd(url, "fetch", "--quiet", url, ref)
	if err != nil {
		return "", err
	}
	if out, err := c.run.Capture(ctx, cmd); err != nil {
		return "", newOpError("fetch", out, err)
	}
	return c.ResolveRef(ctx, "FETCH_HEAD")
}

// ProbeRemote checks whether url answers to ls-remote
func (c *ShellClient) ProbeRemote(ctx context.Context, url string) bool {
	cmd, err := c.remoteCmd(url, "ls-remote", url)
	if err != nil {
		return false
	}
	_, err = c.run.Capture(ctx, cmd)
	return err == nil
}

// ReadTreeIntoPrefix reads the tree of ref into the index under prefix
func (c *ShellClient) ReadTreeIntoPrefix(ctx context.Context, ref, prefix string) error {
	_, err := c.git(ctx, "read-tree", "read-tree", "--prefix="+strings.TrimSuffix(prefix, "/")+"/", ref)
	return err
}

// CheckoutPrefix updates the work tree under prefix from the index
func (c *ShellClient) CheckoutPrefix(ctx context.Context, prefix string) error {
	_, err := c.git(ctx, "checkout", "checkout", "--", prefix)
	return err
}

// WriteTree writes the index as a tree object
func (c *ShellClient) WriteTree(ctx context.Context) (string, error) {
	return c.git(ctx, "write-tree", "write-tree")
}

// CommitTree creates a commit object from spec
func (c *ShellClient) CommitTree(ctx context.Context, spec CommitSpec) (string, error) {
	if spec.Tree == "" {
		return "", newOpError("commit-tree", "missing tree", nil)
	}
	args := []string{"commit-tree", spec.Tree}
	for _, p := range spec.Parents {
		args = append(args, "-p", p)
	}
	args = append(args, "-m", spec.Message)
	return c.git(ctx, "commit-tree", args...)
}

// ResetTo points the current branch at commit and resets the index
func (c *ShellClient) ResetTo(ctx context.Context, commit string) error {
	_, err := c.git(ctx, "reset", "reset", "-q", commit)
	return err
}

// ResetHard points the current branch at commit and resets index and work tree
func (c *ShellClient) ResetHard(ctx context.Context, commit string) error {
	_, err := c.git(ctx, "reset", "reset", "-q", "--hard", commit)
	return err
}

// ResetUnborn implements Client. Untracked files are left alone.
func (c *ShellClient) ResetUnborn(ctx context.Context) error {
	_, err := c.git(ctx, "rm", "rm", "-r", "-q", "-f", "--ignore-unmatch", "--", ".")
	return err
}

// MergeOurs merges ref with the ours strategy
func (c *ShellClient) MergeOurs(ctx context.Context, ref, message string) error {
	_, err := c.git(ctx, "merge", "merge", "-q", "-s", "ours", "--allow-unrelated-histories", "-m", message, ref)
	return err
}

// MergeSubtree merges ref into prefix, stopping before the commit
func (c *ShellClient) MergeSubtree(ctx context.Context, prefix, ref, message string) error {
	out, err := c.run.Capture(ctx, c.cmd(
		"merge", "-q", "--no-commit", "--no-ff",
		"-Xsubtree="+strings.TrimSuffix(prefix, "/"),
		"-m", message, ref,
	))
	if err == nil {
		return nil
	}

	unmerged, uerr := c.HasUnmergedPaths(ctx)
	if uerr == nil && unmerged {
		return &OperationError{Op: "merge", Detail: out, Err: errors.Join(ErrMergeConflict, err)}
	}
	return newOpError("merge", out, err)
}

// RevListEmpty reports whether from..to selects no commits
func (c *ShellClient) RevListEmpty(ctx context.Context, from, to string) (bool, error) {
	out, err := c.git(ctx, "rev-list", "rev-list", "--max-count=1", from+".."+to)
	if err != nil {
		return false, err
	}
	return out == "", nil
}

// Push pushes commit to refs/heads/<ref> on url
func (c *ShellClient) Push(ctx context.Context, url, commit, ref string, w io.Writer) error {
	cmd, err := c.remoteCmd(url, "push", url, commit+":refs/heads/"+ref)
	if err != nil {
		return err
	}
	if err := c.run.Stream(ctx, cmd, w); err != nil {
		return newOpError("push", "", err)
	}
	return nil
}

// HasUnmergedPaths lists unmerged index entries
func (c *ShellClient) HasUnmergedPaths(ctx context.Context) (bool, error) {
	out, err := c.git(ctx, "ls-files", "ls-files", "--unmerged")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// HasConflictMarkers greps the staged changes under prefix for conflict markers
func (c *ShellClient) HasConflictMarkers(ctx context.Context, prefix string) (bool, error) {
	base, err := c.diffBase(ctx)
	if err != nil {
		return false, err
	}
	// -z keeps non-ASCII names unquoted
	changed, err := c.git(ctx, "diff-index", "diff-index", "-z", "--cached", "--name-only", "--diff-filter=AM", base, "--", prefix)
	if err != nil {
		return false, err
	}

	args := []string{"grep", "-q", "--cached", "-E", "-e", "^(<{7}|>{7})( |$)", "--"}
	paths := 0
	for _, p := range strings.Split(changed, "\x00") {
		if p == "" {
			continue
		}
		args = append(args, ":(literal)"+p)
		paths++
	}
	if paths == 0 {
		return false, nil
	}

	out, err := c.run.Capture(ctx, c.cmd(args...))
	if err == nil {
		return true, nil
	}
	if runner.ExitCode(err) == 1 {
		return false, nil
	}
	return false, newOpError("grep", out, err)
}

// TopLevel returns the absolute path of the work tree root
func (c *ShellClient) TopLevel(ctx context.Context) (string, error) {
	return c.git(ctx, "rev-parse", "rev-parse", "--show-toplevel")
}

// GitDir returns the absolute path of the repository metadata directory
func (c *ShellClient) GitDir(ctx context.Context) (string, error) {
	return c.git(ctx, "rev-parse", "rev-parse", "--absolute-git-dir")
}

// ConfigGet reads a git config value. ok is false when the key is unset.
func (c *ShellClient) ConfigGet(ctx context.Context, key string) (string, bool, error) {
	out, err := c.run.Capture(ctx, c.cmd("config", "--get", key))
	if err != nil {
		if runner.ExitCode(err) == 1 {
			return "", false, nil
		}
		return "", false, newOpError("config", out, err)
	}
	return out, true, nil
}

// ConfigSet replaces all values of key, in the global config when global is set
func (c *ShellClient) ConfigSet(ctx context.Context, key, value string, global bool) error {
	args := []string{"config"}
	if global {
		args = append(args, "--global")
	}
	args = append(args, "--replace-all", key, value)
	_, err := c.git(ctx, "config", args...)
	return err
}

// git runs a git subcommand and wraps failures as OperationError
func (c *ShellClient) git(ctx context.Context, op string, args ...string) (string, error) {
	out, err := c.run.Capture(ctx, c.cmd(args...))
	if err != nil {
		return "", newOpError(op, out, err)
	}
	return out, nil
}

func (c *ShellClient) cmd(args ...string) runner.Cmd {
	full := args
	if c.dir != "" {
		full = append([]string{"-C", c.dir}, args...)
	}
	return runner.Cmd{Name: "git", Args: full}
}

// remoteCmd builds a command that talks to url, with credentials applied
func (c *ShellClient) remoteCmd(url string, args ...string) (runner.Cmd, error) {
	cmd := c.cmd(args...)
	if err := c.configureAuth(&cmd, url); err != nil {
		return runner.Cmd{}, err
	}
	return cmd, nil
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *runner.Cmd, url string) error {
	// SSH authentication
	if c.auth.SSHKeyFile != "" && IsSSH(url) {
		// The key path is shell-quoted because git hands GIT_SSH_COMMAND to a shell.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.auth.SSHKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.auth.HTTPSTokenFile != "" && IsHTTPS(url) {
		token, err := os.ReadFile(c.auth.HTTPSTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token travels in the environment; the helper only references it.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "GITLIB_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$GITLIB_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// IsHTTPS returns true if url uses HTTPS
func IsHTTPS(url string) bool {
	return strings.HasPrefix(url, "https://")
}

// IsSSH returns true if url uses SSH
func IsSSH(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}

// insertGitFlags prepends global git flags to an argument list that does
// not include the program name.
func insertGitFlags(args []string, flags ...string) []string {
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, flags...)
	result = append(result, args...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
