// Package testutil provides throwaway git repositories for tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// RequireGit skips the test when no git binary is available.
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// InitRepo creates a repository at dir with an unborn branch and a local
// committer identity.
func InitRepo(t *testing.T, dir, branch string) {
	t.Helper()
	RequireGit(t)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	Git(t, dir, "init", "-q", "-b", branch)
	Git(t, dir, "config", "user.email", "test@test.com")
	Git(t, dir, "config", "user.name", "Test")
	Git(t, dir, "config", "commit.gpgsign", "false")
}

// WriteFile creates or overwrites a file relative to repoDir.
func WriteFile(t *testing.T, repoDir, name, content string) {
	t.Helper()
	path := filepath.Join(repoDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// ReadFile returns the content of a file relative to repoDir.
func ReadFile(t *testing.T, repoDir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(repoDir, name))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// CommitFile writes and commits a single file, returning the new HEAD.
func CommitFile(t *testing.T, repoDir, name, content, msg string) string {
	t.Helper()
	WriteFile(t, repoDir, name, content)
	Git(t, repoDir, "add", name)
	Git(t, repoDir, "commit", "-q", "-m", msg)
	return Git(t, repoDir, "rev-parse", "HEAD")
}

// Git runs git in dir and returns its trimmed output, failing the test on error.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// Parents returns the parent ids of rev in order.
func Parents(t *testing.T, dir, rev string) []string {
	t.Helper()
	fields := strings.Fields(Git(t, dir, "rev-list", "--parents", "-n", "1", rev))
	if len(fields) == 0 {
		t.Fatalf("rev-list returned nothing for %s", rev)
	}
	return fields[1:]
}
