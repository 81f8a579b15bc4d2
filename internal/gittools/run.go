// Package gittools provides stateless git operations over a repository or
// worktree path. Every function shells out to git with --no-pager and
// explicit flags, returns a typed result, and folds stderr into the error
// on failure. Nothing here retries.
package gittools

import (
	"bytes"
	"os/exec"
	"strings"
	"sync"
)

// repoLocks serializes index-touching operations per repository so two
// handlers cannot fight over the same index file.
var repoLocks sync.Map // root -> *sync.Mutex

func lockRepo(root string) func() {
	mu, _ := repoLocks.LoadOrStore(root, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// runGit executes git in root and returns stdout. A non-zero exit becomes
// a *GitError carrying stderr.
func runGit(root string, args ...string) (string, error) {
	full := append([]string{"--no-pager", "-C", root}, args...)
	cmd := exec.Command("git", full...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		if isNotARepo(msg) {
			return "", ErrNotAGitRepo
		}
		return stdout.String(), &GitError{Args: args, Stderr: msg}
	}

	return stdout.String(), nil
}

// runGitOK reports whether the command exits zero, discarding output.
func runGitOK(root string, args ...string) bool {
	full := append([]string{"--no-pager", "-C", root}, args...)
	return exec.Command("git", full...).Run() == nil
}

func isNotARepo(stderr string) bool {
	return strings.Contains(stderr, "not a git repository")
}

// IsRepo reports whether root is inside a git working tree.
func IsRepo(root string) bool {
	return runGitOK(root, "rev-parse", "--is-inside-work-tree")
}

// Toplevel returns the working-tree root containing path.
func Toplevel(path string) (string, error) {
	out, err := runGit(path, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// GitDir returns the .git directory (or worktree git dir) for root.
func GitDir(root string) (string, error) {
	out, err := runGit(root, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// splitZ splits NUL-separated git output, dropping the trailing empty
// record.
func splitZ(out string) []string {
	parts := strings.Split(out, "\x00")
	if n := len(parts); n > 0 && parts[n-1] == "" {
		parts = parts[:n-1]
	}
	return parts
}
