package gittools

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the outcomes callers branch on. Anything else from
// git surfaces as a *GitError carrying stderr.
var (
	// ErrNotAGitRepo is returned when the target path is not inside a
	// git working tree.
	ErrNotAGitRepo = errors.New("not a git repository")

	// ErrDirtyWorktree is returned when an operation refuses to run over
	// uncommitted changes.
	ErrDirtyWorktree = errors.New("worktree has uncommitted changes")
)

// ConflictError reports a merge or rebase that stopped on conflicts.
type ConflictError struct {
	Files []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicts in %s", strings.Join(e.Files, ", "))
}

// GitError wraps a non-zero git exit with its captured stderr.
type GitError struct {
	Args   []string
	Stderr string
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git %s failed: %s", strings.Join(e.Args, " "), strings.TrimSpace(e.Stderr))
}
