package gittools

import (
	"strings"
)

// CommitResult reports a created commit.
type CommitResult struct {
	OK      bool   `msgpack:"ok"`
	SHA     string `msgpack:"sha"`
	Message string `msgpack:"message,omitempty"`
}

// Commit records the staged changes with the given message.
func Commit(root, message string) (CommitResult, error) {
	unlock := lockRepo(root)
	defer unlock()

	if message == "" {
		return CommitResult{}, &GitError{Args: []string{"commit"}, Stderr: "commit message is empty"}
	}

	if _, err := runGit(root, "commit", "-m", message); err != nil {
		return CommitResult{}, err
	}

	sha, err := RevParse(root, "HEAD")
	if err != nil {
		return CommitResult{}, err
	}
	return CommitResult{OK: true, SHA: sha}, nil
}

// ResetHard resets the worktree to ref and removes untracked files.
func ResetHard(root, ref string) error {
	unlock := lockRepo(root)
	defer unlock()

	if _, err := runGit(root, "reset", "--hard", ref); err != nil {
		return err
	}
	_, err := runGit(root, "clean", "-fd")
	return err
}

// HasChanges reports whether the worktree has any uncommitted changes,
// including untracked files.
func HasChanges(root string) (bool, error) {
	out, err := runGit(root, "status", "--porcelain", "-z", "--untracked-files=all")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}
