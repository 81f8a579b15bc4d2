package gittools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Scopes for stage/unstage/discard.
const (
	ScopeFile = "file"
	ScopeAll  = "all"
)

// Stage adds changes to the index. Scope "file" stages one path, "all"
// stages everything including untracked files.
func Stage(root, scope, path string) error {
	unlock := lockRepo(root)
	defer unlock()

	switch scope {
	case ScopeAll:
		_, err := runGit(root, "add", "--all")
		return err
	case ScopeFile:
		if path == "" {
			return &GitError{Args: []string{"add"}, Stderr: "path is required for scope=file"}
		}
		_, err := runGit(root, "add", "--", path)
		return err
	default:
		return &GitError{Args: []string{"add"}, Stderr: fmt.Sprintf("unknown scope %q", scope)}
	}
}

// Unstage removes changes from the index, keeping the working tree.
func Unstage(root, scope, path string) error {
	unlock := lockRepo(root)
	defer unlock()

	switch scope {
	case ScopeAll:
		_, err := runGit(root, "reset", "--quiet", "HEAD", "--")
		return err
	case ScopeFile:
		if path == "" {
			return &GitError{Args: []string{"reset"}, Stderr: "path is required for scope=file"}
		}
		_, err := runGit(root, "reset", "--quiet", "HEAD", "--", path)
		return err
	default:
		return &GitError{Args: []string{"reset"}, Stderr: fmt.Sprintf("unknown scope %q", scope)}
	}
}

// Discard throws away working-tree changes. Untracked files are deleted
// only when includeUntracked is set; a staged-only file is refused so the
// index state is never silently lost.
func Discard(root, scope, path string, includeUntracked bool) error {
	unlock := lockRepo(root)
	defer unlock()

	switch scope {
	case ScopeAll:
		if _, err := runGit(root, "checkout", "--", "."); err != nil {
			if ge, ok := err.(*GitError); !ok || !strings.Contains(ge.Stderr, "did not match any file") {
				return err
			}
		}
		if includeUntracked {
			if _, err := runGit(root, "clean", "-fd"); err != nil {
				return err
			}
		}
		return nil
	case ScopeFile:
		if path == "" {
			return &GitError{Args: []string{"checkout"}, Stderr: "path is required for scope=file"}
		}
		return discardFile(root, path, includeUntracked)
	default:
		return &GitError{Args: []string{"checkout"}, Stderr: fmt.Sprintf("unknown scope %q", scope)}
	}
}

func discardFile(root, path string, includeUntracked bool) error {
	out, err := runGit(root, "status", "--porcelain", "-z", "--untracked-files=all", "--", path)
	if err != nil {
		return err
	}

	records := splitZ(out)
	if len(records) == 0 {
		return nil // nothing to discard
	}

	xy := records[0][:2]
	switch {
	case xy == "??":
		if !includeUntracked {
			return &GitError{
				Args:   []string{"checkout", "--", path},
				Stderr: fmt.Sprintf("%s is untracked; discarding would delete it (set include_untracked to confirm)", path),
			}
		}
		return os.Remove(filepath.Join(root, path))
	case xy[1] == ' ':
		// Staged-only: the working tree already matches the index, so a
		// checkout would be a no-op and an unstage is what the caller
		// actually wants.
		return &GitError{
			Args:   []string{"checkout", "--", path},
			Stderr: fmt.Sprintf("%s has only staged changes; unstage it instead of discarding", path),
		}
	default:
		_, err := runGit(root, "checkout", "--", path)
		return err
	}
}
