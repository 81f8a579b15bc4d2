package gittools

import (
	"os"
	"strings"
)

// RevParseAbbrev resolves a ref to its short symbolic form
// (e.g. refs/remotes/origin/HEAD -> origin/main).
func RevParseAbbrev(root, ref string) (string, error) {
	out, err := runGit(root, "rev-parse", "--abbrev-ref", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// WorktreeAdd creates a worktree at path on a new branch. baseBranch
// selects the starting point; empty starts from HEAD.
func WorktreeAdd(repoRoot, path, branch, baseBranch string) error {
	unlock := lockRepo(repoRoot)
	defer unlock()

	args := []string{"worktree", "add", "-b", branch, path}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}
	_, err := runGit(repoRoot, args...)
	return err
}

// WorktreeAddForce creates a worktree at path checked out to an existing
// branch, even when that branch is checked out elsewhere.
func WorktreeAddForce(repoRoot, path, branch string) error {
	unlock := lockRepo(repoRoot)
	defer unlock()

	_, err := runGit(repoRoot, "worktree", "add", "-f", path, branch)
	return err
}

// CheckoutIgnoreOther switches root to branch even when another worktree
// has it checked out. Reserved for the integration worktree.
func CheckoutIgnoreOther(root, branch string) error {
	unlock := lockRepo(root)
	defer unlock()

	_, err := runGit(root, "switch", "--ignore-other-worktrees", branch)
	return err
}

// WorktreeRemove force-removes the worktree at path. When git refuses
// (the worktree may already be half-gone), the directory is deleted
// manually and stale entries are pruned.
func WorktreeRemove(repoRoot, path string) error {
	unlock := lockRepo(repoRoot)
	defer unlock()

	if _, err := runGit(repoRoot, "worktree", "remove", "--force", path); err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return rmErr
		}
		_, _ = runGit(repoRoot, "worktree", "prune")
	}
	return nil
}

// WorktreeList returns the worktree root paths registered for the
// repository, the main working tree first.
func WorktreeList(repoRoot string) ([]string, error) {
	out, err := runGit(repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var roots []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			roots = append(roots, strings.TrimPrefix(line, "worktree "))
		}
	}
	return roots, nil
}
