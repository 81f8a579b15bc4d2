package gittools

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// BranchesResult lists local branches and the checked-out one.
type BranchesResult struct {
	Current  string   `msgpack:"current"`
	Branches []string `msgpack:"branches"`
}

// Branches returns local branch names, alphabetized.
func Branches(root string) (BranchesResult, error) {
	out, err := runGit(root, "for-each-ref", "--format=%(refname:short)", "refs/heads")
	if err != nil {
		return BranchesResult{}, err
	}

	res := BranchesResult{Branches: []string{}}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			res.Branches = append(res.Branches, line)
		}
	}
	sort.Strings(res.Branches)

	res.Current, err = CurrentBranch(root)
	if err != nil {
		return res, err
	}
	return res, nil
}

// CurrentBranch returns the checked-out branch, or "" when detached.
func CurrentBranch(root string) (string, error) {
	out, err := runGit(root, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		if ge, ok := err.(*GitError); ok && strings.Contains(ge.Stderr, "not a symbolic ref") {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// SwitchBranch checks out branch. Uncommitted changes that would be
// clobbered surface as ErrDirtyWorktree wrapping git's stderr.
func SwitchBranch(root, branch string) error {
	unlock := lockRepo(root)
	defer unlock()

	_, err := runGit(root, "switch", branch)
	if err != nil {
		if ge, ok := err.(*GitError); ok && strings.Contains(ge.Stderr, "would be overwritten") {
			return fmt.Errorf("%w: %s", ErrDirtyWorktree, strings.TrimSpace(ge.Stderr))
		}
		return err
	}
	return nil
}

// CreateBranch validates the name, creates the branch and switches to it.
func CreateBranch(root, branch string) error {
	if err := ValidateBranchName(branch); err != nil {
		return err
	}

	unlock := lockRepo(root)
	defer unlock()

	if _, err := runGit(root, "branch", branch); err != nil {
		return err
	}
	if _, err := runGit(root, "switch", branch); err != nil {
		return err
	}
	return nil
}

// ValidateBranchName enforces the subset of git check-ref-format rules the
// UI surfaces before shelling out.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return &GitError{Args: []string{"branch"}, Stderr: "branch name is empty"}
	}
	if strings.ContainsAny(branch, " \t") {
		return &GitError{Args: []string{"branch", branch}, Stderr: fmt.Sprintf("branch name %q contains spaces", branch)}
	}
	if strings.HasPrefix(branch, "-") {
		return &GitError{Args: []string{"branch", branch}, Stderr: fmt.Sprintf("branch name %q starts with a dash", branch)}
	}
	if strings.HasSuffix(branch, ".") {
		return &GitError{Args: []string{"branch", branch}, Stderr: fmt.Sprintf("branch name %q ends with a dot", branch)}
	}
	if strings.Contains(branch, "..") {
		return &GitError{Args: []string{"branch", branch}, Stderr: fmt.Sprintf("branch name %q contains consecutive dots", branch)}
	}
	if strings.ContainsAny(branch, "~^:?*[\\") {
		return &GitError{Args: []string{"branch", branch}, Stderr: fmt.Sprintf("branch name %q contains a forbidden character", branch)}
	}
	for _, r := range branch {
		if unicode.IsControl(r) {
			return &GitError{Args: []string{"branch", branch}, Stderr: fmt.Sprintf("branch name %q contains a control character", branch)}
		}
	}
	return nil
}

// RevParse resolves a revision to its full sha.
func RevParse(root, rev string) (string, error) {
	out, err := runGit(root, "rev-parse", "--verify", rev)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// IsAncestor reports whether maybeAncestor is reachable from rev.
func IsAncestor(root, maybeAncestor, rev string) bool {
	return runGitOK(root, "merge-base", "--is-ancestor", maybeAncestor, rev)
}

// Fetch runs git fetch against the default remote. Network failures
// surface verbatim; there is no fallback.
func Fetch(root string) error {
	_, err := runGit(root, "fetch", "--prune")
	return err
}
