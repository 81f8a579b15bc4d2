package gittools

// conflictedFiles lists unmerged paths.
func conflictedFiles(root string) []string {
	out, err := runGit(root, "diff", "--name-only", "--diff-filter=U", "-z")
	if err != nil {
		return nil
	}
	return splitZ(out)
}

// errOrConflict converts a failed rebase/merge into a ConflictError when
// the worktree stopped on conflicts, otherwise passes the error through.
func errOrConflict(root string, err error) error {
	if err == nil {
		return nil
	}
	if files := conflictedFiles(root); len(files) > 0 {
		return &ConflictError{Files: files}
	}
	return err
}

// Rebase rebases the current branch onto ontoBranch. Conflicts leave the
// worktree in rebase state and return a *ConflictError.
func Rebase(root, ontoBranch string) error {
	unlock := lockRepo(root)
	defer unlock()

	_, err := runGit(root, "rebase", ontoBranch)
	return errOrConflict(root, err)
}

// RebaseContinue resumes a conflicted rebase after the user resolved and
// staged the files.
func RebaseContinue(root string) error {
	unlock := lockRepo(root)
	defer unlock()

	// core.editor=true makes any editor git would open exit at once, so
	// the recorded messages are kept as they are.
	_, err := runGit(root, "-c", "core.editor=true", "rebase", "--continue")
	return errOrConflict(root, err)
}

// RebaseAbort abandons an in-progress rebase.
func RebaseAbort(root string) error {
	unlock := lockRepo(root)
	defer unlock()

	_, err := runGit(root, "rebase", "--abort")
	return err
}

// Merge merges branch into the current branch and returns the new HEAD
// sha. Conflicts leave the worktree in merge state and return a
// *ConflictError.
func Merge(root, branch, message string) (string, error) {
	unlock := lockRepo(root)
	defer unlock()

	args := []string{"merge", "--no-ff"}
	if message != "" {
		args = append(args, "-m", message)
	}
	args = append(args, branch)

	if _, err := runGit(root, args...); err != nil {
		return "", errOrConflict(root, err)
	}
	return RevParse(root, "HEAD")
}

// MergeContinue concludes a conflicted merge after resolution and returns
// the new HEAD sha.
func MergeContinue(root string) (string, error) {
	unlock := lockRepo(root)
	defer unlock()

	if _, err := runGit(root, "-c", "core.editor=true", "merge", "--continue"); err != nil {
		return "", errOrConflict(root, err)
	}
	return RevParse(root, "HEAD")
}

// MergeAbort abandons an in-progress merge.
func MergeAbort(root string) error {
	unlock := lockRepo(root)
	defer unlock()

	_, err := runGit(root, "merge", "--abort")
	return err
}

