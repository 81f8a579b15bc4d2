package gittools

// LsFiles returns the tracked and untracked-but-not-ignored files of a
// worktree, repository-relative.
func LsFiles(root string) ([]string, error) {
	out, err := runGit(root, "ls-files", "-coz", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	files := splitZ(out)
	if files == nil {
		files = []string{}
	}
	return files, nil
}
