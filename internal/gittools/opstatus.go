package gittools

import (
	"os"
	"path/filepath"
	"strings"
)

// Worktree operation states.
const (
	OpStateNormal   = "normal"
	OpStateRebasing = "rebasing"
	OpStateMerging  = "merging"
)

// OpStatusResult describes whether a worktree is mid-rebase or mid-merge.
type OpStatusResult struct {
	State     string   `msgpack:"state"`
	Conflicts []string `msgpack:"conflicts"`
	Head      string   `msgpack:"head,omitempty"`
	Onto      string   `msgpack:"onto,omitempty"`
}

// OpStatus inspects .git/rebase-* and MERGE_HEAD to classify the
// worktree's operation state.
func OpStatus(root string) (OpStatusResult, error) {
	res := OpStatusResult{State: OpStateNormal, Conflicts: []string{}}

	gitDir, err := GitDir(root)
	if err != nil {
		return res, err
	}

	for _, dir := range []string{"rebase-merge", "rebase-apply"} {
		rebaseDir := filepath.Join(gitDir, dir)
		if _, err := os.Stat(rebaseDir); err == nil {
			res.State = OpStateRebasing
			res.Head = readRefFile(filepath.Join(rebaseDir, "head-name"))
			res.Onto = readRefFile(filepath.Join(rebaseDir, "onto"))
			break
		}
	}

	if res.State == OpStateNormal {
		if _, err := os.Stat(filepath.Join(gitDir, "MERGE_HEAD")); err == nil {
			res.State = OpStateMerging
			res.Head = readRefFile(filepath.Join(gitDir, "MERGE_HEAD"))
		}
	}

	if res.State != OpStateNormal {
		if files := conflictedFiles(root); files != nil {
			res.Conflicts = files
		}
	}

	return res, nil
}

func readRefFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	ref := strings.TrimSpace(string(data))
	return strings.TrimPrefix(ref, "refs/heads/")
}
