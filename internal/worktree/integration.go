package worktree

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gitbobobo/tidyflow/internal/gittools"
)

// Integration worktree states reported to the client.
const (
	IntegrationIdle     = "idle"
	IntegrationMerging  = "merging"
	IntegrationRebasing = "rebasing"
)

// MergeResult reports an integration merge or rebase attempt.
type MergeResult struct {
	OK              bool     `msgpack:"ok"`
	State           string   `msgpack:"state"`
	SHA             string   `msgpack:"sha,omitempty"`
	Conflicts       []string `msgpack:"conflicts,omitempty"`
	IntegrationPath string   `msgpack:"integration_path"`
}

// IntegrationStatus describes the integration worktree.
type IntegrationStatus struct {
	State   string `msgpack:"state"`
	IsClean bool   `msgpack:"is_clean"`
	Branch  string `msgpack:"branch,omitempty"`
	Path    string `msgpack:"path,omitempty"`
}

// integrationRoot returns the reserved worktree path for a project.
func (e *Engine) integrationRoot(projectName string) string {
	return filepath.Join(e.worktreesDir, projectName, IntegrationName)
}

// EnsureIntegration lazily creates the integration worktree checked out
// to defaultBranch and returns its path.
func (e *Engine) EnsureIntegration(projectName, defaultBranch string) (string, error) {
	proj, err := e.store.GetProject(projectName)
	if err != nil {
		return "", err
	}

	root := e.integrationRoot(projectName)
	if _, statErr := os.Stat(filepath.Join(root, ".git")); statErr == nil {
		return root, nil
	}

	if err := os.MkdirAll(filepath.Dir(root), 0o755); err != nil {
		return "", fmt.Errorf("failed to create worktree area: %w", err)
	}
	// The default branch may be checked out in the primary working tree;
	// -f lets the reserved worktree share it, which is the point of
	// doing merges here instead of in an active workspace.
	if err := gittools.WorktreeAddForce(proj.Root, root, defaultBranch); err != nil {
		return "", err
	}
	e.log.Infof("created integration worktree for %s at %s", projectName, root)
	return root, nil
}

// MergeToDefault merges workspaceBranch into defaultBranch inside the
// integration worktree. A conflicted merge is left in place for
// inspection and continue/abort.
func (e *Engine) MergeToDefault(projectName, defaultBranch, workspaceBranch string) (MergeResult, error) {
	root, err := e.EnsureIntegration(projectName, defaultBranch)
	if err != nil {
		return MergeResult{}, err
	}
	res := MergeResult{IntegrationPath: root}

	if err := e.prepareIntegration(root, defaultBranch); err != nil {
		return res, err
	}

	msg := fmt.Sprintf("Merge branch '%s' into %s", workspaceBranch, defaultBranch)
	sha, err := gittools.Merge(root, workspaceBranch, msg)
	if err != nil {
		var conflict *gittools.ConflictError
		if errors.As(err, &conflict) {
			res.State = IntegrationMerging
			res.Conflicts = conflict.Files
			return res, nil
		}
		return res, err
	}

	res.OK = true
	res.State = IntegrationIdle
	res.SHA = sha
	return res, nil
}

// MergeContinue concludes a conflicted integration merge.
func (e *Engine) MergeContinue(projectName string) (MergeResult, error) {
	root := e.integrationRoot(projectName)
	res := MergeResult{IntegrationPath: root}

	sha, err := gittools.MergeContinue(root)
	if err != nil {
		var conflict *gittools.ConflictError
		if errors.As(err, &conflict) {
			res.State = IntegrationMerging
			res.Conflicts = conflict.Files
			return res, nil
		}
		return res, err
	}
	res.OK = true
	res.State = IntegrationIdle
	res.SHA = sha
	return res, nil
}

// MergeAbort abandons a conflicted integration merge.
func (e *Engine) MergeAbort(projectName string) error {
	return gittools.MergeAbort(e.integrationRoot(projectName))
}

// RebaseOntoDefault rebases workspaceBranch onto defaultBranch inside the
// integration worktree, leaving the workspace's own checkout untouched.
func (e *Engine) RebaseOntoDefault(projectName, defaultBranch, workspaceBranch string) (MergeResult, error) {
	root, err := e.EnsureIntegration(projectName, defaultBranch)
	if err != nil {
		return MergeResult{}, err
	}
	res := MergeResult{IntegrationPath: root}

	if err := e.prepareIntegration(root, workspaceBranch); err != nil {
		return res, err
	}

	if err := gittools.Rebase(root, defaultBranch); err != nil {
		var conflict *gittools.ConflictError
		if errors.As(err, &conflict) {
			res.State = IntegrationRebasing
			res.Conflicts = conflict.Files
			return res, nil
		}
		return res, err
	}

	sha, err := gittools.RevParse(root, "HEAD")
	if err != nil {
		return res, err
	}
	res.OK = true
	res.State = IntegrationIdle
	res.SHA = sha
	return res, nil
}

// RebaseOntoDefaultContinue resumes a conflicted integration rebase.
func (e *Engine) RebaseOntoDefaultContinue(projectName string) (MergeResult, error) {
	root := e.integrationRoot(projectName)
	res := MergeResult{IntegrationPath: root}

	if err := gittools.RebaseContinue(root); err != nil {
		var conflict *gittools.ConflictError
		if errors.As(err, &conflict) {
			res.State = IntegrationRebasing
			res.Conflicts = conflict.Files
			return res, nil
		}
		return res, err
	}

	sha, err := gittools.RevParse(root, "HEAD")
	if err != nil {
		return res, err
	}
	res.OK = true
	res.State = IntegrationIdle
	res.SHA = sha
	return res, nil
}

// RebaseOntoDefaultAbort abandons a conflicted integration rebase.
func (e *Engine) RebaseOntoDefaultAbort(projectName string) error {
	return gittools.RebaseAbort(e.integrationRoot(projectName))
}

// ResetIntegration hard-resets and cleans the integration worktree.
func (e *Engine) ResetIntegration(projectName string) error {
	root := e.integrationRoot(projectName)

	// Clear any half-finished operation first.
	if op, err := gittools.OpStatus(root); err == nil {
		switch op.State {
		case gittools.OpStateRebasing:
			_ = gittools.RebaseAbort(root)
		case gittools.OpStateMerging:
			_ = gittools.MergeAbort(root)
		}
	}
	return gittools.ResetHard(root, "HEAD")
}

// Status reports the integration worktree's operation state and
// cleanliness. A project with no integration worktree yet is idle and
// clean.
func (e *Engine) Status(projectName string) (IntegrationStatus, error) {
	root := e.integrationRoot(projectName)
	if _, err := os.Stat(filepath.Join(root, ".git")); err != nil {
		return IntegrationStatus{State: IntegrationIdle, IsClean: true}, nil
	}

	op, err := gittools.OpStatus(root)
	if err != nil {
		return IntegrationStatus{}, err
	}

	st := IntegrationStatus{Path: root}
	switch op.State {
	case gittools.OpStateRebasing:
		st.State = IntegrationRebasing
	case gittools.OpStateMerging:
		st.State = IntegrationMerging
	default:
		st.State = IntegrationIdle
	}

	dirty, err := gittools.HasChanges(root)
	if err != nil {
		return st, err
	}
	st.IsClean = !dirty

	if branch, err := gittools.CurrentBranch(root); err == nil {
		st.Branch = branch
	}
	return st, nil
}

// CheckBranchUpToDate reports whether workspaceBranch already contains
// the tip of defaultBranch.
func (e *Engine) CheckBranchUpToDate(projectName, defaultBranch, workspaceBranch string) (bool, error) {
	proj, err := e.store.GetProject(projectName)
	if err != nil {
		return false, err
	}
	defaultSHA, err := gittools.RevParse(proj.Root, defaultBranch)
	if err != nil {
		return false, err
	}
	return gittools.IsAncestor(proj.Root, defaultSHA, workspaceBranch), nil
}

// prepareIntegration checks the integration worktree out to branch,
// refusing when it is dirty or mid-operation.
func (e *Engine) prepareIntegration(root, branch string) error {
	op, err := gittools.OpStatus(root)
	if err != nil {
		return err
	}
	if op.State != gittools.OpStateNormal {
		return fmt.Errorf("integration worktree is busy (%s); finish or reset it first", op.State)
	}

	dirty, err := gittools.HasChanges(root)
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("%w: integration worktree at %s", gittools.ErrDirtyWorktree, root)
	}

	return gittools.CheckoutIgnoreOther(root, branch)
}
