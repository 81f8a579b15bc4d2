package server

import (
	"errors"

	"github.com/gitbobobo/tidyflow/internal/gittools"
	"github.com/gitbobobo/tidyflow/internal/protocol"
)

// handleGit serves the per-workspace git requests.
func (c *conn) handleGit(req *protocol.Request) {
	proj, err := c.srv.deps.Store.GetProject(req.Project)
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	ws, err := c.workspaceFor(req.Project, req.Workspace)
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	root := ws.Root

	switch req.Type {
	case "git_status":
		res, err := gittools.Status(root, proj.DefaultBranch)
		if err != nil {
			c.fail(req.ID, err)
			return
		}
		c.send(protocol.GitStatusResult{Type: "git_status_result", ID: req.ID, StatusResult: res})

	case "git_diff":
		res, err := gittools.Diff(root, req.Path, req.Mode)
		if err != nil {
			c.fail(req.ID, err)
			return
		}
		c.send(protocol.GitDiffResult{Type: "git_diff_result", ID: req.ID, Path: req.Path, DiffResult: res})

	case "git_log":
		entries, err := gittools.Log(root, req.Limit)
		if err != nil {
			c.fail(req.ID, err)
			return
		}
		c.send(protocol.GitLogResult{Type: "git_log_result", ID: req.ID, Entries: entries})

	case "git_show":
		res, err := gittools.Show(root, req.SHA)
		if err != nil {
			c.fail(req.ID, err)
			return
		}
		c.send(protocol.GitShowResult{Type: "git_show_result", ID: req.ID, ShowResult: res})

	case "git_branches":
		res, err := gittools.Branches(root)
		if err != nil {
			c.fail(req.ID, err)
			return
		}
		c.send(protocol.GitBranchesResult{Type: "git_branches_result", ID: req.ID, BranchesResult: res})

	case "git_stage":
		c.gitOp(req, gittools.Stage(root, req.Scope, req.Path))
	case "git_unstage":
		c.gitOp(req, gittools.Unstage(root, req.Scope, req.Path))
	case "git_discard":
		c.gitOp(req, gittools.Discard(root, req.Scope, req.Path, req.IncludeUntracked))

	case "git_commit":
		res, err := gittools.Commit(root, req.Message)
		if err != nil {
			c.fail(req.ID, err)
			return
		}
		c.send(protocol.GitCommitResult{Type: "git_commit_result", ID: req.ID, CommitResult: res})

	case "git_switch_branch":
		c.gitOp(req, gittools.SwitchBranch(root, req.Branch))
	case "git_create_branch":
		c.gitOp(req, gittools.CreateBranch(root, req.Branch))
	case "git_fetch":
		c.gitOp(req, gittools.Fetch(root))

	case "git_rebase":
		c.rebaseResult(req, gittools.Rebase(root, req.Onto))
	case "git_rebase_continue":
		c.rebaseResult(req, gittools.RebaseContinue(root))
	case "git_rebase_abort":
		c.rebaseResult(req, gittools.RebaseAbort(root))

	case "git_op_status":
		res, err := gittools.OpStatus(root)
		if err != nil {
			c.fail(req.ID, err)
			return
		}
		c.send(protocol.GitOpStatusResult{Type: "git_op_status_result", ID: req.ID, OpStatusResult: res})
	}
}

// gitOp answers a simple mutating request with git_op_result.
func (c *conn) gitOp(req *protocol.Request, err error) {
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	c.send(protocol.GitOpResult{Type: "git_op_result", ID: req.ID, OK: true})
}

// rebaseResult answers the workspace rebase family: conflicts are a
// structured state, not an error.
func (c *conn) rebaseResult(req *protocol.Request, err error) {
	res := protocol.GitRebaseResult{Type: "git_rebase_result", ID: req.ID}

	var conflict *gittools.ConflictError
	switch {
	case err == nil:
		res.OK = true
		res.State = gittools.OpStateNormal
	case errors.As(err, &conflict):
		res.State = "conflict"
		res.Conflicts = conflict.Files
	default:
		c.fail(req.ID, err)
		return
	}
	c.send(res)
}

// handleIntegration serves the integration-worktree requests.
func (c *conn) handleIntegration(req *protocol.Request) {
	eng := c.srv.deps.Engine

	proj, err := c.srv.deps.Store.GetProject(req.Project)
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	defaultBranch := req.DefaultBranch
	if defaultBranch == "" {
		defaultBranch = proj.DefaultBranch
	}

	// The requests that act on a workspace branch resolve it first.
	workspaceBranch := ""
	switch req.Type {
	case "git_merge_to_default", "git_rebase_onto_default", "git_check_branch_up_to_date":
		ws, err := c.workspaceFor(req.Project, req.Workspace)
		if err != nil {
			c.fail(req.ID, err)
			return
		}
		workspaceBranch = ws.Branch
		if branch, err := gittools.CurrentBranch(ws.Root); err == nil && branch != "" {
			workspaceBranch = branch
		}
	}

	switch req.Type {
	case "git_merge_to_default":
		res, err := eng.MergeToDefault(req.Project, defaultBranch, workspaceBranch)
		if err != nil {
			c.fail(req.ID, err)
			return
		}
		c.send(protocol.GitMergeResult{Type: "git_merge_to_default_result", ID: req.ID, MergeResult: res})

	case "git_merge_continue":
		res, err := eng.MergeContinue(req.Project)
		if err != nil {
			c.fail(req.ID, err)
			return
		}
		c.send(protocol.GitMergeResult{Type: "git_merge_to_default_result", ID: req.ID, MergeResult: res})

	case "git_merge_abort":
		if err := eng.MergeAbort(req.Project); err != nil {
			c.fail(req.ID, err)
			return
		}
		c.sendIntegrationStatus(req)

	case "git_integration_status":
		c.sendIntegrationStatus(req)

	case "git_rebase_onto_default":
		res, err := eng.RebaseOntoDefault(req.Project, defaultBranch, workspaceBranch)
		if err != nil {
			c.fail(req.ID, err)
			return
		}
		c.send(protocol.GitMergeResult{Type: "git_rebase_onto_default_result", ID: req.ID, MergeResult: res})

	case "git_rebase_onto_default_continue":
		res, err := eng.RebaseOntoDefaultContinue(req.Project)
		if err != nil {
			c.fail(req.ID, err)
			return
		}
		c.send(protocol.GitMergeResult{Type: "git_rebase_onto_default_result", ID: req.ID, MergeResult: res})

	case "git_rebase_onto_default_abort":
		if err := eng.RebaseOntoDefaultAbort(req.Project); err != nil {
			c.fail(req.ID, err)
			return
		}
		c.sendIntegrationStatus(req)

	case "git_reset_integration_worktree":
		if err := eng.ResetIntegration(req.Project); err != nil {
			c.fail(req.ID, err)
			return
		}
		c.send(protocol.GitOpResult{Type: "git_reset_integration_worktree_result", ID: req.ID, OK: true})

	case "git_check_branch_up_to_date":
		upToDate, err := eng.CheckBranchUpToDate(req.Project, defaultBranch, workspaceBranch)
		if err != nil {
			c.fail(req.ID, err)
			return
		}
		c.send(protocol.GitUpToDateResult{Type: "git_op_result", ID: req.ID, UpToDate: upToDate})
	}
}

func (c *conn) sendIntegrationStatus(req *protocol.Request) {
	st, err := c.srv.deps.Engine.Status(req.Project)
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	c.send(protocol.GitIntegrationStatusResult{
		Type: "git_integration_status_result", ID: req.ID,
		IntegrationStatus: st,
	})
}
