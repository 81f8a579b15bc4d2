// Package worktree manages project imports and named workspaces backed by
// git worktrees under the state directory, including the reserved
// integration worktree used for merges into the default branch.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gitbobobo/tidyflow/internal/gittools"
	"github.com/gitbobobo/tidyflow/internal/logging"
	"github.com/gitbobobo/tidyflow/internal/state"
)

// IntegrationName is the reserved directory name of the per-project
// integration worktree. It cannot collide with user workspaces because
// workspace names are slug-validated.
const IntegrationName = "__integration"

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Engine creates and destroys workspaces for registered projects.
type Engine struct {
	store        *state.Store
	worktreesDir string
	log          *logging.Logger
}

// NewEngine returns an engine rooted at worktreesDir
// (<state_dir>/worktrees).
func NewEngine(store *state.Store, worktreesDir string, log *logging.Logger) *Engine {
	return &Engine{store: store, worktreesDir: worktreesDir, log: log}
}

// ImportResult reports a completed project import.
type ImportResult struct {
	Project   state.Project
	Workspace state.Workspace
}

// ImportProject registers the repository containing path as a project and
// creates its default workspace pointing at the repository root.
func (e *Engine) ImportProject(name, path string) (*ImportResult, error) {
	if !slugPattern.MatchString(name) {
		return nil, fmt.Errorf("invalid project name %q", name)
	}
	if _, err := e.store.GetProject(name); err == nil {
		return nil, fmt.Errorf("project %q already exists", name)
	}

	toplevel, err := gittools.Toplevel(path)
	if err != nil {
		return nil, err
	}

	defaultBranch := detectDefaultBranch(toplevel)

	proj := state.Project{
		Name:          name,
		Root:          toplevel,
		DefaultBranch: defaultBranch,
		Commands:      []state.ProjectCommand{},
	}
	if err := e.store.UpsertProject(proj); err != nil {
		return nil, err
	}

	branch, err := gittools.CurrentBranch(toplevel)
	if err != nil {
		branch = defaultBranch
	}
	ws := state.Workspace{
		Name:   state.DefaultWorkspaceName,
		Root:   toplevel,
		Branch: branch,
		Status: state.StatusReady,
	}
	if err := e.store.UpsertWorkspace(name, ws); err != nil {
		return nil, err
	}

	e.log.Infof("imported project %s at %s (default branch %s)", name, toplevel, defaultBranch)
	return &ImportResult{Project: proj, Workspace: ws}, nil
}

// detectDefaultBranch resolves origin/HEAD when present, else the
// checked-out branch, else "main".
func detectDefaultBranch(root string) string {
	if ref, err := gittools.RevParseAbbrev(root, "refs/remotes/origin/HEAD"); err == nil && ref != "" {
		return strings.TrimPrefix(ref, "origin/")
	}
	if branch, err := gittools.CurrentBranch(root); err == nil && branch != "" {
		return branch
	}
	return "main"
}

// CreateOptions configures workspace creation.
type CreateOptions struct {
	// Name is the workspace name; empty picks a generated one.
	Name string

	// BaseBranch is the ref the new branch starts from; empty uses the
	// project's current HEAD.
	BaseBranch string
}

// CreateWorkspace adds a git worktree on a new branch named after the
// workspace and runs the project's setup declaration in it. Setup failure
// leaves the workspace registered as broken.
func (e *Engine) CreateWorkspace(ctx context.Context, projectName string, opts CreateOptions) (state.Workspace, error) {
	proj, err := e.store.GetProject(projectName)
	if err != nil {
		return state.Workspace{}, err
	}

	name := opts.Name
	if name == "" {
		name, err = e.generateName(projectName)
		if err != nil {
			return state.Workspace{}, err
		}
	} else {
		if !slugPattern.MatchString(name) || name == IntegrationName {
			return state.Workspace{}, fmt.Errorf("invalid workspace name %q", name)
		}
		if _, err := e.store.GetWorkspace(projectName, name); err == nil {
			return state.Workspace{}, fmt.Errorf("workspace %q already exists", name)
		}
	}

	root := filepath.Join(e.worktreesDir, projectName, name)
	if err := os.MkdirAll(filepath.Dir(root), 0o755); err != nil {
		return state.Workspace{}, fmt.Errorf("failed to create worktree area: %w", err)
	}

	if err := gittools.WorktreeAdd(proj.Root, root, name, opts.BaseBranch); err != nil {
		return state.Workspace{}, err
	}

	ws := state.Workspace{
		Name:   name,
		Root:   root,
		Branch: name,
		Status: state.StatusInitializing,
	}
	if err := e.store.UpsertWorkspace(projectName, ws); err != nil {
		// Roll the worktree back so a failed registration leaves
		// nothing behind.
		_ = gittools.WorktreeRemove(proj.Root, root)
		return state.Workspace{}, err
	}

	ws.Status = state.StatusReady
	if err := e.runSetup(ctx, proj, ws); err != nil {
		e.log.Warnf("setup failed for %s/%s: %v", projectName, name, err)
		ws.Status = state.StatusBroken
		if uerr := e.store.UpsertWorkspace(projectName, ws); uerr != nil {
			return ws, uerr
		}
		return ws, err
	}

	if err := e.store.UpsertWorkspace(projectName, ws); err != nil {
		return ws, err
	}
	e.log.Infof("created workspace %s/%s at %s", projectName, name, root)
	return ws, nil
}

// RunSetup re-executes the setup declaration for an existing workspace,
// clearing or setting its broken status by the outcome.
func (e *Engine) RunSetup(ctx context.Context, projectName, workspaceName string) (state.Workspace, error) {
	proj, err := e.store.GetProject(projectName)
	if err != nil {
		return state.Workspace{}, err
	}
	ws, err := e.store.GetWorkspace(projectName, workspaceName)
	if err != nil {
		return state.Workspace{}, err
	}

	if err := e.runSetup(ctx, proj, ws); err != nil {
		ws.Status = state.StatusBroken
		_ = e.store.UpsertWorkspace(projectName, ws)
		return ws, err
	}
	ws.Status = state.StatusReady
	if err := e.store.UpsertWorkspace(projectName, ws); err != nil {
		return ws, err
	}
	return ws, nil
}

func (e *Engine) runSetup(ctx context.Context, proj state.Project, ws state.Workspace) error {
	decl, err := LoadSetupDecl(proj.Root)
	if err != nil {
		return err
	}
	return RunSetup(ctx, decl, ws.Root, map[string]string{
		"TIDYFLOW_PROJECT":   proj.Name,
		"TIDYFLOW_WORKSPACE": ws.Name,
	})
}

// RemoveWorkspace prunes the git worktree, deletes its directory and
// drops the record. The default workspace cannot be removed.
func (e *Engine) RemoveWorkspace(projectName, workspaceName string) error {
	if workspaceName == state.DefaultWorkspaceName {
		return fmt.Errorf("the default workspace cannot be removed")
	}

	proj, err := e.store.GetProject(projectName)
	if err != nil {
		return err
	}
	ws, err := e.store.GetWorkspace(projectName, workspaceName)
	if err != nil {
		return err
	}

	if err := gittools.WorktreeRemove(proj.Root, ws.Root); err != nil {
		return err
	}
	if err := e.store.RemoveWorkspace(projectName, workspaceName); err != nil {
		return err
	}
	e.log.Infof("removed workspace %s/%s", projectName, workspaceName)
	return nil
}

// ValidateWorkspace checks that a workspace root is still listed by git;
// a missing root marks the record broken.
func (e *Engine) ValidateWorkspace(projectName, workspaceName string) (state.Workspace, error) {
	proj, err := e.store.GetProject(projectName)
	if err != nil {
		return state.Workspace{}, err
	}
	ws, err := e.store.GetWorkspace(projectName, workspaceName)
	if err != nil {
		return state.Workspace{}, err
	}

	roots, err := gittools.WorktreeList(proj.Root)
	if err != nil {
		return ws, err
	}
	for _, root := range roots {
		if sameDir(root, ws.Root) {
			return ws, nil
		}
	}

	ws.Status = state.StatusBroken
	_ = e.store.UpsertWorkspace(projectName, ws)
	return ws, fmt.Errorf("workspace root %s is no longer a registered worktree", ws.Root)
}

func sameDir(a, b string) bool {
	ra, err := filepath.EvalSymlinks(a)
	if err != nil {
		ra = a
	}
	rb, err := filepath.EvalSymlinks(b)
	if err != nil {
		rb = b
	}
	return ra == rb
}
