package server

import (
	"context"
	"errors"
	"os"

	"github.com/coder/websocket"

	"github.com/gitbobobo/tidyflow/internal/fileops"
	"github.com/gitbobobo/tidyflow/internal/gittools"
	"github.com/gitbobobo/tidyflow/internal/pathsafe"
	"github.com/gitbobobo/tidyflow/internal/protocol"
	"github.com/gitbobobo/tidyflow/internal/runner"
	"github.com/gitbobobo/tidyflow/internal/state"
	"github.com/gitbobobo/tidyflow/internal/term"
	"github.com/gitbobobo/tidyflow/internal/watch"
	"github.com/gitbobobo/tidyflow/internal/worktree"
)

// dispatch routes one decoded request. Terminal input and resize are
// handled inline so keystrokes stay ordered; everything else runs as its
// own handler goroutine, with replies serialized by the outbound queue.
func (c *conn) dispatch(ctx context.Context, req *protocol.Request) {
	switch req.Type {
	case "term_input":
		c.handleTermInput(req)
	case "term_resize":
		c.handleTermResize(req)
	case "log_entry":
		c.srv.deps.Sink.ClientEntry(req.Level, req.Source, req.Category, req.Msg, req.Detail)
	default:
		go c.handle(ctx, req)
	}
}

func (c *conn) handle(ctx context.Context, req *protocol.Request) {
	defer func() {
		if r := recover(); r != nil {
			c.srv.log.Errorf("handler panic on %s: %v", req.Type, r)
			c.close(websocket.StatusInternalError, "handler panic")
		}
	}()

	switch req.Type {
	case "ping":
		c.send(protocol.Pong{Type: "pong", ID: req.ID})

	case "list_projects":
		c.handleListProjects(req)
	case "list_workspaces":
		c.handleListWorkspaces(req)
	case "import_project":
		c.handleImportProject(req)
	case "create_workspace":
		c.handleCreateWorkspace(ctx, req)
	case "workspace_run_setup":
		c.handleWorkspaceRunSetup(ctx, req)
	case "remove_project":
		c.handleRemoveProject(req)
	case "remove_workspace":
		c.handleRemoveWorkspace(req)

	case "file_index", "file_list", "file_read", "file_write",
		"file_rename", "file_delete", "file_move", "file_copy":
		c.handleFileOp(req)

	case "watch_subscribe":
		c.handleWatchSubscribe(req)
	case "watch_unsubscribe":
		c.setWatcher(nil)
		c.send(protocol.WatchAck{Type: "watch_unsubscribed", ID: req.ID})

	case "git_status", "git_diff", "git_log", "git_show", "git_branches",
		"git_stage", "git_unstage", "git_discard", "git_commit",
		"git_switch_branch", "git_create_branch", "git_fetch",
		"git_rebase", "git_rebase_continue", "git_rebase_abort",
		"git_op_status":
		c.handleGit(req)

	case "git_merge_to_default", "git_merge_continue", "git_merge_abort",
		"git_integration_status", "git_rebase_onto_default",
		"git_rebase_onto_default_continue", "git_rebase_onto_default_abort",
		"git_reset_integration_worktree", "git_check_branch_up_to_date":
		c.handleIntegration(req)

	case "term_create":
		c.handleTermCreate(req)
	case "term_attach":
		c.handleTermAttach(req)
	case "term_kill":
		c.handleTermKill(req)
	case "term_list":
		c.send(protocol.TermList{Type: "term_list", ID: req.ID, Items: c.srv.deps.Terms.List()})

	case "get_client_settings":
		c.send(protocol.ClientSettingsResult{
			Type: "client_settings_result", ID: req.ID,
			Settings: c.srv.deps.Store.GetSettings(),
		})
	case "save_client_settings":
		c.handleSaveSettings(req)
	case "save_project_commands":
		c.handleSaveProjectCommands(req)
	case "run_project_command":
		c.handleRunProjectCommand(req)
	case "cancel_project_command":
		c.handleCancelProjectCommand(req)

	default:
		c.sendError(req.ID, protocol.CodeUnknownType, "unknown message type "+req.Type)
	}
}

// fail maps an error onto the wire taxonomy and sends it.
func (c *conn) fail(id string, err error) {
	code := "internal"
	var conflict *gittools.ConflictError
	var gitErr *gittools.GitError
	var setupErr *worktree.SetupError

	switch {
	case errors.Is(err, pathsafe.ErrPathEscape):
		code = protocol.CodePathEscape
	case errors.Is(err, state.ErrNotFound):
		code = protocol.CodeNotFound
	case errors.As(err, &conflict):
		code = protocol.CodeConflict
	case errors.Is(err, gittools.ErrDirtyWorktree):
		code = protocol.CodeDirtyWorktree
	case errors.Is(err, gittools.ErrNotAGitRepo):
		code = protocol.CodeNotAGitRepo
	case errors.Is(err, fileops.ErrTooLarge):
		code = protocol.CodeTooLarge
	case errors.Is(err, runner.ErrBusy):
		code = protocol.CodeBusy
	case errors.Is(err, context.DeadlineExceeded):
		code = protocol.CodeTimeout
	case errors.As(err, &setupErr):
		code = protocol.CodeTimeout
		if !errors.Is(setupErr.Err, context.DeadlineExceeded) {
			code = protocol.CodeGitError
		}
	case errors.As(err, &gitErr):
		code = protocol.CodeGitError
	case os.IsPermission(err):
		code = protocol.CodePermissionDenied
	case os.IsNotExist(err):
		code = protocol.CodeNotFound
	}

	c.sendError(id, code, err.Error())
}

// workspaceFor resolves (project, workspace) to the workspace record.
// An empty or "(default)" workspace means the project root.
func (c *conn) workspaceFor(project, workspace string) (state.Workspace, error) {
	if workspace == "" || workspace == "(default)" {
		workspace = state.DefaultWorkspaceName
	}
	return c.srv.deps.Store.GetWorkspace(project, workspace)
}

// ---- projects and workspaces ----

func (c *conn) handleListProjects(req *protocol.Request) {
	projects := c.srv.deps.Store.ListProjects()
	items := make([]protocol.ProjectSummary, 0, len(projects))
	for _, p := range projects {
		count := 0
		if wss, err := c.srv.deps.Store.ListWorkspaces(p.Name); err == nil {
			count = len(wss)
		}
		items = append(items, protocol.ProjectSummary{
			Name:           p.Name,
			Root:           p.Root,
			DefaultBranch:  p.DefaultBranch,
			WorkspaceCount: count,
		})
	}
	c.send(protocol.Projects{Type: "projects", ID: req.ID, Items: items})
}

func (c *conn) handleListWorkspaces(req *protocol.Request) {
	wss, err := c.srv.deps.Store.ListWorkspaces(req.Project)
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	// Revalidate managed worktrees so a pruned or escaped root shows up
	// as broken instead of silently misbehaving later.
	for i, ws := range wss {
		if ws.Name == state.DefaultWorkspaceName {
			continue
		}
		if checked, err := c.srv.deps.Engine.ValidateWorkspace(req.Project, ws.Name); err == nil {
			wss[i] = checked
		} else {
			wss[i].Status = state.StatusBroken
		}
	}
	c.send(protocol.Workspaces{Type: "workspaces", ID: req.ID, Project: req.Project, Items: wss})
}

func (c *conn) handleImportProject(req *protocol.Request) {
	if req.Name == "" || req.Path == "" {
		c.sendError(req.ID, protocol.CodeBadPayload, "import_project requires name and path")
		return
	}
	res, err := c.srv.deps.Engine.ImportProject(req.Name, req.Path)
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	c.send(protocol.ProjectImported{
		Type: "project_imported", ID: req.ID,
		Name:          res.Project.Name,
		Root:          res.Project.Root,
		DefaultBranch: res.Project.DefaultBranch,
		Workspace:     res.Workspace,
	})
}

func (c *conn) handleCreateWorkspace(ctx context.Context, req *protocol.Request) {
	ws, err := c.srv.deps.Engine.CreateWorkspace(ctx, req.Project, worktree.CreateOptions{
		Name:       req.Name,
		BaseBranch: req.BaseBranch,
	})
	if err != nil && ws.Status != state.StatusBroken {
		c.fail(req.ID, err)
		return
	}
	// A broken-but-created workspace is still a result; the client can
	// re-run setup.
	c.send(protocol.WorkspaceCreated{Type: "workspace_created", ID: req.ID, Project: req.Project, Workspace: ws})
}

func (c *conn) handleWorkspaceRunSetup(ctx context.Context, req *protocol.Request) {
	ws, err := c.srv.deps.Engine.RunSetup(ctx, req.Project, req.Workspace)
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	c.send(protocol.WorkspaceCreated{Type: "workspace_created", ID: req.ID, Project: req.Project, Workspace: ws})
}

func (c *conn) handleRemoveProject(req *protocol.Request) {
	if err := c.srv.deps.Store.RemoveProject(req.Name); err != nil {
		c.fail(req.ID, err)
		return
	}
	c.send(protocol.ProjectRemoved{Type: "project_removed", ID: req.ID, Name: req.Name})
}

func (c *conn) handleRemoveWorkspace(req *protocol.Request) {
	if err := c.srv.deps.Engine.RemoveWorkspace(req.Project, req.Workspace); err != nil {
		c.fail(req.ID, err)
		return
	}
	c.send(protocol.WorkspaceRemoved{Type: "workspace_removed", ID: req.ID, Project: req.Project, Workspace: req.Workspace})
}

// ---- file operations ----

func (c *conn) handleFileOp(req *protocol.Request) {
	ws, err := c.workspaceFor(req.Project, req.Workspace)
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	root := ws.Root

	switch req.Type {
	case "file_index":
		files, err := fileops.Index(root)
		if err != nil {
			c.fail(req.ID, err)
			return
		}
		c.send(protocol.FileIndexResult{Type: "file_index_result", ID: req.ID, Files: files})

	case "file_list":
		path := req.Path
		if path == "" {
			path = "."
		}
		entries, err := fileops.List(root, path)
		if err != nil {
			c.fail(req.ID, err)
			return
		}
		c.send(protocol.FileListResult{Type: "file_list_result", ID: req.ID, Path: path, Entries: entries})

	case "file_read":
		content, err := fileops.Read(root, req.Path)
		if err != nil {
			c.fail(req.ID, err)
			return
		}
		c.send(protocol.FileReadResult{Type: "file_read_result", ID: req.ID, Path: req.Path, Content: content})

	case "file_write":
		if err := fileops.Write(root, req.Path, req.Content); err != nil {
			c.fail(req.ID, err)
			return
		}
		c.send(protocol.FileOpResult{Type: "file_write_result", ID: req.ID, Path: req.Path, OK: true})

	case "file_rename":
		if err := fileops.Rename(root, req.Path, req.NewName); err != nil {
			c.fail(req.ID, err)
			return
		}
		c.send(protocol.FileOpResult{Type: "file_rename_result", ID: req.ID, Path: req.Path, OK: true})

	case "file_delete":
		if err := fileops.Delete(root, req.Path); err != nil {
			c.fail(req.ID, err)
			return
		}
		c.send(protocol.FileOpResult{Type: "file_delete_result", ID: req.ID, Path: req.Path, OK: true})

	case "file_move":
		if err := fileops.Move(root, req.Path, req.To, req.Overwrite); err != nil {
			c.fail(req.ID, err)
			return
		}
		c.send(protocol.FileOpResult{Type: "file_move_result", ID: req.ID, Path: req.To, OK: true})

	case "file_copy":
		if err := fileops.Copy(root, req.Path, req.To, req.Overwrite); err != nil {
			c.fail(req.ID, err)
			return
		}
		c.send(protocol.FileOpResult{Type: "file_copy_result", ID: req.ID, Path: req.To, OK: true})
	}
}

// ---- watcher ----

func (c *conn) handleWatchSubscribe(req *protocol.Request) {
	ws, err := c.workspaceFor(req.Project, req.Workspace)
	if err != nil {
		c.fail(req.ID, err)
		return
	}

	w, err := watch.New(ws.Root, c.srv.deps.Sink.Component("watch"))
	if err != nil {
		c.fail(req.ID, err)
		return
	}
	c.setWatcher(w)

	project, workspace := req.Project, ws.Name
	go func() {
		for ev := range w.Events() {
			if ev.GitChanged {
				c.send(protocol.GitStatusChanged{Type: "git_status_changed", Project: project, Workspace: workspace})
				continue
			}
			c.send(protocol.FileChanged{
				Type: "file_changed", Project: project, Workspace: workspace,
				Paths: ev.Paths, Kind: ev.Kind,
			})
		}
	}()

	c.send(protocol.WatchAck{Type: "watch_subscribed", ID: req.ID, Project: project, Workspace: workspace})
}

// ---- terminals ----

func (c *conn) handleTermCreate(req *protocol.Request) {
	ws, err := c.workspaceFor(req.Project, req.Workspace)
	if err != nil {
		c.fail(req.ID, err)
		return
	}

	s, err := c.srv.deps.Terms.Spawn(term.SpawnOptions{
		Project:   req.Project,
		Workspace: ws.Name,
		Cwd:       ws.Root,
		Cols:      req.Cols,
		Rows:      req.Rows,
		Owner:     c.id,
		Env: map[string]string{
			"TIDYFLOW_PROJECT":   req.Project,
			"TIDYFLOW_WORKSPACE": ws.Name,
		},
	})
	if err != nil {
		c.fail(req.ID, err)
		return
	}

	cols, rows := s.Dims()
	c.send(protocol.TermCreated{Type: "term_created", ID: req.ID, TermID: s.ID, Cols: cols, Rows: rows})

	// Bind the sinks through Attach so output produced before the
	// session id was known is replayed from the ring buffer instead of
	// lost.
	termID := s.ID
	if _, err := c.srv.deps.Terms.Attach(termID, c.id,
		func(data []byte) {
			c.send(protocol.TermOutput{Type: "term_output", TermID: termID, Data: data})
		},
		func(code int) {
			c.send(protocol.TermExit{Type: "term_exit", TermID: termID, Code: code})
		},
	); err != nil {
		c.fail(req.ID, err)
	}
}

func (c *conn) handleTermInput(req *protocol.Request) {
	s, ok := c.srv.deps.Terms.Get(req.TermID)
	if !ok {
		return // fire-and-forget; a dead session just swallows input
	}
	if err := s.Write(req.Data); err != nil {
		c.srv.log.Debugf("input to session %s failed: %v", req.TermID, err)
	}
}

func (c *conn) handleTermResize(req *protocol.Request) {
	s, ok := c.srv.deps.Terms.Get(req.TermID)
	if !ok {
		return
	}
	if err := s.Resize(req.Cols, req.Rows); err != nil {
		c.srv.log.Debugf("resize of session %s failed: %v", req.TermID, err)
	}
}

func (c *conn) handleTermAttach(req *protocol.Request) {
	termID := req.TermID
	s, err := c.srv.deps.Terms.Attach(termID, c.id,
		func(data []byte) {
			c.send(protocol.TermOutput{Type: "term_output", TermID: termID, Data: data})
		},
		func(code int) {
			c.send(protocol.TermExit{Type: "term_exit", TermID: termID, Code: code})
		},
	)
	if err != nil {
		c.sendError(req.ID, protocol.CodeNotFound, err.Error())
		return
	}

	cols, rows := s.Dims()
	c.send(protocol.TermCreated{Type: "term_created", ID: req.ID, TermID: s.ID, Cols: cols, Rows: rows})
}

func (c *conn) handleTermKill(req *protocol.Request) {
	s, ok := c.srv.deps.Terms.Get(req.TermID)
	if !ok {
		c.sendError(req.ID, protocol.CodeNotFound, "session "+req.TermID+" not found")
		return
	}
	s.Kill()
	c.send(protocol.TermClosed{Type: "term_closed", ID: req.ID, TermID: req.TermID})
}

// ---- settings and project commands ----

func (c *conn) handleSaveSettings(req *protocol.Request) {
	if req.Settings == nil {
		c.sendError(req.ID, protocol.CodeBadPayload, "save_client_settings requires settings")
		return
	}
	if err := c.srv.deps.Store.PutSettings(*req.Settings); err != nil {
		c.fail(req.ID, err)
		return
	}
	c.send(protocol.ClientSettingsResult{
		Type: "client_settings_saved", ID: req.ID,
		Settings: c.srv.deps.Store.GetSettings(),
	})
}

func (c *conn) handleSaveProjectCommands(req *protocol.Request) {
	if err := c.srv.deps.Store.SaveProjectCommands(req.Project, req.Commands); err != nil {
		c.fail(req.ID, err)
		return
	}
	c.send(protocol.GitOpResult{Type: "git_op_result", ID: req.ID, OK: true})
}

func (c *conn) handleRunProjectCommand(req *protocol.Request) {
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

	var command *state.ProjectCommand
	for i := range proj.Commands {
		if proj.Commands[i].ID == req.CommandID {
			command = &proj.Commands[i]
			break
		}
	}
	if command == nil {
		c.sendError(req.ID, protocol.CodeNotFound, "command "+req.CommandID+" not found")
		return
	}
	if command.Interactive {
		c.sendError(req.ID, protocol.CodeBadPayload,
			"command "+command.Name+" is interactive; run it in a terminal session")
		return
	}

	project, workspace, commandID, reqID := req.Project, ws.Name, command.ID, req.ID
	_, err = c.srv.deps.Runner.Run(runner.Options{
		Project:   project,
		Workspace: workspace,
		CommandID: commandID,
		Command:   command.Command,
		Dir:       ws.Root,
		Blocking:  command.Blocking,
	}, runner.Callbacks{
		Started: func(taskID string) {
			c.send(protocol.ProjectCommandStarted{
				Type: "project_command_started", ID: reqID,
				Project: project, Workspace: workspace,
				CommandID: commandID, TaskID: taskID,
			})
		},
		Output: func(taskID, line string) {
			c.send(protocol.ProjectCommandOutput{Type: "project_command_output", TaskID: taskID, Line: line})
		},
		Completed: func(taskID string, ok bool, message string) {
			c.send(protocol.ProjectCommandCompleted{
				Type:    "project_command_completed",
				Project: project, Workspace: workspace,
				CommandID: commandID, TaskID: taskID,
				OK: ok, Message: message,
			})
		},
	})
	if err != nil {
		c.fail(req.ID, err)
	}
}

func (c *conn) handleCancelProjectCommand(req *protocol.Request) {
	if err := c.srv.deps.Runner.Cancel(req.TaskID); err != nil {
		c.sendError(req.ID, protocol.CodeNotFound, err.Error())
		return
	}
	c.send(protocol.GitOpResult{Type: "git_op_result", ID: req.ID, OK: true})
}
