package protocol

import (
	"github.com/gitbobobo/tidyflow/internal/fileops"
	"github.com/gitbobobo/tidyflow/internal/gittools"
	"github.com/gitbobobo/tidyflow/internal/state"
	"github.com/gitbobobo/tidyflow/internal/term"
	"github.com/gitbobobo/tidyflow/internal/worktree"
)

// Request is the inbound envelope: the union of every request's fields.
// Which fields matter is decided by Type; unknown fields are ignored by
// the codec, so old clients and new servers stay compatible.
type Request struct {
	Type string `msgpack:"type"`
	ID   string `msgpack:"id,omitempty"`

	// Addressing.
	Project   string `msgpack:"project,omitempty"`
	Workspace string `msgpack:"workspace,omitempty"`

	// Project / workspace management.
	Name       string `msgpack:"name,omitempty"`
	Path       string `msgpack:"path,omitempty"`
	BaseBranch string `msgpack:"base_branch,omitempty"`

	// File operations.
	Content   []byte `msgpack:"content,omitempty"`
	NewName   string `msgpack:"new_name,omitempty"`
	To        string `msgpack:"to,omitempty"`
	Overwrite bool   `msgpack:"overwrite,omitempty"`

	// Git operations.
	Mode             string `msgpack:"mode,omitempty"`
	Scope            string `msgpack:"scope,omitempty"`
	IncludeUntracked bool   `msgpack:"include_untracked,omitempty"`
	Message          string `msgpack:"message,omitempty"`
	Branch           string `msgpack:"branch,omitempty"`
	Onto             string `msgpack:"onto,omitempty"`
	SHA              string `msgpack:"sha,omitempty"`
	Limit            int    `msgpack:"limit,omitempty"`
	DefaultBranch    string `msgpack:"default_branch,omitempty"`

	// Terminal sessions.
	TermID string `msgpack:"term_id,omitempty"`
	Data   []byte `msgpack:"data,omitempty"`
	Cols   int    `msgpack:"cols,omitempty"`
	Rows   int    `msgpack:"rows,omitempty"`

	// Settings and commands.
	Settings  *state.ClientSettings  `msgpack:"settings,omitempty"`
	Commands  []state.ProjectCommand `msgpack:"commands,omitempty"`
	CommandID string                 `msgpack:"command_id,omitempty"`
	TaskID    string                 `msgpack:"task_id,omitempty"`

	// Client log forwarding.
	Level    string `msgpack:"level,omitempty"`
	Source   string `msgpack:"source,omitempty"`
	Category string `msgpack:"category,omitempty"`
	Msg      string `msgpack:"msg,omitempty"`
	Detail   string `msgpack:"detail,omitempty"`
}

// Hello is the first message on every connection.
type Hello struct {
	Type         string   `msgpack:"type"`
	Version      int      `msgpack:"version"`
	Capabilities []string `msgpack:"capabilities"`
	SessionID    string   `msgpack:"session_id"`
}

// ErrorMessage reports a failed request.
type ErrorMessage struct {
	Type    string `msgpack:"type"`
	Code    string `msgpack:"code"`
	Message string `msgpack:"message"`
	ID      string `msgpack:"id,omitempty"`
}

// Pong answers ping.
type Pong struct {
	Type string `msgpack:"type"`
	ID   string `msgpack:"id,omitempty"`
}

// ProjectSummary is one row of the projects listing.
type ProjectSummary struct {
	Name           string `msgpack:"name"`
	Root           string `msgpack:"root"`
	DefaultBranch  string `msgpack:"default_branch"`
	WorkspaceCount int    `msgpack:"workspace_count"`
}

// Projects answers list_projects.
type Projects struct {
	Type  string           `msgpack:"type"`
	ID    string           `msgpack:"id,omitempty"`
	Items []ProjectSummary `msgpack:"items"`
}

// Workspaces answers list_workspaces.
type Workspaces struct {
	Type    string            `msgpack:"type"`
	ID      string            `msgpack:"id,omitempty"`
	Project string            `msgpack:"project"`
	Items   []state.Workspace `msgpack:"items"`
}

// ProjectImported answers import_project.
type ProjectImported struct {
	Type          string          `msgpack:"type"`
	ID            string          `msgpack:"id,omitempty"`
	Name          string          `msgpack:"name"`
	Root          string          `msgpack:"root"`
	DefaultBranch string          `msgpack:"default_branch"`
	Workspace     state.Workspace `msgpack:"workspace"`
}

// WorkspaceCreated answers create_workspace and workspace_run_setup.
type WorkspaceCreated struct {
	Type      string          `msgpack:"type"`
	ID        string          `msgpack:"id,omitempty"`
	Project   string          `msgpack:"project"`
	Workspace state.Workspace `msgpack:"workspace"`
}

// ProjectRemoved answers remove_project.
type ProjectRemoved struct {
	Type string `msgpack:"type"`
	ID   string `msgpack:"id,omitempty"`
	Name string `msgpack:"name"`
}

// WorkspaceRemoved answers remove_workspace.
type WorkspaceRemoved struct {
	Type      string `msgpack:"type"`
	ID        string `msgpack:"id,omitempty"`
	Project   string `msgpack:"project"`
	Workspace string `msgpack:"workspace"`
}

// FileIndexResult answers file_index.
type FileIndexResult struct {
	Type  string   `msgpack:"type"`
	ID    string   `msgpack:"id,omitempty"`
	Files []string `msgpack:"files"`
}

// FileListResult answers file_list.
type FileListResult struct {
	Type    string          `msgpack:"type"`
	ID      string          `msgpack:"id,omitempty"`
	Path    string          `msgpack:"path"`
	Entries []fileops.Entry `msgpack:"entries"`
}

// FileReadResult answers file_read.
type FileReadResult struct {
	Type    string `msgpack:"type"`
	ID      string `msgpack:"id,omitempty"`
	Path    string `msgpack:"path"`
	Content []byte `msgpack:"content"`
}

// FileOpResult answers file_write/rename/delete/move/copy.
type FileOpResult struct {
	Type string `msgpack:"type"`
	ID   string `msgpack:"id,omitempty"`
	Path string `msgpack:"path"`
	OK   bool   `msgpack:"ok"`
}

// FileChanged is the coalesced watcher notification for plain files.
type FileChanged struct {
	Type      string   `msgpack:"type"`
	Project   string   `msgpack:"project"`
	Workspace string   `msgpack:"workspace"`
	Paths     []string `msgpack:"paths"`
	Kind      string   `msgpack:"kind"`
}

// GitStatusChanged is the watcher notification for the .git subtree.
type GitStatusChanged struct {
	Type      string `msgpack:"type"`
	Project   string `msgpack:"project"`
	Workspace string `msgpack:"workspace"`
}

// WatchAck answers watch_subscribe / watch_unsubscribe.
type WatchAck struct {
	Type      string `msgpack:"type"`
	ID        string `msgpack:"id,omitempty"`
	Project   string `msgpack:"project,omitempty"`
	Workspace string `msgpack:"workspace,omitempty"`
}

// GitStatusResult answers git_status.
type GitStatusResult struct {
	Type string `msgpack:"type"`
	ID   string `msgpack:"id,omitempty"`
	gittools.StatusResult
}

// GitDiffResult answers git_diff.
type GitDiffResult struct {
	Type string `msgpack:"type"`
	ID   string `msgpack:"id,omitempty"`
	Path string `msgpack:"path"`
	gittools.DiffResult
}

// GitLogResult answers git_log.
type GitLogResult struct {
	Type    string             `msgpack:"type"`
	ID      string             `msgpack:"id,omitempty"`
	Entries []gittools.LogEntry `msgpack:"entries"`
}

// GitShowResult answers git_show.
type GitShowResult struct {
	Type string `msgpack:"type"`
	ID   string `msgpack:"id,omitempty"`
	gittools.ShowResult
}

// GitOpResult answers the simple mutating git requests.
type GitOpResult struct {
	Type    string `msgpack:"type"`
	ID      string `msgpack:"id,omitempty"`
	OK      bool   `msgpack:"ok"`
	Message string `msgpack:"message,omitempty"`
}

// GitBranchesResult answers git_branches.
type GitBranchesResult struct {
	Type string `msgpack:"type"`
	ID   string `msgpack:"id,omitempty"`
	gittools.BranchesResult
}

// GitCommitResult answers git_commit.
type GitCommitResult struct {
	Type string `msgpack:"type"`
	ID   string `msgpack:"id,omitempty"`
	gittools.CommitResult
}

// GitRebaseResult answers git_rebase and its continue/abort.
type GitRebaseResult struct {
	Type      string   `msgpack:"type"`
	ID        string   `msgpack:"id,omitempty"`
	OK        bool     `msgpack:"ok"`
	State     string   `msgpack:"state"`
	Conflicts []string `msgpack:"conflicts,omitempty"`
}

// GitOpStatusResult answers git_op_status.
type GitOpStatusResult struct {
	Type string `msgpack:"type"`
	ID   string `msgpack:"id,omitempty"`
	gittools.OpStatusResult
}

// GitMergeResult answers the integration-worktree merge and rebase
// requests.
type GitMergeResult struct {
	Type string `msgpack:"type"`
	ID   string `msgpack:"id,omitempty"`
	worktree.MergeResult
}

// GitIntegrationStatusResult answers git_integration_status.
type GitIntegrationStatusResult struct {
	Type string `msgpack:"type"`
	ID   string `msgpack:"id,omitempty"`
	worktree.IntegrationStatus
}

// GitUpToDateResult answers git_check_branch_up_to_date.
type GitUpToDateResult struct {
	Type     string `msgpack:"type"`
	ID       string `msgpack:"id,omitempty"`
	UpToDate bool   `msgpack:"up_to_date"`
}

// TermCreated answers term_create.
type TermCreated struct {
	Type   string `msgpack:"type"`
	ID     string `msgpack:"id,omitempty"`
	TermID string `msgpack:"term_id"`
	Cols   int    `msgpack:"cols"`
	Rows   int    `msgpack:"rows"`
}

// TermOutput streams PTY output. Data is raw bytes.
type TermOutput struct {
	Type   string `msgpack:"type"`
	TermID string `msgpack:"term_id"`
	Data   []byte `msgpack:"data"`
}

// TermExit reports shell termination, after the final TermOutput.
type TermExit struct {
	Type   string `msgpack:"type"`
	TermID string `msgpack:"term_id"`
	Code   int    `msgpack:"code"`
}

// TermClosed answers term_kill.
type TermClosed struct {
	Type   string `msgpack:"type"`
	ID     string `msgpack:"id,omitempty"`
	TermID string `msgpack:"term_id"`
}

// TermList answers term_list.
type TermList struct {
	Type  string      `msgpack:"type"`
	ID    string      `msgpack:"id,omitempty"`
	Items []term.Info `msgpack:"items"`
}

// ClientSettingsResult answers get_client_settings and
// save_client_settings.
type ClientSettingsResult struct {
	Type     string               `msgpack:"type"`
	ID       string               `msgpack:"id,omitempty"`
	Settings state.ClientSettings `msgpack:"settings"`
}

// ProjectCommandStarted opens a command task's notification stream.
type ProjectCommandStarted struct {
	Type      string `msgpack:"type"`
	ID        string `msgpack:"id,omitempty"`
	Project   string `msgpack:"project"`
	Workspace string `msgpack:"workspace"`
	CommandID string `msgpack:"command_id"`
	TaskID    string `msgpack:"task_id"`
}

// ProjectCommandOutput carries one output line of a command task.
type ProjectCommandOutput struct {
	Type   string `msgpack:"type"`
	TaskID string `msgpack:"task_id"`
	Line   string `msgpack:"line"`
}

// ProjectCommandCompleted closes a command task's stream.
type ProjectCommandCompleted struct {
	Type      string `msgpack:"type"`
	Project   string `msgpack:"project"`
	Workspace string `msgpack:"workspace"`
	CommandID string `msgpack:"command_id"`
	TaskID    string `msgpack:"task_id"`
	OK        bool   `msgpack:"ok"`
	Message   string `msgpack:"message,omitempty"`
}
