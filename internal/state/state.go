// Package state persists the registry of projects, workspaces and client
// settings to a single JSON document under the state directory.
//
// Every mutation takes the store lock, rewrites the document to a sibling
// temp file, fsyncs and renames it into place, so a reader always sees
// either the previous or the new content and never a torn write.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
)

// SchemaVersion is the current on-disk schema version.
const SchemaVersion = 2

// Workspace status values.
const (
	StatusReady        = "ready"
	StatusInitializing = "initializing"
	StatusBroken       = "broken"
)

// DefaultWorkspaceName is the reserved name of the workspace whose root is
// the project root itself.
const DefaultWorkspaceName = "default"

// ErrNotFound is returned when a project or workspace does not exist.
var ErrNotFound = errors.New("not found")

// ProjectCommand is a user-editable command template. The json tags name
// the state-file fields, the msgpack tags the wire fields; they match.
type ProjectCommand struct {
	ID          string `json:"id" msgpack:"id"`
	Name        string `json:"name" msgpack:"name"`
	Icon        string `json:"icon,omitempty" msgpack:"icon,omitempty"`
	Command     string `json:"command" msgpack:"command"`
	Blocking    bool   `json:"blocking" msgpack:"blocking"`
	Interactive bool   `json:"interactive" msgpack:"interactive"`
}

// Project is a user-named reference to a git repository on disk.
type Project struct {
	Name          string           `json:"name" msgpack:"name"`
	Root          string           `json:"root" msgpack:"root"`
	DefaultBranch string           `json:"default_branch" msgpack:"default_branch"`
	Commands      []ProjectCommand `json:"commands" msgpack:"commands"`
}

// Workspace is a named working copy of a project.
type Workspace struct {
	Name   string `json:"name" msgpack:"name"`
	Root   string `json:"root" msgpack:"root"`
	Branch string `json:"branch" msgpack:"branch"`
	Status string `json:"status" msgpack:"status"`
}

// CustomCommand is a user-defined shell alias shown as a terminal button.
type CustomCommand struct {
	Name    string `json:"name" msgpack:"name"`
	Command string `json:"command" msgpack:"command"`
}

// ClientSettings is the per-user configuration the UI persists through
// the core.
type ClientSettings struct {
	CustomCommands     []CustomCommand   `json:"custom_commands" msgpack:"custom_commands"`
	WorkspaceShortcuts map[string]string `json:"workspace_shortcuts" msgpack:"workspace_shortcuts"`
	CommitAgent        string            `json:"commit_agent,omitempty" msgpack:"commit_agent,omitempty"`
	MergeAgent         string            `json:"merge_agent,omitempty" msgpack:"merge_agent,omitempty"`
}

// Document is the full persisted state.
type Document struct {
	SchemaVersion       int                    `json:"schema_version"`
	Projects            []Project              `json:"projects"`
	WorkspacesByProject map[string][]Workspace `json:"workspaces_by_project"`
	Settings            ClientSettings         `json:"settings"`
}

// Store owns the state document. All access goes through its methods;
// readers get deep copies so handler goroutines never share slices with
// the writer.
type Store struct {
	mu   sync.Mutex
	path string
	doc  Document
}

// Open loads the document at path, creating an empty one if the file does
// not exist. Older schema versions are migrated in memory; the migrated
// form is written back on the first save.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.doc = emptyDocument()
			return s, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	if doc.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("state file schema %d is newer than supported %d", doc.SchemaVersion, SchemaVersion)
	}

	migrate(&doc)
	s.doc = doc
	return s, nil
}

func emptyDocument() Document {
	return Document{
		SchemaVersion:       SchemaVersion,
		Projects:            []Project{},
		WorkspacesByProject: map[string][]Workspace{},
		Settings:            ClientSettings{WorkspaceShortcuts: map[string]string{}},
	}
}

// migrate upgrades older documents in memory.
func migrate(doc *Document) {
	if doc.SchemaVersion < 2 {
		// v1 predates workspace shortcuts.
		if doc.Settings.WorkspaceShortcuts == nil {
			doc.Settings.WorkspaceShortcuts = map[string]string{}
		}
	}
	if doc.Projects == nil {
		doc.Projects = []Project{}
	}
	if doc.WorkspacesByProject == nil {
		doc.WorkspacesByProject = map[string][]Workspace{}
	}
	doc.SchemaVersion = SchemaVersion
}

// save writes the document atomically. Callers hold s.mu.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to rename state file: %w", err)
	}

	// Persist the rename itself.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}

	return nil
}

// Snapshot returns a deep copy of the current document.
func (s *Store) Snapshot() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneDocument(s.doc)
}

func cloneDocument(doc Document) Document {
	out := Document{
		SchemaVersion:       doc.SchemaVersion,
		Projects:            make([]Project, len(doc.Projects)),
		WorkspacesByProject: make(map[string][]Workspace, len(doc.WorkspacesByProject)),
		Settings:            cloneSettings(doc.Settings),
	}
	for i, p := range doc.Projects {
		out.Projects[i] = p
		out.Projects[i].Commands = append([]ProjectCommand(nil), p.Commands...)
	}
	for name, wss := range doc.WorkspacesByProject {
		out.WorkspacesByProject[name] = append([]Workspace(nil), wss...)
	}
	return out
}

func cloneSettings(in ClientSettings) ClientSettings {
	out := in
	out.CustomCommands = append([]CustomCommand(nil), in.CustomCommands...)
	out.WorkspaceShortcuts = make(map[string]string, len(in.WorkspaceShortcuts))
	for k, v := range in.WorkspaceShortcuts {
		out.WorkspaceShortcuts[k] = v
	}
	return out
}

// GetProject returns a copy of the named project.
func (s *Store) GetProject(name string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.doc.Projects {
		if p.Name == name {
			p.Commands = append([]ProjectCommand(nil), p.Commands...)
			return p, nil
		}
	}
	return Project{}, fmt.Errorf("project %q: %w", name, ErrNotFound)
}

// ListProjects returns copies of all projects, sorted by name.
func (s *Store) ListProjects() []Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Project, len(s.doc.Projects))
	for i, p := range s.doc.Projects {
		out[i] = p
		out[i].Commands = append([]ProjectCommand(nil), p.Commands...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UpsertProject inserts or replaces a project and persists.
func (s *Store) UpsertProject(p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := false
	for i := range s.doc.Projects {
		if s.doc.Projects[i].Name == p.Name {
			s.doc.Projects[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		s.doc.Projects = append(s.doc.Projects, p)
	}
	if _, ok := s.doc.WorkspacesByProject[p.Name]; !ok {
		s.doc.WorkspacesByProject[p.Name] = []Workspace{}
	}
	return s.save()
}

// RemoveProject detaches a project and its workspace records. The
// repository on disk is untouched.
func (s *Store) RemoveProject(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i := range s.doc.Projects {
		if s.doc.Projects[i].Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("project %q: %w", name, ErrNotFound)
	}
	s.doc.Projects = append(s.doc.Projects[:idx], s.doc.Projects[idx+1:]...)
	delete(s.doc.WorkspacesByProject, name)
	return s.save()
}

// GetWorkspace returns a copy of the named workspace of a project.
func (s *Store) GetWorkspace(project, name string) (Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ws := range s.doc.WorkspacesByProject[project] {
		if ws.Name == name {
			return ws, nil
		}
	}
	return Workspace{}, fmt.Errorf("workspace %q/%q: %w", project, name, ErrNotFound)
}

// ListWorkspaces returns copies of a project's workspaces, default first,
// the rest sorted by name.
func (s *Store) ListWorkspaces(project string) ([]Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.WorkspacesByProject[project]; !ok {
		found := false
		for _, p := range s.doc.Projects {
			if p.Name == project {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("project %q: %w", project, ErrNotFound)
		}
	}
	out := append([]Workspace(nil), s.doc.WorkspacesByProject[project]...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == DefaultWorkspaceName {
			return true
		}
		if out[j].Name == DefaultWorkspaceName {
			return false
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// UpsertWorkspace inserts or replaces a workspace record and persists.
// No two workspaces may share a root.
func (s *Store) UpsertWorkspace(project string, ws Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for proj, wss := range s.doc.WorkspacesByProject {
		for _, other := range wss {
			if other.Root == ws.Root && !(proj == project && other.Name == ws.Name) {
				return fmt.Errorf("workspace root %s already used by %s/%s", ws.Root, proj, other.Name)
			}
		}
	}

	wss := s.doc.WorkspacesByProject[project]
	replaced := false
	for i := range wss {
		if wss[i].Name == ws.Name {
			wss[i] = ws
			replaced = true
			break
		}
	}
	if !replaced {
		wss = append(wss, ws)
	}
	s.doc.WorkspacesByProject[project] = wss
	return s.save()
}

// RemoveWorkspace deletes a workspace record and persists.
func (s *Store) RemoveWorkspace(project, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wss := s.doc.WorkspacesByProject[project]
	idx := -1
	for i := range wss {
		if wss[i].Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("workspace %q/%q: %w", project, name, ErrNotFound)
	}
	s.doc.WorkspacesByProject[project] = append(wss[:idx], wss[idx+1:]...)
	return s.save()
}

// GetSettings returns a copy of the client settings.
func (s *Store) GetSettings() ClientSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSettings(s.doc.Settings)
}

// PutSettings replaces the client settings and persists.
func (s *Store) PutSettings(settings ClientSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if settings.WorkspaceShortcuts == nil {
		settings.WorkspaceShortcuts = map[string]string{}
	}
	s.doc.Settings = cloneSettings(settings)
	return s.save()
}

// SaveProjectCommands replaces a project's command list and persists.
func (s *Store) SaveProjectCommands(project string, commands []ProjectCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.Projects {
		if s.doc.Projects[i].Name == project {
			s.doc.Projects[i].Commands = append([]ProjectCommand(nil), commands...)
			return s.save()
		}
	}
	return fmt.Errorf("project %q: %w", project, ErrNotFound)
}

// WritePortFile records the bound port next to the state file.
func WritePortFile(path string, port int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(port)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write port file: %w", err)
	}
	return nil
}
