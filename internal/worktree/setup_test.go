package worktree

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSetupFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "setup-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestLoadSetupDeclMissing(t *testing.T) {
	dir := tempDir(t)
	decl, err := LoadSetupDecl(dir)
	if err != nil {
		t.Fatalf("LoadSetupDecl() failed: %v", err)
	}
	if decl != nil {
		t.Errorf("LoadSetupDecl() = %+v for empty dir, want nil", decl)
	}
}

func TestLoadSetupDeclTOML(t *testing.T) {
	dir := tempDir(t)
	writeSetupFile(t, dir, ".tidyflow.toml", `
[setup]
timeout = "30s"
shell = "/bin/bash"

[env]
inherit = false

[env.vars]
FOO = "bar"

[[setup.steps]]
name = "marker"
run = "touch .setup-marker"

[[setup.steps]]
name = "conditional"
run = "echo ok"
condition = "file_exists:Makefile"
`)

	decl, err := LoadSetupDecl(dir)
	if err != nil {
		t.Fatalf("LoadSetupDecl() failed: %v", err)
	}
	if decl.Setup.Timeout != "30s" || decl.Setup.Shell != "/bin/bash" {
		t.Errorf("setup header = %+v", decl.Setup)
	}
	if decl.Env.Inherit {
		t.Error("Env.Inherit = true, want false")
	}
	if decl.Env.Vars["FOO"] != "bar" {
		t.Errorf("Env.Vars = %v", decl.Env.Vars)
	}
	if len(decl.Setup.Steps) != 2 {
		t.Fatalf("steps = %+v, want 2", decl.Setup.Steps)
	}
	if decl.Setup.Steps[1].Condition != "file_exists:Makefile" {
		t.Errorf("condition = %q", decl.Setup.Steps[1].Condition)
	}
}

func TestLoadSetupDeclYAML(t *testing.T) {
	dir := tempDir(t)
	writeSetupFile(t, dir, ".tidyflow.yaml", `
setup:
  timeout: 1m
  steps:
    - name: hello
      run: echo hello
env:
  vars:
    A: b
`)

	decl, err := LoadSetupDecl(dir)
	if err != nil {
		t.Fatalf("LoadSetupDecl() failed: %v", err)
	}
	if len(decl.Setup.Steps) != 1 || decl.Setup.Steps[0].Run != "echo hello" {
		t.Errorf("steps = %+v", decl.Setup.Steps)
	}
	if !decl.Env.Inherit {
		t.Error("Env.Inherit should default to true")
	}
}

func TestLoadSetupDeclTOMLWins(t *testing.T) {
	dir := tempDir(t)
	writeSetupFile(t, dir, ".tidyflow.toml", "[[setup.steps]]\nname = \"t\"\nrun = \"true\"\n")
	writeSetupFile(t, dir, ".tidyflow.yaml", "setup:\n  steps:\n    - name: y\n      run: \"true\"\n")

	decl, err := LoadSetupDecl(dir)
	if err != nil {
		t.Fatalf("LoadSetupDecl() failed: %v", err)
	}
	if decl.Setup.Steps[0].Name != "t" {
		t.Errorf("expected TOML declaration to win, got step %q", decl.Setup.Steps[0].Name)
	}
}

func TestLoadSetupDeclRejectsBadCondition(t *testing.T) {
	dir := tempDir(t)
	writeSetupFile(t, dir, ".tidyflow.toml", "[[setup.steps]]\nrun = \"true\"\ncondition = \"env_set:FOO\"\n")

	if _, err := LoadSetupDecl(dir); err == nil {
		t.Error("LoadSetupDecl() accepted an unsupported condition")
	}
}

func TestRunSetupSequence(t *testing.T) {
	repo := tempDir(t)
	writeSetupFile(t, repo, ".tidyflow.toml", `
[[setup.steps]]
name = "marker"
run = "printf '%s' \"$TIDYFLOW_WORKSPACE\" > .setup-marker"

[[setup.steps]]
name = "second"
run = "test -f .setup-marker"
`)
	decl, err := LoadSetupDecl(repo)
	if err != nil {
		t.Fatalf("LoadSetupDecl() failed: %v", err)
	}

	ws := tempDir(t)
	err = RunSetup(context.Background(), decl, ws, map[string]string{"TIDYFLOW_WORKSPACE": "demo-ws"})
	if err != nil {
		t.Fatalf("RunSetup() failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(ws, ".setup-marker"))
	if err != nil {
		t.Fatalf("marker not created: %v", err)
	}
	if string(data) != "demo-ws" {
		t.Errorf("marker content = %q, want demo-ws (env not composed)", data)
	}
}

func TestRunSetupFirstFailureAborts(t *testing.T) {
	decl := &SetupDecl{}
	decl.Env.Inherit = true
	decl.Setup.Steps = []SetupStep{
		{Name: "boom", Run: "echo bad output; exit 3"},
		{Name: "never", Run: "touch .never"},
	}

	ws := tempDir(t)
	err := RunSetup(context.Background(), decl, ws, nil)

	var serr *SetupError
	if !errors.As(err, &serr) {
		t.Fatalf("RunSetup() err = %v, want *SetupError", err)
	}
	if serr.Step != "boom" {
		t.Errorf("failing step = %q, want boom", serr.Step)
	}
	if serr.Output == "" || serr.Output != "bad output\n" {
		t.Errorf("captured output = %q", serr.Output)
	}
	if _, statErr := os.Stat(filepath.Join(ws, ".never")); !os.IsNotExist(statErr) {
		t.Error("steps after the failure still ran")
	}
}

func TestRunSetupConditionSkips(t *testing.T) {
	decl := &SetupDecl{}
	decl.Env.Inherit = true
	decl.Setup.Steps = []SetupStep{
		{Name: "skipped", Run: "touch .skipped", Condition: "file_exists:Makefile"},
	}

	ws := tempDir(t)
	if err := RunSetup(context.Background(), decl, ws, nil); err != nil {
		t.Fatalf("RunSetup() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws, ".skipped")); !os.IsNotExist(err) {
		t.Error("conditioned step ran without its file")
	}

	// With the file present the step runs.
	if err := os.WriteFile(filepath.Join(ws, "Makefile"), []byte("all:\n"), 0o644); err != nil {
		t.Fatalf("failed to write Makefile: %v", err)
	}
	if err := RunSetup(context.Background(), decl, ws, nil); err != nil {
		t.Fatalf("RunSetup() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws, ".skipped")); err != nil {
		t.Error("conditioned step did not run with its file present")
	}
}

func TestRunSetupTimeout(t *testing.T) {
	decl := &SetupDecl{}
	decl.Env.Inherit = true
	decl.Setup.Timeout = "100ms"
	decl.Setup.Steps = []SetupStep{{Name: "slow", Run: "sleep 5"}}

	ws := tempDir(t)
	start := time.Now()
	err := RunSetup(context.Background(), decl, ws, nil)
	if err == nil {
		t.Fatal("RunSetup() succeeded, want timeout")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded in chain", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("timeout did not interrupt the step")
	}
}
