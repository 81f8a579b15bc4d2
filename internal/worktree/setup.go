package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Setup file names probed at the repository root. TOML wins when both
// exist.
var setupFileNames = []string{".tidyflow.toml", ".tidyflow.yaml"}

// DefaultSetupTimeout bounds the whole step sequence when the file does
// not declare one.
const DefaultSetupTimeout = 10 * time.Minute

// SetupStep is one declared setup command.
type SetupStep struct {
	Name      string `toml:"name" yaml:"name"`
	Run       string `toml:"run" yaml:"run"`
	Condition string `toml:"condition" yaml:"condition"`
}

// SetupEnv declares the environment composition for setup steps.
type SetupEnv struct {
	Inherit bool              `toml:"inherit" yaml:"inherit"`
	Vars    map[string]string `toml:"vars" yaml:"vars"`
}

// SetupDecl is the parsed setup declaration.
type SetupDecl struct {
	Setup struct {
		Timeout string      `toml:"timeout" yaml:"timeout"`
		Shell   string      `toml:"shell" yaml:"shell"`
		Steps   []SetupStep `toml:"steps" yaml:"steps"`
	} `toml:"setup" yaml:"setup"`
	Env SetupEnv `toml:"env" yaml:"env"`
}

// LoadSetupDecl reads the setup declaration from repoRoot. Returns
// (nil, nil) when no setup file exists.
func LoadSetupDecl(repoRoot string) (*SetupDecl, error) {
	for _, name := range setupFileNames {
		path := filepath.Join(repoRoot, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}

		decl := &SetupDecl{}
		decl.Env.Inherit = true
		if strings.HasSuffix(name, ".toml") {
			if err := toml.Unmarshal(data, decl); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", name, err)
			}
		} else {
			if err := yaml.Unmarshal(data, decl); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", name, err)
			}
		}
		if err := decl.validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return decl, nil
	}
	return nil, nil
}

func (d *SetupDecl) validate() error {
	for i, step := range d.Setup.Steps {
		if step.Run == "" {
			return fmt.Errorf("step %d has no run command", i+1)
		}
		if step.Condition != "" && !strings.HasPrefix(step.Condition, "file_exists:") {
			return fmt.Errorf("step %q: unsupported condition %q", step.Name, step.Condition)
		}
	}
	if d.Setup.Timeout != "" {
		if _, err := time.ParseDuration(d.Setup.Timeout); err != nil {
			return fmt.Errorf("invalid setup timeout %q: %w", d.Setup.Timeout, err)
		}
	}
	return nil
}

func (d *SetupDecl) timeout() time.Duration {
	if d.Setup.Timeout == "" {
		return DefaultSetupTimeout
	}
	t, err := time.ParseDuration(d.Setup.Timeout)
	if err != nil {
		return DefaultSetupTimeout
	}
	return t
}

func (d *SetupDecl) shell() string {
	if d.Setup.Shell != "" {
		return d.Setup.Shell
	}
	return "/bin/sh"
}

// SetupError reports the failing step with its captured output.
type SetupError struct {
	Step   string
	Output string
	Err    error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup step %q failed: %v\n%s", e.Step, e.Err, strings.TrimSpace(e.Output))
}

func (e *SetupError) Unwrap() error { return e.Err }

// RunSetup executes the declared steps sequentially in workspaceRoot.
// The first failing step aborts the run; the whole sequence shares one
// timeout. extraEnv entries override inherited variables.
func RunSetup(ctx context.Context, decl *SetupDecl, workspaceRoot string, extraEnv map[string]string) error {
	if decl == nil || len(decl.Setup.Steps) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, decl.timeout())
	defer cancel()

	env := composeEnv(decl.Env, extraEnv)
	shell := decl.shell()

	for i, step := range decl.Setup.Steps {
		name := step.Name
		if name == "" {
			name = fmt.Sprintf("step %d", i+1)
		}

		if skip, err := evalCondition(step.Condition, workspaceRoot); err != nil {
			return &SetupError{Step: name, Err: err}
		} else if skip {
			continue
		}

		cmd := exec.CommandContext(ctx, shell, "-c", step.Run)
		cmd.Dir = workspaceRoot
		cmd.Env = env
		// Own process group, so the timeout also kills the step's children
		// and a grandchild holding the output pipe cannot outlive it.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		cmd.Cancel = func() error {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}

		var output bytes.Buffer
		cmd.Stdout = &output
		cmd.Stderr = &output

		if err := cmd.Run(); err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return &SetupError{Step: name, Output: output.String(), Err: context.DeadlineExceeded}
			}
			return &SetupError{Step: name, Output: output.String(), Err: err}
		}
	}

	return nil
}

// evalCondition returns skip=true when a file_exists predicate is not
// satisfied.
func evalCondition(condition, workspaceRoot string) (skip bool, err error) {
	if condition == "" {
		return false, nil
	}
	rel := strings.TrimPrefix(condition, "file_exists:")
	if _, statErr := os.Stat(filepath.Join(workspaceRoot, rel)); statErr != nil {
		if os.IsNotExist(statErr) {
			return true, nil
		}
		return false, fmt.Errorf("failed to evaluate condition %q: %w", condition, statErr)
	}
	return false, nil
}

func composeEnv(declared SetupEnv, extra map[string]string) []string {
	var env []string
	if declared.Inherit {
		env = os.Environ()
	}
	for k, v := range declared.Vars {
		env = append(env, k+"="+v)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
