package worktree

import (
	"fmt"

	petname "github.com/dustinkirkland/golang-petname"
)

// generateName picks an adjective-animal name not already used by the
// project's workspaces.
func (e *Engine) generateName(projectName string) (string, error) {
	existing := map[string]bool{IntegrationName: true}
	if wss, err := e.store.ListWorkspaces(projectName); err == nil {
		for _, ws := range wss {
			existing[ws.Name] = true
		}
	}

	for attempt := 0; attempt < 50; attempt++ {
		words := 2
		if attempt >= 20 {
			// Two-word names exhausted or colliding badly; widen the pool.
			words = 3
		}
		name := petname.Generate(words, "-")
		if !existing[name] {
			return name, nil
		}
	}
	return "", fmt.Errorf("failed to generate a unique workspace name")
}
