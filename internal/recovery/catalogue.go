package recovery

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"threatguard/internal/model"
)

//go:embed workflows.yaml
var defaultWorkflows []byte

type workflowFile struct {
	Workflows []model.RecoveryWorkflow `yaml:"workflows"`
}

// LoadWorkflows reads the workflow catalogue from path, or the built-in
// catalogue when path is empty.
func LoadWorkflows(path string) ([]model.RecoveryWorkflow, error) {
	data := defaultWorkflows
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read workflows: %w", err)
		}
		data = b
	}
	return ParseWorkflows(data)
}

func ParseWorkflows(data []byte) ([]model.RecoveryWorkflow, error) {
	var f workflowFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode workflows: %w", err)
	}
	if len(f.Workflows) == 0 {
		return nil, errors.New("workflow catalogue is empty")
	}
	seen := make(map[string]struct{}, len(f.Workflows))
	for i := range f.Workflows {
		w := &f.Workflows[i]
		w.Name = strings.TrimSpace(w.Name)
		if w.Name == "" {
			return nil, fmt.Errorf("workflow %d has no name", i)
		}
		if _, dup := seen[w.Name]; dup {
			return nil, fmt.Errorf("duplicate workflow %q", w.Name)
		}
		seen[w.Name] = struct{}{}
		if len(w.Triggers) == 0 {
			return nil, fmt.Errorf("workflow %q has no triggers", w.Name)
		}
		if len(w.Actions) == 0 {
			return nil, fmt.Errorf("workflow %q has no actions", w.Name)
		}
		for j, k := range w.Triggers {
			w.Triggers[j] = model.ParseKind(string(k))
		}
		for j, a := range w.Actions {
			parsed, ok := model.ParseAction(string(a))
			if !ok {
				return nil, fmt.Errorf("workflow %q: unknown action %q", w.Name, a)
			}
			w.Actions[j] = parsed
		}
		if w.MaxRetries < 0 {
			return nil, fmt.Errorf("workflow %q max_retries must be >= 0", w.Name)
		}
	}
	return f.Workflows, nil
}

// find returns the first workflow triggered by kind.
func find(workflows []model.RecoveryWorkflow, kind model.EventKind) (model.RecoveryWorkflow, bool) {
	for _, w := range workflows {
		if w.TriggeredBy(kind) {
			return w, true
		}
	}
	return model.RecoveryWorkflow{}, false
}
