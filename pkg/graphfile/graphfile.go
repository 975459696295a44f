// Package graphfile parses and validates task graph documents. A graph file
// declares one session and a map of tasks with dependency edges; the
// declaration order of tasks is preserved because it drives scheduling order
// downstream.
package graphfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/johnplanow/substrate-sub006/internal/common/errors"
)

// Task types accepted in graph files.
const (
	TypeCoding      = "coding"
	TypeTesting     = "testing"
	TypeDocs        = "docs"
	TypeDebugging   = "debugging"
	TypeRefactoring = "refactoring"
)

var taskTypes = map[string]bool{
	TypeCoding:      true,
	TypeTesting:     true,
	TypeDocs:        true,
	TypeDebugging:   true,
	TypeRefactoring: true,
}

// TaskTypes returns the accepted task type names.
func TaskTypes() []string {
	return []string{TypeCoding, TypeTesting, TypeDocs, TypeDebugging, TypeRefactoring}
}

// Document is one parsed graph file.
type Document struct {
	Version string
	Session SessionSpec
	Tasks   []TaskSpec // declaration order
}

// SessionSpec is the graph file's session block.
type SessionSpec struct {
	Name       string   `yaml:"name"`
	BudgetUSD  *float64 `yaml:"budget_usd"`
	BaseBranch string   `yaml:"base_branch"`
}

// TaskSpec is one task declaration. ID is the task's key in the file.
type TaskSpec struct {
	ID        string   `yaml:"-"`
	Name      string   `yaml:"name"`
	Prompt    string   `yaml:"prompt"`
	Type      string   `yaml:"type"`
	DependsOn []string `yaml:"depends_on"`
	BudgetUSD *float64 `yaml:"budget_usd"`
	Agent     string   `yaml:"agent"`
	Model     string   `yaml:"model"`
}

// Task returns the task with the given ID, or nil.
func (d *Document) Task(id string) *TaskSpec {
	for i := range d.Tasks {
		if d.Tasks[i].ID == id {
			return &d.Tasks[i]
		}
	}
	return nil
}

// Load reads, parses, and validates the graph file at path. The format is
// chosen by extension: .yaml/.yml or .json.
func Load(path string) (*Document, error) {
	doc, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// ParseFile reads and parses the graph file at path without validating it.
func ParseFile(path string) (*Document, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml", ".json":
	default:
		return nil, errors.Parse(fmt.Sprintf("unsupported graph file extension %q (want .yaml, .yml, or .json)", ext), nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("graph file", path)
		}
		return nil, errors.Internal("failed to read graph file", err)
	}
	if ext == ".json" {
		return parseJSON(data)
	}
	return parse(data)
}

// parseJSON validates JSON syntax separately so syntax errors name the right
// format, then reuses the YAML node walk (JSON is a YAML subset and the walk
// preserves key order either way).
func parseJSON(data []byte) (*Document, error) {
	if !json.Valid(data) {
		return nil, errors.Parse("graph file is not valid JSON", nil)
	}
	return parse(data)
}

func parse(data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errors.Parse("failed to parse graph file", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, errors.Parse("graph file is empty", nil)
	}
	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, errors.Parse("graph file root must be a mapping", nil)
	}

	doc := &Document{}
	for i := 0; i+1 < len(top.Content); i += 2 {
		key := top.Content[i]
		value := top.Content[i+1]
		switch key.Value {
		case "version":
			version, err := decodeVersion(value)
			if err != nil {
				return nil, err
			}
			doc.Version = version
		case "session":
			if err := value.Decode(&doc.Session); err != nil {
				return nil, errors.Parse("invalid session block", err)
			}
		case "tasks":
			tasks, err := decodeTasks(value)
			if err != nil {
				return nil, err
			}
			doc.Tasks = tasks
		}
	}
	return doc, nil
}

// decodeVersion accepts the version as a string or bare number, so both
// `version: "1"` and `version: 1.0` normalise the same way.
func decodeVersion(node *yaml.Node) (string, error) {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return "", errors.Parse("invalid version field", err)
	}
	switch v := raw.(type) {
	case string:
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", errors.Validationf("version must be a string or number, got %T", raw)
	}
}

func decodeTasks(node *yaml.Node) ([]TaskSpec, error) {
	if node.Kind != yaml.MappingNode {
		return nil, errors.Parse("tasks must be a mapping of task id to task", nil)
	}
	seen := make(map[string]bool)
	var tasks []TaskSpec
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		value := node.Content[i+1]
		if seen[key.Value] {
			return nil, errors.Validationf("duplicate task id %q", key.Value)
		}
		seen[key.Value] = true

		var task TaskSpec
		if err := value.Decode(&task); err != nil {
			return nil, errors.Parse(fmt.Sprintf("invalid task %q", key.Value), err)
		}
		task.ID = key.Value
		if task.Name == "" {
			task.Name = task.ID
		}
		if task.Type == "" {
			task.Type = TypeCoding
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Validate checks the document's semantics: version gate, required session
// fields, task types, dependency integrity, and acyclicity. All problems are
// reported in one pass.
func (d *Document) Validate() error {
	var problems []string

	switch d.Version {
	case "":
		problems = append(problems, "version is required")
	case "1", "1.0":
	default:
		problems = append(problems, fmt.Sprintf("unsupported graph version %q (want 1 or 1.0)", d.Version))
	}

	if strings.TrimSpace(d.Session.Name) == "" {
		problems = append(problems, "session.name is required")
	}
	if d.Session.BudgetUSD != nil && *d.Session.BudgetUSD <= 0 {
		problems = append(problems, "session.budget_usd must be positive")
	}

	if len(d.Tasks) == 0 {
		problems = append(problems, "graph must declare at least one task")
	}

	ids := make(map[string]bool, len(d.Tasks))
	for _, task := range d.Tasks {
		ids[task.ID] = true
	}

	for _, task := range d.Tasks {
		if strings.TrimSpace(task.ID) == "" {
			problems = append(problems, "task id must not be empty")
			continue
		}
		if strings.TrimSpace(task.Prompt) == "" {
			problems = append(problems, fmt.Sprintf("task %q: prompt is required", task.ID))
		}
		if task.Type != "" && !taskTypes[task.Type] {
			problems = append(problems, fmt.Sprintf("task %q: unknown type %q (want one of %s)",
				task.ID, task.Type, strings.Join(TaskTypes(), ", ")))
		}
		if task.BudgetUSD != nil && *task.BudgetUSD <= 0 {
			problems = append(problems, fmt.Sprintf("task %q: budget_usd must be positive", task.ID))
		}
		depSeen := make(map[string]bool, len(task.DependsOn))
		for _, dep := range task.DependsOn {
			if dep == task.ID {
				problems = append(problems, fmt.Sprintf("task %q: depends on itself", task.ID))
				continue
			}
			if depSeen[dep] {
				problems = append(problems, fmt.Sprintf("task %q: duplicate dependency %q", task.ID, dep))
				continue
			}
			depSeen[dep] = true
			if !ids[dep] {
				problems = append(problems, fmt.Sprintf("task %q: depends on unknown task %q", task.ID, dep))
			}
		}
	}

	if len(problems) == 0 {
		if cycle := d.findCycle(); len(cycle) > 0 {
			problems = append(problems, fmt.Sprintf("dependency cycle detected among tasks: %s",
				strings.Join(cycle, ", ")))
		}
	}

	if len(problems) > 0 {
		return errors.Validation("invalid graph: " + strings.Join(problems, "; "))
	}
	return nil
}

// findCycle runs Kahn's algorithm and returns the task ids left unresolved
// when no zero-indegree task remains, i.e. the tasks involved in (or blocked
// behind) a cycle. Empty result means the graph is acyclic.
func (d *Document) findCycle() []string {
	indegree := make(map[string]int, len(d.Tasks))
	dependents := make(map[string][]string, len(d.Tasks))
	for _, task := range d.Tasks {
		indegree[task.ID] += 0
		for _, dep := range task.DependsOn {
			indegree[task.ID]++
			dependents[dep] = append(dependents[dep], task.ID)
		}
	}

	var queue []string
	for _, task := range d.Tasks {
		if indegree[task.ID] == 0 {
			queue = append(queue, task.ID)
		}
	}

	resolved := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		resolved++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if resolved == len(d.Tasks) {
		return nil
	}
	var stuck []string
	for _, task := range d.Tasks {
		if indegree[task.ID] > 0 {
			stuck = append(stuck, task.ID)
		}
	}
	return stuck
}

// TopologicalOrder returns task ids in an order that satisfies every
// dependency, preferring declaration order among unblocked tasks. The
// document must be acyclic.
func (d *Document) TopologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(d.Tasks))
	dependents := make(map[string][]string, len(d.Tasks))
	for _, task := range d.Tasks {
		indegree[task.ID] += 0
		for _, dep := range task.DependsOn {
			indegree[task.ID]++
			dependents[dep] = append(dependents[dep], task.ID)
		}
	}

	order := make([]string, 0, len(d.Tasks))
	remaining := len(d.Tasks)
	done := make(map[string]bool, len(d.Tasks))
	for remaining > 0 {
		progressed := false
		for _, task := range d.Tasks {
			if done[task.ID] || indegree[task.ID] != 0 {
				continue
			}
			done[task.ID] = true
			order = append(order, task.ID)
			remaining--
			progressed = true
			for _, next := range dependents[task.ID] {
				indegree[next]--
			}
		}
		if !progressed {
			return nil, errors.Validation("dependency cycle prevents ordering")
		}
	}
	return order, nil
}
