package adapter

import (
	"context"
	"strings"
	"time"

	"github.com/johnplanow/substrate-sub006/pkg/agentout"
)

var _ WorkerAdapter = (*MockAdapter)(nil)

// MockAdapter is a scriptable WorkerAdapter for tests. Zero value works;
// set fields or hooks to shape behaviour.
type MockAdapter struct {
	AdapterID   string
	AdapterName string
	Caps        Capabilities
	Health      HealthStatus
	HealthDelay time.Duration

	CommandFn     func(prompt string, opts CommandOptions) CommandSpec
	PlanCommandFn func(req PlanRequest, opts CommandOptions) CommandSpec
	ParseFn       func(stdout, stderr string, exitCode int) TaskResult
	ParsePlanFn   func(stdout, stderr string, exitCode int) PlanParseResult
}

func (m *MockAdapter) ID() string {
	if m.AdapterID == "" {
		return "mock"
	}
	return m.AdapterID
}

func (m *MockAdapter) Name() string {
	if m.AdapterName == "" {
		return "Mock"
	}
	return m.AdapterName
}

func (m *MockAdapter) Capabilities() Capabilities { return m.Caps }

func (m *MockAdapter) HealthCheck(ctx context.Context) HealthStatus {
	if m.HealthDelay > 0 {
		select {
		case <-time.After(m.HealthDelay):
		case <-ctx.Done():
			return HealthStatus{Error: ctx.Err().Error()}
		}
	}
	return m.Health
}

func (m *MockAdapter) BuildCommand(prompt string, opts CommandOptions) CommandSpec {
	if m.CommandFn != nil {
		return m.CommandFn(prompt, opts)
	}
	return CommandSpec{
		Binary: "mock-agent",
		Args:   []string{prompt},
		Cwd:    opts.WorkingDirectory,
	}
}

func (m *MockAdapter) BuildPlanningCommand(req PlanRequest, opts CommandOptions) CommandSpec {
	if m.PlanCommandFn != nil {
		return m.PlanCommandFn(req, opts)
	}
	return m.BuildCommand(planningPrompt(req), opts)
}

func (m *MockAdapter) ParseOutput(stdout, stderr string, exitCode int) TaskResult {
	if m.ParseFn != nil {
		return m.ParseFn(stdout, stderr, exitCode)
	}
	res := TaskResult{
		Success:  exitCode == 0,
		Output:   strings.TrimSpace(stdout),
		ExitCode: exitCode,
	}
	if !res.Success {
		res.Error = failureMessage(stderr, exitCode)
	}
	return res
}

func (m *MockAdapter) ParsePlanOutput(stdout, stderr string, exitCode int) PlanParseResult {
	if m.ParsePlanFn != nil {
		return m.ParsePlanFn(stdout, stderr, exitCode)
	}
	res := PlanParseResult{RawOutput: stdout}
	if exitCode != 0 {
		res.Error = failureMessage(stderr, exitCode)
		return res
	}
	tasks, ok := agentout.ParsePlanTasks(stdout, agentout.FlavorJSON)
	if !ok {
		res.Error = "no task list found in output"
		return res
	}
	res.Success = true
	res.Tasks = tasks
	return res
}

func (m *MockAdapter) EstimateTokens(prompt string) TokenEstimate {
	return EstimateUsage(prompt)
}
