// Package adapter abstracts external CLI coding agents behind a uniform
// contract. Each adapter knows how to probe its tool, build headless
// invocations, and recover a structured result from whatever the tool
// prints. The scheduler never learns which tool is serving a task.
package adapter

import (
	"context"

	"github.com/johnplanow/substrate-sub006/pkg/agentout"
)

// BillingModeEnv overrides billing-mode detection for every adapter.
// Accepted values are subscription, api and free.
const BillingModeEnv = "ADT_BILLING_MODE"

// BillingMode names how an invocation of the underlying tool is paid for.
type BillingMode string

const (
	BillingSubscription BillingMode = "subscription"
	BillingAPI          BillingMode = "api"
	BillingFree         BillingMode = "free"
)

// Capabilities describes what a tool can do, as reported by its adapter.
type Capabilities struct {
	OutputFlavor      agentout.Flavor
	SupportsStreaming bool
	BillingModes      []BillingMode
	SupportsPlanning  bool
	MaxContextTokens  int
	TaskTypes         []string
	Languages         []string
}

// HealthStatus is the outcome of probing an adapter's tool. A failed probe
// is reported here, never as an error.
type HealthStatus struct {
	Healthy              bool
	Version              string
	DetectedBillingModes []BillingMode
	SupportsHeadless     bool
	CLIPath              string
	Error                string
}

// CommandSpec is the spawn recipe for one invocation. UnsetEnvKeys names
// inherited environment variables that must be removed before Env is
// applied; some tools refuse to run when they detect their own host
// session in the environment.
type CommandSpec struct {
	Binary       string
	Args         []string
	Env          map[string]string
	UnsetEnvKeys []string
	Cwd          string
}

// CommandOptions tune a single invocation.
type CommandOptions struct {
	Model            string
	WorkingDirectory string
	BillingMode      BillingMode
	ExtraArgs        []string
}

// PlanRequest asks an adapter to decompose an objective into tasks.
type PlanRequest struct {
	Objective string
	Context   string
	MaxTasks  int
}

// TaskResult is the parsed outcome of a finished invocation.
type TaskResult struct {
	Success  bool
	Output   string
	Error    string
	ExitCode int
	Metadata map[string]any
}

// PlanParseResult is the parsed outcome of a planning invocation.
type PlanParseResult struct {
	Success   bool
	Tasks     []agentout.PlannedTask
	Error     string
	RawOutput string
}

// TokenEstimate predicts token spend for a prompt before dispatch.
type TokenEstimate struct {
	Input  int
	Output int
	Total  int
}

// WorkerAdapter is the contract every CLI tool integration implements.
type WorkerAdapter interface {
	// --- Identity ---
	ID() string
	Name() string

	// --- Capabilities ---
	Capabilities() Capabilities

	// --- Discovery ---
	// HealthCheck probes the tool (typically <binary> --version) with a
	// bounded timeout. It must not fail; probe errors are captured in the
	// returned status.
	HealthCheck(ctx context.Context) HealthStatus

	// --- Execution ---
	BuildCommand(prompt string, opts CommandOptions) CommandSpec
	BuildPlanningCommand(req PlanRequest, opts CommandOptions) CommandSpec

	// --- Output ---
	// ParseOutput and ParsePlanOutput must tolerate arbitrary tool output;
	// malformed output yields a result with Success false, not a panic.
	ParseOutput(stdout, stderr string, exitCode int) TaskResult
	ParsePlanOutput(stdout, stderr string, exitCode int) PlanParseResult

	// --- Budgeting ---
	EstimateTokens(prompt string) TokenEstimate
}
