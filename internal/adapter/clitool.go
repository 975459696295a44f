package adapter

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/johnplanow/substrate-sub006/internal/common/logger"
	"github.com/johnplanow/substrate-sub006/pkg/agentout"
)

// healthCheckTimeout caps the version probe.
const healthCheckTimeout = 10 * time.Second

var versionRe = regexp.MustCompile(`\d+\.\d+(?:\.\d+)?(?:[-+][0-9A-Za-z.-]+)?`)

// CLIToolConfig declares everything needed to drive one headless CLI tool.
// A config plus NewCLITool yields a full WorkerAdapter; per-tool Go code is
// only needed for tools whose output or spawning breaks the common shape.
type CLIToolConfig struct {
	ID          string
	DisplayName string
	Provider    string

	// Binary is resolved through PATH at health-check time.
	Binary       string
	VersionArgs  []string
	HeadlessArgs []string
	// PromptFlag precedes the prompt argument. Empty means the prompt is
	// passed positionally.
	PromptFlag string
	ModelFlag  string

	// Env is overlaid on the inherited environment after UnsetEnvKeys are
	// removed from it.
	Env          map[string]string
	UnsetEnvKeys []string
	// APIKeyEnv, when set in the host environment, marks the tool as
	// api-billable.
	APIKeyEnv string

	OutputFlavor     agentout.Flavor
	BillingModes     []BillingMode
	SupportsPlanning bool
	MaxContextTokens int
	// TaskTypes and Languages empty means unrestricted.
	TaskTypes []string
	Languages []string
}

// CLITool is the generic WorkerAdapter over a CLIToolConfig.
type CLITool struct {
	cfg CLIToolConfig
	log *logger.Logger
}

var _ WorkerAdapter = (*CLITool)(nil)

func NewCLITool(cfg CLIToolConfig, log *logger.Logger) *CLITool {
	return &CLITool{cfg: cfg, log: log}
}

func (a *CLITool) ID() string { return a.cfg.ID }

func (a *CLITool) Name() string {
	if a.cfg.DisplayName != "" {
		return a.cfg.DisplayName
	}
	return a.cfg.ID
}

func (a *CLITool) Capabilities() Capabilities {
	modes := a.cfg.BillingModes
	if len(modes) == 0 {
		modes = []BillingMode{BillingSubscription, BillingAPI}
	}
	return Capabilities{
		OutputFlavor:     a.cfg.OutputFlavor,
		BillingModes:     append([]BillingMode{}, modes...),
		SupportsPlanning: a.cfg.SupportsPlanning,
		MaxContextTokens: a.cfg.MaxContextTokens,
		TaskTypes:        append([]string{}, a.cfg.TaskTypes...),
		Languages:        append([]string{}, a.cfg.Languages...),
	}
}

// HealthCheck resolves the binary and runs its version probe. Probe
// failures come back in the status, never as a panic or error.
func (a *CLITool) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{}

	path, err := exec.LookPath(a.cfg.Binary)
	if err != nil {
		status.Error = fmt.Sprintf("%s not found in PATH", a.cfg.Binary)
		return status
	}
	status.CLIPath = path

	probeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	out, err := exec.CommandContext(probeCtx, path, a.cfg.VersionArgs...).CombinedOutput()
	if err != nil {
		status.Error = fmt.Sprintf("version probe failed: %v", err)
		return status
	}

	status.Healthy = true
	// Tools behind this adapter are always driven headless.
	status.SupportsHeadless = true
	status.Version = parseVersion(string(out))
	status.DetectedBillingModes = a.detectBillingModes()
	return status
}

func parseVersion(out string) string {
	if m := versionRe.FindString(out); m != "" {
		return m
	}
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(line)
}

// detectBillingModes resolves the billing mode for this host: an explicit
// override wins, then a configured API key marks the tool api-billable,
// otherwise the tool is assumed to run on its subscription login.
func (a *CLITool) detectBillingModes() []BillingMode {
	if v := os.Getenv(BillingModeEnv); v != "" {
		switch mode := BillingMode(v); mode {
		case BillingSubscription, BillingAPI, BillingFree:
			return []BillingMode{mode}
		default:
			a.log.Warn("ignoring unknown billing mode override",
				zap.String("adapter_id", a.cfg.ID),
				zap.String("value", v))
		}
	}
	if a.cfg.APIKeyEnv != "" && os.Getenv(a.cfg.APIKeyEnv) != "" {
		return []BillingMode{BillingAPI}
	}
	return []BillingMode{BillingSubscription}
}

func (a *CLITool) BuildCommand(prompt string, opts CommandOptions) CommandSpec {
	args := append([]string{}, a.cfg.HeadlessArgs...)
	if opts.Model != "" && a.cfg.ModelFlag != "" {
		args = append(args, a.cfg.ModelFlag, opts.Model)
	}
	args = append(args, opts.ExtraArgs...)
	if a.cfg.PromptFlag != "" {
		args = append(args, a.cfg.PromptFlag, prompt)
	} else {
		args = append(args, prompt)
	}

	env := make(map[string]string, len(a.cfg.Env))
	for k, v := range a.cfg.Env {
		env[k] = v
	}
	return CommandSpec{
		Binary:       a.cfg.Binary,
		Args:         args,
		Env:          env,
		UnsetEnvKeys: append([]string{}, a.cfg.UnsetEnvKeys...),
		Cwd:          opts.WorkingDirectory,
	}
}

func (a *CLITool) BuildPlanningCommand(req PlanRequest, opts CommandOptions) CommandSpec {
	return a.BuildCommand(planningPrompt(req), opts)
}

// ParseOutput recovers a TaskResult from whatever the tool printed.
// Success tracks the exit code; a structured report, when present, rides
// along as metadata for the review pipeline.
func (a *CLITool) ParseOutput(stdout, stderr string, exitCode int) TaskResult {
	res := TaskResult{
		Success:  exitCode == 0,
		Output:   strings.TrimSpace(stdout),
		ExitCode: exitCode,
	}
	if report, ok := agentout.ParseTaskReport(stdout, a.cfg.OutputFlavor); ok {
		res.Metadata = map[string]any{
			"tests":   report.Tests,
			"ac_met":  report.ACMet,
			"summary": report.Summary,
			"files":   report.Files,
		}
	}
	if !res.Success {
		res.Error = failureMessage(stderr, exitCode)
	}
	return res
}

func (a *CLITool) ParsePlanOutput(stdout, stderr string, exitCode int) PlanParseResult {
	res := PlanParseResult{RawOutput: stdout}
	if exitCode != 0 {
		res.Error = failureMessage(stderr, exitCode)
		return res
	}
	tasks, ok := agentout.ParsePlanTasks(stdout, a.cfg.OutputFlavor)
	if !ok {
		res.Error = "no task list found in output"
		return res
	}
	res.Success = true
	res.Tasks = tasks
	return res
}

func (a *CLITool) EstimateTokens(prompt string) TokenEstimate {
	return EstimateUsage(prompt)
}

// failureMessage keeps the tail of stderr; tools print the useful part last.
func failureMessage(stderr string, exitCode int) string {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		return fmt.Sprintf("exited with code %d", exitCode)
	}
	const max = 2000
	if len(msg) > max {
		msg = msg[len(msg)-max:]
	}
	return msg
}

func planningPrompt(req PlanRequest) string {
	maxTasks := req.MaxTasks
	if maxTasks <= 0 {
		maxTasks = 12
	}

	var b strings.Builder
	b.WriteString("Decompose the objective below into small, reviewable development tasks.\n\n")
	b.WriteString("Objective:\n")
	b.WriteString(strings.TrimSpace(req.Objective))
	b.WriteString("\n")
	if ctx := strings.TrimSpace(req.Context); ctx != "" {
		b.WriteString("\nContext:\n")
		b.WriteString(ctx)
		b.WriteString("\n")
	}
	b.WriteString("\nRespond with exactly one JSON object of this shape:\n")
	b.WriteString(`{"tasks": [{"id": "short-slug", "name": "...", "prompt": "...", "type": "coding", "depends_on": []}]}`)
	b.WriteString("\n")
	fmt.Fprintf(&b, "Use at most %d tasks. Every id must be unique, every depends_on entry must name another task, and every prompt must be self-contained.\n", maxTasks)
	return b.String()
}
