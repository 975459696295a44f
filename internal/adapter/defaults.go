package adapter

import (
	"github.com/johnplanow/substrate-sub006/internal/common/logger"
	"github.com/johnplanow/substrate-sub006/pkg/agentout"
)

// DefaultConfigs returns the built-in CLI tool configurations. Discovery
// probes each one and registers whatever is actually installed; nothing
// here assumes a tool is present.
func DefaultConfigs() []CLIToolConfig {
	return []CLIToolConfig{
		{
			ID:          "claude-code",
			DisplayName: "Claude Code",
			Provider:    "anthropic",
			Binary:      "claude",
			VersionArgs: []string{"--version"},
			// Print mode with a JSON envelope; permissions are granted up
			// front so the run never blocks on a prompt.
			HeadlessArgs: []string{"-p", "--output-format", "json", "--dangerously-skip-permissions"},
			ModelFlag:    "--model",
			// The tool refuses nested invocations when it sees its own
			// session markers in the environment.
			UnsetEnvKeys:     []string{"CLAUDECODE", "CLAUDE_CODE_SSE_PORT"},
			APIKeyEnv:        "ANTHROPIC_API_KEY",
			OutputFlavor:     agentout.FlavorJSON,
			BillingModes:     []BillingMode{BillingSubscription, BillingAPI},
			SupportsPlanning: true,
			MaxContextTokens: 200_000,
		},
		{
			ID:               "codex-cli",
			DisplayName:      "Codex CLI",
			Provider:         "openai",
			Binary:           "codex",
			VersionArgs:      []string{"--version"},
			HeadlessArgs:     []string{"exec", "--full-auto"},
			ModelFlag:        "-m",
			APIKeyEnv:        "OPENAI_API_KEY",
			OutputFlavor:     agentout.FlavorJSON,
			BillingModes:     []BillingMode{BillingSubscription, BillingAPI},
			SupportsPlanning: true,
			MaxContextTokens: 200_000,
		},
		{
			ID:               "gemini-cli",
			DisplayName:      "Gemini CLI",
			Provider:         "google",
			Binary:           "gemini",
			VersionArgs:      []string{"--version"},
			HeadlessArgs:     []string{"--yolo"},
			PromptFlag:       "-p",
			ModelFlag:        "-m",
			APIKeyEnv:        "GEMINI_API_KEY",
			OutputFlavor:     agentout.FlavorJSON,
			BillingModes:     []BillingMode{BillingFree, BillingAPI},
			MaxContextTokens: 1_000_000,
		},
		{
			ID:               "sim-agent",
			DisplayName:      "Substrate Sim Agent",
			Provider:         "substrate",
			Binary:           "substrate-sim-agent",
			VersionArgs:      []string{"--version"},
			PromptFlag:       "-p",
			OutputFlavor:     agentout.FlavorJSON,
			BillingModes:     []BillingMode{BillingFree},
			MaxContextTokens: 32_000,
		},
	}
}

// DefaultCandidates instantiates the built-in configurations as adapters,
// ready to hand to Registry.Discover.
func DefaultCandidates(log *logger.Logger) []WorkerAdapter {
	configs := DefaultConfigs()
	out := make([]WorkerAdapter, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, NewCLITool(cfg, log))
	}
	return out
}
