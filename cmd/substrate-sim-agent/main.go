// Package main implements substrate-sim-agent, a stand-in coding agent for
// pipeline testing. It accepts the same headless calling convention as the
// real tools, pretends to work for a moment, and prints the structured
// report block the pipeline parses. Runs that should fail or take time are
// driven by flags, or by environment variables when the caller cannot add
// flags.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const version = "0.3.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("substrate-sim-agent", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		prompt      = fs.String("p", "", "prompt text (reads stdin when empty)")
		showVersion = fs.Bool("version", false, "print the version and exit")
		fail        = fs.Bool("fail", false, "simulate a failed run")
		sleep       = fs.Duration("sleep", 0, "simulate work for this long")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Fprintf(stdout, "substrate-sim-agent %s\n", version)
		return 0
	}

	if !*fail {
		*fail = os.Getenv("SUBSTRATE_SIM_FAIL") != ""
	}
	if *sleep == 0 {
		if v := os.Getenv("SUBSTRATE_SIM_SLEEP"); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*sleep = d
			}
		}
	}

	text := *prompt
	if text == "" {
		raw, err := io.ReadAll(stdin)
		if err != nil {
			fmt.Fprintf(stderr, "substrate-sim-agent: read prompt: %v\n", err)
			return 1
		}
		text = string(raw)
	}
	if strings.TrimSpace(text) == "" {
		fmt.Fprintln(stderr, "substrate-sim-agent: empty prompt")
		return 2
	}

	if *sleep > 0 {
		time.Sleep(*sleep)
	}

	if *fail {
		fmt.Fprintln(stdout, "Attempted the task but the build did not converge.")
		fmt.Fprintln(stderr, "simulated failure requested")
		return 1
	}

	summary := summarize(text)
	if wantsVerdict(text) {
		fmt.Fprintf(stdout, "Reviewed: %s\n\nThe implementation matches the acceptance criteria.\n\n", summary)
		fmt.Fprintln(stdout, "```json")
		fmt.Fprintln(stdout, `{"verdict": "SHIP_IT", "issues": [], "notes": "simulated review"}`)
		fmt.Fprintln(stdout, "```")
		return 0
	}

	fmt.Fprintf(stdout, "Worked on: %s\n\nAll acceptance criteria addressed; tests pass locally.\n\n", summary)
	fmt.Fprintln(stdout, "```json")
	fmt.Fprintf(stdout, "{\"tests\": \"pass\", \"ac_met\": [\"simulated\"], \"summary\": %q, \"files\": [\"README.md\"]}\n", summary)
	fmt.Fprintln(stdout, "```")
	return 0
}

// wantsVerdict detects review prompts by their output contract, so graphs
// mixing coding and review tasks get plausible output for both.
func wantsVerdict(prompt string) bool {
	return strings.Contains(prompt, `"verdict"`)
}

// summarize keeps the first line of the prompt, clipped.
func summarize(prompt string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(prompt), "\n")
	if len(line) > 80 {
		line = line[:77] + "..."
	}
	return line
}
