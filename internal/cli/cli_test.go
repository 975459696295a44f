package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/johnplanow/substrate-sub006/internal/adapter"
	"github.com/johnplanow/substrate-sub006/internal/common/logger"
	"github.com/johnplanow/substrate-sub006/internal/store"
)

type cliFixture struct {
	app    *App
	stdout *bytes.Buffer
	stderr *bytes.Buffer
	dir    string
	cfgDir string
	dbPath string
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "conf")
	require.NoError(t, os.MkdirAll(cfgDir, 0o755))

	dbPath := filepath.Join(dir, "state.db")
	cfgYAML := fmt.Sprintf("database:\n  path: %s\nworktree:\n  root: %s\nlogging:\n  level: error\n",
		dbPath, filepath.Join(dir, "worktrees"))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "substrate.yaml"), []byte(cfgYAML), 0o644))

	f := &cliFixture{
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
		dir:    dir,
		cfgDir: cfgDir,
		dbPath: dbPath,
	}
	f.app = &App{stdout: f.stdout, stderr: f.stderr, candidates: noCandidates}
	return f
}

func noCandidates(*logger.Logger) []adapter.WorkerAdapter { return nil }

func (f *cliFixture) run(t *testing.T, args ...string) int {
	t.Helper()
	f.stdout.Reset()
	f.stderr.Reset()
	full := append([]string{"--config", f.cfgDir}, args...)
	return f.app.Execute(context.Background(), full)
}

func (f *cliFixture) writeGraph(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (f *cliFixture) openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), f.dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func (f *cliFixture) seedSession(t *testing.T, status string) string {
	t.Helper()
	st := f.openStore(t)
	sess := &store.Session{Name: "seeded", GraphSource: "seed.yaml", BaseBranch: "main"}
	require.NoError(t, st.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.CreateSession(context.Background(), sess)
	}))
	if status != "" && status != sess.Status {
		require.NoError(t, st.UpdateSessionStatus(context.Background(), sess.ID, status))
	}
	return sess.ID
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (f *cliFixture) frames(t *testing.T) []frame {
	t.Helper()
	var out []frame
	for _, line := range strings.Split(strings.TrimSpace(f.stdout.String()), "\n") {
		if line == "" {
			continue
		}
		var fr frame
		require.NoError(t, json.Unmarshal([]byte(line), &fr), "line %q", line)
		out = append(out, fr)
	}
	return out
}

func frameEvents(frames []frame) []string {
	events := make([]string, len(frames))
	for i, fr := range frames {
		events[i] = fr.Event
	}
	return events
}

const validGraph = `version: "1"
session:
  name: smoke
  base_branch: main
tasks:
  a:
    prompt: build the thing
    type: coding
    agent: mock
  b:
    prompt: test the thing
    type: testing
    agent: mock
    depends_on: [a]
`

const cyclicGraph = `version: "1"
session:
  name: broken
tasks:
  a:
    prompt: a
    depends_on: [b]
  b:
    prompt: b
    depends_on: [a]
`

func TestPlanValidate(t *testing.T) {
	f := newCLIFixture(t)

	good := f.writeGraph(t, "good.yaml", validGraph)
	require.Equal(t, 0, f.run(t, "plan", "validate", good))
	require.Contains(t, f.stdout.String(), "valid (2 tasks)")

	bad := f.writeGraph(t, "bad.yaml", cyclicGraph)
	require.Equal(t, 2, f.run(t, "plan", "validate", bad))
	require.Contains(t, f.stderr.String(), "cycle")
}

func TestPlanValidateErrorEnvelopeInJSONMode(t *testing.T) {
	f := newCLIFixture(t)
	bad := f.writeGraph(t, "bad.yaml", cyclicGraph)

	require.Equal(t, 2, f.run(t, "--output-format", "json", "plan", "validate", bad))
	frames := f.frames(t)
	require.Equal(t, []string{"validate:error"}, frameEvents(frames))
	var payload errorPayload
	require.NoError(t, json.Unmarshal(frames[0].Data, &payload))
	require.Equal(t, "VALIDATION", payload.Kind)
	require.NotEmpty(t, f.stderr.String())
}

func TestPlanSaveShowDiffRollback(t *testing.T) {
	f := newCLIFixture(t)
	graphV1 := f.writeGraph(t, "plan.yaml", validGraph)

	require.Equal(t, 0, f.run(t, "plan", "save", "release", graphV1))
	require.Contains(t, f.stdout.String(), "version 1")

	v2 := strings.Replace(validGraph, "build the thing", "build the thing carefully", 1)
	graphV2 := f.writeGraph(t, "plan.yaml", v2)
	require.Equal(t, 0, f.run(t, "plan", "save", "release", "--note", "tighten wording", graphV2))
	require.Contains(t, f.stdout.String(), "version 2")

	// resolve the plan id through list
	require.Equal(t, 0, f.run(t, "--output-format", "json", "plan", "list"))
	frames := f.frames(t)
	require.Equal(t, []string{"plans:list"}, frameEvents(frames))
	var plans []store.Plan
	require.NoError(t, json.Unmarshal(frames[0].Data, &plans))
	require.Len(t, plans, 1)
	require.Equal(t, "release", plans[0].Name)
	require.Equal(t, 2, plans[0].LatestVersion)
	planID := plans[0].ID

	require.Equal(t, 0, f.run(t, "plan", "show", planID, "--version", "1"))
	require.Contains(t, f.stdout.String(), "build the thing\n")
	require.NotContains(t, f.stdout.String(), "carefully")

	require.Equal(t, 0, f.run(t, "plan", "diff", planID, "1", "2"))
	diff := f.stdout.String()
	require.Contains(t, diff, "-    prompt: build the thing")
	require.Contains(t, diff, "+    prompt: build the thing carefully")

	require.Equal(t, 0, f.run(t, "plan", "rollback", planID, "1"))
	require.Contains(t, f.stdout.String(), "now version 3")

	require.Equal(t, 0, f.run(t, "plan", "show", planID))
	require.NotContains(t, f.stdout.String(), "carefully")

	// identical versions diff to nothing
	require.Equal(t, 0, f.run(t, "plan", "diff", planID, "1", "3"))
	require.Contains(t, f.stdout.String(), "identical")
}

func TestPlanSaveRejectsInvalidGraph(t *testing.T) {
	f := newCLIFixture(t)
	bad := f.writeGraph(t, "bad.yaml", cyclicGraph)
	require.Equal(t, 2, f.run(t, "plan", "save", "broken", bad))

	st := f.openStore(t)
	plans, err := st.ListPlans(context.Background())
	require.NoError(t, err)
	require.Empty(t, plans)
}

func TestPlanDiffRejectsBadVersion(t *testing.T) {
	f := newCLIFixture(t)
	require.Equal(t, 2, f.run(t, "plan", "diff", "some-plan", "one", "2"))
	require.Contains(t, f.stderr.String(), "invalid version")
}

func TestSignalCommandsEnqueue(t *testing.T) {
	f := newCLIFixture(t)
	sessionID := f.seedSession(t, "")

	require.Equal(t, 0, f.run(t, "pause", sessionID))
	require.Contains(t, f.stdout.String(), "pause queued")
	require.Equal(t, 0, f.run(t, "resume", sessionID))
	require.Equal(t, 0, f.run(t, "cancel", sessionID))

	st := f.openStore(t)
	signals, err := st.UnprocessedSignals(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, signals, 3)
	require.Equal(t, store.SignalPause, signals[0].Signal)
	require.Equal(t, store.SignalResume, signals[1].Signal)
	require.Equal(t, store.SignalCancel, signals[2].Signal)
}

func TestSignalCommandEmitsEnvelope(t *testing.T) {
	f := newCLIFixture(t)
	sessionID := f.seedSession(t, "")

	require.Equal(t, 0, f.run(t, "--output-format", "json", "pause", sessionID))
	frames := f.frames(t)
	require.Equal(t, []string{"session:pause:queued"}, frameEvents(frames))
	var payload struct {
		SessionID string `json:"session_id"`
		Signal    string `json:"signal"`
	}
	require.NoError(t, json.Unmarshal(frames[0].Data, &payload))
	require.Equal(t, sessionID, payload.SessionID)
	require.Equal(t, store.SignalPause, payload.Signal)
}

func TestSignalCommandErrors(t *testing.T) {
	f := newCLIFixture(t)

	// unknown session
	require.Equal(t, 2, f.run(t, "pause", "no-such-session"))
	require.Contains(t, f.stderr.String(), "not found")

	// terminal session rejects signals
	done := f.seedSession(t, store.SessionComplete)
	require.Equal(t, 2, f.run(t, "cancel", done))
	require.Contains(t, f.stderr.String(), "already complete")

	// missing argument
	require.Equal(t, 2, f.run(t, "pause"))
	require.Contains(t, f.stderr.String(), "usage: substrate pause")
}

func TestAdaptersList(t *testing.T) {
	f := newCLIFixture(t)

	require.Equal(t, 0, f.run(t, "adapters", "list"))
	out := f.stdout.String()
	require.Contains(t, out, "claude-code")
	require.Contains(t, out, "codex-cli")
	require.Contains(t, out, "gemini-cli")
	require.Contains(t, out, "sim-agent")

	require.Equal(t, 0, f.run(t, "--output-format", "json", "adapters", "list"))
	frames := f.frames(t)
	require.Equal(t, []string{"adapters:list"}, frameEvents(frames))
}

func TestAdaptersCheck(t *testing.T) {
	f := newCLIFixture(t)
	f.app.candidates = func(*logger.Logger) []adapter.WorkerAdapter {
		return []adapter.WorkerAdapter{
			&adapter.MockAdapter{AdapterID: "healthy-agent", Health: adapter.HealthStatus{
				Healthy:              true,
				Version:              "2.1.0",
				CLIPath:              "/usr/bin/healthy-agent",
				DetectedBillingModes: []adapter.BillingMode{adapter.BillingAPI},
			}},
			&adapter.MockAdapter{AdapterID: "broken-agent", Health: adapter.HealthStatus{
				Error: "binary not found in PATH",
			}},
		}
	}

	require.Equal(t, 0, f.run(t, "adapters", "check"))
	out := f.stdout.String()
	require.Contains(t, out, "healthy-agent")
	require.Contains(t, out, "2.1.0")
	require.Contains(t, out, "binary not found in PATH")
	require.Contains(t, out, "1 of 2 adapters available")

	require.Equal(t, 0, f.run(t, "--output-format", "json", "adapters", "check"))
	frames := f.frames(t)
	require.Equal(t, []string{"adapter:checked", "adapter:checked", "adapters:check:done"}, frameEvents(frames))
}

func TestCostCommand(t *testing.T) {
	f := newCLIFixture(t)

	require.Equal(t, 0, f.run(t, "cost"))
	require.Contains(t, f.stdout.String(), "TOTAL")

	require.Equal(t, 0, f.run(t, "--output-format", "csv", "cost", "--by-agent"))
	require.Contains(t, f.stdout.String(), "agent")

	require.Equal(t, 2, f.run(t, "cost", "--by-task", "--by-agent"))
	require.Contains(t, f.stderr.String(), "at most one")
}

func TestStartArgValidation(t *testing.T) {
	f := newCLIFixture(t)

	require.Equal(t, 2, f.run(t, "start"))
	require.Contains(t, f.stderr.String(), "graph file or --session")

	graph := f.writeGraph(t, "g.yaml", validGraph)
	require.Equal(t, 2, f.run(t, "start", graph, "--session", "some-id"))
	require.Contains(t, f.stderr.String(), "not both")
}

func TestStartWithoutAgentsFails(t *testing.T) {
	f := newCLIFixture(t)
	graph := f.writeGraph(t, "g.yaml", validGraph)

	require.Equal(t, 1, f.run(t, "start", graph))
	require.Contains(t, f.stderr.String(), "no usable coding agents")
}

func TestRootRejectsUnknownOutputFormat(t *testing.T) {
	f := newCLIFixture(t)
	require.Equal(t, 2, f.run(t, "--output-format", "xml", "adapters", "list"))
	require.Contains(t, f.stderr.String(), "unknown output format")
}

func TestUnknownFlagIsValidationError(t *testing.T) {
	f := newCLIFixture(t)
	require.Equal(t, 2, f.run(t, "adapters", "list", "--frobnicate"))
}
