package agentout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFirstBlockWithRequiredKeys(t *testing.T) {
	text := `[INFO] starting agent
{"progress": 10}
working...
{"tests": "pass", "ac_met": ["AC1"]}
{"tests": "fail"}
done`
	m, ok := Extract(text, FlavorJSON, "tests")
	require.True(t, ok)
	assert.Equal(t, "pass", m["tests"])
}

func TestExtractSkipsBlocksMissingKeys(t *testing.T) {
	text := `{"other": 1} {"verdict": "SHIP_IT", "issues": []}`
	m, ok := Extract(text, FlavorJSON, "verdict")
	require.True(t, ok)
	assert.Equal(t, "SHIP_IT", m["verdict"])
}

func TestExtractFindsNestedObject(t *testing.T) {
	text := `{"wrapper": {"tests": "pass", "ac_met": []}}`
	m, ok := Extract(text, FlavorJSON, "tests")
	require.True(t, ok)
	assert.Equal(t, "pass", m["tests"])
}

func TestExtractPrefersFencedBlock(t *testing.T) {
	text := "Some chatter {\"tests\": \"fail\"} more chatter\n" +
		"```json\n{\"tests\": \"pass\"}\n```\n"
	m, ok := Extract(text, FlavorJSON, "tests")
	require.True(t, ok)
	assert.Equal(t, "pass", m["tests"])
}

func TestExtractRepairsDamagedJSON(t *testing.T) {
	text := `result follows: {"tests": "pass", "ac_met": ["AC1",],}`
	m, ok := Extract(text, FlavorJSON, "tests")
	require.True(t, ok)
	assert.Equal(t, "pass", m["tests"])
}

func TestExtractIgnoresBracesInsideStrings(t *testing.T) {
	text := `{"summary": "use fmt.Sprintf(\"{%d}\", n)", "tests": "pass"}`
	m, ok := Extract(text, FlavorJSON, "tests")
	require.True(t, ok)
	assert.Equal(t, "pass", m["tests"])
}

func TestExtractNoBlock(t *testing.T) {
	_, ok := Extract("no structured output here", FlavorJSON, "tests")
	assert.False(t, ok)

	_, ok = Extract(`{"unbalanced": `, FlavorJSON, "unbalanced")
	assert.False(t, ok)
}

func TestExtractYAMLFenced(t *testing.T) {
	text := "agent log line\n```yaml\ntests: pass\nac_met:\n  - AC1\n```\n"
	m, ok := Extract(text, FlavorYAML, "tests")
	require.True(t, ok)
	assert.Equal(t, "pass", m["tests"])
}

func TestExtractYAMLWholeText(t *testing.T) {
	text := "tests: fail\nac_met: []\nsummary: partial work\n"
	m, ok := Extract(text, FlavorYAML, "tests")
	require.True(t, ok)
	assert.Equal(t, "fail", m["tests"])
}

func TestExtractYAMLFallsBackToJSON(t *testing.T) {
	text := `log noise {"tests": "pass", "ac_met": []}`
	m, ok := Extract(text, FlavorYAML, "tests")
	require.True(t, ok)
	assert.Equal(t, "pass", m["tests"])
}

func TestParseTaskReport(t *testing.T) {
	report, ok := ParseTaskReport(`{"tests": "PASS", "ac_met": ["AC1", "AC2"], "summary": "done"}`, FlavorJSON)
	require.True(t, ok)
	assert.Equal(t, "pass", report.Tests)
	assert.Equal(t, []string{"AC1", "AC2"}, report.ACMet)
	assert.Equal(t, "done", report.Summary)

	report, ok = ParseTaskReport(`{"tests": "fail"}`, FlavorJSON)
	require.True(t, ok)
	assert.NotNil(t, report.ACMet)
	assert.Empty(t, report.ACMet)

	_, ok = ParseTaskReport("nothing structured", FlavorJSON)
	assert.False(t, ok)
}

func TestRecoveredTaskReport(t *testing.T) {
	report := RecoveredTaskReport([]string{"a.go", "b.go"})
	assert.Equal(t, "fail", report.Tests)
	assert.Empty(t, report.ACMet)
	assert.Equal(t, []string{"a.go", "b.go"}, report.Files)
}

func TestParseReviewVerdict(t *testing.T) {
	verdict, ok := ParseReviewVerdict(`{"verdict": "ship it", "issues": []}`, FlavorJSON)
	require.True(t, ok)
	assert.Equal(t, VerdictShipIt, verdict.Verdict)
	assert.True(t, verdict.Known())

	verdict, ok = ParseReviewVerdict(`{"verdict": "needs-minor-fixes", "issues": ["naming"]}`, FlavorJSON)
	require.True(t, ok)
	assert.Equal(t, VerdictMinorFixes, verdict.Verdict)
	assert.Equal(t, []string{"naming"}, verdict.Issues)

	verdict, ok = ParseReviewVerdict(`{"verdict": "LGTM"}`, FlavorJSON)
	require.True(t, ok)
	assert.False(t, verdict.Known())
}

func TestParsePlanTasks(t *testing.T) {
	text := `Here is the plan:
{"tasks": [
  {"id": "a", "name": "parser", "prompt": "build it", "type": "coding"},
  {"id": "b", "prompt": "test it", "type": "testing", "depends_on": ["a"]}
]}`
	tasks, ok := ParsePlanTasks(text, FlavorJSON)
	require.True(t, ok)
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].ID)
	assert.Equal(t, []string{"a"}, tasks[1].DependsOn)

	_, ok = ParsePlanTasks(`{"tasks": []}`, FlavorJSON)
	assert.False(t, ok)
}
