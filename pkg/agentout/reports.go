package agentout

import "strings"

// Review verdicts a code-review agent may return.
const (
	VerdictShipIt      = "SHIP_IT"
	VerdictMinorFixes  = "NEEDS_MINOR_FIXES"
	VerdictMajorRework = "NEEDS_MAJOR_REWORK"
)

// TaskReport is the structured block a dev/fix/rework task prints when it
// finishes: test outcome, which acceptance criteria it met, and what it
// touched.
type TaskReport struct {
	Tests   string   `json:"tests"`
	ACMet   []string `json:"ac_met"`
	Summary string   `json:"summary"`
	Files   []string `json:"files"`
}

// RecoveredTaskReport synthesises the minimal report used when the agent did
// real work but never printed its output block.
func RecoveredTaskReport(files []string) *TaskReport {
	return &TaskReport{Tests: "fail", ACMet: []string{}, Files: files}
}

// ParseTaskReport extracts a task's structured report from its stdout.
func ParseTaskReport(text string, flavor Flavor) (*TaskReport, bool) {
	m, ok := Extract(text, flavor, "tests")
	if !ok {
		return nil, false
	}
	return TaskReportFromBlock(m)
}

// TaskReportFromBlock decodes a block that was already extracted, such as a
// dispatch result's parsed payload.
func TaskReportFromBlock(m map[string]any) (*TaskReport, bool) {
	if _, ok := m["tests"]; !ok {
		return nil, false
	}
	var report TaskReport
	if !decodeInto(m, &report) {
		return nil, false
	}
	report.Tests = strings.ToLower(strings.TrimSpace(report.Tests))
	if report.ACMet == nil {
		report.ACMet = []string{}
	}
	return &report, true
}

// ReviewVerdict is the structured block a review task prints.
type ReviewVerdict struct {
	Verdict string   `json:"verdict"`
	Issues  []string `json:"issues"`
	Notes   string   `json:"notes"`
}

// Known reports whether the verdict is one of the three the pipeline acts on.
func (v *ReviewVerdict) Known() bool {
	switch v.Verdict {
	case VerdictShipIt, VerdictMinorFixes, VerdictMajorRework:
		return true
	}
	return false
}

// ParseReviewVerdict extracts a review verdict from stdout. The verdict
// string is normalised (case, spaces, hyphens) but not validated; callers
// check Known and decide what an unrecognised verdict means.
func ParseReviewVerdict(text string, flavor Flavor) (*ReviewVerdict, bool) {
	m, ok := Extract(text, flavor, "verdict")
	if !ok {
		return nil, false
	}
	return ReviewVerdictFromBlock(m)
}

// ReviewVerdictFromBlock decodes an already-extracted block into a verdict.
func ReviewVerdictFromBlock(m map[string]any) (*ReviewVerdict, bool) {
	if _, ok := m["verdict"]; !ok {
		return nil, false
	}
	var verdict ReviewVerdict
	if !decodeInto(m, &verdict) {
		return nil, false
	}
	verdict.Verdict = normaliseVerdict(verdict.Verdict)
	if verdict.Issues == nil {
		verdict.Issues = []string{}
	}
	return &verdict, true
}

func normaliseVerdict(raw string) string {
	v := strings.ToUpper(strings.TrimSpace(raw))
	v = strings.ReplaceAll(v, " ", "_")
	v = strings.ReplaceAll(v, "-", "_")
	return v
}

// PlannedTask is one task in a planning agent's proposed graph.
type PlannedTask struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Prompt    string   `json:"prompt"`
	Type      string   `json:"type"`
	DependsOn []string `json:"depends_on"`
}

// ParsePlanTasks extracts the task list from a planning dispatch's stdout.
// The block's shape is {"tasks": [...]}.
func ParsePlanTasks(text string, flavor Flavor) ([]PlannedTask, bool) {
	m, ok := Extract(text, flavor, "tasks")
	if !ok {
		return nil, false
	}
	var wrapper struct {
		Tasks []PlannedTask `json:"tasks"`
	}
	if !decodeInto(m, &wrapper) {
		return nil, false
	}
	if len(wrapper.Tasks) == 0 {
		return nil, false
	}
	return wrapper.Tasks, true
}
