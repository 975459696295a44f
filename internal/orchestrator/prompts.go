package orchestrator

import (
	"fmt"
	"strings"

	"github.com/johnplanow/substrate-sub006/pkg/agentout"
)

// reportContract is appended to every implementation prompt so the agent
// prints a machine-readable result the pipeline can act on.
const reportContract = `When you are finished, print a json code block with exactly these keys:
{"tests": "pass" or "fail", "ac_met": ["acceptance criteria you satisfied"], "summary": "one paragraph on what you did", "files": ["files you changed"]}`

// verdictContract is the review counterpart of reportContract.
const verdictContract = `Finish with a json code block with exactly these keys:
{"verdict": "SHIP_IT" or "NEEDS_MINOR_FIXES" or "NEEDS_MAJOR_REWORK", "issues": ["concrete problems, empty when shipping"], "notes": "reviewer remarks"}`

func createPrompt(rec *StoryRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Prepare story %s: %s.\n\n", rec.ID, rec.Title)
	writeBrief(&b, rec)
	fmt.Fprintf(&b, "Write the story specification to docs/stories/%s.md covering context, scope, the acceptance criteria above, and a short implementation outline. Do not write production code in this step.\n", rec.ID)
	return b.String()
}

func devPrompt(rec *StoryRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement story %s: %s.\n\n", rec.ID, rec.Title)
	writeBrief(&b, rec)
	fmt.Fprintf(&b, "The story specification is in docs/stories/%s.md. Implement it, write tests, and run them before reporting.\n\n", rec.ID)
	b.WriteString(reportContract)
	return b.String()
}

func fixPrompt(rec *StoryRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Code review of story %s (%s) requested minor fixes.\n\n", rec.ID, rec.Title)
	writeIssues(&b, rec.Issues)
	b.WriteString("Address every issue listed above, rerun the tests, and keep the changes minimal.\n\n")
	b.WriteString(reportContract)
	return b.String()
}

func reworkPrompt(rec *StoryRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Code review of story %s (%s) requires major rework.\n\n", rec.ID, rec.Title)
	writeIssues(&b, rec.Issues)
	writeBrief(&b, rec)
	b.WriteString("Rework the implementation until the issues are resolved and the acceptance criteria hold, then rerun the tests.\n\n")
	b.WriteString(reportContract)
	return b.String()
}

func reviewPrompt(rec *StoryRecord, report *agentout.TaskReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the implementation of story %s: %s.\n\n", rec.ID, rec.Title)
	writeBrief(&b, rec)
	fmt.Fprintf(&b, "Reported test outcome: %s\n", report.Tests)
	if len(report.ACMet) > 0 {
		fmt.Fprintf(&b, "Acceptance criteria the implementer claims are met: %s\n", strings.Join(report.ACMet, "; "))
	}
	if report.Summary != "" {
		fmt.Fprintf(&b, "Implementer summary: %s\n", report.Summary)
	}
	if len(report.Files) > 0 {
		b.WriteString("Changed files:\n")
		for _, f := range report.Files {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	b.WriteString("\nVerify the claims against the code and the acceptance criteria. Run the tests yourself.\n\n")
	b.WriteString(verdictContract)
	return b.String()
}

func writeBrief(b *strings.Builder, rec *StoryRecord) {
	if rec.Description != "" {
		b.WriteString(rec.Description)
		b.WriteString("\n\n")
	}
	if len(rec.AcceptanceCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, ac := range rec.AcceptanceCriteria {
			fmt.Fprintf(b, "- %s\n", ac)
		}
		b.WriteString("\n")
	}
}

func writeIssues(b *strings.Builder, issues []string) {
	if len(issues) == 0 {
		return
	}
	b.WriteString("Review issues:\n")
	for _, issue := range issues {
		fmt.Fprintf(b, "- %s\n", issue)
	}
	b.WriteString("\n")
}
