package scheduler

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/BaSui01/stepflow/types"
)

// workflowStatusPrefix is the freeform-text sentinel some providers emit in
// place of structured output. It is parsed here, at the text boundary, and
// nowhere else.
const workflowStatusPrefix = "WORKFLOW_STATUS:"

// ParseWorkflowStatus extracts a self-reported outcome from step output:
// either a workflow_status field in structured JSON output or a
// WORKFLOW_STATUS sentinel line in freeform text.
func ParseWorkflowStatus(output string) (types.Outcome, bool) {
	if gjson.Valid(output) {
		if v := gjson.Get(output, "workflow_status"); v.Exists() {
			return outcomeFromStatus(v.String())
		}
	}
	for _, line := range strings.Split(output, "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), workflowStatusPrefix); ok {
			return outcomeFromStatus(rest)
		}
	}
	return "", false
}

func outcomeFromStatus(s string) (types.Outcome, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PASS":
		return types.OutcomePass, true
	case "FAIL":
		return types.OutcomeFail, true
	case "NEUTRAL":
		return types.OutcomeNeutral, true
	default:
		return "", false
	}
}
