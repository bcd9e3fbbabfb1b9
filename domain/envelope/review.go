package envelope

import (
	"fmt"
	"strings"

	"energyagent/domain/core"
)

// NewReviewItem builds a review item with a fresh checkpoint id.
func NewReviewItem(stage Stage, issue, action string, severity Severity, fields ...string) HumanReviewItem {
	if fields == nil {
		fields = []string{}
	}
	return HumanReviewItem{
		CheckpointID:    core.CheckpointID(fmt.Sprintf("%s-%s", stage, core.NewID().String()[:8])),
		Stage:           stage,
		Issue:           issue,
		EditableFields:  fields,
		SuggestedAction: action,
		Severity:        severity,
	}
}

// GapReview raises a single review item summarising the gaps of env when the
// model says it needs attention. It returns nil otherwise.
func GapReview(env *ResultEnvelope, model ConfidenceModel, action string, fields ...string) []HumanReviewItem {
	if !model.NeedsReview(env.Confidence, env.DataGaps) {
		return nil
	}
	missing := make([]string, 0, len(env.DataGaps))
	for _, gap := range env.DataGaps {
		missing = append(missing, gap.Missing)
	}
	issue := fmt.Sprintf("%s confidence %.2f", env.Stage, env.Confidence)
	if len(missing) > 0 {
		issue = fmt.Sprintf("%s; missing: %s", issue, strings.Join(missing, ", "))
	}
	severity := SeverityMedium
	if env.HighGaps() > 0 {
		severity = SeverityHigh
	}
	return []HumanReviewItem{NewReviewItem(env.Stage, issue, action, severity, fields...)}
}
