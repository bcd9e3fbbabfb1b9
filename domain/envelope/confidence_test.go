package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreClampsForAnyGapMix(t *testing.T) {
	model := DefaultConfidenceModel()
	severities := []Severity{SeverityLow, SeverityMedium, SeverityHigh}

	for n := 0; n <= 25; n++ {
		for _, sev := range severities {
			gaps := make([]DataGap, n)
			for i := range gaps {
				gaps[i] = DataGap{Missing: "x", Severity: sev}
			}
			for _, signals := range [][]bool{nil, {true}, {true, true, true}, {true, true, true, true, true, true}} {
				got := model.Score(gaps, signals...)
				assert.GreaterOrEqual(t, got, 0.15, "n=%d sev=%s", n, sev)
				assert.LessOrEqual(t, got, 0.90, "n=%d sev=%s", n, sev)
			}
		}
	}
}

func TestScoreArithmetic(t *testing.T) {
	model := DefaultConfidenceModel()

	tests := []struct {
		name    string
		gaps    []DataGap
		signals []bool
		want    float64
	}{
		{"base", nil, nil, 0.55},
		{"two signals", nil, []bool{true, false, true}, 0.75},
		{"one high gap", []DataGap{{Severity: SeverityHigh}}, []bool{true}, 0.60},
		{"medium gaps ignored", []DataGap{{Severity: SeverityMedium}, {Severity: SeverityLow}}, nil, 0.55},
		{"capped", nil, []bool{true, true, true, true}, 0.90},
		{"empty gaps", make([]DataGap, 0), nil, 0.55},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, model.Score(tt.gaps, tt.signals...), 1e-9)
		})
	}

	many := make([]DataGap, 20)
	for i := range many {
		many[i].Severity = SeverityHigh
	}
	assert.Equal(t, 0.15, model.Score(many))
}

func TestScaledCompleteness(t *testing.T) {
	model := DefaultConfidenceModel()
	assert.InDelta(t, 0.90, model.Scaled(0.35, 1.0, nil), 1e-9)
	assert.InDelta(t, 0.55, model.Scaled(0.35, 0, nil), 1e-9)
	assert.InDelta(t, 0.50, model.Scaled(0.35, 0, []DataGap{{Severity: SeverityHigh}}), 1e-9)
}

func TestPolicyAndReportScores(t *testing.T) {
	model := DefaultConfidenceModel()
	high := []DataGap{{Severity: SeverityHigh}}
	low := []DataGap{{Severity: SeverityLow}}

	assert.InDelta(t, 0.90, model.Policy(nil, true, true, true), 1e-9)
	assert.InDelta(t, 0.65, model.Policy(nil, false, true, false), 1e-9)
	assert.InDelta(t, 0.55, model.Policy(low, false, false, false), 1e-9)
	assert.InDelta(t, 0.50, model.Policy(high, false, false, false), 1e-9)

	assert.InDelta(t, 0.75, model.Report(nil), 1e-9)
	assert.InDelta(t, 0.60, model.Report(low), 1e-9)
	assert.InDelta(t, 0.55, model.Report(high), 1e-9)

	many := make([]DataGap, 30)
	for i := range many {
		many[i].Severity = SeverityHigh
	}
	assert.Equal(t, model.Min, model.Report(many))
}

func TestGapReview(t *testing.T) {
	model := DefaultConfidenceModel()

	env := New(StageInsight, "demo", "110000")
	env.Confidence = 0.80
	assert.Empty(t, GapReview(env, model, "none"))

	env.AddGap("admin_codes", "policy matching is imprecise", SeverityHigh)
	items := GapReview(env, model, "add admin codes", "selection.metadata.admin_codes")
	require.Len(t, items, 1)
	assert.Equal(t, SeverityHigh, items[0].Severity)
	assert.Equal(t, []string{"selection.metadata.admin_codes"}, items[0].EditableFields)
	assert.Contains(t, items[0].Issue, "admin_codes")
}

func TestEnvelopeValidateAndMap(t *testing.T) {
	env := New(StageIntake, "demo", "")
	env.Confidence = 0.7
	require.NoError(t, env.Validate())

	m, err := env.Map()
	require.NoError(t, err)
	assert.Equal(t, "intake", m["stage"])
	assert.NotNil(t, m["data_gaps"])

	env.Confidence = 1.5
	assert.Error(t, env.Validate())

	env.Confidence = 0.5
	env.Stage = "optimizer"
	assert.Error(t, env.Validate())
}

func TestStageOrder(t *testing.T) {
	assert.Equal(t, 0, StageIntake.Index())
	assert.Equal(t, []Stage{StageIntake, StageInsight}, StageReport.Predecessors())
	assert.Nil(t, StageIntake.Predecessors())

	_, err := ParseStage("nope")
	assert.Error(t, err)
}
