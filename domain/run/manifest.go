package run

import (
	"energyagent/domain/core"
	"energyagent/domain/envelope"
	"energyagent/domain/stage"
)

// Manifest pins everything that determines a run's envelopes. It is written
// before the first stage runs and copied into every envelope.
type Manifest struct {
	RunID         core.RunID         `json:"run_id"`
	ScenarioID    string             `json:"scenario_id"`
	InputsHash    core.Hash          `json:"inputs_hash"`
	CorpusVersion string             `json:"corpus_version"`
	ScoringHash   core.ConfigHash    `json:"scoring_hash"`
	StagePlanHash core.StageListHash `json:"stage_plan_hash"`
	CodeVersion   string             `json:"code_version"`
	Fingerprint   RunFingerprint     `json:"fingerprint"`
	CreatedAt     core.Timestamp     `json:"created_at"`
}

// NewManifest creates a run manifest for req.
func NewManifest(
	runID core.RunID,
	req Request,
	corpusVersion string,
	scoringHash core.ConfigHash,
	stagePlan *stage.StagePlan,
	codeVersion string,
) *Manifest {
	inputsHash := core.HashStrings(req.Inputs.InputPaths())
	planHash := stagePlan.Hash()
	fingerprint := NewRunFingerprint(req.Scenario.ScenarioID, inputsHash, corpusVersion, scoringHash, planHash, codeVersion)

	return &Manifest{
		RunID:         runID,
		ScenarioID:    req.Scenario.ScenarioID,
		InputsHash:    inputsHash,
		CorpusVersion: corpusVersion,
		ScoringHash:   scoringHash,
		StagePlanHash: planHash,
		CodeVersion:   codeVersion,
		Fingerprint:   fingerprint,
		CreatedAt:     core.Now(),
	}
}

// Validate checks if the manifest is complete
func (m *Manifest) Validate() error {
	if core.ID(m.RunID).IsEmpty() {
		return core.NewValidationError("run_manifest", "run_id cannot be empty")
	}
	if m.ScenarioID == "" {
		return core.NewValidationError("run_manifest", "scenario_id cannot be empty")
	}
	if m.StagePlanHash == "" {
		return core.NewValidationError("run_manifest", "stage_plan_hash cannot be empty")
	}
	if m.CodeVersion == "" {
		return core.NewValidationError("run_manifest", "code_version cannot be empty")
	}
	return nil
}

// Reproducibility projects the manifest into an envelope block.
func (m *Manifest) Reproducibility() envelope.Reproducibility {
	return envelope.Reproducibility{
		CodeVersion:    m.CodeVersion,
		CorpusVersion:  m.CorpusVersion,
		ScoringHash:    m.ScoringHash,
		StagePlanHash:  m.StagePlanHash,
		Fingerprint:    m.Fingerprint.Fingerprint,
		GeneratedAtUTC: core.UTCStamp(m.CreatedAt.Time()),
	}
}
