package policy

// Incentive carries the capex subsidy terms of a clause. A nil Cap means the
// subsidy is unbounded by the clause.
type Incentive struct {
	Pct float64  `json:"capex_subsidy_pct"`
	Cap *float64 `json:"capex_subsidy_cap,omitempty"`
}

// Clause is a tagged fragment of a policy document.
type Clause struct {
	ClauseID      string    `json:"clause_id"`
	DocID         string    `json:"doc_id"`
	Citation      string    `json:"citation"`
	Excerpt       string    `json:"excerpt,omitempty"`
	AdminCodes    []string  `json:"admin_codes"`
	IndustryCodes []string  `json:"industry_codes"`
	MeasureIDs    []string  `json:"measure_ids"`
	Incentives    Incentive `json:"incentives"`
}

// Document is a policy document the clauses cite.
type Document struct {
	DocID     string `json:"doc_id"`
	Title     string `json:"title"`
	Issuer    string `json:"issuer,omitempty"`
	Published string `json:"published,omitempty"`
	URI       string `json:"uri,omitempty"`
}

// Corpus is the static clause set loaded once per run.
type Corpus struct {
	Version   string     `json:"version"`
	Source    string     `json:"source,omitempty"`
	Documents []Document `json:"documents"`
	Clauses   []Clause   `json:"clauses"`
}

// Query is the caller's tag set.
type Query struct {
	AdminCodes    []string `json:"admin_codes"`
	IndustryCodes []string `json:"industry_codes"`
	MeasureIDs    []string `json:"measure_ids"`
}

// Match is a clause that passed the predicate, with its score.
type Match struct {
	Clause
	Score float64 `json:"score"`
	Rank  int     `json:"rank"`
}

// MeasureCost is the estimated capex of one measure, in million CNY.
type MeasureCost struct {
	MeasureID string  `json:"measure_id"`
	Capex     float64 `json:"capex_million_cny"`
}

// MeasureIncentive is the subsidy attributed to one measure.
type MeasureIncentive struct {
	MeasureID        string   `json:"measure_id"`
	Subsidy          float64  `json:"capex_subsidy_million_cny"`
	MatchedClauseIDs []string `json:"matched_clause_ids"`
	Citations        []string `json:"citations"`
	BestClauseScore  float64  `json:"best_clause_score,omitempty"`
}
