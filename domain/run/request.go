package run

import (
	"regexp"
	"sort"
	"strings"
)

// Metadata describes the selected park.
type Metadata struct {
	RegionID      string                 `json:"region_id,omitempty"`
	AdminCodes    []string               `json:"admin_codes,omitempty"`
	IndustryCodes []string               `json:"industry_codes,omitempty"`
	AreaKm2       float64                `json:"area_km2,omitempty" validate:"gte=0"`
	EntityCount   int                    `json:"entity_count,omitempty" validate:"gte=0"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}

// Selection is the park selection made by the operator.
type Selection struct {
	Metadata Metadata `json:"metadata"`
}

// Scenario holds the pricing and modelling parameters of a run.
type Scenario struct {
	ScenarioID          string                 `json:"scenario_id" validate:"required"`
	BaselineYear        int                    `json:"baseline_year,omitempty"`
	ElectricityPrice    float64                `json:"electricity_price,omitempty" validate:"gte=0"`
	CarbonPrice         float64                `json:"carbon_price,omitempty" validate:"gte=0"`
	GridEmissionFactor  float64                `json:"grid_emission_factor_tco2_per_mwh,omitempty" validate:"gte=0"`
	ThermalScope1Factor float64                `json:"thermal_scope1_factor_tco2_per_mwh,omitempty" validate:"gte=0"`
	DiscountRate        float64                `json:"discount_rate,omitempty" validate:"gte=0,lt=1"`
	FinanceHorizonYears int                    `json:"finance_horizon_years,omitempty" validate:"gte=0,lte=50"`
	PolicyCorpusPath    string                 `json:"policy_kg_path,omitempty"`
	Params              map[string]interface{} `json:"params,omitempty"`
}

// Inputs lists the files supplied for a run.
type Inputs struct {
	CSVPaths   []string `json:"csv_paths"`
	PDFPaths   []string `json:"pdf_paths"`
	ExcelPaths []string `json:"excel_paths"`
}

// Request is everything needed to start a run.
type Request struct {
	Selection Selection `json:"selection"`
	Scenario  Scenario  `json:"scenario"`
	Inputs    Inputs    `json:"inputs"`
	OutputDir string    `json:"output_dir,omitempty"`
}

// AvailableFields lists the metadata and scenario keys that carry a value.
// Measure screening checks its required inputs against this set.
func (r Request) AvailableFields() map[string]bool {
	fields := make(map[string]bool)
	m := r.Selection.Metadata
	if m.RegionID != "" {
		fields["region_id"] = true
	}
	if len(m.AdminCodes) > 0 {
		fields["admin_codes"] = true
	}
	if len(m.IndustryCodes) > 0 {
		fields["industry_codes"] = true
	}
	if m.AreaKm2 > 0 {
		fields["area_km2"] = true
	}
	if m.EntityCount > 0 {
		fields["entity_count"] = true
	}
	for k, v := range m.Extra {
		if v != nil {
			fields[k] = true
		}
	}
	s := r.Scenario
	if s.ElectricityPrice > 0 {
		fields["electricity_price"] = true
	}
	if s.CarbonPrice > 0 {
		fields["carbon_price"] = true
	}
	for k, v := range s.Params {
		if v != nil {
			fields[k] = true
		}
	}
	return fields
}

// RegionID resolves the region an envelope is filed under.
func (r Request) RegionID() string {
	m := r.Selection.Metadata
	if m.RegionID != "" {
		return m.RegionID
	}
	if len(m.AdminCodes) > 0 {
		return strings.TrimSpace(m.AdminCodes[0])
	}
	return "unknown"
}

// InputPaths returns every input path, sorted, for hashing.
func (i Inputs) InputPaths() []string {
	all := make([]string, 0, len(i.CSVPaths)+len(i.PDFPaths)+len(i.ExcelPaths))
	all = append(all, i.CSVPaths...)
	all = append(all, i.PDFPaths...)
	all = append(all, i.ExcelPaths...)
	sort.Strings(all)
	return all
}

var unsafeIDChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SanitizeID makes s safe for use in file names.
func SanitizeID(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "default"
	}
	s = unsafeIDChars.ReplaceAllString(s, "-")
	if len(s) > 80 {
		s = s[:80]
	}
	if s == "" {
		return "default"
	}
	return s
}
