// Package tabular describes profiled CSV and Excel inputs.
package tabular

import "strings"

// Column kinds assigned by profiling.
const (
	KindNumeric     = "numeric"
	KindString      = "string"
	KindCategorical = "categorical"
	KindEmpty       = "empty"
)

// ColumnProfile summarises one column.
type ColumnProfile struct {
	Name          string   `json:"name"`
	Kind          string   `json:"dtype"`
	NonNull       int      `json:"non_null"`
	MissingPct    float64  `json:"missing_pct"`
	Unique        int      `json:"nunique"`
	UniqueSamples []string `json:"unique_samples,omitempty"`
	Min           *float64 `json:"min,omitempty"`
	Max           *float64 `json:"max,omitempty"`
	Mean          *float64 `json:"mean,omitempty"`
	Median        *float64 `json:"median,omitempty"`
	StdDev        *float64 `json:"stddev,omitempty"`
	P90           *float64 `json:"p90,omitempty"`
}

// SheetProfile summarises one sheet (a CSV file has exactly one).
type SheetProfile struct {
	Sheet           string          `json:"sheet"`
	Rows            int             `json:"rows"`
	Cols            int             `json:"cols"`
	TimeLikeColumns []string        `json:"time_like_columns"`
	Columns         []ColumnProfile `json:"columns"`
}

// Table is a sheet recognised as a cash-flow or energy-flow table, with a
// short preview.
type Table struct {
	File        string              `json:"file"`
	Sheet       string              `json:"sheet"`
	Columns     []string            `json:"columns"`
	PreviewRows []map[string]string `json:"preview_rows"`
}

// FileProfile is the output of profiling one file.
type FileProfile struct {
	File       string         `json:"file"`
	Format     string         `json:"format"`
	Sheets     []SheetProfile `json:"sheets"`
	CashFlow   []Table        `json:"detected_cashflow"`
	EnergyFlow []Table        `json:"detected_energyflow"`
}

var (
	cashFlowColumns   = []string{"cashflow", "capex", "opex", "npv", "payback"}
	cashFlowSheets    = []string{"cash", "finance", "财务", "现金流"}
	energyFlowColumns = []string{"from", "to", "carrier", "fuel", "electric", "steam", "heat"}
	energyFlowSheets  = []string{"energy", "flow", "能流", "能源流"}
	timeHints         = []string{"time", "date", "ts", "timestamp"}
)

// IsCashFlow reports whether a sheet looks like a cash-flow table.
func IsCashFlow(sheet string, headers []string) bool {
	return hasColumn(headers, cashFlowColumns) || containsAny(strings.ToLower(sheet), cashFlowSheets)
}

// IsEnergyFlow reports whether a sheet looks like an energy-flow table.
func IsEnergyFlow(sheet string, headers []string) bool {
	return hasColumn(headers, energyFlowColumns) || containsAny(strings.ToLower(sheet), energyFlowSheets)
}

// IsTimeLike reports whether a column name suggests a time axis.
func IsTimeLike(name string) bool {
	return containsAny(strings.ToLower(name), timeHints)
}

func hasColumn(headers, keys []string) bool {
	for _, h := range headers {
		lower := strings.ToLower(strings.TrimSpace(h))
		for _, k := range keys {
			if lower == k {
				return true
			}
		}
	}
	return false
}

func containsAny(s string, keys []string) bool {
	for _, k := range keys {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
