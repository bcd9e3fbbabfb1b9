package excel

import (
	"math"
	"strconv"
	"strings"

	"github.com/montanaflynn/stats"

	"energyagent/domain/tabular"
	"energyagent/ports"
)

const (
	numericThreshold  = 0.9
	maxUniqueSamples  = 12
	cashFlowPreview   = 5
	energyFlowPreview = 8
)

// Profile summarises every sheet of data and picks out cash-flow and
// energy-flow tables.
func Profile(data *ports.TabularData) tabular.FileProfile {
	out := tabular.FileProfile{
		File:       data.Path,
		Format:     data.Format,
		Sheets:     make([]tabular.SheetProfile, 0, len(data.Sheets)),
		CashFlow:   []tabular.Table{},
		EnergyFlow: []tabular.Table{},
	}
	for _, sheet := range data.Sheets {
		out.Sheets = append(out.Sheets, ProfileSheet(sheet))
		if tabular.IsCashFlow(sheet.Name, sheet.Headers) {
			out.CashFlow = append(out.CashFlow, preview(data.Path, sheet, cashFlowPreview))
		}
		if tabular.IsEnergyFlow(sheet.Name, sheet.Headers) {
			out.EnergyFlow = append(out.EnergyFlow, preview(data.Path, sheet, energyFlowPreview))
		}
	}
	return out
}

// ProfileSheet computes per-column statistics over the kept rows.
func ProfileSheet(sheet ports.Sheet) tabular.SheetProfile {
	p := tabular.SheetProfile{
		Sheet:           sheet.Name,
		Rows:            sheet.TotalRows,
		Cols:            len(sheet.Headers),
		TimeLikeColumns: []string{},
		Columns:         make([]tabular.ColumnProfile, 0, len(sheet.Headers)),
	}
	for i, name := range sheet.Headers {
		p.Columns = append(p.Columns, profileColumn(name, column(sheet.Rows, i)))
		if tabular.IsTimeLike(name) {
			p.TimeLikeColumns = append(p.TimeLikeColumns, name)
		}
	}
	return p
}

func column(rows [][]string, idx int) []string {
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		if idx < len(row) {
			out = append(out, row[idx])
		} else {
			out = append(out, "")
		}
	}
	return out
}

func profileColumn(name string, values []string) tabular.ColumnProfile {
	col := tabular.ColumnProfile{Name: name, Kind: tabular.KindEmpty}

	seen := make(map[string]bool)
	var samples []string
	var numbers stats.Float64Data
	for _, v := range values {
		if v == "" {
			continue
		}
		col.NonNull++
		if !seen[v] {
			seen[v] = true
			if len(samples) < maxUniqueSamples {
				samples = append(samples, v)
			}
		}
		if f, ok := parseNumber(v); ok {
			numbers = append(numbers, f)
		}
	}
	col.Unique = len(seen)
	if len(values) > 0 {
		col.MissingPct = round4(1 - float64(col.NonNull)/float64(len(values)))
	}
	if col.NonNull == 0 {
		return col
	}
	if col.Unique <= maxUniqueSamples {
		col.UniqueSamples = samples
	}

	if float64(len(numbers))/float64(col.NonNull) >= numericThreshold {
		col.Kind = tabular.KindNumeric
		describe(&col, numbers)
		return col
	}
	col.Kind = tabular.KindString
	if float64(col.Unique)/float64(col.NonNull) < 0.1 && col.Unique <= 20 {
		col.Kind = tabular.KindCategorical
	}
	return col
}

func describe(col *tabular.ColumnProfile, numbers stats.Float64Data) {
	set := func(dst **float64, v float64, err error) {
		if err == nil && !math.IsNaN(v) {
			r := round4(v)
			*dst = &r
		}
	}
	v, err := stats.Min(numbers)
	set(&col.Min, v, err)
	v, err = stats.Max(numbers)
	set(&col.Max, v, err)
	v, err = stats.Mean(numbers)
	set(&col.Mean, v, err)
	v, err = stats.Median(numbers)
	set(&col.Median, v, err)
	if len(numbers) > 1 {
		v, err = stats.StandardDeviationSample(numbers)
		set(&col.StdDev, v, err)
	}
	v, err = stats.Percentile(numbers, 90)
	set(&col.P90, v, err)
}

func parseNumber(s string) (float64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	s = strings.TrimSuffix(s, "%")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func preview(file string, sheet ports.Sheet, n int) tabular.Table {
	t := tabular.Table{
		File:        file,
		Sheet:       sheet.Name,
		Columns:     make([]string, len(sheet.Headers)),
		PreviewRows: []map[string]string{},
	}
	for i, h := range sheet.Headers {
		t.Columns[i] = strings.ToLower(h)
	}
	for i, row := range sheet.Rows {
		if i >= n {
			break
		}
		rec := make(map[string]string, len(sheet.Headers))
		for j, h := range sheet.Headers {
			if j < len(row) {
				rec[h] = row[j]
			}
		}
		t.PreviewRows = append(t.PreviewRows, rec)
	}
	return t
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
