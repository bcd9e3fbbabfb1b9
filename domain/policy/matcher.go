package policy

import (
	"math"
	"sort"
	"strings"
)

// Matcher applies the clause predicate and scoring to a corpus.
type Matcher struct {
	cfg ScoringConfig
}

// NewMatcher creates a matcher. A non-positive TopK falls back to the default.
func NewMatcher(cfg ScoringConfig) *Matcher {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultScoringConfig().TopK
	}
	return &Matcher{cfg: cfg}
}

// Config returns the scoring constants in use.
func (m *Matcher) Config() ScoringConfig { return m.cfg }

// Match returns the clauses that satisfy q, best first. Ties keep corpus order.
func (m *Matcher) Match(clauses []Clause, q Query) []Match {
	admin := toSet(q.AdminCodes)
	industry := toSet(q.IndustryCodes)
	measures := toSet(q.MeasureIDs)

	matches := make([]Match, 0)
	for _, clause := range clauses {
		cAdmin := toSet(clause.AdminCodes)
		cIndustry := toSet(clause.IndustryCodes)
		cMeasures := toSet(clause.MeasureIDs)

		if len(cMeasures) > 0 && !overlaps(measures, cMeasures) {
			continue
		}
		if len(cAdmin) > 0 && !overlaps(admin, cAdmin) {
			continue
		}
		bothIndustry := len(industry) > 0 && len(cIndustry) > 0
		if bothIndustry && !overlaps(industry, cIndustry) {
			continue
		}

		matches = append(matches, Match{Clause: clause, Score: m.score(len(cAdmin) > 0, len(cMeasures) > 0, bothIndustry)})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > m.cfg.TopK {
		matches = matches[:m.cfg.TopK]
	}
	for i := range matches {
		matches[i].Rank = i + 1
	}
	return matches
}

func (m *Matcher) score(adminTagged, measureTagged, bothIndustry bool) float64 {
	s := m.cfg.Base
	if adminTagged {
		s += m.cfg.AdminTagged
	} else {
		s += m.cfg.AdminUntagged
	}
	if measureTagged {
		s += m.cfg.MeasureTagged
	} else {
		s += m.cfg.MeasureUntagged
	}
	if bothIndustry {
		s += m.cfg.IndustryBothTagged
	}
	// Round away float noise so equal tag shapes compare equal.
	s = math.Round(s*1e6) / 1e6
	return math.Min(s, m.cfg.Cap)
}

// NormalizeCodes trims, drops empties and de-duplicates codes, keeping order.
func NormalizeCodes(codes []string) []string {
	out := make([]string, 0, len(codes))
	seen := make(map[string]bool, len(codes))
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, code)
	}
	return out
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}
