// Package corpus loads policy clause corpora from JSON files.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/gjson"

	"energyagent/domain/core"
	"energyagent/domain/policy"
)

// JSONLoader implements ports.CorpusLoader.
//
// Accepted layout: a top-level object with a version under "kg_version" or
// "version", clauses under "clauses" or "nodes" and optional "documents" (or
// "docs"). A clause carries its subsidy either as an "incentives" object or
// as flat "capex_subsidy_ratio" / "capex_subsidy_million_cny" fields.
type JSONLoader struct{}

// NewJSONLoader returns a loader.
func NewJSONLoader() *JSONLoader { return &JSONLoader{} }

// Load reads and decodes path.
func (l *JSONLoader) Load(ctx context.Context, path string) (*policy.Corpus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: no path configured", core.ErrCorpusNotFound)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", core.ErrCorpusNotFound, path)
		}
		return nil, fmt.Errorf("read corpus %s: %w", path, err)
	}
	c, err := Parse(raw)
	if err != nil {
		return nil, core.NewParseError(path, err)
	}
	c.Source = path
	return c, nil
}

// Parse decodes corpus JSON.
func Parse(raw []byte) (*policy.Corpus, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.New("invalid JSON")
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, errors.New("corpus must be a JSON object")
	}

	c := &policy.Corpus{
		Version:   firstString(root, "unknown", "kg_version", "version"),
		Documents: []policy.Document{},
		Clauses:   []policy.Clause{},
	}

	clauses := first(root, "clauses", "nodes")
	if clauses.Exists() && !clauses.IsArray() {
		return nil, errors.New("clauses must be an array")
	}
	var parseErr error
	clauses.ForEach(func(_, v gjson.Result) bool {
		if !v.IsObject() {
			parseErr = fmt.Errorf("clause %d is not an object", len(c.Clauses))
			return false
		}
		c.Clauses = append(c.Clauses, parseClause(v))
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	first(root, "documents", "docs").ForEach(func(_, v gjson.Result) bool {
		c.Documents = append(c.Documents, policy.Document{
			DocID:     v.Get("doc_id").String(),
			Title:     firstString(v, "", "title", "doc_title"),
			Issuer:    v.Get("issuer").String(),
			Published: firstString(v, "", "published", "publish_date"),
			URI:       firstString(v, "", "uri", "url"),
		})
		return true
	})
	return c, nil
}

func parseClause(v gjson.Result) policy.Clause {
	docID := v.Get("doc_id").String()
	clauseID := firstString(v, "", "clause_id", "citation_no", "doc_id")
	if clauseID == "" {
		clauseID = "unknown"
	}
	cl := policy.Clause{
		ClauseID:      clauseID,
		DocID:         docID,
		Citation:      firstString(v, clauseID, "citation", "citation_no", "doc_title"),
		Excerpt:       firstString(v, "", "excerpt", "text"),
		AdminCodes:    stringList(v.Get("admin_codes")),
		IndustryCodes: stringList(v.Get("industry_codes")),
		MeasureIDs:    stringList(v.Get("measure_ids")),
	}

	inc := v.Get("incentives")
	switch {
	case inc.IsObject():
		cl.Incentives.Pct = inc.Get("capex_subsidy_pct").Float()
		if capV := inc.Get("capex_subsidy_cap"); capV.Exists() && capV.Type != gjson.Null {
			limit := capV.Float()
			cl.Incentives.Cap = &limit
		}
	case v.Get("capex_subsidy_million_cny").Exists():
		// A fixed amount is a full subsidy capped at that amount.
		limit := v.Get("capex_subsidy_million_cny").Float()
		cl.Incentives = policy.Incentive{Pct: 1, Cap: &limit}
	case v.Get("capex_subsidy_ratio").Exists():
		cl.Incentives.Pct = v.Get("capex_subsidy_ratio").Float()
	}
	return cl
}

func first(v gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if r := v.Get(k); r.Exists() && r.Type != gjson.Null {
			return r
		}
	}
	return gjson.Result{}
}

func firstString(v gjson.Result, fallback string, keys ...string) string {
	for _, k := range keys {
		if s := strings.TrimSpace(v.Get(k).String()); s != "" {
			return s
		}
	}
	return fallback
}

func stringList(v gjson.Result) []string {
	out := []string{}
	for _, item := range v.Array() {
		if s := strings.TrimSpace(item.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}
