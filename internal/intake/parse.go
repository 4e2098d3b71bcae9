package intake

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/buyer-fit/internal/model"
)

// RowError reports a row that could not be parsed. Row numbers are 1-based
// and count the header, so they match what a spreadsheet shows.
type RowError struct {
	Row int    `json:"row"`
	ID  string `json:"id,omitempty"`
	Err string `json:"error"`
}

func (e RowError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("row %d (%s): %s", e.Row, e.ID, e.Err)
	}
	return fmt.Sprintf("row %d: %s", e.Row, e.Err)
}

// ParseBuyers maps rows to buyers. Required column: id.
func ParseBuyers(t *Table) ([]model.Buyer, []RowError) {
	var out []model.Buyer
	var errs []RowError
	for i, row := range t.Rows {
		p := rowParser{t: t, row: row}
		b := model.Buyer{
			ID:   t.Get(row, "id"),
			Name: t.Get(row, "name"),
			Criteria: model.BuyerCriteria{
				TargetGeographies:    p.list("target_geographies"),
				ExcludedGeographies:  p.list("excluded_geographies"),
				MinRevenue:           p.amount("min_revenue"),
				MaxRevenue:           p.amount("max_revenue"),
				MinEBITDA:            p.amount("min_ebitda"),
				MaxEBITDA:            p.amount("max_ebitda"),
				TargetServices:       p.list("target_services"),
				DealBreakers:         p.list("deal_breakers"),
				OwnerGoalPreferences: p.list("owner_goal_preferences"),
				ThesisConfidence:     strings.ToLower(t.Get(row, "thesis_confidence")),
			},
			Archived: p.flag("archived"),
		}
		switch tc := b.Criteria.ThesisConfidence; tc {
		case "", "high", "medium", "low":
		default:
			p.fail("thesis_confidence %q is not high, medium or low", tc)
		}
		p.band("revenue", b.Criteria.MinRevenue, b.Criteria.MaxRevenue)
		p.band("ebitda", b.Criteria.MinEBITDA, b.Criteria.MaxEBITDA)
		if b.ID == "" {
			p.fail("id is required")
		}
		if p.err != "" {
			errs = append(errs, RowError{Row: i + 2, ID: b.ID, Err: p.err})
			continue
		}
		out = append(out, b)
	}
	return out, errs
}

// ParseDeals maps rows to deals. Required column: id.
func ParseDeals(t *Table) ([]model.Deal, []RowError) {
	var out []model.Deal
	var errs []RowError
	for i, row := range t.Rows {
		p := rowParser{t: t, row: row}
		d := model.Deal{
			ID:   t.Get(row, "id"),
			Name: t.Get(row, "name"),
			Attributes: model.DealAttributes{
				Location:   strings.ToUpper(t.Get(row, "location")),
				Revenue:    p.amount("revenue"),
				EBITDA:     p.amount("ebitda"),
				Services:   p.list("services"),
				OwnerGoals: p.list("owner_goals"),
			},
		}
		if d.Attributes.Revenue != nil && *d.Attributes.Revenue < 0 {
			p.fail("revenue must not be negative")
		}
		if d.ID == "" {
			p.fail("id is required")
		}
		if p.err != "" {
			errs = append(errs, RowError{Row: i + 2, ID: d.ID, Err: p.err})
			continue
		}
		out = append(out, d)
	}
	return out, errs
}

// ParseUniverses maps rows to universes. Weight columns default to
// model.DefaultWeights when all are blank. Rows sharing an id are merged so
// membership can be listed one pair per row.
func ParseUniverses(t *Table) ([]model.Universe, []RowError) {
	var out []model.Universe
	var errs []RowError
	byID := make(map[string]int)
	for i, row := range t.Rows {
		p := rowParser{t: t, row: row}
		u := model.Universe{
			ID:       t.Get(row, "id"),
			Name:     t.Get(row, "name"),
			BuyerIDs: p.list("buyer_ids"),
			DealIDs:  p.list("deal_ids"),
		}
		w := model.WeightSet{
			Geography:  p.number("geography_weight"),
			Size:       p.number("size_weight"),
			Service:    p.number("service_weight"),
			OwnerGoals: p.number("owner_goals_weight"),
		}
		hasWeights := w != model.WeightSet{}
		if hasWeights {
			for _, f := range model.Factors {
				if w.Get(f) < 0 {
					p.fail("%s_weight must not be negative", f)
				}
			}
		}
		if u.ID == "" {
			p.fail("id is required")
		}
		if p.err != "" {
			errs = append(errs, RowError{Row: i + 2, ID: u.ID, Err: p.err})
			continue
		}

		if j, ok := byID[u.ID]; ok {
			prev := &out[j]
			prev.BuyerIDs = appendUnique(prev.BuyerIDs, u.BuyerIDs...)
			prev.DealIDs = appendUnique(prev.DealIDs, u.DealIDs...)
			if prev.Name == "" {
				prev.Name = u.Name
			}
			if hasWeights {
				prev.Weights = w
			}
			continue
		}
		u.Weights = model.DefaultWeights()
		if hasWeights {
			u.Weights = w
		}
		u.BuyerIDs = appendUnique(nil, u.BuyerIDs...)
		u.DealIDs = appendUnique(nil, u.DealIDs...)
		byID[u.ID] = len(out)
		out = append(out, u)
	}
	return out, errs
}

// rowParser reads typed cells from one row and keeps the first error.
type rowParser struct {
	t   *Table
	row []string
	err string
}

func (p *rowParser) fail(format string, args ...any) {
	if p.err == "" {
		p.err = fmt.Sprintf(format, args...)
	}
}

// list splits a cell on ';', '|' or ','.
func (p *rowParser) list(col string) []string {
	v := p.t.Get(p.row, col)
	if v == "" {
		return nil
	}
	parts := strings.FieldsFunc(v, func(r rune) bool { return r == ';' || r == '|' || r == ',' })
	var out []string
	for _, s := range parts {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// amount parses a money cell such as "$2.5M", "750k" or "1,200,000".
// A blank cell is nil.
func (p *rowParser) amount(col string) *float64 {
	v := p.t.Get(p.row, col)
	if v == "" {
		return nil
	}
	f, err := parseAmount(v)
	if err != nil {
		p.fail("%s: %v", col, err)
		return nil
	}
	return &f
}

func (p *rowParser) number(col string) float64 {
	v := p.t.Get(p.row, col)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail("%s: %q is not a number", col, v)
		return 0
	}
	return f
}

func (p *rowParser) flag(col string) bool {
	switch strings.ToLower(p.t.Get(p.row, col)) {
	case "1", "true", "yes", "y", "x":
		return true
	}
	return false
}

func (p *rowParser) band(name string, lo, hi *float64) {
	if lo != nil && hi != nil && *lo > *hi {
		p.fail("min_%s exceeds max_%s", name, name)
	}
}

func parseAmount(v string) (float64, error) {
	s := strings.ToLower(strings.TrimSpace(v))
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	}
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	if strings.HasPrefix(s, "-") {
		neg = !neg
		s = s[1:]
	}

	scale := 1.0
	switch {
	case strings.HasSuffix(s, "mm"):
		scale, s = 1e6, strings.TrimSuffix(s, "mm")
	case strings.HasSuffix(s, "k"):
		scale, s = 1e3, strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		scale, s = 1e6, strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "b"):
		scale, s = 1e9, strings.TrimSuffix(s, "b")
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, eris.Errorf("%q is not an amount", v)
	}
	f *= scale
	if neg {
		f = -f
	}
	return f, nil
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		dup := false
		for _, d := range dst {
			if d == v {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}
