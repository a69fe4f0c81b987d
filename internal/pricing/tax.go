package pricing

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ErrInvalidTable is returned when a tax table document is malformed.
var ErrInvalidTable = errors.New("invalid tax table")

var hundred = decimal.NewFromInt(100)

// Jurisdiction holds the tax rates of one jurisdiction. A non-nil Flat rate applies to every
// category; otherwise Categories is consulted with Default as the fallback.
type Jurisdiction struct {
	Flat       *decimal.Decimal
	Default    decimal.Decimal
	Categories map[string]decimal.Decimal
}

// Table resolves tax percentages by jurisdiction and category.
type Table struct {
	Default       decimal.Decimal
	Jurisdictions map[string]Jurisdiction
}

// Rate returns the percentage that applies to category sales in jurisdiction. Unknown
// jurisdictions fall back to the table default.
func (t Table) Rate(jurisdiction, category string) decimal.Decimal {
	j, ok := t.Jurisdictions[jurisdictionKey(jurisdiction)]
	if !ok {
		return t.Default
	}
	if j.Flat != nil {
		return *j.Flat
	}
	if rate, ok := j.Categories[categoryKey(category)]; ok {
		return rate
	}
	return j.Default
}

// Names lists the configured jurisdictions in lexical order.
func (t Table) Names() []string {
	out := make([]string, 0, len(t.Jurisdictions))
	for name := range t.Jurisdictions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DefaultTable is used when no table file is configured: category rates for IN, a flat rate
// for AE and 18% everywhere else.
func DefaultTable() Table {
	flat := decimal.NewFromInt(5)
	return Table{
		Default: decimal.NewFromInt(18),
		Jurisdictions: map[string]Jurisdiction{
			"IN": {
				Default: decimal.NewFromInt(18),
				Categories: map[string]decimal.Decimal{
					"electronics": decimal.NewFromInt(18),
					"food":        decimal.NewFromInt(5),
					"clothing":    decimal.NewFromInt(12),
				},
			},
			"AE": {Flat: &flat},
		},
	}
}

type tableFile struct {
	Default       *float64                    `yaml:"default"`
	Jurisdictions map[string]jurisdictionFile `yaml:"jurisdictions"`
}

type jurisdictionFile struct {
	Flat       *float64           `yaml:"flat"`
	Default    *float64           `yaml:"default"`
	Categories map[string]float64 `yaml:"categories"`
}

// LoadTable reads a YAML tax table from path.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read tax table: %w", err)
	}
	return ParseTable(data)
}

// ParseTable decodes a YAML tax table:
//
//	default: 18
//	jurisdictions:
//	  IN:
//	    default: 18
//	    categories: {food: 5, electronics: 18}
//	  AE:
//	    flat: 5
func ParseTable(data []byte) (Table, error) {
	var doc tableFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Table{}, fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}
	if doc.Default == nil {
		return Table{}, fmt.Errorf("%w: default rate is required", ErrInvalidTable)
	}
	def, err := percent(*doc.Default, "default")
	if err != nil {
		return Table{}, err
	}
	table := Table{Default: def, Jurisdictions: make(map[string]Jurisdiction, len(doc.Jurisdictions))}
	for name, jf := range doc.Jurisdictions {
		key := jurisdictionKey(name)
		if key == "" {
			return Table{}, fmt.Errorf("%w: empty jurisdiction name", ErrInvalidTable)
		}
		if _, dup := table.Jurisdictions[key]; dup {
			return Table{}, fmt.Errorf("%w: duplicate jurisdiction %s", ErrInvalidTable, key)
		}
		var j Jurisdiction
		if jf.Flat != nil {
			if len(jf.Categories) > 0 {
				return Table{}, fmt.Errorf("%w: %s mixes flat and category rates", ErrInvalidTable, key)
			}
			flat, err := percent(*jf.Flat, key+".flat")
			if err != nil {
				return Table{}, err
			}
			j.Flat = &flat
			table.Jurisdictions[key] = j
			continue
		}
		j.Default = def
		if jf.Default != nil {
			if j.Default, err = percent(*jf.Default, key+".default"); err != nil {
				return Table{}, err
			}
		}
		j.Categories = make(map[string]decimal.Decimal, len(jf.Categories))
		for cat, rate := range jf.Categories {
			r, err := percent(rate, key+"."+cat)
			if err != nil {
				return Table{}, err
			}
			j.Categories[categoryKey(cat)] = r
		}
		table.Jurisdictions[key] = j
	}
	return table, nil
}

func percent(v float64, field string) (decimal.Decimal, error) {
	if v < 0 || v > 100 {
		return decimal.Decimal{}, fmt.Errorf("%w: %s rate %v out of range", ErrInvalidTable, field, v)
	}
	return decimal.NewFromFloat(v), nil
}

func jurisdictionKey(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}

func categoryKey(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
