package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Quantities maps a metric name to a whole-unit quantity.
type Quantities map[string]int64

func (q Quantities) Value() (driver.Value, error) {
	if q == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]int64(q))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (q *Quantities) Scan(src any) error {
	out := Quantities{}
	if err := scanJSON(src, (*map[string]int64)(&out)); err != nil {
		return err
	}
	*q = out
	return nil
}

// Metrics returns the declared metric names in sorted order.
func (q Quantities) Metrics() []string {
	names := make([]string, 0, len(q))
	for name := range q {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (q Quantities) Has(metric string) bool {
	_, ok := q[metric]
	return ok
}

func (q Quantities) Clone() Quantities {
	out := make(Quantities, len(q))
	for k, v := range q {
		out[k] = v
	}
	return out
}

// Rates maps a metric name to the unit price charged above the included quantity.
type Rates map[string]decimal.Decimal

func (r Rates) Value() (driver.Value, error) {
	if r == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]decimal.Decimal(r))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r *Rates) Scan(src any) error {
	out := Rates{}
	if err := scanJSON(src, (*map[string]decimal.Decimal)(&out)); err != nil {
		return err
	}
	*r = out
	return nil
}

func scanJSON(src any, dest any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}
