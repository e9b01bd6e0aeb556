package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidGrid is returned for parameter grids that cannot be enumerated.
var ErrInvalidGrid = errors.New("strategy: invalid parameter grid")

// Kind distinguishes numeric from categorical parameters.
type Kind string

const (
	KindNumeric     Kind = "numeric"
	KindCategorical Kind = "categorical"
)

// Value is a single parameter value.
type Value struct {
	Kind Kind
	Num  float64
	Str  string
}

// Num returns a numeric Value.
func Num(v float64) Value { return Value{Kind: KindNumeric, Num: v} }

// Cat returns a categorical Value.
func Cat(s string) Value { return Value{Kind: KindCategorical, Str: s} }

func (v Value) String() string {
	if v.Kind == KindCategorical {
		return v.Str
	}
	return strconv.FormatFloat(v.Num, 'g', -1, 64)
}

// ParameterSpec names one parameter and its ordered candidate values.
type ParameterSpec struct {
	Name   string
	Kind   Kind
	Values []Value
}

// NumericSpec builds a numeric ParameterSpec.
func NumericSpec(name string, values ...float64) ParameterSpec {
	vs := make([]Value, len(values))
	for i, v := range values {
		vs[i] = Num(v)
	}
	return ParameterSpec{Name: name, Kind: KindNumeric, Values: vs}
}

// CategoricalSpec builds a categorical ParameterSpec.
func CategoricalSpec(name string, values ...string) ParameterSpec {
	vs := make([]Value, len(values))
	for i, v := range values {
		vs[i] = Cat(v)
	}
	return ParameterSpec{Name: name, Kind: KindCategorical, Values: vs}
}

func (s ParameterSpec) validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: unnamed parameter", ErrInvalidGrid)
	}
	if s.Kind != KindNumeric && s.Kind != KindCategorical {
		return fmt.Errorf("%w: parameter %q has kind %q", ErrInvalidGrid, s.Name, s.Kind)
	}
	if len(s.Values) == 0 {
		return fmt.Errorf("%w: parameter %q has no candidate values", ErrInvalidGrid, s.Name)
	}
	for _, v := range s.Values {
		if v.Kind != s.Kind {
			return fmt.Errorf("%w: parameter %q mixes %s and %s values", ErrInvalidGrid, s.Name, s.Kind, v.Kind)
		}
		if v.Kind == KindNumeric && (math.IsNaN(v.Num) || math.IsInf(v.Num, 0)) {
			return fmt.Errorf("%w: parameter %q has non-finite value", ErrInvalidGrid, s.Name)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// ParameterSet
// ---------------------------------------------------------------------------

// ParameterSet is an immutable mapping from parameter name to value.
type ParameterSet struct {
	values map[string]Value
}

// NewParameterSet copies values into a ParameterSet.
func NewParameterSet(values map[string]Value) ParameterSet {
	m := make(map[string]Value, len(values))
	for k, v := range values {
		m[k] = v
	}
	return ParameterSet{values: m}
}

// Get returns the named value.
func (p ParameterSet) Get(name string) (Value, bool) {
	v, ok := p.values[name]
	return v, ok
}

// Float returns the named numeric value, or def when absent or categorical.
func (p ParameterSet) Float(name string, def float64) float64 {
	v, ok := p.values[name]
	if !ok || v.Kind != KindNumeric {
		return def
	}
	return v.Num
}

// Int returns the named numeric value truncated to an int.
func (p ParameterSet) Int(name string, def int) int {
	v, ok := p.values[name]
	if !ok || v.Kind != KindNumeric {
		return def
	}
	return int(v.Num)
}

// Category returns the named categorical value, or def.
func (p ParameterSet) Category(name, def string) string {
	v, ok := p.values[name]
	if !ok || v.Kind != KindCategorical {
		return def
	}
	return v.Str
}

// Len returns the number of parameters.
func (p ParameterSet) Len() int { return len(p.values) }

// Names returns the parameter names in sorted order.
func (p ParameterSet) Names() []string {
	names := make([]string, 0, len(p.values))
	for k := range p.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// With returns a copy of p with name set to v.
func (p ParameterSet) With(name string, v Value) ParameterSet {
	out := NewParameterSet(p.values)
	out.values[name] = v
	return out
}

// Equal reports whether p and o hold the same values.
func (p ParameterSet) Equal(o ParameterSet) bool {
	if len(p.values) != len(o.values) {
		return false
	}
	for k, v := range p.values {
		if ov, ok := o.values[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// String renders the set as "a=1,b=x" with names sorted.
func (p ParameterSet) String() string {
	var b strings.Builder
	for i, name := range p.Names() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(p.values[name].String())
	}
	return b.String()
}

// MarshalJSON encodes numeric values as JSON numbers and categorical values
// as strings.
func (p ParameterSet) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(p.values))
	for k, v := range p.values {
		if v.Kind == KindCategorical {
			m[k] = v.Str
		} else {
			m[k] = v.Num
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (p *ParameterSet) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	values := make(map[string]Value, len(m))
	for k, raw := range m {
		switch v := raw.(type) {
		case float64:
			values[k] = Num(v)
		case string:
			values[k] = Cat(v)
		default:
			return fmt.Errorf("strategy: parameter %q has unsupported JSON type %T", k, raw)
		}
	}
	p.values = values
	return nil
}

// ---------------------------------------------------------------------------
// Grid
// ---------------------------------------------------------------------------

// Grid is the cartesian product of a list of ParameterSpecs. Combinations are
// generated in odometer order with the last spec varying fastest.
type Grid struct {
	specs []ParameterSpec
	size  int
}

// maxGridSize saturates Size for very large grids.
const maxGridSize = math.MaxInt32

// NewGrid validates specs and returns a Grid over them.
func NewGrid(specs ...ParameterSpec) (*Grid, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no parameters", ErrInvalidGrid)
	}
	seen := make(map[string]bool, len(specs))
	size := 1
	for _, s := range specs {
		if err := s.validate(); err != nil {
			return nil, err
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("%w: duplicate parameter %q", ErrInvalidGrid, s.Name)
		}
		seen[s.Name] = true
		if size > maxGridSize/len(s.Values) {
			size = maxGridSize
		} else {
			size *= len(s.Values)
		}
	}
	cp := make([]ParameterSpec, len(specs))
	copy(cp, specs)
	return &Grid{specs: cp, size: size}, nil
}

// Size is the number of combinations, saturated at math.MaxInt32.
func (g *Grid) Size() int { return g.size }

// Specs returns the grid's parameter specs.
func (g *Grid) Specs() []ParameterSpec {
	out := make([]ParameterSpec, len(g.specs))
	copy(out, g.specs)
	return out
}

// Iterator returns a fresh iterator positioned before the first combination.
func (g *Grid) Iterator() *GridIterator {
	return &GridIterator{grid: g, idx: make([]int, len(g.specs))}
}

// Combinations returns at most limit combinations in generation order. A
// non-positive limit returns all of them.
func (g *Grid) Combinations(limit int) []ParameterSet {
	var out []ParameterSet
	it := g.Iterator()
	for limit <= 0 || len(out) < limit {
		p, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, p)
	}
	return out
}

// GridIterator walks a Grid's combinations.
type GridIterator struct {
	grid    *Grid
	idx     []int
	started bool
	done    bool
}

// Next returns the next combination, or false once exhausted.
func (it *GridIterator) Next() (ParameterSet, bool) {
	if it.done {
		return ParameterSet{}, false
	}
	if it.started {
		k := len(it.idx) - 1
		for ; k >= 0; k-- {
			it.idx[k]++
			if it.idx[k] < len(it.grid.specs[k].Values) {
				break
			}
			it.idx[k] = 0
		}
		if k < 0 {
			it.done = true
			return ParameterSet{}, false
		}
	}
	it.started = true

	values := make(map[string]Value, len(it.idx))
	for k, i := range it.idx {
		s := it.grid.specs[k]
		values[s.Name] = s.Values[i]
	}
	return ParameterSet{values: values}, true
}
