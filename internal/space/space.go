package space

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
)

// Set maps parameter names to values. A Set returned by Space.Clip is
// always fully populated.
type Set map[string]any

// Clone returns a shallow copy of the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Float returns a numeric view of the named value (booleans map to 0/1).
func (s Set) Float(name string) float64 {
	f, _ := toFloat(s[name])
	return f
}

// Int returns the named value rounded down to an int.
func (s Set) Int(name string) int {
	return int(s.Float(name))
}

// Choice returns the named value formatted as a string.
func (s Set) Choice(name string) string {
	v, ok := s[name]
	if !ok {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

// Bool returns the named value as a bool.
func (s Set) Bool(name string) bool {
	switch b := s[name].(type) {
	case bool:
		return b
	case string:
		return b == "true"
	}
	return s.Float(name) >= 0.5
}

// Key renders the set canonically, sorted by name. Equal sets produce equal keys.
func (s Set) Key() string {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	for i, k := range names {
		if i > 0 {
			b.WriteByte(';')
		}
		fmt.Fprintf(&b, "%s=%v", k, s[k])
	}
	return b.String()
}

// Space is an ordered collection of parameter declarations.
type Space struct {
	specs []Spec
	index map[string]int
}

// New validates the declarations and builds a space. Names must be unique.
func New(specs ...Spec) (*Space, error) {
	sp := &Space{
		specs: make([]Spec, 0, len(specs)),
		index: make(map[string]int, len(specs)),
	}
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := sp.index[s.Name]; dup {
			return nil, &ValidationError{Param: s.Name, Reason: "duplicate name"}
		}
		if s.Response == "" {
			s.Response = Hold
		}
		sp.index[s.Name] = len(sp.specs)
		sp.specs = append(sp.specs, s)
	}
	return sp, nil
}

// MustNew is like New but panics on invalid declarations.
func MustNew(specs ...Spec) *Space {
	sp, err := New(specs...)
	if err != nil {
		panic(err)
	}
	return sp
}

// Len returns the number of parameters.
func (sp *Space) Len() int { return len(sp.specs) }

// Specs returns the declarations in declaration order.
func (sp *Space) Specs() []Spec {
	return append([]Spec(nil), sp.specs...)
}

// Names returns the parameter names in declaration order.
func (sp *Space) Names() []string {
	names := make([]string, len(sp.specs))
	for i, s := range sp.specs {
		names[i] = s.Name
	}
	return names
}

// Lookup returns the declaration for name.
func (sp *Space) Lookup(name string) (Spec, bool) {
	i, ok := sp.index[name]
	if !ok {
		return Spec{}, false
	}
	return sp.specs[i], true
}

// Defaults returns a set holding every parameter's default.
func (sp *Space) Defaults() Set {
	out := make(Set, len(sp.specs))
	for _, s := range sp.specs {
		out[s.Name] = s.DefaultValue()
	}
	return out
}

// Sample draws every parameter uniformly at random.
func (sp *Space) Sample(rng *rand.Rand) Set {
	out := make(Set, len(sp.specs))
	for _, s := range sp.specs {
		out[s.Name] = s.Sample(rng)
	}
	return out
}

// Clip coerces every value into its domain, fills missing parameters with
// their defaults and drops names the space does not declare.
func (sp *Space) Clip(set Set) Set {
	out := make(Set, len(sp.specs))
	for _, s := range sp.specs {
		v, ok := set[s.Name]
		if !ok {
			out[s.Name] = s.DefaultValue()
			continue
		}
		out[s.Name] = s.Clip(v)
	}
	return out
}

// Encode maps a set onto the unit cube, one coordinate per parameter in
// declaration order.
func (sp *Space) Encode(set Set) []float64 {
	x := make([]float64, len(sp.specs))
	for i, s := range sp.specs {
		v, ok := set[s.Name]
		if !ok {
			v = s.DefaultValue()
		}
		x[i] = s.encode(v)
	}
	return x
}

// Decode maps a unit-cube point back onto the space. Coordinates outside
// [0,1] are clamped; missing coordinates decode to defaults.
func (sp *Space) Decode(x []float64) Set {
	out := make(Set, len(sp.specs))
	for i, s := range sp.specs {
		if i >= len(x) {
			out[s.Name] = s.DefaultValue()
			continue
		}
		out[s.Name] = s.decode(x[i])
	}
	return out
}

// GridSize returns the number of points a grid search over the space visits.
func (sp *Space) GridSize(points int) int {
	if len(sp.specs) == 0 {
		return 0
	}
	n := 1
	for _, s := range sp.specs {
		n *= len(s.Grid(points))
	}
	return n
}
