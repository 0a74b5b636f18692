package space

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
)

// Kind identifies the value domain of a parameter.
type Kind string

const (
	Continuous  Kind = "continuous"
	Discrete    Kind = "discrete"
	Categorical Kind = "categorical"
	Boolean     Kind = "boolean"
)

// Direction says which way a parameter should move when system health is low.
type Direction string

const (
	Hold     Direction = "hold"
	Increase Direction = "increase"
	Decrease Direction = "decrease"
)

// Sign returns +1, -1 or 0.
func (d Direction) Sign() float64 {
	switch d {
	case Increase:
		return 1
	case Decrease:
		return -1
	default:
		return 0
	}
}

// Spec declares a single tunable parameter.
//
// Values carried in a Set are float64 for continuous parameters, int for
// discrete parameters, string for categorical parameters and bool for
// boolean parameters.
type Spec struct {
	Name     string    `json:"name" yaml:"name" mapstructure:"name"`
	Kind     Kind      `json:"kind" yaml:"kind" mapstructure:"kind"`
	Min      float64   `json:"min,omitempty" yaml:"min,omitempty" mapstructure:"min"`
	Max      float64   `json:"max,omitempty" yaml:"max,omitempty" mapstructure:"max"`
	Choices  []string  `json:"choices,omitempty" yaml:"choices,omitempty" mapstructure:"choices"`
	Default  any       `json:"default,omitempty" yaml:"default,omitempty" mapstructure:"default"`
	Response Direction `json:"response,omitempty" yaml:"response,omitempty" mapstructure:"response"`
}

// Validate checks that the declaration describes a non-empty domain and that
// the default, when set, lies inside it.
func (s Spec) Validate() error {
	if s.Name == "" {
		return &ValidationError{Param: s.Name, Reason: "name cannot be empty"}
	}
	switch s.Kind {
	case Continuous:
		if math.IsNaN(s.Min) || math.IsNaN(s.Max) || s.Min > s.Max {
			return &ValidationError{Param: s.Name, Reason: fmt.Sprintf("invalid range [%g, %g]", s.Min, s.Max)}
		}
	case Discrete:
		lo, hi := s.intBounds()
		if lo > hi {
			return &ValidationError{Param: s.Name, Reason: fmt.Sprintf("no integers in range [%g, %g]", s.Min, s.Max)}
		}
	case Categorical:
		if len(s.Choices) == 0 {
			return &ValidationError{Param: s.Name, Reason: "categorical parameter needs at least one choice"}
		}
	case Boolean:
	default:
		return &ValidationError{Param: s.Name, Reason: fmt.Sprintf("unknown kind %q", s.Kind)}
	}
	switch s.Response {
	case "", Hold, Increase, Decrease:
	default:
		return &ValidationError{Param: s.Name, Reason: fmt.Sprintf("unknown response %q", s.Response)}
	}
	if s.Default != nil && !s.Contains(s.Default) {
		return &ValidationError{Param: s.Name, Reason: fmt.Sprintf("default %v outside domain", s.Default)}
	}
	return nil
}

// Numeric reports whether the parameter lives on an ordered numeric range.
func (s Spec) Numeric() bool {
	return s.Kind == Continuous || s.Kind == Discrete
}

// Span is the width of a numeric range, 0 for non-numeric parameters.
func (s Spec) Span() float64 {
	switch s.Kind {
	case Continuous:
		return s.Max - s.Min
	case Discrete:
		lo, hi := s.intBounds()
		return float64(hi - lo)
	}
	return 0
}

// Contains reports whether v is already a valid value of the parameter.
func (s Spec) Contains(v any) bool {
	switch s.Kind {
	case Continuous:
		f, ok := toFloat(v)
		return ok && !math.IsNaN(f) && f >= s.Min && f <= s.Max
	case Discrete:
		f, ok := toFloat(v)
		lo, hi := s.intBounds()
		return ok && f == math.Trunc(f) && int(f) >= lo && int(f) <= hi
	case Categorical:
		str, ok := v.(string)
		return ok && s.choiceIndex(str) >= 0
	case Boolean:
		_, ok := v.(bool)
		return ok
	}
	return false
}

// DefaultValue returns the declared default, coerced into the domain.
func (s Spec) DefaultValue() any {
	if s.Default == nil {
		return s.fallback()
	}
	return s.Clip(s.Default)
}

// Clip coerces v into the parameter's domain. Clip is idempotent.
func (s Spec) Clip(v any) any {
	switch s.Kind {
	case Continuous:
		f, ok := toFloat(v)
		if !ok || math.IsNaN(f) {
			return s.fallback()
		}
		return Clamp(f, s.Min, s.Max)
	case Discrete:
		f, ok := toFloat(v)
		if !ok || math.IsNaN(f) {
			return s.fallback()
		}
		lo, hi := s.intBounds()
		return Clamp(int(math.Round(Clamp(f, float64(lo), float64(hi)))), lo, hi)
	case Categorical:
		if str, ok := v.(string); ok && s.choiceIndex(str) >= 0 {
			return str
		}
		if f, ok := toFloat(v); ok && !math.IsNaN(f) && len(s.Choices) > 0 {
			idx := Clamp(int(math.Round(Clamp(f, 0, float64(len(s.Choices)-1)))), 0, len(s.Choices)-1)
			return s.Choices[idx]
		}
		return s.fallback()
	case Boolean:
		switch b := v.(type) {
		case bool:
			return b
		case string:
			if parsed, err := strconv.ParseBool(b); err == nil {
				return parsed
			}
			return s.fallback()
		}
		if f, ok := toFloat(v); ok && !math.IsNaN(f) {
			return f >= 0.5
		}
		return s.fallback()
	}
	return v
}

// Sample draws a uniformly random value from the domain.
func (s Spec) Sample(rng *rand.Rand) any {
	switch s.Kind {
	case Continuous:
		return s.Min + rng.Float64()*(s.Max-s.Min)
	case Discrete:
		lo, hi := s.intBounds()
		return lo + rng.Intn(hi-lo+1)
	case Categorical:
		if len(s.Choices) == 0 {
			return ""
		}
		return s.Choices[rng.Intn(len(s.Choices))]
	case Boolean:
		return rng.Intn(2) == 1
	}
	return nil
}

// Grid returns the values a grid search visits for this parameter.
// Continuous ranges get `points` evenly spaced values including both ends,
// discrete ranges enumerate every integer, categorical and boolean
// parameters enumerate every value.
func (s Spec) Grid(points int) []any {
	switch s.Kind {
	case Continuous:
		if points <= 1 || s.Min == s.Max {
			return []any{s.Min}
		}
		step := (s.Max - s.Min) / float64(points-1)
		values := make([]any, points)
		for i := range values {
			values[i] = s.Min + float64(i)*step
		}
		values[points-1] = s.Max
		return values
	case Discrete:
		lo, hi := s.intBounds()
		values := make([]any, 0, hi-lo+1)
		for i := lo; i <= hi; i++ {
			values = append(values, i)
		}
		return values
	case Categorical:
		values := make([]any, len(s.Choices))
		for i, c := range s.Choices {
			values[i] = c
		}
		return values
	case Boolean:
		return []any{false, true}
	}
	return nil
}

// encode maps a value onto [0,1].
func (s Spec) encode(v any) float64 {
	v = s.Clip(v)
	switch s.Kind {
	case Continuous:
		if s.Max == s.Min {
			return 0
		}
		return (v.(float64) - s.Min) / (s.Max - s.Min)
	case Discrete:
		lo, hi := s.intBounds()
		if hi == lo {
			return 0
		}
		return float64(v.(int)-lo) / float64(hi-lo)
	case Categorical:
		n := len(s.Choices)
		if n == 0 {
			return 0
		}
		return (float64(s.choiceIndex(v.(string))) + 0.5) / float64(n)
	case Boolean:
		if v.(bool) {
			return 1
		}
		return 0
	}
	return 0
}

// decode maps u in [0,1] back onto the domain.
func (s Spec) decode(u float64) any {
	if math.IsNaN(u) {
		return s.DefaultValue()
	}
	u = Clamp(u, 0, 1)
	switch s.Kind {
	case Continuous:
		return Clamp(s.Min+u*(s.Max-s.Min), s.Min, s.Max)
	case Discrete:
		lo, hi := s.intBounds()
		return lo + int(math.Round(u*float64(hi-lo)))
	case Categorical:
		n := len(s.Choices)
		if n == 0 {
			return ""
		}
		return s.Choices[Clamp(int(u*float64(n)), 0, n-1)]
	case Boolean:
		return u >= 0.5
	}
	return nil
}

func (s Spec) fallback() any {
	switch s.Kind {
	case Continuous:
		if f, ok := toFloat(s.Default); ok && !math.IsNaN(f) {
			return Clamp(f, s.Min, s.Max)
		}
		return s.Min
	case Discrete:
		lo, hi := s.intBounds()
		if f, ok := toFloat(s.Default); ok && !math.IsNaN(f) {
			return Clamp(int(math.Round(Clamp(f, float64(lo), float64(hi)))), lo, hi)
		}
		return lo
	case Categorical:
		if str, ok := s.Default.(string); ok && s.choiceIndex(str) >= 0 {
			return str
		}
		if len(s.Choices) > 0 {
			return s.Choices[0]
		}
		return ""
	case Boolean:
		b, _ := s.Default.(bool)
		return b
	}
	return nil
}

func (s Spec) intBounds() (int, int) {
	return int(math.Ceil(s.Min)), int(math.Floor(s.Max))
}

func (s Spec) choiceIndex(v string) int {
	for i, c := range s.Choices {
		if c == v {
			return i
		}
	}
	return -1
}

// ValidationError reports an invalid parameter declaration.
type ValidationError struct {
	Param  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Param == "" {
		return "invalid parameter: " + e.Reason
	}
	return "invalid parameter " + e.Param + ": " + e.Reason
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
