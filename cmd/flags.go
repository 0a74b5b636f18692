package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cwbudde/paramtuner/internal/feedback"
	"github.com/cwbudde/paramtuner/internal/situation"
)

// parseAssignments splits "a=1,b=0.5" into a map.
func parseAssignments(s string) (map[string]float64, error) {
	out := make(map[string]float64)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, part := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q, expected name=value", part)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		out[strings.TrimSpace(key)] = v
	}
	return out, nil
}

// parseSituation reads "rule_density=0.9,failure_frequency=0.7". Dimensions
// left out keep their neutral value.
func parseSituation(s string) (situation.Score, error) {
	values, err := parseAssignments(s)
	if err != nil {
		return situation.Score{}, err
	}
	v := situation.Neutral().Vector()
	for name, x := range values {
		d, ok := situation.ParseDimension(name)
		if !ok {
			return situation.Score{}, fmt.Errorf("unknown situation dimension %q", name)
		}
		v[d] = x
	}
	return situation.FromVector(v), nil
}

// parseMetrics reads "performance=0.4,health=0.6".
func parseMetrics(s string) (feedback.Metrics, error) {
	values, err := parseAssignments(s)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	return feedback.Metrics(values), nil
}

// printJSON writes v indented.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
