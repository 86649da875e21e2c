package filter

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Rule is one {field_key, operator, value} condition of a subscription's
// filter set.
type Rule struct {
	FieldKey string   `json:"field_key"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// Match evaluates the rule against decoded form data.
func (r Rule) Match(form map[string]any) bool {
	var field Value
	if form != nil {
		field = FromAny(form[r.FieldKey])
	}
	return Evaluate(r.Operator, field, FromAny(r.Value))
}

// MatchAll reports whether every rule matches. An empty rule set matches
// every lead.
func MatchAll(rules []Rule, form map[string]any) bool {
	for _, r := range rules {
		if !r.Match(form) {
			return false
		}
	}
	return true
}

// ParseRules decodes a stored rule set. Empty input and JSON null yield no
// rules.
func ParseRules(raw []byte) ([]Rule, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var rules []Rule
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&rules); err != nil {
		return nil, fmt.Errorf("decode filter rules: %w", err)
	}
	return rules, nil
}

// ParseForm decodes lead form data into a key/value map.
func ParseForm(raw []byte) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{}, nil
	}
	form := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&form); err != nil {
		return nil, fmt.Errorf("decode form data: %w", err)
	}
	return form, nil
}
