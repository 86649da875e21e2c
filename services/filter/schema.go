package filter

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const ruleSetSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": ["array", "null"],
  "items": {
    "type": "object",
    "required": ["field_key", "operator"],
    "additionalProperties": false,
    "properties": {
      "field_key": {"type": "string", "minLength": 1},
      "operator": {"enum": ["eq", "neq", "in", "not_in", "contains", "gte", "lte", "between", "exists"]},
      "value": {}
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(ruleSetSchema)

// ValidateRuleSet checks a raw rule set document. A nil error means the
// subscription's filter set is valid and may take part in eligibility.
func ValidateRuleSet(raw []byte) error {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("invalid filter rules document: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("filter rules failed schema validation: %s", strings.Join(msgs, "; "))
	}

	rules, err := ParseRules(raw)
	if err != nil {
		return err
	}
	for i, r := range rules {
		if err := validateValue(r); err != nil {
			return fmt.Errorf("rule %d (%s): %w", i, r.FieldKey, err)
		}
	}
	return nil
}

func validateValue(r Rule) error {
	v := FromAny(r.Value)
	switch r.Operator {
	case OpIn, OpNotIn:
		if v.kind != KindArray {
			return fmt.Errorf("%s requires an array value", r.Operator)
		}
	case OpBetween:
		if v.kind != KindArray || len(v.arr) != 2 {
			return fmt.Errorf("between requires a [min, max] pair")
		}
		lo, ok1 := v.arr[0].AsNumber()
		hi, ok2 := v.arr[1].AsNumber()
		if !ok1 || !ok2 {
			return fmt.Errorf("between bounds must be numeric")
		}
		if lo > hi {
			return fmt.Errorf("between min %v exceeds max %v", lo, hi)
		}
	case OpGte, OpLte:
		if _, ok := v.AsNumber(); !ok {
			return fmt.Errorf("%s requires a numeric value", r.Operator)
		}
	case OpExists:
		if v.kind != KindAbsent && v.kind != KindBool {
			return fmt.Errorf("exists takes an optional boolean")
		}
	case OpContains:
		if v.kind == KindAbsent {
			return fmt.Errorf("contains requires a value")
		}
	}
	return nil
}
