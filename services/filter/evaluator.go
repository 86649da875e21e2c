package filter

import "strings"

// Operator names a filter comparison.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpIn       Operator = "in"
	OpNotIn    Operator = "not_in"
	OpContains Operator = "contains"
	OpGte      Operator = "gte"
	OpLte      Operator = "lte"
	OpBetween  Operator = "between"
	OpExists   Operator = "exists"
)

// Operators lists every supported operator.
var Operators = []Operator{OpEq, OpNeq, OpIn, OpNotIn, OpContains, OpGte, OpLte, OpBetween, OpExists}

func (o Operator) Valid() bool {
	for _, op := range Operators {
		if op == o {
			return true
		}
	}
	return false
}

// Evaluate applies op to a lead field value and a rule value. It never fails:
// malformed or mismatched input evaluates to false.
func Evaluate(op Operator, field, rule Value) bool {
	switch op {
	case OpEq:
		return field.Equal(rule)
	case OpNeq:
		return !field.Equal(rule)
	case OpIn:
		if rule.kind != KindArray {
			return false
		}
		return member(rule.arr, field)
	case OpNotIn:
		if rule.kind != KindArray {
			return false
		}
		return !member(rule.arr, field)
	case OpContains:
		return contains(field, rule)
	case OpGte, OpLte:
		x, ok := field.AsNumber()
		if !ok {
			return false
		}
		y, ok := rule.AsNumber()
		if !ok {
			return false
		}
		if op == OpGte {
			return x >= y
		}
		return x <= y
	case OpBetween:
		return between(field, rule)
	case OpExists:
		want := true
		switch rule.kind {
		case KindAbsent:
		case KindBool:
			want = rule.b
		default:
			return false
		}
		return field.Present() == want
	}
	return false
}

func member(set []Value, v Value) bool {
	for _, e := range set {
		if e.Equal(v) {
			return true
		}
	}
	return false
}

func contains(field, rule Value) bool {
	switch field.kind {
	case KindString:
		if rule.kind != KindString {
			return false
		}
		return strings.Contains(strings.ToLower(field.str), strings.ToLower(rule.str))
	case KindArray:
		return member(field.arr, rule)
	}
	return false
}

func between(field, rule Value) bool {
	if rule.kind != KindArray || len(rule.arr) != 2 {
		return false
	}
	lo, ok := rule.arr[0].AsNumber()
	if !ok {
		return false
	}
	hi, ok := rule.arr[1].AsNumber()
	if !ok {
		return false
	}
	x, ok := field.AsNumber()
	if !ok {
		return false
	}
	return lo <= x && x <= hi
}
