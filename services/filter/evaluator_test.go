package filter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluate_Operators(t *testing.T) {
	cases := []struct {
		name  string
		op    Operator
		field any
		rule  any
		want  bool
	}{
		{"eq string", OpEq, "roofing", "roofing", true},
		{"eq no coercion", OpEq, "5", 5, false},
		{"eq absent", OpEq, nil, "x", false},
		{"neq differs", OpNeq, "a", "b", true},
		{"neq same", OpNeq, 3, 3.0, false},
		{"in member", OpIn, "CA", []any{"CA", "NY"}, true},
		{"in not member", OpIn, "TX", []any{"CA", "NY"}, false},
		{"in scalar rule", OpIn, "CA", "CA", false},
		{"not_in member", OpNotIn, "CA", []any{"CA"}, false},
		{"not_in outside", OpNotIn, "TX", []any{"CA"}, true},
		{"not_in scalar rule", OpNotIn, "TX", "CA", false},
		{"contains substring", OpContains, "Full Roof Replacement", "roof", true},
		{"contains missing", OpContains, "gutter", "roof", false},
		{"contains array", OpContains, []any{"solar", "roof"}, "roof", true},
		{"contains number", OpContains, 12, "1", false},
		{"gte numeric string", OpGte, "250000", 100000, true},
		{"gte below", OpGte, 10, 11, false},
		{"lte equal", OpLte, 5, "5", true},
		{"gte non numeric", OpGte, "abc", 1, false},
		{"gte bool", OpGte, true, 0, false},
		{"exists default", OpExists, "x", nil, true},
		{"exists empty string", OpExists, "", nil, false},
		{"exists empty array", OpExists, []any{}, nil, false},
		{"exists false on missing", OpExists, nil, false, true},
		{"exists bad rule", OpExists, "x", "yes", false},
		{"unknown operator", Operator("regex"), "x", "x", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Evaluate(tc.op, FromAny(tc.field), FromAny(tc.rule)))
		})
	}
}

func TestEvaluate_BetweenInclusive(t *testing.T) {
	bounds := FromAny([]any{10, 20})
	for x := 0; x <= 30; x++ {
		want := x >= 10 && x <= 20
		require.Equal(t, want, Evaluate(OpBetween, Number(float64(x)), bounds), "x=%d", x)
	}

	require.True(t, Evaluate(OpBetween, String("10"), bounds))
	require.False(t, Evaluate(OpBetween, String("ten"), bounds))
	require.False(t, Evaluate(OpBetween, Absent(), bounds))
	require.False(t, Evaluate(OpBetween, Number(15), FromAny([]any{10})))
	require.False(t, Evaluate(OpBetween, Number(15), FromAny("10-20")))
}

func TestMatchAll(t *testing.T) {
	form, err := ParseForm([]byte(`{"state":"CA","budget":"15000","services":["roof","solar"]}`))
	require.NoError(t, err)

	require.True(t, MatchAll(nil, form))

	rules, err := ParseRules([]byte(`[
		{"field_key":"state","operator":"in","value":["CA","OR"]},
		{"field_key":"budget","operator":"between","value":[10000,20000]},
		{"field_key":"services","operator":"contains","value":"solar"}
	]`))
	require.NoError(t, err)
	require.True(t, MatchAll(rules, form))

	rules = append(rules, Rule{FieldKey: "phone", Operator: OpExists})
	require.False(t, MatchAll(rules, form))
}

func TestValidateRuleSet(t *testing.T) {
	valid := []string{
		``,
		`null`,
		`[]`,
		`[{"field_key":"zip","operator":"in","value":["94110"]}]`,
		`[{"field_key":"age","operator":"between","value":[18,65]}]`,
		`[{"field_key":"email","operator":"exists"}]`,
	}
	for _, doc := range valid {
		require.NoError(t, ValidateRuleSet([]byte(doc)), doc)
	}

	invalid := []string{
		`{"field_key":"zip"}`,
		`[{"field_key":"zip","operator":"like","value":"9"}]`,
		`[{"operator":"eq","value":"x"}]`,
		`[{"field_key":"zip","operator":"in","value":"94110"}]`,
		`[{"field_key":"age","operator":"between","value":[65,18]}]`,
		`[{"field_key":"age","operator":"gte","value":"old"}]`,
		`[{"field_key":"email","operator":"exists","value":"yes"}]`,
	}
	for _, doc := range invalid {
		require.Error(t, ValidateRuleSet([]byte(doc)), doc)
	}
}

func TestFromAny_JSONNumber(t *testing.T) {
	v := FromAny(json.Number("42.5"))
	require.Equal(t, KindNumber, v.Kind())
	n, ok := v.AsNumber()
	require.True(t, ok)
	require.Equal(t, 42.5, n)
}
