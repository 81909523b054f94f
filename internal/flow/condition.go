package flow

import (
	"strconv"
	"strings"
)

// Condition operators.
const (
	OpEquals     = "equals"
	OpNotEquals  = "not_equals"
	OpContains   = "contains"
	OpGreater    = "greater_than"
	OpLess       = "less_than"
	OpStartsWith = "starts_with"
	OpEndsWith   = "ends_with"
	OpIsEmpty    = "is_empty"
	OpIsNotEmpty = "is_not_empty"
)

// evaluateRule resolves the rule's variable against the merged context and
// applies the operator. The comparison value is interpolated first so rules
// can compare two variables.
func evaluateRule(rule Rule, ctx map[string]interface{}) bool {
	raw, ok := resolveVariable(ctx, rule.Variable)
	left := ""
	if ok && raw != nil {
		left = stringify(raw)
	}
	right := Interpolate(rule.Value, ctx)

	switch rule.Operator {
	case OpIsEmpty:
		return strings.TrimSpace(left) == ""
	case OpIsNotEmpty:
		return strings.TrimSpace(left) != ""
	case OpEquals:
		if lf, rf, numeric := asNumbers(left, right); numeric {
			return lf == rf
		}
		return strings.EqualFold(left, right)
	case OpNotEquals:
		if lf, rf, numeric := asNumbers(left, right); numeric {
			return lf != rf
		}
		return !strings.EqualFold(left, right)
	case OpGreater:
		lf, rf, numeric := asNumbers(left, right)
		return numeric && lf > rf
	case OpLess:
		lf, rf, numeric := asNumbers(left, right)
		return numeric && lf < rf
	case OpContains:
		return strings.Contains(strings.ToLower(left), strings.ToLower(right))
	case OpStartsWith:
		return strings.HasPrefix(strings.ToLower(left), strings.ToLower(right))
	case OpEndsWith:
		return strings.HasSuffix(strings.ToLower(left), strings.ToLower(right))
	}
	return false
}

// resolveVariable accepts either a bare bag key ("age"), a dot path into the
// merged context ("message.text"), or a dot path into a structured bag entry
// ("apiResult.data.name").
func resolveVariable(ctx map[string]interface{}, ref string) (interface{}, bool) {
	if strings.Contains(ref, ".") {
		if v, ok := resolvePath(ctx, ref); ok {
			return v, true
		}
		return resolvePath(ctx, "vars."+ref)
	}
	if vars, ok := ctx["vars"].(map[string]interface{}); ok {
		if v, found := vars[ref]; found {
			return v, true
		}
	}
	return resolvePath(ctx, ref)
}

func asNumbers(left, right string) (float64, float64, bool) {
	lf, errL := strconv.ParseFloat(strings.TrimSpace(left), 64)
	rf, errR := strconv.ParseFloat(strings.TrimSpace(right), 64)
	if errL != nil || errR != nil {
		return 0, 0, false
	}
	return lf, rf, true
}
