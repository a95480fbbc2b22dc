package workflow

import (
	"sort"
	"strconv"
	"strings"
)

// DefaultRoute is the catch-all route key matched when no other condition
// applies.
const DefaultRoute = "default"

// matchRoute resolves the next task id for an output value. Conditions are
// tried in a fixed precedence: exact match first, then numeric comparators
// and substring conditions in sorted key order, then the default route.
//
// Supported condition forms:
//
//	"approved"         exact, case-insensitive after trimming
//	">3" ">=2" "<10"   numeric comparison against the parsed output
//	"<=5" "==4" "!=0"
//	"contains:error"   substring, case-insensitive
//	"default"          catch-all
func matchRoute(routes map[string]string, value string) (string, bool) {
	if len(routes) == 0 {
		return "", false
	}

	trimmed := strings.TrimSpace(value)

	for cond, next := range routes {
		if cond == DefaultRoute || isComparator(cond) || strings.HasPrefix(cond, "contains:") {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(cond), trimmed) {
			return next, true
		}
	}

	conds := make([]string, 0, len(routes))
	for cond := range routes {
		conds = append(conds, cond)
	}
	sort.Strings(conds)

	for _, cond := range conds {
		switch {
		case isComparator(cond):
			if compareNumeric(cond, trimmed) {
				return routes[cond], true
			}
		case strings.HasPrefix(cond, "contains:"):
			needle := strings.TrimSpace(strings.TrimPrefix(cond, "contains:"))
			if needle != "" && strings.Contains(strings.ToLower(trimmed), strings.ToLower(needle)) {
				return routes[cond], true
			}
		}
	}

	if next, ok := routes[DefaultRoute]; ok {
		return next, true
	}
	return "", false
}

func isComparator(cond string) bool {
	for _, prefix := range []string{">=", "<=", "==", "!=", ">", "<"} {
		if strings.HasPrefix(cond, prefix) {
			return true
		}
	}
	return false
}

// compareNumeric evaluates a comparator condition against the output. The
// output may be a bare number or end with one ("score: 5"); the last
// numeric token wins. Non-numeric output never matches.
func compareNumeric(cond, value string) bool {
	op := cond[:1]
	rest := cond[1:]
	if len(cond) >= 2 && (cond[1] == '=') {
		op = cond[:2]
		rest = cond[2:]
	}

	threshold, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
	if err != nil {
		return false
	}

	parsed, ok := extractNumber(value)
	if !ok {
		return false
	}

	switch op {
	case ">":
		return parsed > threshold
	case ">=":
		return parsed >= threshold
	case "<":
		return parsed < threshold
	case "<=":
		return parsed <= threshold
	case "==":
		return parsed == threshold
	case "!=":
		return parsed != threshold
	default:
		return false
	}
}

// extractNumber parses the value as a number, falling back to the last
// numeric whitespace-separated token.
func extractNumber(value string) (float64, bool) {
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f, true
	}

	fields := strings.Fields(value)
	for i := len(fields) - 1; i >= 0; i-- {
		token := strings.Trim(fields[i], ".,;:!?")
		if f, err := strconv.ParseFloat(token, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
