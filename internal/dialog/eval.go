package dialog

import (
	"fmt"
	"slices"
	"strings"
)

// evalPrefix marks a destination as a routing expression instead of a
// literal node name.
const evalPrefix = "EVAL:"

// Predicate tokens accepted in expression clauses. prev tests
// membership of the visit trail, last tests its final entry.
const (
	testPrevIs  = "prev=="
	testPrevNot = "prev!="
	testLastIs  = "last=="
	testLastNot = "last!="
)

// evalClause is one if/elif/else arm. An empty test marks the
// unconditional else arm.
type evalClause struct {
	test    string
	subject string
	result  string
}

func isEval(dest string) bool {
	return strings.HasPrefix(strings.TrimLeft(dest, " "), evalPrefix)
}

// parseEval splits an expression like
//
//	EVAL: if(prev==menu:help)elif(last!=intro:menu)else(exit)
//
// into its clauses. Whitespace is insignificant, so node names used in
// expressions cannot contain spaces, parentheses, or colons.
func parseEval(dest string) ([]evalClause, error) {
	s := strings.TrimPrefix(strings.TrimLeft(dest, " "), evalPrefix)
	s = strings.ReplaceAll(s, " ", "")
	var clauses []evalClause
	for _, part := range strings.Split(s, ")") {
		if part == "" {
			continue
		}
		op, expr, ok := strings.Cut(part, "(")
		if !ok {
			return nil, fmt.Errorf("malformed clause %q", part)
		}
		switch op {
		case "else":
			if expr == "" {
				return nil, fmt.Errorf("else clause has no result")
			}
			clauses = append(clauses, evalClause{result: expr})
		case "if", "elif":
			cond, result, ok := strings.Cut(expr, ":")
			if !ok || result == "" {
				return nil, fmt.Errorf("clause %q needs a test:result pair", part)
			}
			clause := evalClause{result: result}
			switch {
			case strings.HasPrefix(cond, testPrevIs):
				clause.test, clause.subject = testPrevIs, cond[len(testPrevIs):]
			case strings.HasPrefix(cond, testPrevNot):
				clause.test, clause.subject = testPrevNot, cond[len(testPrevNot):]
			case strings.HasPrefix(cond, testLastIs):
				clause.test, clause.subject = testLastIs, cond[len(testLastIs):]
			case strings.HasPrefix(cond, testLastNot):
				clause.test, clause.subject = testLastNot, cond[len(testLastNot):]
			default:
				return nil, fmt.Errorf("unknown test in clause %q", part)
			}
			clauses = append(clauses, clause)
		default:
			return nil, fmt.Errorf("unknown operator %q", op)
		}
	}
	if len(clauses) == 0 {
		return nil, fmt.Errorf("expression %q has no clauses", dest)
	}
	return clauses, nil
}

// evalDest resolves a destination against the visit trail. Literal
// destinations pass through unchanged; expressions short-circuit on
// the first matching clause. An empty return means nothing matched.
// The trail already includes the node being left, so last== tests the
// departing node.
func evalDest(dest string, visited []string) string {
	if !isEval(dest) {
		return dest
	}
	clauses, err := parseEval(dest)
	if err != nil {
		return ""
	}
	var last string
	if len(visited) > 0 {
		last = visited[len(visited)-1]
	}
	for _, c := range clauses {
		switch c.test {
		case "":
			return c.result
		case testPrevIs:
			if slices.Contains(visited, c.subject) {
				return c.result
			}
		case testPrevNot:
			if !slices.Contains(visited, c.subject) {
				return c.result
			}
		case testLastIs:
			if c.subject == last {
				return c.result
			}
		case testLastNot:
			if c.subject != last {
				return c.result
			}
		}
	}
	return ""
}
