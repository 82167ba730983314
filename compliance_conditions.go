package guard

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// condEnv carries the values a compiled condition can reference.
type condEnv struct {
	res *Resource
	op  *Operation
}

// resolve maps a field reference from a condition string to its value.
func (e condEnv) resolve(field string) (any, bool) {
	switch field {
	case "op.kind":
		return string(e.op.Kind), true
	case "op.consent":
		return e.op.ConsentPresent, true
	case "op.lawful_basis":
		return e.op.LawfulBasis, true
	case "op.retention_days":
		return e.op.RetentionDays, true
	case "op.encrypted":
		return e.op.Encrypted, true
	case "op.cross_border":
		return e.op.CrossBorder, true
	case "op.justification":
		return e.op.Justification, true
	case "op.data_categories":
		return e.op.DataCategories, true
	case "res.type":
		if e.res == nil {
			return "", true
		}
		return e.res.Type, true
	case "res.regulated":
		if e.res == nil {
			return false, true
		}
		return e.res.Regulated, true
	}
	return nil, false
}

type condition interface {
	holds(env condEnv) bool
}

type condTrue struct{}

func (condTrue) holds(condEnv) bool { return true }

type condAll struct{ parts []condition }

func (c condAll) holds(env condEnv) bool {
	for _, p := range c.parts {
		if !p.holds(env) {
			return false
		}
	}
	return true
}

type condAny struct{ parts []condition }

func (c condAny) holds(env condEnv) bool {
	for _, p := range c.parts {
		if p.holds(env) {
			return true
		}
	}
	return false
}

type condCmp struct {
	field string
	op    string
	value string
}

func (c condCmp) holds(env condEnv) bool {
	v, ok := env.resolve(c.field)
	if !ok {
		return false
	}
	switch val := v.(type) {
	case bool:
		want, err := strconv.ParseBool(c.value)
		if err != nil {
			return false
		}
		return cmpBool(val, want, c.op)
	case int:
		want, err := strconv.Atoi(c.value)
		if err != nil {
			return false
		}
		return cmpInt(val, want, c.op)
	case string:
		return cmpString(val, c.value, c.op)
	}
	return false
}

func cmpBool(have, want bool, op string) bool {
	switch op {
	case "==":
		return have == want
	case "!=":
		return have != want
	}
	return false
}

func cmpInt(have, want int, op string) bool {
	switch op {
	case "==":
		return have == want
	case "!=":
		return have != want
	case ">=":
		return have >= want
	case "<=":
		return have <= want
	case ">":
		return have > want
	case "<":
		return have < want
	}
	return false
}

func cmpString(have, want, op string) bool {
	switch op {
	case "==":
		return have == want
	case "!=":
		return have != want
	}
	return false
}

type condIn struct {
	field  string
	values []string
}

func (c condIn) holds(env condEnv) bool {
	v, ok := env.resolve(c.field)
	if !ok {
		return false
	}
	switch val := v.(type) {
	case string:
		for _, want := range c.values {
			if val == want {
				return true
			}
		}
	case []string:
		for _, have := range val {
			for _, want := range c.values {
				if have == want {
					return true
				}
			}
		}
	}
	return false
}

var (
	condInRe  = regexp.MustCompile(`^([a-zA-Z0-9_.]+)\s+in\s*\[([^\]]+)\]$`)
	condCmpRe = regexp.MustCompile(`^([a-zA-Z0-9_.]+)\s*(==|!=|>=|<=|>|<)\s*("[^"]*"|[^\s]+)$`)
)

// ParseCondition parses a limited condition string into an evaluable form.
// It supports comparisons against literals, "in" membership over a list,
// and top level "and"/"or" combination, which covers the patterns the
// built in policies and config loaded checks actually use while keeping
// parsing simple and deterministic.
func ParseCondition(s string) (condition, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return condTrue{}, nil
	}

	if parts := splitTopLevel(s, " or "); len(parts) > 1 {
		return combineCondition(parts, func(cs []condition) condition { return condAny{parts: cs} })
	}
	if parts := splitTopLevel(s, " and "); len(parts) > 1 {
		return combineCondition(parts, func(cs []condition) condition { return condAll{parts: cs} })
	}

	if m := condInRe.FindStringSubmatch(s); len(m) == 3 {
		return condIn{field: m[1], values: splitCSV(m[2])}, nil
	}
	if m := condCmpRe.FindStringSubmatch(s); len(m) == 4 {
		value := strings.Trim(m[3], `"`)
		return condCmp{field: m[1], op: m[2], value: value}, nil
	}
	return nil, fmt.Errorf("unsupported condition syntax: %s", s)
}

func combineCondition(parts []string, combine func([]condition) condition) (condition, error) {
	out := make([]condition, 0, len(parts))
	for _, p := range parts {
		c, err := ParseCondition(p)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return combine(out), nil
}

// splitTopLevel splits on sep outside of quotes and brackets.
func splitTopLevel(s, sep string) []string {
	var parts []string
	depth := 0
	inQuote := false
	last := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case '[':
			if !inQuote {
				depth++
			}
		case ']':
			if !inQuote {
				depth--
			}
		}
		if !inQuote && depth == 0 && strings.HasPrefix(s[i:], sep) {
			parts = append(parts, s[last:i])
			last = i + len(sep)
			i = last - 1
		}
	}
	parts = append(parts, s[last:])
	return parts
}

// splitCSV splits items like `"a","b"` or `a, b` into trimmed, unquoted strings.
func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, `"'`)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
