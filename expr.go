package shield

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/oarkflow/shield/utils"
)

// RoleExpression is a side effect free predicate over a flat attribute map.
// Implementations are immutable and safe for concurrent use.
type RoleExpression interface {
	Match(attrs map[string]any) bool
	String() string
	// tree returns the structured form used for serialization.
	tree() map[string]any
}

// AllExpression matches when every child matches. An empty list matches.
type AllExpression struct {
	children []RoleExpression
}

// AnyExpression matches when at least one child matches. An empty list never
// matches.
type AnyExpression struct {
	children []RoleExpression
}

// ExceptExpression inverts its child.
type ExceptExpression struct {
	child RoleExpression
}

// FieldExpression matches when the attribute named Field equals, or matches,
// one of its values. String values wrapped in slashes are regular expressions;
// strings containing '*' or '?' are wildcards. A missing attribute never
// matches. A list-valued attribute matches when any element does.
type FieldExpression struct {
	field    string
	values   []any
	matchers []valueMatcher
}

type valueMatcher func(v any) bool

func All(children ...RoleExpression) *AllExpression {
	return &AllExpression{children: children}
}

func Any(children ...RoleExpression) *AnyExpression {
	return &AnyExpression{children: children}
}

func Except(child RoleExpression) *ExceptExpression {
	return &ExceptExpression{child: child}
}

// Field builds a field expression, compiling any regular expression values.
func Field(name string, values ...any) (*FieldExpression, error) {
	if name == "" {
		return nil, fmt.Errorf("field expression requires a field name")
	}
	fe := &FieldExpression{field: name, values: values, matchers: make([]valueMatcher, 0, len(values))}
	for _, v := range values {
		m, err := compileValue(v)
		if err != nil {
			return nil, fmt.Errorf("field [%s]: %w", name, err)
		}
		fe.matchers = append(fe.matchers, m)
	}
	return fe, nil
}

// MustField is Field that panics on an invalid regular expression.
func MustField(name string, values ...any) *FieldExpression {
	fe, err := Field(name, values...)
	if err != nil {
		panic(err)
	}
	return fe
}

func (e *AllExpression) Match(attrs map[string]any) bool {
	for _, c := range e.children {
		if !c.Match(attrs) {
			return false
		}
	}
	return true
}

func (e *AnyExpression) Match(attrs map[string]any) bool {
	for _, c := range e.children {
		if c.Match(attrs) {
			return true
		}
	}
	return false
}

func (e *ExceptExpression) Match(attrs map[string]any) bool {
	return !e.child.Match(attrs)
}

func (e *FieldExpression) Match(attrs map[string]any) bool {
	v, ok := attrs[e.field]
	if !ok {
		return false
	}
	switch vv := v.(type) {
	case []string:
		for _, s := range vv {
			if e.matchOne(s) {
				return true
			}
		}
		return false
	case []any:
		for _, s := range vv {
			if e.matchOne(s) {
				return true
			}
		}
		return false
	default:
		return e.matchOne(v)
	}
}

func (e *FieldExpression) matchOne(v any) bool {
	for _, m := range e.matchers {
		if m(v) {
			return true
		}
	}
	return false
}

func (e *FieldExpression) Name() string  { return e.field }
func (e *FieldExpression) Values() []any { return append([]any(nil), e.values...) }

func (e *AllExpression) Children() []RoleExpression {
	return append([]RoleExpression(nil), e.children...)
}

func (e *AnyExpression) Children() []RoleExpression {
	return append([]RoleExpression(nil), e.children...)
}

func (e *ExceptExpression) Child() RoleExpression { return e.child }

func (e *AllExpression) String() string { return joinExpr("ALL", e.children) }
func (e *AnyExpression) String() string { return joinExpr("ANY", e.children) }

func (e *ExceptExpression) String() string { return "EXCEPT(" + e.child.String() + ")" }

func (e *FieldExpression) String() string {
	parts := make([]string, len(e.values))
	for i, v := range e.values {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return fmt.Sprintf("%s in [%s]", e.field, strings.Join(parts, ","))
}

func joinExpr(op string, children []RoleExpression) string {
	parts := make([]string, len(children))
	for i, c := range children {
		parts[i] = c.String()
	}
	return op + "(" + strings.Join(parts, " ") + ")"
}

func (e *AllExpression) tree() map[string]any    { return map[string]any{"all": childTrees(e.children)} }
func (e *AnyExpression) tree() map[string]any    { return map[string]any{"any": childTrees(e.children)} }
func (e *ExceptExpression) tree() map[string]any { return map[string]any{"except": e.child.tree()} }

func (e *FieldExpression) tree() map[string]any {
	vals := make([]any, len(e.values))
	copy(vals, e.values)
	return map[string]any{"field": map[string]any{e.field: vals}}
}

func childTrees(children []RoleExpression) []any {
	out := make([]any, len(children))
	for i, c := range children {
		out[i] = c.tree()
	}
	return out
}

func (e *AllExpression) MarshalJSON() ([]byte, error)    { return json.Marshal(e.tree()) }
func (e *AnyExpression) MarshalJSON() ([]byte, error)    { return json.Marshal(e.tree()) }
func (e *ExceptExpression) MarshalJSON() ([]byte, error) { return json.Marshal(e.tree()) }
func (e *FieldExpression) MarshalJSON() ([]byte, error)  { return json.Marshal(e.tree()) }

func (e *AllExpression) MarshalYAML() (any, error)    { return e.tree(), nil }
func (e *AnyExpression) MarshalYAML() (any, error)    { return e.tree(), nil }
func (e *ExceptExpression) MarshalYAML() (any, error) { return e.tree(), nil }
func (e *FieldExpression) MarshalYAML() (any, error)  { return e.tree(), nil }

// ParseExpression parses the JSON form of an expression:
//
//	{"any": [{"field": {"groups": ["cn=admins,*", "/.*ops.*/"]}}, {"except": {...}}]}
func ParseExpression(data []byte) (RoleExpression, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse role expression: %w", err)
	}
	return ExpressionFromTree(raw)
}

// ParseExpressionYAML parses the YAML form, which mirrors the JSON one.
func ParseExpressionYAML(data []byte) (RoleExpression, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse role expression: %w", err)
	}
	return ExpressionFromTree(raw)
}

// ExpressionFromTree converts an already decoded JSON or YAML value.
func ExpressionFromTree(raw any) (RoleExpression, error) {
	m, ok := asStringMap(raw)
	if !ok {
		return nil, fmt.Errorf("role expression must be an object, got %T", raw)
	}
	if len(m) != 1 {
		return nil, fmt.Errorf("role expression must have exactly one key, got %d", len(m))
	}
	for key, body := range m {
		switch key {
		case "all", "any":
			list, ok := body.([]any)
			if !ok {
				return nil, fmt.Errorf("[%s] requires a list of expressions", key)
			}
			children := make([]RoleExpression, 0, len(list))
			for _, item := range list {
				c, err := ExpressionFromTree(item)
				if err != nil {
					return nil, err
				}
				children = append(children, c)
			}
			if key == "all" {
				return All(children...), nil
			}
			return Any(children...), nil
		case "except":
			c, err := ExpressionFromTree(body)
			if err != nil {
				return nil, err
			}
			return Except(c), nil
		case "field":
			fm, ok := asStringMap(body)
			if !ok || len(fm) != 1 {
				return nil, fmt.Errorf("[field] requires exactly one field name")
			}
			for name, vals := range fm {
				var values []any
				if list, ok := vals.([]any); ok {
					values = make([]any, 0, len(list))
					for _, v := range list {
						values = append(values, normalizeScalar(v))
					}
				} else {
					values = []any{normalizeScalar(vals)}
				}
				return Field(name, values...)
			}
		}
		return nil, fmt.Errorf("unknown role expression type [%s]", key)
	}
	return nil, fmt.Errorf("empty role expression")
}

func asStringMap(raw any) (map[string]any, bool) {
	switch m := raw.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[fmt.Sprint(k)] = v
		}
		return out, true
	}
	return nil, false
}

func normalizeScalar(v any) any {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		f, _ := n.Float64()
		return f
	case int:
		return int64(n)
	}
	return v
}

func compileValue(v any) (valueMatcher, error) {
	s, ok := v.(string)
	if !ok {
		switch v.(type) {
		case nil, bool, int, int32, int64, uint64, float32, float64, json.Number:
		default:
			return nil, fmt.Errorf("unsupported value type %T", v)
		}
		want := v
		return func(got any) bool { return scalarEqual(want, got) }, nil
	}
	if len(s) >= 2 && strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/") {
		re, err := regexp.Compile("^(?:" + s[1:len(s)-1] + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", s, err)
		}
		return func(got any) bool {
			gs, ok := got.(string)
			return ok && re.MatchString(gs)
		}, nil
	}
	if utils.IsWildcard(s) {
		return func(got any) bool {
			gs, ok := got.(string)
			return ok && utils.Glob(s, gs)
		}, nil
	}
	return func(got any) bool {
		gs, ok := got.(string)
		return ok && gs == s
	}, nil
}

func scalarEqual(want, got any) bool {
	if want == nil || got == nil {
		return want == nil && got == nil
	}
	if wf, ok := toFloat(want); ok {
		gf, ok := toFloat(got)
		return ok && wf == gf && !math.IsNaN(wf)
	}
	if wb, ok := want.(bool); ok {
		gb, ok := got.(bool)
		return ok && wb == gb
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// AttributeNames returns every field name referenced by e, sorted.
func AttributeNames(e RoleExpression) []string {
	seen := map[string]struct{}{}
	var walk func(RoleExpression)
	walk = func(x RoleExpression) {
		switch n := x.(type) {
		case *AllExpression:
			for _, c := range n.children {
				walk(c)
			}
		case *AnyExpression:
			for _, c := range n.children {
				walk(c)
			}
		case *ExceptExpression:
			walk(n.child)
		case *FieldExpression:
			seen[n.field] = struct{}{}
		}
	}
	walk(e)
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
