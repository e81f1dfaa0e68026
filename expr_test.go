package shield

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestEmptyCombinatorBoundaries(t *testing.T) {
	maps := []map[string]any{
		nil,
		{},
		{"groups": []string{"cn=admins"}},
		{"username": "alice", "realm": "ldap1"},
	}
	for _, m := range maps {
		if Any().Match(m) {
			t.Fatalf("Any() must never match, matched %v", m)
		}
		if !All().Match(m) {
			t.Fatalf("All() must always match, failed on %v", m)
		}
		if !Except(Any()).Match(m) {
			t.Fatalf("Except(Any()) must match %v", m)
		}
	}
}

func TestFieldExpressionMatching(t *testing.T) {
	attrs := map[string]any{
		"username": "alice",
		"groups":   []string{"cn=ops,ou=groups,dc=example", "cn=dev,ou=groups,dc=example"},
		"level":    int64(3),
		"active":   true,
	}
	cases := []struct {
		name string
		expr RoleExpression
		want bool
	}{
		{"exact", MustField("username", "alice"), true},
		{"exact miss", MustField("username", "bob"), false},
		{"wildcard on list", MustField("groups", "cn=ops,*"), true},
		{"regex on list", MustField("groups", "/cn=(dev|qa),.*/"), true},
		{"regex anchored", MustField("username", "/lic/"), false},
		{"missing attribute", MustField("dn", "*"), false},
		{"number", MustField("level", 3), true},
		{"number mismatch", MustField("level", 4.5), false},
		{"bool", MustField("active", true), true},
		{"string does not equal number", MustField("level", "3"), false},
		{"any of values", MustField("username", "bob", "ali*"), true},
	}
	for _, tc := range cases {
		if got := tc.expr.Match(attrs); got != tc.want {
			t.Fatalf("%s: %s matched=%v want %v", tc.name, tc.expr, got, tc.want)
		}
	}
}

func TestFieldRejectsBadRegex(t *testing.T) {
	if _, err := Field("groups", "/([/"); err == nil {
		t.Fatalf("expected regex compile error")
	}
	if _, err := Field("", "x"); err == nil {
		t.Fatalf("expected error for empty field name")
	}
}

func sampleExpressions() []RoleExpression {
	return []RoleExpression{
		All(),
		Any(),
		Except(All()),
		MustField("username", "alice"),
		Any(
			MustField("groups", "cn=admins,*"),
			All(MustField("realm", "ldap1"), Except(MustField("username", "/svc-.*/"))),
		),
		All(MustField("level", 3, 4), MustField("active", true)),
		Except(Any(MustField("metadata.department", "finance"), MustField("missing", nil))),
	}
}

func TestExpressionJSONRoundTrip(t *testing.T) {
	attrs := []map[string]any{
		{"username": "alice", "groups": []string{"cn=admins,dc=x"}, "realm": "ldap1", "level": 3, "active": true},
		{"username": "svc-backup", "realm": "ldap1", "metadata.department": "finance"},
		{},
	}
	for _, e := range sampleExpressions() {
		data, err := json.Marshal(e)
		if err != nil {
			t.Fatalf("marshal %s: %v", e, err)
		}
		parsed, err := ParseExpression(data)
		if err != nil {
			t.Fatalf("parse %s: %v", data, err)
		}
		for _, a := range attrs {
			if e.Match(a) != parsed.Match(a) {
				t.Fatalf("round trip of %s changed result on %v", data, a)
			}
		}
		again, _ := json.Marshal(parsed)
		if string(again) != string(data) {
			t.Fatalf("structural round trip mismatch:\n%s\n%s", data, again)
		}
	}
}

func TestExpressionYAMLRoundTrip(t *testing.T) {
	attrs := map[string]any{"username": "alice", "groups": []any{"cn=admins,dc=x"}, "level": 3}
	for _, e := range sampleExpressions() {
		data, err := yaml.Marshal(e)
		if err != nil {
			t.Fatalf("marshal %s: %v", e, err)
		}
		parsed, err := ParseExpressionYAML(data)
		if err != nil {
			t.Fatalf("parse %s: %v", data, err)
		}
		if e.Match(attrs) != parsed.Match(attrs) {
			t.Fatalf("yaml round trip of %s changed result", data)
		}
	}
}

func TestParseExpressionErrors(t *testing.T) {
	bad := []string{
		`[]`,
		`{}`,
		`{"all": {}}`,
		`{"field": {"a": 1, "b": 2}}`,
		`{"nope": []}`,
		`{"any": [], "all": []}`,
		`{"field": {"a": {"x": 1}}}`,
	}
	for _, in := range bad {
		if _, err := ParseExpression([]byte(in)); err == nil {
			t.Fatalf("expected error for %s", in)
		}
	}
}

func TestAttributeNames(t *testing.T) {
	e := Any(MustField("groups", "x"), Except(MustField("username", "y")), All(MustField("groups", "z")))
	got := AttributeNames(e)
	if len(got) != 2 || got[0] != "groups" || got[1] != "username" {
		t.Fatalf("unexpected names %v", got)
	}
}
