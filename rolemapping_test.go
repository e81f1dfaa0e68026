package shield

import "testing"

func TestParseRoleMappingsExpressions(t *testing.T) {
	data := []byte(`
mappings:
  - name: admins
    roles: [superuser]
    rules:
      all:
        - field: {groups: "cn=admins,*"}
        - except: {field: {metadata.contractor: true}}
  - name: everyone
    roles: [viewer]
    rules: {field: {realm.name: ldap1}}
  - name: off
    roles: [ops]
    enabled: false
    rules: {all: []}
`)
	mappings, err := ParseRoleMappings(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	m := NewRoleMapper(mappings...)
	if m.Len() != 3 {
		t.Fatalf("expected 3 mappings")
	}

	admin := UserAttributes("ldap1", "alice", "cn=alice,dc=x", []string{"cn=admins,ou=groups,dc=x"}, nil)
	got := m.Resolve(admin)
	if len(got) != 2 || got[0] != "superuser" || got[1] != "viewer" {
		t.Fatalf("unexpected roles %v", got)
	}
	contractor := UserAttributes("ldap1", "bob", "cn=bob,dc=x", []string{"cn=admins,ou=groups,dc=x"}, map[string]any{"contractor": true})
	if got := m.Resolve(contractor); len(got) != 1 || got[0] != "viewer" {
		t.Fatalf("unexpected roles for contractor %v", got)
	}
}

func TestParseRoleMappingsDNList(t *testing.T) {
	data := []byte(`
ops:
  - "cn=ops,ou=groups,dc=example,dc=com"
  - "cn=carol,ou=people,dc=example,dc=com"
dev:
  - "cn=dev,ou=groups,dc=example,dc=com"
`)
	mappings, err := ParseRoleMappings(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	m := NewRoleMapper(mappings...)
	byGroup := UserAttributes("ldap", "dave", "cn=dave,ou=people,dc=example,dc=com", []string{"cn=ops,ou=groups,dc=example,dc=com"}, nil)
	if got := m.Resolve(byGroup); len(got) != 1 || got[0] != "ops" {
		t.Fatalf("group mapping failed: %v", got)
	}
	byDN := UserAttributes("ldap", "carol", "cn=carol,ou=people,dc=example,dc=com", nil, nil)
	if got := m.Resolve(byDN); len(got) != 1 || got[0] != "ops" {
		t.Fatalf("user dn mapping failed: %v", got)
	}
	if got := m.Resolve(UserAttributes("ldap", "x", "", nil, nil)); len(got) != 0 {
		t.Fatalf("expected no roles, got %v", got)
	}
}
