package authz_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Treynis/ejbca/internal/kessai/admin"
	"github.com/Treynis/ejbca/internal/kessai/authz"
)

const rulesYAML = `
roles:
  - name: super-administrators
    members:
      - issuer_dn: "CN=ManagementCA,O=Example"
        serial: "1A2B"
        matrix_user: "@alice:example.org"
    rules:
      - resource: /
        recursive: true
  - name: ra-officers
    members:
      - issuer_dn: "CN=ManagementCA,O=Example"
        subject_dn: "CN=Bob,O=Example"
    rules:
      - resource: /ra_functionality
        recursive: true
      - resource: /ca/3
      - resource: /ca/7
        deny: true
      - resource: /endentityprofilesrules/5/approve_end_entity
        condition: 'identity.subject_dn.endsWith("O=Example")'
      - resource: /endentityprofilesrules/6/approve_end_entity
        condition: 'resource.startsWith("/nowhere")'
  - name: auditors
    members:
      - issuer_dn: "CN=ManagementCA,O=Example"
        subject_dn: "CN=Bob,O=Example"
    rules:
      - resource: /ra_functionality/approve_caaction
        deny: true
`

var (
	alice = admin.Identity{IssuerDN: "CN=ManagementCA,O=Example", Serial: "1a2b", SubjectDN: "CN=Alice,O=Example"}
	bob   = admin.Identity{IssuerDN: "CN=ManagementCA,O=Example", Serial: "99", SubjectDN: "CN=Bob,O=Example"}
	eve   = admin.Identity{IssuerDN: "CN=Rogue", Serial: "1A2B", SubjectDN: "CN=Alice,O=Example"}
)

func loadRules(t *testing.T) *authz.RuleSet {
	t.Helper()
	rs, err := authz.Parse([]byte(rulesYAML))
	require.NoError(t, err)
	return rs
}

func TestIsAuthorized(t *testing.T) {
	rs := loadRules(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		who      admin.Identity
		resource string
		want     bool
	}{
		{"root grant covers everything", alice, "/ca/42", true},
		{"recursive grant", bob, "/ra_functionality/approve_end_entity", true},
		{"exact grant", bob, "/ca/3", true},
		{"not granted", bob, "/ca/4", false},
		{"explicit deny", bob, "/ca/7", false},
		{"deny from another role wins", bob, "/ra_functionality/approve_caaction", false},
		{"condition holds", bob, "/endentityprofilesrules/5/approve_end_entity", true},
		{"condition fails", bob, "/endentityprofilesrules/6/approve_end_entity", false},
		{"prefix is not a path boundary", bob, "/ra_functionality_extra", false},
		{"wrong issuer", eve, "/ca/1", false},
		{"zero identity", admin.Identity{}, "/ca/1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rs.IsAuthorized(ctx, tt.who, tt.resource))
		})
	}
}

func TestRoles(t *testing.T) {
	rs := loadRules(t)

	assert.True(t, rs.HasRole(alice, "super-administrators"))
	assert.False(t, rs.HasRole(alice, "ra-officers"))
	assert.ElementsMatch(t, []string{"ra-officers", "auditors"}, rs.Roles(bob))
	assert.Empty(t, rs.Roles(eve))
}

func TestIdentityForMatrixUser(t *testing.T) {
	rs := loadRules(t)

	who, ok := rs.IdentityForMatrixUser("@alice:example.org")
	require.True(t, ok)
	assert.True(t, who.Equal(alice))

	_, ok = rs.IdentityForMatrixUser("@mallory:example.org")
	assert.False(t, ok)
}

func TestParse_Rejects(t *testing.T) {
	tests := map[string]string{
		"schema: missing rules": `
roles:
  - name: x
    members: [{issuer_dn: "CN=CA", serial: "01"}]
`,
		"schema: member without serial or subject": `
roles:
  - name: x
    members: [{issuer_dn: "CN=CA"}]
    rules: []
`,
		"schema: relative resource": `
roles:
  - name: x
    members: [{issuer_dn: "CN=CA", serial: "01"}]
    rules: [{resource: "ca/1"}]
`,
		"duplicate role": `
roles:
  - name: x
    members: []
    rules: []
  - name: x
    members: []
    rules: []
`,
		"condition does not compile": `
roles:
  - name: x
    members: []
    rules: [{resource: "/ca/1", condition: "identity.("}]
`,
		"condition is not boolean": `
roles:
  - name: x
    members: []
    rules: [{resource: "/ca/1", condition: "resource"}]
`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := authz.Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rulesYAML), 0o600))

	rs, err := authz.LoadFile(path)
	require.NoError(t, err)
	assert.True(t, rs.IsAuthorized(context.Background(), alice, "/"))

	_, err = authz.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
