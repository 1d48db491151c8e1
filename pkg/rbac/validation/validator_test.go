package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permsync/permsync/pkg/rbac"
)

func TestValidateEntityReference(t *testing.T) {
	tests := []struct {
		name        string
		ref         string
		requireRole bool
		wantErr     string
	}{
		{name: "valid user", ref: "user:default/alice"},
		{name: "valid group", ref: "group:default/team-a"},
		{name: "valid role", ref: "role:default/qa", requireRole: true},
		{name: "mixed case name", ref: "user:default/Alice.Smith_01"},
		{name: "empty", ref: "", wantErr: "must not be empty"},
		{name: "partial ref", ref: "alice", wantErr: "full reference"},
		{name: "missing namespace", ref: "user:alice", wantErr: "full reference"},
		{name: "missing name", ref: "user:default/", wantErr: "full reference"},
		{name: "unsupported kind", ref: "component:default/api", wantErr: "unsupported kind"},
		{name: "role required", ref: "user:default/alice", requireRole: true, wantErr: `must be of kind "role"`},
		{name: "uppercase namespace", ref: "user:Default/alice", wantErr: "invalid namespace"},
		{name: "bad name charset", ref: "user:default/al!ce", wantErr: "invalid name"},
		{name: "name too long", ref: "user:default/" + strings.Repeat("a", 64), wantErr: "invalid name"},
		{name: "namespace too long", ref: "user:" + strings.Repeat("a", 64) + "/alice", wantErr: "invalid namespace"},
		{name: "trailing separator", ref: "user:default/alice-", wantErr: "invalid name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEntityReference(tt.ref, tt.requireRole, nil)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, rbac.ErrInput)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidatePolicy(t *testing.T) {
	tests := []struct {
		name    string
		policy  []string
		wantErr string
	}{
		{name: "valid", policy: []string{"role:default/qa", "policy-entity", "read", "allow"}},
		{name: "valid deny", policy: []string{"role:default/qa", "catalog-entity", "delete", "deny"}},
		{name: "wrong arity", policy: []string{"role:default/qa", "policy-entity", "read"}, wantErr: "exactly 4 fields"},
		{name: "not a role", policy: []string{"user:default/alice", "policy-entity", "read", "allow"}, wantErr: `must be of kind "role"`},
		{name: "empty resource", policy: []string{"role:default/qa", "", "read", "allow"}, wantErr: "must specify a resource"},
		{name: "bad action", policy: []string{"role:default/qa", "policy-entity", "enumerate", "allow"}, wantErr: "invalid action"},
		{name: "bad effect", policy: []string{"role:default/qa", "policy-entity", "read", "maybe"}, wantErr: "invalid effect"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePolicy(tt.policy, nil)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateRole(t *testing.T) {
	valid := rbac.Role{
		Name:             "role:default/qa",
		MemberReferences: []string{"user:default/alice", "group:default/qa-team"},
	}
	assert.NoError(t, ValidateRole(valid, nil))

	noMembers := rbac.Role{Name: "role:default/qa"}
	err := ValidateRole(noMembers, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one member")

	badMember := rbac.Role{
		Name:             "role:default/qa",
		MemberReferences: []string{"alice"},
	}
	err = ValidateRole(badMember, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, rbac.ErrInput)
}

func TestValidateGroupingPolicy(t *testing.T) {
	tests := []struct {
		name     string
		tuple    []string
		existing *rbac.RoleMetadata
		source   rbac.Source
		wantErr  string
		allowed  bool
	}{
		{
			name:   "valid user member",
			tuple:  []string{"user:default/alice", "role:default/qa"},
			source: rbac.SourceCSVFile,
		},
		{
			name:   "valid group member",
			tuple:  []string{"group:default/qa-team", "role:default/qa"},
			source: rbac.SourceCSVFile,
		},
		{
			name:    "wrong arity",
			tuple:   []string{"user:default/alice"},
			wantErr: "exactly 2 fields",
		},
		{
			name:    "role inheritance",
			tuple:   []string{"role:default/base", "role:default/qa"},
			wantErr: "role inheritance is not supported",
		},
		{
			name:    "user in group",
			tuple:   []string{"user:default/alice", "group:default/qa-team"},
			wantErr: "must come from the identity provider",
		},
		{
			name:    "group in group",
			tuple:   []string{"group:default/a", "group:default/b"},
			wantErr: "must come from the identity provider",
		},
		{
			name:    "parent must be role",
			tuple:   []string{"user:default/alice", "user:default/bob"},
			wantErr: `must be of kind "role"`,
		},
		{
			name:  "same source ok",
			tuple: []string{"user:default/alice", "role:default/qa"},
			existing: &rbac.RoleMetadata{
				RoleEntityRef: "role:default/qa",
				Source:        rbac.SourceCSVFile,
			},
			source: rbac.SourceCSVFile,
		},
		{
			name:  "legacy overridable",
			tuple: []string{"user:default/alice", "role:default/qa"},
			existing: &rbac.RoleMetadata{
				RoleEntityRef: "role:default/qa",
				Source:        rbac.SourceLegacy,
			},
			source: rbac.SourceREST,
		},
		{
			name:  "foreign source rejected",
			tuple: []string{"user:default/alice", "role:default/qa"},
			existing: &rbac.RoleMetadata{
				RoleEntityRef: "role:default/qa",
				Source:        rbac.SourceREST,
			},
			source:  rbac.SourceCSVFile,
			wantErr: "source does not match originating role",
			allowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGroupingPolicy(tt.tuple, tt.existing, tt.source, nil)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, tt.allowed, rbac.IsNotAllowed(err),
				"provenance failures must be distinguishable from structural ones")
		})
	}
}

func TestValidateSource(t *testing.T) {
	assert.NoError(t, ValidateSource(rbac.SourceREST, nil))

	owned := &rbac.RoleMetadata{RoleEntityRef: "role:default/qa", Source: rbac.SourceCSVFile}
	assert.NoError(t, ValidateSource(rbac.SourceCSVFile, owned))

	err := ValidateSource(rbac.SourceREST, owned)
	require.Error(t, err)
	var notAllowed *rbac.NotAllowedError
	require.ErrorAs(t, err, &notAllowed)
	assert.Equal(t, rbac.SourceCSVFile, notAllowed.OwningSource)
}

func TestCheckActionEffect(t *testing.T) {
	action, effect, err := CheckActionEffect("", "")
	require.NoError(t, err)
	assert.Equal(t, rbac.ActionUse, action)
	assert.Equal(t, rbac.EffectAllow, effect)

	action, effect, err = CheckActionEffect("read", "deny")
	require.NoError(t, err)
	assert.Equal(t, rbac.ActionRead, action)
	assert.Equal(t, rbac.EffectDeny, effect)

	_, _, err = CheckActionEffect("enumerate", "")
	assert.ErrorIs(t, err, rbac.ErrInput)

	_, _, err = CheckActionEffect("", "maybe")
	assert.ErrorIs(t, err, rbac.ErrInput)
}

func TestCacheMemoizesAndClears(t *testing.T) {
	cache, err := NewCache(16)
	require.NoError(t, err)

	require.NoError(t, ValidateEntityReference("user:default/alice", false, cache))
	require.Error(t, ValidateEntityReference("nope", false, cache))
	assert.Equal(t, 2, cache.Len())

	// Cached result is returned for the same key.
	require.NoError(t, ValidateEntityReference("user:default/alice", false, cache))
	assert.Equal(t, 2, cache.Len())

	// requireRole participates in the key.
	require.Error(t, ValidateEntityReference("user:default/alice", true, cache))
	assert.Equal(t, 3, cache.Len())

	cache.Clear()
	assert.Equal(t, 0, cache.Len())
}
