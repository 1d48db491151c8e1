package provider

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permsync/permsync/pkg/observability"
	"github.com/permsync/permsync/pkg/rbac"
	"github.com/permsync/permsync/pkg/rbac/rbactest"
	"github.com/permsync/permsync/pkg/rbac/validation"
)

func newTestConnector(t *testing.T) (*Connector, *rbactest.Service) {
	t.Helper()
	cache, err := validation.NewCache(validation.DefaultCacheSize)
	require.NoError(t, err)

	service := rbactest.NewService()
	log := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewConnector("ldap", service, cache, log), service
}

func TestConnector_ApplyRoles(t *testing.T) {
	connector, service := newTestConnector(t)

	err := connector.ApplyRoles(context.Background(), [][]string{
		{"user:default/Alice", "role:default/QA"},
		{"user:default/alice", "role:default/qa"},
		{"user:default/bob", "role:default/qa"},
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, [][]string{
		{"user:default/alice", "role:default/qa"},
		{"user:default/bob", "role:default/qa"},
	}, service.Groupings())

	meta := service.Metadata("role:default/qa")
	require.NotNil(t, meta)
	assert.Equal(t, rbac.Source("ldap"), meta.Source)
	assert.Equal(t, "ldap", meta.ModifiedBy)
}

func TestConnector_ApplyRolesReplacesPreviousState(t *testing.T) {
	connector, service := newTestConnector(t)

	require.NoError(t, connector.ApplyRoles(context.Background(), [][]string{
		{"user:default/alice", "role:default/qa"},
		{"user:default/bob", "role:default/ops"},
	}))
	require.NoError(t, connector.ApplyRoles(context.Background(), [][]string{
		{"user:default/alice", "role:default/qa"},
	}))

	assert.ElementsMatch(t, [][]string{
		{"user:default/alice", "role:default/qa"},
	}, service.Groupings())
	assert.Nil(t, service.Metadata("role:default/ops"))
}

func TestConnector_ApplyRolesLeavesOtherSourcesAlone(t *testing.T) {
	connector, service := newTestConnector(t)

	service.SeedMetadata(rbac.RoleMetadata{RoleEntityRef: "role:default/admins", Source: rbac.SourceREST})
	service.SeedGroupings([]string{"user:default/carol", "role:default/admins"})

	require.NoError(t, connector.ApplyRoles(context.Background(), [][]string{
		{"user:default/alice", "role:default/admins"},
		{"user:default/alice", "role:default/qa"},
	}))

	// The REST-owned role keeps its members and gains none.
	assert.ElementsMatch(t, [][]string{
		{"user:default/carol", "role:default/admins"},
		{"user:default/alice", "role:default/qa"},
	}, service.Groupings())
}

func TestConnector_ApplyRolesUpgradesLegacyRoles(t *testing.T) {
	connector, service := newTestConnector(t)

	service.SeedMetadata(rbac.RoleMetadata{RoleEntityRef: "role:default/qa", Source: rbac.SourceLegacy})
	service.SeedGroupings([]string{"user:default/alice", "role:default/qa"})

	require.NoError(t, connector.ApplyRoles(context.Background(), [][]string{
		{"user:default/alice", "role:default/qa"},
	}))

	meta := service.Metadata("role:default/qa")
	require.NotNil(t, meta)
	assert.Equal(t, rbac.Source("ldap"), meta.Source)
}

func TestConnector_ApplyPermissions(t *testing.T) {
	connector, service := newTestConnector(t)

	require.NoError(t, connector.ApplyRoles(context.Background(), [][]string{
		{"user:default/alice", "role:default/qa"},
	}))
	require.NoError(t, connector.ApplyPermissions(context.Background(), [][]string{
		{"role:default/qa", "policy-entity", "read", "allow"},
	}))
	assert.ElementsMatch(t, [][]string{
		{"role:default/qa", "policy-entity", "read", "allow"},
	}, service.Policies())

	// A later apply without the tuple removes it.
	require.NoError(t, connector.ApplyPermissions(context.Background(), nil))
	assert.Empty(t, service.Policies())
}

func TestConnector_ApplyPermissionsSkipsForeignRoles(t *testing.T) {
	connector, service := newTestConnector(t)

	service.SeedMetadata(rbac.RoleMetadata{RoleEntityRef: "role:default/admins", Source: rbac.SourceREST})

	require.NoError(t, connector.ApplyPermissions(context.Background(), [][]string{
		{"role:default/admins", "policy-entity", "delete", "allow"},
	}))
	assert.Empty(t, service.Policies())
}

type fakeProvider struct {
	id         string
	conn       Connection
	tuples     [][]string
	connectErr error
	refreshes  int
}

func (p *fakeProvider) ID() string { return p.id }

func (p *fakeProvider) Connect(ctx context.Context, conn Connection) error {
	if p.connectErr != nil {
		return p.connectErr
	}
	p.conn = conn
	return p.conn.ApplyRoles(ctx, p.tuples)
}

func (p *fakeProvider) Refresh(ctx context.Context) error {
	p.refreshes++
	return p.conn.ApplyRoles(ctx, p.tuples)
}

func TestManager_ConnectAll(t *testing.T) {
	cache, err := validation.NewCache(validation.DefaultCacheSize)
	require.NoError(t, err)
	service := rbactest.NewService()
	log := observability.NewLogger(observability.ErrorLevel, io.Discard)

	manager := NewManager(service, cache, log)
	manager.Register(&fakeProvider{id: "ldap", tuples: [][]string{{"user:default/alice", "role:default/qa"}}})
	manager.Register(&fakeProvider{id: "scim", tuples: [][]string{{"user:default/bob", "role:default/ops"}}})

	require.NoError(t, manager.ConnectAll(context.Background()))

	assert.ElementsMatch(t, [][]string{
		{"user:default/alice", "role:default/qa"},
		{"user:default/bob", "role:default/ops"},
	}, service.Groupings())
	assert.Equal(t, rbac.Source("ldap"), service.Metadata("role:default/qa").Source)
	assert.Equal(t, rbac.Source("scim"), service.Metadata("role:default/ops").Source)
}

func TestManager_ConnectAllReportsFailure(t *testing.T) {
	cache, err := validation.NewCache(validation.DefaultCacheSize)
	require.NoError(t, err)
	service := rbactest.NewService()
	log := observability.NewLogger(observability.ErrorLevel, io.Discard)

	manager := NewManager(service, cache, log)
	manager.Register(&fakeProvider{id: "broken", connectErr: errors.New("backend unreachable")})

	err = manager.ConnectAll(context.Background())
	assert.ErrorContains(t, err, `failed to connect provider "broken"`)
}

func TestManager_RefreshAll(t *testing.T) {
	cache, err := validation.NewCache(validation.DefaultCacheSize)
	require.NoError(t, err)
	service := rbactest.NewService()
	log := observability.NewLogger(observability.ErrorLevel, io.Discard)

	p := &fakeProvider{id: "ldap", tuples: [][]string{{"user:default/alice", "role:default/qa"}}}
	manager := NewManager(service, cache, log)
	manager.Register(p)
	require.NoError(t, manager.ConnectAll(context.Background()))

	manager.RefreshAll(context.Background())
	assert.Equal(t, 1, p.refreshes)
	assert.Len(t, service.Groupings(), 1)
}
