package bootstrap

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permsync/permsync/pkg/audit"
	"github.com/permsync/permsync/pkg/observability"
	"github.com/permsync/permsync/pkg/rbac"
	"github.com/permsync/permsync/pkg/rbac/rbactest"
	"github.com/permsync/permsync/pkg/rbac/validation"
)

func newTestBootstrapper(t *testing.T) (*AdminBootstrapper, *rbactest.Service) {
	t.Helper()
	cache, err := validation.NewCache(validation.DefaultCacheSize)
	require.NoError(t, err)

	service := rbactest.NewService()
	log := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewAdminBootstrapper(service, cache, log), service
}

func TestAdminBootstrapper_SeedsRoleAndPermissions(t *testing.T) {
	bootstrapper, service := newTestBootstrapper(t)

	err := bootstrapper.Run(context.Background(), []string{"user:default/alice", "group:default/platform"})
	require.NoError(t, err)

	assert.ElementsMatch(t, [][]string{
		{"user:default/alice", rbac.AdminRoleRef},
		{"group:default/platform", rbac.AdminRoleRef},
	}, service.Groupings())

	meta := service.Metadata(rbac.AdminRoleRef)
	require.NotNil(t, meta)
	assert.Equal(t, rbac.SourceConfiguration, meta.Source)

	for _, policy := range adminPermissions {
		has, err := service.HasPolicy(context.Background(), policy)
		require.NoError(t, err)
		assert.True(t, has, "missing admin permission %v", policy)
	}
}

func TestAdminBootstrapper_ReplacesMembership(t *testing.T) {
	bootstrapper, service := newTestBootstrapper(t)

	require.NoError(t, bootstrapper.Run(context.Background(), []string{"user:default/alice", "user:default/bob"}))
	require.NoError(t, bootstrapper.Run(context.Background(), []string{"user:default/bob", "user:default/carol"}))

	assert.ElementsMatch(t, [][]string{
		{"user:default/bob", rbac.AdminRoleRef},
		{"user:default/carol", rbac.AdminRoleRef},
	}, service.Groupings())
}

func TestAdminBootstrapper_KeepsMetadataWithNoMembers(t *testing.T) {
	bootstrapper, service := newTestBootstrapper(t)

	require.NoError(t, bootstrapper.Run(context.Background(), []string{"user:default/alice"}))
	require.NoError(t, bootstrapper.Run(context.Background(), nil))

	assert.Empty(t, service.Groupings())
	assert.NotNil(t, service.Metadata(rbac.AdminRoleRef))
}

func TestAdminBootstrapper_CreatesMetadataWithNoMembers(t *testing.T) {
	bootstrapper, service := newTestBootstrapper(t)

	require.NoError(t, bootstrapper.Run(context.Background(), nil))

	meta := service.Metadata(rbac.AdminRoleRef)
	require.NotNil(t, meta)
	assert.Equal(t, rbac.SourceConfiguration, meta.Source)
	assert.Empty(t, service.Groupings())
}

type recordingAuditor struct {
	*audit.NoopLogger
	roleEvents []audit.EventType
}

func (r *recordingAuditor) LogRoleChange(_ context.Context, eventType audit.EventType, _, _, _ string, _ []string, _ error) error {
	r.roleEvents = append(r.roleEvents, eventType)
	return nil
}

func TestAdminBootstrapper_AuditsEmptyingRemovalAsDelete(t *testing.T) {
	bootstrapper, _ := newTestBootstrapper(t)
	auditor := &recordingAuditor{NoopLogger: audit.NewNoopLogger()}
	bootstrapper.SetAuditLogger(auditor)

	require.NoError(t, bootstrapper.Run(context.Background(), []string{"user:default/alice"}))
	auditor.roleEvents = nil

	require.NoError(t, bootstrapper.Run(context.Background(), nil))
	assert.Equal(t, []audit.EventType{audit.EventTypeRoleDelete}, auditor.roleEvents)
}

func TestAdminBootstrapper_AuditsPartialRemovalAsUpdate(t *testing.T) {
	bootstrapper, _ := newTestBootstrapper(t)
	auditor := &recordingAuditor{NoopLogger: audit.NewNoopLogger()}
	bootstrapper.SetAuditLogger(auditor)

	require.NoError(t, bootstrapper.Run(context.Background(), []string{"user:default/alice", "user:default/bob"}))
	auditor.roleEvents = nil

	require.NoError(t, bootstrapper.Run(context.Background(), []string{"user:default/alice"}))
	assert.Equal(t, []audit.EventType{audit.EventTypeRoleUpdate}, auditor.roleEvents)
}

func TestAdminBootstrapper_UpgradesLegacyRole(t *testing.T) {
	bootstrapper, service := newTestBootstrapper(t)

	service.SeedMetadata(rbac.RoleMetadata{RoleEntityRef: rbac.AdminRoleRef, Source: rbac.SourceLegacy})

	require.NoError(t, bootstrapper.Run(context.Background(), []string{"user:default/alice"}))
	assert.Equal(t, rbac.SourceConfiguration, service.Metadata(rbac.AdminRoleRef).Source)
}

func TestAdminBootstrapper_RemovesDeprecatedPermission(t *testing.T) {
	bootstrapper, service := newTestBootstrapper(t)

	service.SeedPolicies(deprecatedAdminPolicy)

	require.NoError(t, bootstrapper.Run(context.Background(), []string{"user:default/alice"}))

	has, err := service.HasPolicy(context.Background(), deprecatedAdminPolicy)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestAdminBootstrapper_RejectsInvalidMember(t *testing.T) {
	bootstrapper, _ := newTestBootstrapper(t)

	err := bootstrapper.Run(context.Background(), []string{"not a reference"})
	assert.ErrorIs(t, err, rbac.ErrInput)
}

func TestAdminBootstrapper_IsIdempotent(t *testing.T) {
	bootstrapper, service := newTestBootstrapper(t)

	require.NoError(t, bootstrapper.Run(context.Background(), []string{"user:default/alice"}))
	require.NoError(t, bootstrapper.Run(context.Background(), []string{"user:default/alice"}))

	assert.Len(t, service.Groupings(), 1)
	assert.Len(t, service.Policies(), len(adminPermissions))
}
