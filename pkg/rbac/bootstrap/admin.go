package bootstrap

import (
	"context"
	"fmt"

	"github.com/permsync/permsync/pkg/audit"
	"github.com/permsync/permsync/pkg/observability"
	"github.com/permsync/permsync/pkg/rbac"
	"github.com/permsync/permsync/pkg/rbac/validation"
)

// actor recorded on changes made from static configuration
const configActor = "configuration"

// deprecatedAdminPolicy is an over-broad grant shipped by earlier releases.
// It is removed on every startup so upgraded installations lose it.
var deprecatedAdminPolicy = []string{rbac.AdminRoleRef, "policy.entity.create", "create", "allow"}

// adminPermissions is the fixed grant set of the built-in admin role
var adminPermissions = [][]string{
	{rbac.AdminRoleRef, rbac.ResourcePolicyEntity, "read", "allow"},
	{rbac.AdminRoleRef, rbac.ResourcePolicyEntity, "create", "allow"},
	{rbac.AdminRoleRef, rbac.ResourcePolicyEntity, "update", "allow"},
	{rbac.AdminRoleRef, rbac.ResourcePolicyEntity, "delete", "allow"},
	{rbac.AdminRoleRef, rbac.ResourceCatalogEntity, "read", "allow"},
}

// AdminBootstrapper reconciles the built-in admin role against the
// configured member list on every startup. Members are replaced, the
// permission set is fixed, and the role's metadata survives even with no
// members.
type AdminBootstrapper struct {
	service rbac.PolicyService
	cache   *validation.Cache
	log     *observability.Logger
	auditor audit.Logger
}

// NewAdminBootstrapper creates the admin role reconciler
func NewAdminBootstrapper(service rbac.PolicyService, cache *validation.Cache, log *observability.Logger) *AdminBootstrapper {
	return &AdminBootstrapper{
		service: service,
		cache:   cache,
		log:     log.WithField("reconciler", "admin-bootstrap"),
		auditor: audit.NewNoopLogger(),
	}
}

// SetAuditLogger routes change records to auditor
func (b *AdminBootstrapper) SetAuditLogger(auditor audit.Logger) {
	b.auditor = auditor
}

// Run brings the admin role in line with the configured members
func (b *AdminBootstrapper) Run(ctx context.Context, members []string) error {
	meta := rbac.RoleMetadata{
		RoleEntityRef: rbac.AdminRoleRef,
		Source:        rbac.SourceConfiguration,
		Author:        configActor,
		ModifiedBy:    configActor,
		Description:   "The default permission policy administrators",
	}

	current, err := b.service.FindRoleMetadata(ctx, rbac.AdminRoleRef)
	if err != nil {
		return err
	}
	if current != nil && current.Source == rbac.SourceLegacy {
		if err := b.service.UpgradeLegacySource(ctx, rbac.AdminRoleRef, rbac.SourceConfiguration, configActor); err != nil {
			return err
		}
	}
	if current == nil {
		// The admin role exists even with no configured members, so its
		// metadata is created up front rather than as a side effect of the
		// first membership insert.
		if err := b.service.EnsureRoleMetadata(ctx, meta); err != nil {
			return err
		}
		b.auditMembers(ctx, audit.EventTypeRoleCreate, nil, nil)
	}

	desired := make([][]string, 0, len(members))
	for _, member := range members {
		tuple := rbac.NormalizeTuple([]string{member, rbac.AdminRoleRef})
		if err := validation.ValidateEntityReference(tuple[0], false, b.cache); err != nil {
			return fmt.Errorf("invalid admin member %q: %w", member, err)
		}
		desired = append(desired, tuple)
	}

	currentMembers, err := b.service.GetFilteredGroupingPolicy(ctx, 1, rbac.AdminRoleRef)
	if err != nil {
		return err
	}

	add, remove := diffTuples(desired, currentMembers)
	if len(add) > 0 {
		err := b.service.AddGroupingPolicies(ctx, add, meta)
		b.auditMembers(ctx, audit.EventTypeRoleUpdate, add, err)
		if err != nil {
			return err
		}
	}
	if len(remove) > 0 {
		// Membership is replaced wholesale, so a removal that leaves no
		// desired members empties the role.
		eventType := audit.EventTypeRoleUpdate
		if len(desired) == 0 {
			eventType = audit.EventTypeRoleDelete
		}
		err := b.service.RemoveGroupingPolicies(ctx, remove, meta, false)
		b.auditMembers(ctx, eventType, remove, err)
		if err != nil {
			return err
		}
	}

	if err := b.service.AddPolicies(ctx, adminPermissions); err != nil {
		return err
	}

	has, err := b.service.HasPolicy(ctx, deprecatedAdminPolicy)
	if err != nil {
		return err
	}
	if has {
		b.log.Info("removing deprecated admin permission")
		if err := b.service.RemovePolicies(ctx, [][]string{deprecatedAdminPolicy}); err != nil {
			return err
		}
	}
	return nil
}

func (b *AdminBootstrapper) auditMembers(ctx context.Context, eventType audit.EventType, tuples [][]string, opErr error) {
	members := make([]string, 0, len(tuples))
	for _, tuple := range tuples {
		members = append(members, tuple[0])
	}
	if err := b.auditor.LogRoleChange(ctx, eventType, configActor, string(rbac.SourceConfiguration), rbac.AdminRoleRef, members, opErr); err != nil {
		b.log.WithError(err).Warn("failed to audit admin role change")
	}
}

func diffTuples(desired, current [][]string) (add, remove [][]string) {
	desiredSet := rbac.TupleSet(desired)
	currentSet := rbac.TupleSet(current)

	for _, tuple := range desired {
		if _, ok := currentSet[rbac.TupleKey(tuple)]; !ok {
			add = append(add, tuple)
		}
	}
	for _, tuple := range current {
		if _, ok := desiredSet[rbac.TupleKey(tuple)]; !ok {
			remove = append(remove, tuple)
		}
	}
	return add, remove
}
