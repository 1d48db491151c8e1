package bootstrap

import (
	"context"

	"github.com/permsync/permsync/pkg/audit"
	"github.com/permsync/permsync/pkg/observability"
	"github.com/permsync/permsync/pkg/rbac"
	"github.com/permsync/permsync/pkg/rbac/validation"
)

// DefaultRolePermission is one configured grant of the default role.
// Action defaults to "use" and Effect to "allow" when left empty.
type DefaultRolePermission struct {
	Resource string
	Action   string
	Effect   string
}

// DefaultRole is the configured seed role. A nil value disables seeding.
type DefaultRole struct {
	Name        string
	Description string
	Members     []string
	Permissions []DefaultRolePermission
}

// DefaultRoleInitializer seeds one configured role on first startup. It
// never adopts an existing role: if the role is already present the run
// fails with a conflict, which callers may treat as "already initialized".
type DefaultRoleInitializer struct {
	service rbac.PolicyService
	cache   *validation.Cache
	log     *observability.Logger
	auditor audit.Logger
}

// NewDefaultRoleInitializer creates the default role seeder
func NewDefaultRoleInitializer(service rbac.PolicyService, cache *validation.Cache, log *observability.Logger) *DefaultRoleInitializer {
	return &DefaultRoleInitializer{
		service: service,
		cache:   cache,
		log:     log.WithField("reconciler", "default-role"),
		auditor: audit.NewNoopLogger(),
	}
}

// SetAuditLogger routes change records to auditor
func (i *DefaultRoleInitializer) SetAuditLogger(auditor audit.Logger) {
	i.auditor = auditor
}

// Run seeds the configured role. A nil role is a no-op; a role with an
// empty name is a configuration error.
func (i *DefaultRoleInitializer) Run(ctx context.Context, role *DefaultRole) error {
	if role == nil {
		return nil
	}
	if len(role.Permissions) == 0 {
		i.log.Info("default role has no permissions configured, skipping seed")
		return nil
	}
	if role.Name == "" {
		return rbac.NewInputError("default role name must not be empty")
	}

	roleRef := rbac.NormalizeTuple([]string{role.Name})[0]
	if err := validation.ValidateEntityReference(roleRef, true, i.cache); err != nil {
		return err
	}

	existing, err := i.service.FindRoleMetadata(ctx, roleRef)
	if err != nil {
		return err
	}
	if existing != nil {
		return &rbac.ConflictError{
			RoleEntityRef: roleRef,
			Detail:        "role already exists, refusing to seed over it",
		}
	}

	// Any policy already targeting the role means it was set up before,
	// even when the configured grants do not overlap it.
	present, err := i.service.GetFilteredPolicy(ctx, 0, roleRef)
	if err != nil {
		return err
	}
	if len(present) > 0 {
		return &rbac.ConflictError{
			RoleEntityRef: roleRef,
			Detail:        "permission policies already exist, refusing to seed over them",
		}
	}

	policies := make([][]string, 0, len(role.Permissions))
	for _, perm := range role.Permissions {
		action, effect, err := validation.CheckActionEffect(perm.Action, perm.Effect)
		if err != nil {
			return err
		}
		if perm.Resource == "" {
			return rbac.NewInputError("default role permission must name a resource")
		}
		policies = append(policies, []string{roleRef, perm.Resource, string(action), string(effect)})
	}

	groupings := make([][]string, 0, len(role.Members))
	for _, member := range role.Members {
		tuple := rbac.NormalizeTuple([]string{member, roleRef})
		if err := validation.ValidateGroupingPolicy(tuple, nil, rbac.SourceConfiguration, i.cache); err != nil {
			return err
		}
		groupings = append(groupings, tuple)
	}

	meta := rbac.RoleMetadata{
		RoleEntityRef: roleRef,
		Source:        rbac.SourceConfiguration,
		Author:        configActor,
		ModifiedBy:    configActor,
		Description:   role.Description,
	}

	if len(groupings) > 0 {
		err := i.service.AddGroupingPolicies(ctx, groupings, meta)
		if auditErr := i.auditor.LogRoleChange(ctx, audit.EventTypeRoleCreate, configActor, string(rbac.SourceConfiguration), roleRef, role.Members, err); auditErr != nil {
			i.log.WithError(auditErr).Warn("failed to audit default role creation")
		}
		if err != nil {
			return err
		}
	}
	if len(policies) > 0 {
		err := i.service.AddPolicies(ctx, policies)
		if auditErr := i.auditor.LogPolicyChange(ctx, audit.EventTypePolicyCreate, configActor, string(rbac.SourceConfiguration), policies, err); auditErr != nil {
			i.log.WithError(auditErr).Warn("failed to audit default role policies")
		}
		if err != nil {
			return err
		}
	}

	i.log.Infof("seeded default role %s", roleRef)
	return nil
}
