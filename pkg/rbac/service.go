package rbac

import "context"

// RoleAddedFunc is invoked after a commit that created a role which did
// not exist before. Consumers use it to index new roles elsewhere.
type RoleAddedFunc func(roleEntityRef string)

// PolicyService is the write and query surface of the policy engine.
// Reconcilers and the HTTP layer depend on this interface rather than on
// the concrete delegate so they can be tested against in-memory fakes.
type PolicyService interface {
	// Permission policies.
	HasPolicy(ctx context.Context, tuple []string) (bool, error)
	GetPolicy(ctx context.Context) ([][]string, error)
	GetFilteredPolicy(ctx context.Context, fieldIndex int, fieldValues ...string) ([][]string, error)
	AddPolicies(ctx context.Context, tuples [][]string) error
	RemovePolicies(ctx context.Context, tuples [][]string) error
	UpdatePolicies(ctx context.Context, oldTuples, newTuples [][]string) error

	// Grouping (role membership) policies.
	HasGroupingPolicy(ctx context.Context, tuple []string) (bool, error)
	GetGroupingPolicy(ctx context.Context) ([][]string, error)
	GetFilteredGroupingPolicy(ctx context.Context, fieldIndex int, fieldValues ...string) ([][]string, error)
	AddGroupingPolicies(ctx context.Context, tuples [][]string, meta RoleMetadata) error
	RemoveGroupingPolicies(ctx context.Context, tuples [][]string, meta RoleMetadata, isUpdate bool) error
	UpdateGroupingPolicies(ctx context.Context, oldTuples, newTuples [][]string, meta RoleMetadata) error

	// Metadata helpers.
	EnsureRoleMetadata(ctx context.Context, meta RoleMetadata) error
	FindRoleMetadata(ctx context.Context, roleEntityRef string) (*RoleMetadata, error)
	FilterRoleMetadataBySource(ctx context.Context, source Source) ([]RoleMetadata, error)
	UpgradeLegacySource(ctx context.Context, roleEntityRef string, to Source, modifiedBy string) error

	// Enforcement.
	Enforce(ctx context.Context, subject, resource, action string, subjectRoles []string) (bool, error)
}
