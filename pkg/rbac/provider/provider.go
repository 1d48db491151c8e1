package provider

import "context"

// Connection is the handle a role provider writes through. Both methods
// replace the full desired state for that provider: tuples missing from
// the store are added and tuples the provider previously applied but no
// longer sends are removed.
type Connection interface {
	// ApplyRoles replaces the provider's membership tuples (member, role)
	ApplyRoles(ctx context.Context, tuples [][]string) error

	// ApplyPermissions replaces the provider's permission tuples
	// (role, resource, action, effect)
	ApplyPermissions(ctx context.Context, tuples [][]string) error
}

// Provider is an external system of record for roles, such as an identity
// provider group sync. Connect is called once at startup with the
// connection the provider should hold on to; Refresh asks the provider to
// re-read its backend and re-apply through that connection.
type Provider interface {
	ID() string
	Connect(ctx context.Context, conn Connection) error
	Refresh(ctx context.Context) error
}
