// Package enforcer owns every mutation of the policy store. The Delegate
// pairs each casbin rule change with the matching role-metadata change in
// one database transaction, keeps the in-memory model in step with commits,
// and answers authorization checks against filter-scoped throwaway
// enforcers so checks never block behind writes.
package enforcer
