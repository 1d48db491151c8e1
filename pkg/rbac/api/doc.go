// Package api exposes the role and policy administration REST API.
//
// The API operates on the rest source: it can create roles, manage their
// members, and attach permission policies, but it refuses to touch roles
// owned by the declarative policy file or an external provider. Roles with
// legacy provenance are claimed by the first source that modifies them,
// including this one.
package api
