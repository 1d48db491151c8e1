package rbac

import (
	"strings"
	"time"
)

// Source identifies which system of record owns a role. Every role carries
// exactly one source; mutations from any other source are rejected by the
// validation layer.
type Source string

const (
	// SourceLegacy marks roles discovered before provenance tracking
	// existed. Legacy is the only source that may be overwritten, exactly
	// once, by any concrete source.
	SourceLegacy Source = "legacy"

	// SourceConfiguration marks roles seeded from static configuration
	// (admin bootstrap, default role).
	SourceConfiguration Source = "configuration"

	// SourceREST marks roles created through the administration API.
	SourceREST Source = "rest"

	// SourceCSVFile marks roles managed by the declarative policy file.
	SourceCSVFile Source = "csv-file"
)

// Action represents an action that can be granted on a resource
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionUse    Action = "use"
)

// Effect represents the outcome of a matching policy
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Entity reference kinds supported by the engine
const (
	KindUser  = "user"
	KindGroup = "group"
	KindRole  = "role"
)

// Built-in resource names used by the admin permission set
const (
	ResourcePolicyEntity  = "policy-entity"
	ResourceCatalogEntity = "catalog-entity"
)

// AdminRoleRef is the fixed privileged role. Its metadata record is never
// deleted, even when the role has no members.
const AdminRoleRef = "role:default/rbac_admin"

// ValidActions returns the closed set of supported actions
func ValidActions() []Action {
	return []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionUse}
}

// IsValidAction reports whether action is in the closed action set
func IsValidAction(action string) bool {
	for _, a := range ValidActions() {
		if string(a) == action {
			return true
		}
	}
	return false
}

// IsValidEffect reports whether effect is in the closed effect set
func IsValidEffect(effect string) bool {
	return effect == string(EffectAllow) || effect == string(EffectDeny)
}

// Role represents a role and its flattened membership. Role-to-role
// inheritance is not supported; MemberReferences may only name users and
// groups.
type Role struct {
	Name             string        `json:"name"`
	MemberReferences []string      `json:"memberReferences"`
	Metadata         *RoleMetadata `json:"metadata,omitempty"`
}

// GroupingTuples expands the role into one (member, role) tuple per member
func (r Role) GroupingTuples() [][]string {
	tuples := make([][]string, 0, len(r.MemberReferences))
	for _, member := range r.MemberReferences {
		tuples = append(tuples, []string{member, r.Name})
	}
	return tuples
}

// RoleMetadata records the provenance of a role: which source owns it, who
// created and last modified it, and when. Exactly one record exists per role
// that has any membership.
type RoleMetadata struct {
	ID            int64      `json:"id,omitempty"`
	RoleEntityRef string     `json:"roleEntityRef"`
	Source        Source     `json:"source"`
	Description   string     `json:"description,omitempty"`
	Owner         string     `json:"owner,omitempty"`
	Author        string     `json:"author,omitempty"`
	ModifiedBy    string     `json:"modifiedBy"`
	CreatedAt     *time.Time `json:"createdAt,omitempty"`
	LastModified  *time.Time `json:"lastModified,omitempty"`
}

// MergeRoleMetadata combines an existing metadata record with an incoming
// update. Most fields carry over from the current record; the incoming record
// supplies the new modification stamp, role reference, and source. A
// description is only taken from the incoming record when it sets one.
func MergeRoleMetadata(current, incoming RoleMetadata) RoleMetadata {
	merged := current
	merged.RoleEntityRef = incoming.RoleEntityRef
	merged.Source = incoming.Source
	merged.ModifiedBy = incoming.ModifiedBy
	merged.LastModified = incoming.LastModified
	if merged.LastModified == nil {
		now := time.Now().UTC()
		merged.LastModified = &now
	}
	if incoming.Description != "" {
		merged.Description = incoming.Description
	}
	return merged
}

// Equal compares two metadata records ignoring the storage id
func (m RoleMetadata) Equal(other RoleMetadata) bool {
	if m.RoleEntityRef != other.RoleEntityRef ||
		m.Source != other.Source ||
		m.Description != other.Description ||
		m.Owner != other.Owner ||
		m.Author != other.Author ||
		m.ModifiedBy != other.ModifiedBy {
		return false
	}
	return timeEqual(m.CreatedAt, other.CreatedAt) && timeEqual(m.LastModified, other.LastModified)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// RoleRefOf returns the role side of a grouping tuple (member, role)
func RoleRefOf(tuple []string) string {
	if len(tuple) < 2 {
		return ""
	}
	return tuple[1]
}

// NormalizeTuple lowercases the entity-reference columns of a tuple: the
// member and role of a grouping tuple, or the role of a policy tuple. The
// catalog resolves entity references case-insensitively, so the store only
// holds the lowercase form.
func NormalizeTuple(tuple []string) []string {
	normalized := make([]string, len(tuple))
	copy(normalized, tuple)
	if len(normalized) > 0 {
		normalized[0] = strings.ToLower(normalized[0])
	}
	if len(normalized) > 1 && strings.Contains(normalized[1], ":") {
		normalized[1] = strings.ToLower(normalized[1])
	}
	return normalized
}

// NormalizeTuples applies NormalizeTuple to every tuple
func NormalizeTuples(tuples [][]string) [][]string {
	normalized := make([][]string, 0, len(tuples))
	for _, tuple := range tuples {
		normalized = append(normalized, NormalizeTuple(tuple))
	}
	return normalized
}

// TupleKey returns a canonical string form of a tuple for set comparison
func TupleKey(tuple []string) string {
	return strings.Join(tuple, ", ")
}

// TupleSet builds a lookup set keyed by TupleKey
func TupleSet(tuples [][]string) map[string][]string {
	set := make(map[string][]string, len(tuples))
	for _, tuple := range tuples {
		set[TupleKey(tuple)] = tuple
	}
	return set
}
