package validation

import (
	"regexp"
	"strings"

	"github.com/permsync/permsync/pkg/rbac"
)

// Entity reference grammar: kind:namespace/name. Name segments allow mixed
// case with -, _ and . separators; namespaces are lowercase with - only.
var (
	nameRegex      = regexp.MustCompile(`^[A-Za-z0-9]+([-_.][A-Za-z0-9]+)*$`)
	namespaceRegex = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
)

const maxSegmentLength = 63

// ValidateEntityReference checks that ref is a full kind:namespace/name
// reference with a supported kind and valid name/namespace segments. When
// requireRole is set the kind must be "role". A nil cache disables
// memoization.
func ValidateEntityReference(ref string, requireRole bool, cache *Cache) error {
	if cache != nil {
		if err, ok := cache.get(ref, requireRole); ok {
			return err
		}
	}
	err := validateEntityReference(ref, requireRole)
	if cache != nil {
		cache.put(ref, requireRole, err)
	}
	return err
}

func validateEntityReference(ref string, requireRole bool) error {
	if ref == "" {
		return rbac.NewInputError("entity reference must not be empty")
	}

	kind, rest, found := strings.Cut(ref, ":")
	if !found || kind == "" {
		return rbac.NewInputError("entity reference %q must be a full reference of the form kind:namespace/name", ref)
	}
	namespace, name, found := strings.Cut(rest, "/")
	if !found || namespace == "" || name == "" {
		return rbac.NewInputError("entity reference %q must be a full reference of the form kind:namespace/name", ref)
	}

	switch kind {
	case rbac.KindUser, rbac.KindGroup, rbac.KindRole:
	default:
		return rbac.NewInputError("entity reference %q has unsupported kind %q", ref, kind)
	}
	if requireRole && kind != rbac.KindRole {
		return rbac.NewInputError("entity reference %q must be of kind %q", ref, rbac.KindRole)
	}

	if len(namespace) > maxSegmentLength || !namespaceRegex.MatchString(namespace) {
		return rbac.NewInputError("entity reference %q has invalid namespace %q", ref, namespace)
	}
	if len(name) > maxSegmentLength || !nameRegex.MatchString(name) {
		return rbac.NewInputError("entity reference %q has invalid name %q", ref, name)
	}
	return nil
}

// ValidatePolicy checks a (role, resource, action, effect) policy tuple
func ValidatePolicy(policy []string, cache *Cache) error {
	if len(policy) != 4 {
		return rbac.NewInputError("policy must have exactly 4 fields (role, resource, action, effect), got %d", len(policy))
	}
	if err := ValidateEntityReference(policy[0], true, cache); err != nil {
		return err
	}
	if policy[1] == "" {
		return rbac.NewInputError("policy for %q must specify a resource", policy[0])
	}
	if !rbac.IsValidAction(policy[2]) {
		return rbac.NewInputError("policy for %q has invalid action %q", policy[0], policy[2])
	}
	if !rbac.IsValidEffect(policy[3]) {
		return rbac.NewInputError("policy for %q has invalid effect %q", policy[0], policy[3])
	}
	return nil
}

// ValidateRole checks a role object: a valid role reference and a non-empty,
// valid member list
func ValidateRole(role rbac.Role, cache *Cache) error {
	if err := ValidateEntityReference(role.Name, true, cache); err != nil {
		return err
	}
	if len(role.MemberReferences) == 0 {
		return rbac.NewInputError("role %q must have at least one member reference", role.Name)
	}
	for _, member := range role.MemberReferences {
		if err := ValidateEntityReference(member, false, cache); err != nil {
			return err
		}
	}
	return nil
}

// ValidateGroupingPolicy checks a (member, role) grouping tuple structurally
// and then checks provenance against the role's existing metadata. A
// provenance failure is returned as a NotAllowedError so batch callers can
// distinguish it from structural errors.
func ValidateGroupingPolicy(tuple []string, existing *rbac.RoleMetadata, incoming rbac.Source, cache *Cache) error {
	if len(tuple) != 2 {
		return rbac.NewInputError("grouping policy must have exactly 2 fields (member, role), got %d", len(tuple))
	}
	member, parent := tuple[0], tuple[1]
	if err := ValidateEntityReference(member, false, cache); err != nil {
		return err
	}
	if err := ValidateEntityReference(parent, false, cache); err != nil {
		return err
	}

	if strings.HasPrefix(member, rbac.KindRole+":") {
		return rbac.NewInputError("grouping policy %v: role inheritance is not supported, members must be users or groups", tuple)
	}
	if strings.HasPrefix(parent, rbac.KindGroup+":") {
		if strings.HasPrefix(member, rbac.KindUser+":") {
			return rbac.NewInputError("grouping policy %v: group membership for users must come from the identity provider, not the policy engine", tuple)
		}
		return rbac.NewInputError("grouping policy %v: group hierarchy must come from the identity provider, not the policy engine", tuple)
	}
	if err := ValidateEntityReference(parent, true, cache); err != nil {
		return err
	}

	return ValidateSource(incoming, existing)
}

// ValidateSource enforces source immutability: a role with no metadata can be
// claimed by any source, a legacy role can be claimed exactly once, and
// everything else is owned by its recorded source.
func ValidateSource(incoming rbac.Source, existing *rbac.RoleMetadata) error {
	if existing == nil {
		return nil
	}
	if existing.Source == incoming || existing.Source == rbac.SourceLegacy {
		return nil
	}
	return &rbac.NotAllowedError{
		RoleEntityRef: existing.RoleEntityRef,
		OwningSource:  existing.Source,
	}
}

// CheckActionEffect validates optional action/effect values, applying the
// defaults used by configured basic permissions
func CheckActionEffect(action, effect string) (rbac.Action, rbac.Effect, error) {
	if action == "" {
		action = string(rbac.ActionUse)
	}
	if effect == "" {
		effect = string(rbac.EffectAllow)
	}
	if !rbac.IsValidAction(action) {
		return "", "", rbac.NewInputError("invalid action %q, expected one of %v", action, rbac.ValidActions())
	}
	if !rbac.IsValidEffect(effect) {
		return "", "", rbac.NewInputError("invalid effect %q, expected allow or deny", effect)
	}
	return rbac.Action(action), rbac.Effect(effect), nil
}
