// Package rbactest provides an in-memory rbac.PolicyService for testing
// reconcilers without a database. It mirrors the transactional delegate's
// observable behavior: idempotent adds, metadata create-or-merge, and
// pruning of roles whose last member was removed.
package rbactest

import (
	"context"
	"sync"
	"time"

	"github.com/permsync/permsync/pkg/rbac"
)

// Service is an in-memory rbac.PolicyService
type Service struct {
	mu        sync.Mutex
	policies  map[string][]string
	groupings map[string][]string
	metadata  map[string]rbac.RoleMetadata

	// Ops records the mutating method names in call order
	Ops []string

	// RoleAdded, when set, fires for roles created by AddGroupingPolicies
	RoleAdded rbac.RoleAddedFunc
}

var _ rbac.PolicyService = (*Service)(nil)

// NewService returns an empty in-memory service
func NewService() *Service {
	return &Service{
		policies:  make(map[string][]string),
		groupings: make(map[string][]string),
		metadata:  make(map[string]rbac.RoleMetadata),
	}
}

// SeedMetadata installs a metadata record directly
func (s *Service) SeedMetadata(record rbac.RoleMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[record.RoleEntityRef] = record
}

// SeedPolicies installs permission tuples directly
func (s *Service) SeedPolicies(tuples ...[]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tuple := range tuples {
		s.policies[rbac.TupleKey(tuple)] = tuple
	}
}

// SeedGroupings installs membership tuples directly
func (s *Service) SeedGroupings(tuples ...[]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tuple := range tuples {
		s.groupings[rbac.TupleKey(tuple)] = tuple
	}
}

// Policies returns every permission tuple
func (s *Service) Policies() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return values(s.policies)
}

// Groupings returns every membership tuple
func (s *Service) Groupings() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return values(s.groupings)
}

// Metadata returns the stored record for a role, or nil
func (s *Service) Metadata(roleEntityRef string) *rbac.RoleMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.metadata[roleEntityRef]; ok {
		copied := record
		return &copied
	}
	return nil
}

func (s *Service) HasPolicy(_ context.Context, tuple []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.policies[rbac.TupleKey(tuple)]
	return ok, nil
}

func (s *Service) GetPolicy(_ context.Context) ([][]string, error) {
	return s.Policies(), nil
}

func (s *Service) GetFilteredPolicy(_ context.Context, fieldIndex int, fieldValues ...string) ([][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filtered(s.policies, fieldIndex, fieldValues), nil
}

func (s *Service) AddPolicies(_ context.Context, tuples [][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Ops = append(s.Ops, "AddPolicies")
	for _, tuple := range tuples {
		s.policies[rbac.TupleKey(tuple)] = tuple
	}
	return nil
}

func (s *Service) RemovePolicies(_ context.Context, tuples [][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Ops = append(s.Ops, "RemovePolicies")
	for _, tuple := range tuples {
		delete(s.policies, rbac.TupleKey(tuple))
	}
	return nil
}

func (s *Service) UpdatePolicies(ctx context.Context, oldTuples, newTuples [][]string) error {
	if err := s.RemovePolicies(ctx, oldTuples); err != nil {
		return err
	}
	return s.AddPolicies(ctx, newTuples)
}

func (s *Service) HasGroupingPolicy(_ context.Context, tuple []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.groupings[rbac.TupleKey(tuple)]
	return ok, nil
}

func (s *Service) GetGroupingPolicy(_ context.Context) ([][]string, error) {
	return s.Groupings(), nil
}

func (s *Service) GetFilteredGroupingPolicy(_ context.Context, fieldIndex int, fieldValues ...string) ([][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filtered(s.groupings, fieldIndex, fieldValues), nil
}

func (s *Service) AddGroupingPolicies(_ context.Context, tuples [][]string, meta rbac.RoleMetadata) error {
	s.mu.Lock()
	s.Ops = append(s.Ops, "AddGroupingPolicies")

	var created []string
	for _, tuple := range tuples {
		s.groupings[rbac.TupleKey(tuple)] = tuple
	}
	for _, roleRef := range roleRefs(tuples) {
		record := meta
		record.RoleEntityRef = roleRef
		current, ok := s.metadata[roleRef]
		if !ok {
			now := time.Now().UTC()
			if record.CreatedAt == nil {
				record.CreatedAt = &now
			}
			s.metadata[roleRef] = record
			created = append(created, roleRef)
			continue
		}
		s.metadata[roleRef] = rbac.MergeRoleMetadata(current, record)
	}
	s.mu.Unlock()

	if s.RoleAdded != nil {
		for _, roleRef := range created {
			s.RoleAdded(roleRef)
		}
	}
	return nil
}

func (s *Service) RemoveGroupingPolicies(_ context.Context, tuples [][]string, meta rbac.RoleMetadata, isUpdate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Ops = append(s.Ops, "RemoveGroupingPolicies")

	for _, tuple := range tuples {
		delete(s.groupings, rbac.TupleKey(tuple))
	}
	if isUpdate {
		return nil
	}
	for _, roleRef := range roleRefs(tuples) {
		if len(filtered(s.groupings, 1, []string{roleRef})) == 0 && roleRef != rbac.AdminRoleRef {
			delete(s.metadata, roleRef)
			continue
		}
		if current, ok := s.metadata[roleRef]; ok {
			record := meta
			record.RoleEntityRef = roleRef
			s.metadata[roleRef] = rbac.MergeRoleMetadata(current, record)
		}
	}
	return nil
}

func (s *Service) UpdateGroupingPolicies(ctx context.Context, oldTuples, newTuples [][]string, meta rbac.RoleMetadata) error {
	if err := s.RemoveGroupingPolicies(ctx, oldTuples, meta, true); err != nil {
		return err
	}
	return s.AddGroupingPolicies(ctx, newTuples, meta)
}

func (s *Service) EnsureRoleMetadata(_ context.Context, meta rbac.RoleMetadata) error {
	s.mu.Lock()
	s.Ops = append(s.Ops, "EnsureRoleMetadata")
	if _, ok := s.metadata[meta.RoleEntityRef]; ok {
		s.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	if meta.CreatedAt == nil {
		meta.CreatedAt = &now
	}
	s.metadata[meta.RoleEntityRef] = meta
	s.mu.Unlock()

	if s.RoleAdded != nil {
		s.RoleAdded(meta.RoleEntityRef)
	}
	return nil
}

func (s *Service) FindRoleMetadata(_ context.Context, roleEntityRef string) (*rbac.RoleMetadata, error) {
	return s.Metadata(roleEntityRef), nil
}

func (s *Service) FilterRoleMetadataBySource(_ context.Context, source rbac.Source) ([]rbac.RoleMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []rbac.RoleMetadata
	for _, record := range s.metadata {
		if source == "" || record.Source == source {
			records = append(records, record)
		}
	}
	return records, nil
}

func (s *Service) UpgradeLegacySource(_ context.Context, roleEntityRef string, to rbac.Source, modifiedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.metadata[roleEntityRef]
	if !ok {
		return &rbac.NotFoundError{RoleEntityRef: roleEntityRef}
	}
	if current.Source == to {
		return nil
	}
	if current.Source != rbac.SourceLegacy {
		return &rbac.NotAllowedError{RoleEntityRef: roleEntityRef, OwningSource: current.Source}
	}
	current.Source = to
	current.ModifiedBy = modifiedBy
	s.metadata[roleEntityRef] = current
	return nil
}

func (s *Service) Enforce(_ context.Context, subject, resource, action string, subjectRoles []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subjects := map[string]struct{}{subject: {}}
	for _, role := range subjectRoles {
		subjects[role] = struct{}{}
	}
	for _, tuple := range s.groupings {
		if tuple[0] == subject {
			subjects[tuple[1]] = struct{}{}
		}
	}

	allowed := false
	for _, tuple := range s.policies {
		if len(tuple) < 4 || tuple[1] != resource || tuple[2] != action {
			continue
		}
		if _, ok := subjects[tuple[0]]; !ok {
			continue
		}
		if tuple[3] == string(rbac.EffectDeny) {
			return false, nil
		}
		allowed = true
	}
	return allowed, nil
}

func values(set map[string][]string) [][]string {
	out := make([][]string, 0, len(set))
	for _, tuple := range set {
		out = append(out, tuple)
	}
	return out
}

func filtered(set map[string][]string, fieldIndex int, fieldValues []string) [][]string {
	var out [][]string
	for _, tuple := range set {
		match := true
		for i, value := range fieldValues {
			idx := fieldIndex + i
			if value == "" {
				continue
			}
			if idx >= len(tuple) || tuple[idx] != value {
				match = false
				break
			}
		}
		if match {
			out = append(out, tuple)
		}
	}
	return out
}

func roleRefs(tuples [][]string) []string {
	seen := make(map[string]struct{})
	var refs []string
	for _, tuple := range tuples {
		roleRef := rbac.RoleRefOf(tuple)
		if roleRef == "" {
			continue
		}
		if _, ok := seen[roleRef]; ok {
			continue
		}
		seen[roleRef] = struct{}{}
		refs = append(refs, roleRef)
	}
	return refs
}
