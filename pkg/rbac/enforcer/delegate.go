package enforcer

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/casbin/casbin/v2"

	"github.com/permsync/permsync/pkg/observability"
	"github.com/permsync/permsync/pkg/rbac"
	"github.com/permsync/permsync/pkg/rbac/metadata"
	"github.com/permsync/permsync/pkg/rbac/sqladapter"
)

// Delegate is the single writer for the policy store. Every mutation of
// casbin rules runs in one database transaction together with the matching
// role-metadata mutation, and the in-memory casbin model is only updated
// after that transaction commits. Auto-save on the wrapped enforcer is
// disabled so casbin never writes behind the delegate's back.
type Delegate struct {
	db       *sql.DB
	adapter  *sqladapter.Adapter
	enforcer *casbin.Enforcer
	metadata *metadata.Store
	log      *observability.Logger

	roleAdded rbac.RoleAddedFunc
	metrics   *observability.Metrics

	mu sync.Mutex
}

var _ rbac.PolicyService = (*Delegate)(nil)

// NewDelegate loads the current policy set from db and returns a ready
// delegate. The casbin_rule and role_metadata tables must already exist.
func NewDelegate(db *sql.DB, log *observability.Logger) (*Delegate, error) {
	m, err := rbac.NewModel()
	if err != nil {
		return nil, err
	}

	adapter := sqladapter.New(db)
	e, err := casbin.NewEnforcer(m, adapter)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize enforcer: %w", err)
	}
	e.EnableAutoSave(false)

	return &Delegate{
		db:       db,
		adapter:  adapter,
		enforcer: e,
		metadata: metadata.NewStore(db),
		log:      log,
	}, nil
}

// SetRoleAddedCallback registers fn to run after any commit that created a
// role which had no metadata before.
func (d *Delegate) SetRoleAddedCallback(fn rbac.RoleAddedFunc) {
	d.roleAdded = fn
}

// SetMetrics enables enforcement and mutation counters.
func (d *Delegate) SetMetrics(m *observability.Metrics) {
	d.metrics = m
}

// MetadataStore exposes the underlying metadata store for read-side
// consumers such as the HTTP layer.
func (d *Delegate) MetadataStore() *metadata.Store {
	return d.metadata
}

func toInterface(tuple []string) []interface{} {
	params := make([]interface{}, len(tuple))
	for i, v := range tuple {
		params[i] = v
	}
	return params
}

// HasPolicy reports whether the permission tuple is present.
func (d *Delegate) HasPolicy(_ context.Context, tuple []string) (bool, error) {
	return d.enforcer.HasPolicy(toInterface(tuple)...)
}

// GetPolicy returns every permission tuple.
func (d *Delegate) GetPolicy(_ context.Context) ([][]string, error) {
	return d.enforcer.GetPolicy()
}

// GetFilteredPolicy returns permission tuples whose columns starting at
// fieldIndex match fieldValues.
func (d *Delegate) GetFilteredPolicy(_ context.Context, fieldIndex int, fieldValues ...string) ([][]string, error) {
	return d.enforcer.GetFilteredPolicy(fieldIndex, fieldValues...)
}

// HasGroupingPolicy reports whether the membership tuple is present.
func (d *Delegate) HasGroupingPolicy(_ context.Context, tuple []string) (bool, error) {
	return d.enforcer.HasGroupingPolicy(toInterface(tuple)...)
}

// GetGroupingPolicy returns every membership tuple.
func (d *Delegate) GetGroupingPolicy(_ context.Context) ([][]string, error) {
	return d.enforcer.GetGroupingPolicy()
}

// GetFilteredGroupingPolicy returns membership tuples whose columns starting
// at fieldIndex match fieldValues.
func (d *Delegate) GetFilteredGroupingPolicy(_ context.Context, fieldIndex int, fieldValues ...string) ([][]string, error) {
	return d.enforcer.GetFilteredGroupingPolicy(fieldIndex, fieldValues...)
}

// AddPolicies writes the permission tuples that are not already present.
// Tuples that exist are skipped rather than rejected, so reconcilers can
// replay their desired state.
func (d *Delegate) AddPolicies(ctx context.Context, tuples [][]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	fresh, err := d.missingPolicies(tuples)
	if err != nil {
		return err
	}
	if len(fresh) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := d.adapter.InsertRules(ctx, tx, "p", fresh); err != nil {
		return fmt.Errorf("failed to add policies: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit policy insert: %w", err)
	}

	if _, err := d.enforcer.AddPolicies(fresh); err != nil {
		return fmt.Errorf("failed to sync policies into memory: %w", err)
	}
	return nil
}

// RemovePolicies deletes the given permission tuples. Absent tuples are
// ignored.
func (d *Delegate) RemovePolicies(ctx context.Context, tuples [][]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	present, err := d.presentPolicies(tuples)
	if err != nil {
		return err
	}
	if len(present) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := d.adapter.DeleteRules(ctx, tx, "p", present); err != nil {
		return fmt.Errorf("failed to remove policies: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit policy delete: %w", err)
	}

	if _, err := d.enforcer.RemovePolicies(present); err != nil {
		return fmt.Errorf("failed to sync policy removal into memory: %w", err)
	}
	return nil
}

// UpdatePolicies replaces oldTuples with newTuples in a single transaction.
func (d *Delegate) UpdatePolicies(ctx context.Context, oldTuples, newTuples [][]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	present, err := d.presentPolicies(oldTuples)
	if err != nil {
		return err
	}
	fresh, err := d.missingPolicies(newTuples)
	if err != nil {
		return err
	}
	if len(present) == 0 && len(fresh) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := d.adapter.DeleteRules(ctx, tx, "p", present); err != nil {
		return fmt.Errorf("failed to remove outdated policies: %w", err)
	}
	if err := d.adapter.InsertRules(ctx, tx, "p", fresh); err != nil {
		return fmt.Errorf("failed to add updated policies: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit policy update: %w", err)
	}

	if len(present) > 0 {
		if _, err := d.enforcer.RemovePolicies(present); err != nil {
			return fmt.Errorf("failed to sync policy removal into memory: %w", err)
		}
	}
	if len(fresh) > 0 {
		if _, err := d.enforcer.AddPolicies(fresh); err != nil {
			return fmt.Errorf("failed to sync policies into memory: %w", err)
		}
	}
	return nil
}

// AddGroupingPolicies writes the membership tuples that are not already
// present, creating or merging one metadata record per affected role in the
// same transaction. The role-added callback fires after commit for every
// role that had no metadata before.
func (d *Delegate) AddGroupingPolicies(ctx context.Context, tuples [][]string, meta rbac.RoleMetadata) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	fresh, createdRoles, err := d.addGroupingTx(ctx, tx, tuples, meta)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit membership insert: %w", err)
	}

	d.afterGroupingCommit(fresh, nil, createdRoles)
	return nil
}

// RemoveGroupingPolicies deletes the given membership tuples. Unless the
// removal is one half of an update, metadata for a role whose last member
// was removed is deleted too, except for the built-in admin role which
// always keeps its record.
func (d *Delegate) RemoveGroupingPolicies(ctx context.Context, tuples [][]string, meta rbac.RoleMetadata, isUpdate bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	present, err := d.removeGroupingTx(ctx, tx, tuples, meta, isUpdate)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit membership delete: %w", err)
	}

	d.afterGroupingCommit(nil, present, nil)
	return nil
}

// UpdateGroupingPolicies atomically replaces oldTuples with newTuples,
// merging metadata for the affected roles once.
func (d *Delegate) UpdateGroupingPolicies(ctx context.Context, oldTuples, newTuples [][]string, meta rbac.RoleMetadata) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	removed, err := d.removeGroupingTx(ctx, tx, oldTuples, meta, true)
	if err != nil {
		return err
	}
	added, createdRoles, err := d.addGroupingTx(ctx, tx, newTuples, meta)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit membership update: %w", err)
	}

	d.afterGroupingCommit(added, removed, createdRoles)
	return nil
}

// addGroupingTx performs the database half of a membership insert. It
// returns the tuples that were actually new and the roles whose metadata
// record was created by this call.
func (d *Delegate) addGroupingTx(ctx context.Context, tx *sql.Tx, tuples [][]string, meta rbac.RoleMetadata) ([][]string, []string, error) {
	fresh := make([][]string, 0, len(tuples))
	for _, tuple := range tuples {
		has, err := d.enforcer.HasGroupingPolicy(toInterface(tuple)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to check membership tuple: %w", err)
		}
		if !has {
			fresh = append(fresh, tuple)
		}
	}

	var createdRoles []string
	for _, roleRef := range uniqueRoleRefs(tuples) {
		record := meta
		record.RoleEntityRef = roleRef

		current, err := d.metadata.Find(ctx, roleRef, tx)
		if err != nil {
			return nil, nil, err
		}
		if current == nil {
			now := time.Now().UTC()
			if record.CreatedAt == nil {
				record.CreatedAt = &now
			}
			if record.LastModified == nil {
				record.LastModified = &now
			}
			if _, err := d.metadata.Create(ctx, record, tx); err != nil {
				return nil, nil, err
			}
			createdRoles = append(createdRoles, roleRef)
			continue
		}
		if err := d.metadata.Update(ctx, record, roleRef, tx); err != nil {
			return nil, nil, err
		}
	}

	if len(fresh) > 0 {
		if err := d.adapter.InsertRules(ctx, tx, "g", fresh); err != nil {
			return nil, nil, fmt.Errorf("failed to add membership tuples: %w", err)
		}
	}
	return fresh, createdRoles, nil
}

// removeGroupingTx performs the database half of a membership delete and
// returns the tuples that were actually present.
func (d *Delegate) removeGroupingTx(ctx context.Context, tx *sql.Tx, tuples [][]string, meta rbac.RoleMetadata, isUpdate bool) ([][]string, error) {
	present := make([][]string, 0, len(tuples))
	for _, tuple := range tuples {
		has, err := d.enforcer.HasGroupingPolicy(toInterface(tuple)...)
		if err != nil {
			return nil, fmt.Errorf("failed to check membership tuple: %w", err)
		}
		if has {
			present = append(present, tuple)
		}
	}
	if len(present) == 0 {
		return nil, nil
	}

	if err := d.adapter.DeleteRules(ctx, tx, "g", present); err != nil {
		return nil, fmt.Errorf("failed to remove membership tuples: %w", err)
	}
	if isUpdate {
		return present, nil
	}

	removedByRole := make(map[string]int)
	for _, tuple := range present {
		removedByRole[rbac.RoleRefOf(tuple)]++
	}
	for roleRef, removedCount := range removedByRole {
		remaining, err := d.enforcer.GetFilteredGroupingPolicy(1, roleRef)
		if err != nil {
			return nil, fmt.Errorf("failed to count members of %s: %w", roleRef, err)
		}
		if len(remaining)-removedCount <= 0 && roleRef != rbac.AdminRoleRef {
			if err := d.metadata.Remove(ctx, roleRef, tx); err != nil {
				return nil, err
			}
			continue
		}
		record := meta
		record.RoleEntityRef = roleRef
		if err := d.metadata.Update(ctx, record, roleRef, tx); err != nil {
			return nil, err
		}
	}
	return present, nil
}

// afterGroupingCommit syncs the in-memory model and fires notifications.
// Failures here leave memory behind the database; they are logged because
// the database write already committed and must not be reported as failed.
func (d *Delegate) afterGroupingCommit(added, removed [][]string, createdRoles []string) {
	if len(removed) > 0 {
		if _, err := d.enforcer.RemoveGroupingPolicies(removed); err != nil {
			d.log.WithError(err).Error("failed to sync membership removal into memory")
		}
	}
	if len(added) > 0 {
		if _, err := d.enforcer.AddGroupingPolicies(added); err != nil {
			d.log.WithError(err).Error("failed to sync membership tuples into memory")
		}
	}
	if d.roleAdded != nil {
		for _, roleRef := range createdRoles {
			d.roleAdded(roleRef)
		}
	}
}

// EnsureRoleMetadata creates a metadata record for meta.RoleEntityRef when
// the role has none yet, so a role can exist before its first member is
// added. An existing record is left untouched.
func (d *Delegate) EnsureRoleMetadata(ctx context.Context, meta rbac.RoleMetadata) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	current, err := d.metadata.Find(ctx, meta.RoleEntityRef, nil)
	if err != nil {
		return err
	}
	if current != nil {
		return nil
	}

	now := time.Now().UTC()
	if meta.CreatedAt == nil {
		meta.CreatedAt = &now
	}
	if meta.LastModified == nil {
		meta.LastModified = &now
	}
	if _, err := d.metadata.Create(ctx, meta, nil); err != nil {
		return err
	}
	if d.roleAdded != nil {
		d.roleAdded(meta.RoleEntityRef)
	}
	return nil
}

// FindRoleMetadata returns the metadata record for a role, or nil when the
// role has none.
func (d *Delegate) FindRoleMetadata(ctx context.Context, roleEntityRef string) (*rbac.RoleMetadata, error) {
	return d.metadata.Find(ctx, roleEntityRef, nil)
}

// FilterRoleMetadataBySource lists metadata records owned by source; an
// empty source lists everything.
func (d *Delegate) FilterRoleMetadataBySource(ctx context.Context, source rbac.Source) ([]rbac.RoleMetadata, error) {
	return d.metadata.FilterBySource(ctx, source)
}

// UpgradeLegacySource stamps a legacy role as owned by the given source.
// Roles owned by any other source cannot be claimed.
func (d *Delegate) UpgradeLegacySource(ctx context.Context, roleEntityRef string, to rbac.Source, modifiedBy string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	current, err := d.metadata.Find(ctx, roleEntityRef, nil)
	if err != nil {
		return err
	}
	if current == nil {
		return &rbac.NotFoundError{RoleEntityRef: roleEntityRef}
	}
	if current.Source == to {
		return nil
	}
	if current.Source != rbac.SourceLegacy {
		return &rbac.NotAllowedError{RoleEntityRef: roleEntityRef, OwningSource: current.Source}
	}

	record := *current
	record.Source = to
	record.ModifiedBy = modifiedBy
	record.LastModified = nil
	return d.metadata.Update(ctx, record, roleEntityRef, nil)
}

// Enforce answers a single authorization request. Only the slice of the
// policy store relevant to the request is loaded into a throwaway enforcer:
// when subjectRoles is non-empty the load is scoped to the subject and its
// roles, otherwise to the requested resource and action.
func (d *Delegate) Enforce(_ context.Context, subject, resource, action string, subjectRoles []string) (bool, error) {
	start := time.Now()

	m, err := rbac.NewModel()
	if err != nil {
		return false, err
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return false, fmt.Errorf("failed to build scoped enforcer: %w", err)
	}
	e.SetAdapter(d.adapter.Filtered())

	filter := &sqladapter.Filter{}
	if len(subjectRoles) > 0 {
		filter.PSubjects = append(append([]string{}, subjectRoles...), subject)
		filter.GMembers = []string{subject}
		filter.GRoles = subjectRoles
	} else {
		filter.PResource = resource
		filter.PAction = action
	}
	if err := e.LoadFilteredPolicy(filter); err != nil {
		return false, fmt.Errorf("failed to load scoped policies: %w", err)
	}

	allowed, err := e.Enforce(subject, resource, action)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate request: %w", err)
	}
	if d.metrics != nil {
		d.metrics.ObserveEnforce(allowed, time.Since(start))
	}
	return allowed, nil
}

func (d *Delegate) missingPolicies(tuples [][]string) ([][]string, error) {
	fresh := make([][]string, 0, len(tuples))
	for _, tuple := range tuples {
		has, err := d.enforcer.HasPolicy(toInterface(tuple)...)
		if err != nil {
			return nil, fmt.Errorf("failed to check policy tuple: %w", err)
		}
		if !has {
			fresh = append(fresh, tuple)
		}
	}
	return fresh, nil
}

func (d *Delegate) presentPolicies(tuples [][]string) ([][]string, error) {
	present := make([][]string, 0, len(tuples))
	for _, tuple := range tuples {
		has, err := d.enforcer.HasPolicy(toInterface(tuple)...)
		if err != nil {
			return nil, fmt.Errorf("failed to check policy tuple: %w", err)
		}
		if has {
			present = append(present, tuple)
		}
	}
	return present, nil
}

func uniqueRoleRefs(tuples [][]string) []string {
	seen := make(map[string]struct{}, len(tuples))
	refs := make([]string, 0, len(tuples))
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
