package csvfile

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/permsync/permsync/pkg/audit"
	"github.com/permsync/permsync/pkg/observability"
	"github.com/permsync/permsync/pkg/rbac"
	"github.com/permsync/permsync/pkg/rbac/validation"
)

// actor recorded on every change this reconciler makes
const fileActor = "csv-file"

// appliedSnapshot is the desired state the last successful pass applied.
// Subsequent passes diff the freshly parsed file against it, so removals
// work for every tuple the file ever applied, including policies for
// roles that never had a membership row.
type appliedSnapshot struct {
	policies  [][]string
	groupings [][]string
}

// Watcher reconciles the policy store against a declarative policy file.
// The file is the single source of truth for every role it owns: tuples
// present in the file but not in the store are added, tuples the file
// previously applied but no longer contains are removed, and roles the
// file stops mentioning are deleted entirely.
type Watcher struct {
	path    string
	service rbac.PolicyService
	cache   *validation.Cache
	log     *observability.Logger
	auditor audit.Logger
	metrics *observability.Metrics

	mu          sync.Mutex
	initialized bool
	applied     *appliedSnapshot
}

// NewWatcher creates a watcher for the policy file at path
func NewWatcher(path string, service rbac.PolicyService, cache *validation.Cache, log *observability.Logger) *Watcher {
	return &Watcher{
		path:    path,
		service: service,
		cache:   cache,
		log:     log.WithField("reconciler", fileActor).WithField("file", path),
		auditor: audit.NewNoopLogger(),
	}
}

// SetAuditLogger routes change records to auditor
func (w *Watcher) SetAuditLogger(auditor audit.Logger) {
	w.auditor = auditor
}

// SetMetrics enables reconciliation counters
func (w *Watcher) SetMetrics(m *observability.Metrics) {
	w.metrics = m
}

// Initialize performs the first reconciliation pass. It must be called
// once before Watch or OnChange.
func (w *Watcher) Initialize(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.initialized {
		return nil
	}
	if err := w.reconcile(ctx); err != nil {
		return err
	}
	w.initialized = true
	return nil
}

// OnChange re-reads the file and applies the difference against the last
// applied state.
func (w *Watcher) OnChange(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.initialized {
		return fmt.Errorf("policy file watcher is not initialized")
	}
	if err := w.reconcile(ctx); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.FileChangesApplied.Inc()
	}
	return nil
}

// Watch blocks, re-reconciling whenever the file changes, until ctx is
// done. The parent directory is watched so editors that replace the file
// are still observed.
func (w *Watcher) Watch(ctx context.Context) error {
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer notifier.Close()

	if err := notifier.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %q: %w", filepath.Dir(w.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-notifier.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := w.OnChange(ctx); err != nil {
				w.log.WithError(err).Error("failed to apply policy file change")
			}
		case err, ok := <-notifier.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Error("policy file watcher error")
		}
	}
}

func (w *Watcher) reconcile(ctx context.Context) error {
	start := time.Now()
	err := w.reconcileOnce(ctx)
	if w.metrics != nil {
		w.metrics.ObserveReconcile(fileActor, time.Since(start), err)
	}
	return err
}

func (w *Watcher) reconcileOnce(ctx context.Context) error {
	parsed, err := ParseFile(w.path)
	if err != nil {
		return err
	}
	for _, lineErr := range parsed.Errors {
		w.log.WithField("line", lineErr.Line).Warnf("skipping policy file line: %s", lineErr.Reason)
	}

	meta := rbac.RoleMetadata{
		Source:     rbac.SourceCSVFile,
		Author:     fileActor,
		ModifiedBy: fileActor,
	}

	// Roles already tracked as legacy are claimed by the file before the
	// tuple diff so provenance checks below see the right owner.
	manageable := make(map[string]struct{})
	for _, roleRef := range parsed.Roles() {
		current, err := w.service.FindRoleMetadata(ctx, roleRef)
		if err != nil {
			return err
		}
		if current != nil && current.Source == rbac.SourceLegacy {
			if err := w.service.UpgradeLegacySource(ctx, roleRef, rbac.SourceCSVFile, fileActor); err != nil {
				return err
			}
			if err := w.auditor.LogRoleChange(ctx, audit.EventTypeSourceUpgrade, fileActor, string(rbac.SourceCSVFile), roleRef, nil, nil); err != nil {
				w.log.WithError(err).Warn("failed to audit source upgrade")
			}
			manageable[roleRef] = struct{}{}
			continue
		}
		if current == nil || current.Source == rbac.SourceCSVFile {
			manageable[roleRef] = struct{}{}
			continue
		}
		w.log.WithFields(map[string]interface{}{
			"role": roleRef, "owner": string(current.Source),
		}).Warn("skipping role owned by another source")
	}

	desiredGroupings := w.validGroupings(ctx, parsed.Groupings, manageable)
	desiredPolicies := w.validPolicies(parsed.Policies, manageable)

	currentPolicies, currentGroupings, err := w.currentTuples(ctx)
	if err != nil {
		return err
	}

	addPolicies, removePolicies := diffTuples(desiredPolicies, currentPolicies)
	addGroupings, removeGroupings := diffTuples(desiredGroupings, currentGroupings)

	// Roles gaining their first metadata record through this pass are
	// audited as created; roles whose membership the pass empties out are
	// audited as deleted.
	createdRoles := make(map[string]struct{})
	for roleRef := range rolesOf(addGroupings) {
		existing, err := w.service.FindRoleMetadata(ctx, roleRef)
		if err != nil {
			return err
		}
		if existing == nil {
			createdRoles[roleRef] = struct{}{}
		}
	}
	remainingRoles := rolesOf(desiredGroupings)

	if len(addPolicies) > 0 {
		err := w.service.AddPolicies(ctx, addPolicies)
		w.auditPolicies(ctx, audit.EventTypePolicyCreate, addPolicies, err)
		if err != nil {
			return err
		}
	}
	if len(removePolicies) > 0 {
		err := w.service.RemovePolicies(ctx, removePolicies)
		w.auditPolicies(ctx, audit.EventTypePolicyDelete, removePolicies, err)
		if err != nil {
			return err
		}
	}
	if len(addGroupings) > 0 {
		err := w.service.AddGroupingPolicies(ctx, addGroupings, meta)
		w.auditGroupings(ctx, addGroupings, func(roleRef string) audit.EventType {
			if _, ok := createdRoles[roleRef]; ok {
				return audit.EventTypeRoleCreate
			}
			return audit.EventTypeRoleUpdate
		}, err)
		if err != nil {
			return err
		}
	}
	if len(removeGroupings) > 0 {
		err := w.service.RemoveGroupingPolicies(ctx, removeGroupings, meta, false)
		w.auditGroupings(ctx, removeGroupings, func(roleRef string) audit.EventType {
			if _, ok := remainingRoles[roleRef]; !ok {
				return audit.EventTypeRoleDelete
			}
			return audit.EventTypeRoleUpdate
		}, err)
		if err != nil {
			return err
		}
	}

	w.applied = &appliedSnapshot{policies: desiredPolicies, groupings: desiredGroupings}
	return nil
}

// currentTuples returns the tuples the file is answerable for. After the
// first pass that is the snapshot the last pass applied. On the first
// pass it is the live tuples of every role whose metadata names the file
// as its source, so roles dropped from the file while the process was
// down are still cleaned up.
func (w *Watcher) currentTuples(ctx context.Context) ([][]string, [][]string, error) {
	if w.applied != nil {
		return w.applied.policies, w.applied.groupings, nil
	}

	owned, err := w.service.FilterRoleMetadataBySource(ctx, rbac.SourceCSVFile)
	if err != nil {
		return nil, nil, err
	}

	var policies, groupings [][]string
	for _, record := range owned {
		p, err := w.service.GetFilteredPolicy(ctx, 0, record.RoleEntityRef)
		if err != nil {
			return nil, nil, err
		}
		policies = append(policies, p...)

		g, err := w.service.GetFilteredGroupingPolicy(ctx, 1, record.RoleEntityRef)
		if err != nil {
			return nil, nil, err
		}
		groupings = append(groupings, g...)
	}
	return policies, groupings, nil
}

func (w *Watcher) validGroupings(ctx context.Context, tuples [][]string, manageable map[string]struct{}) [][]string {
	valid := make([][]string, 0, len(tuples))
	for _, tuple := range tuples {
		roleRef := rbac.RoleRefOf(tuple)
		if _, ok := manageable[roleRef]; !ok {
			continue
		}
		existing, err := w.service.FindRoleMetadata(ctx, roleRef)
		if err != nil {
			w.log.WithError(err).Warn("failed to look up role metadata, skipping tuple")
			continue
		}
		if err := validation.ValidateGroupingPolicy(tuple, existing, rbac.SourceCSVFile, w.cache); err != nil {
			w.log.WithError(err).Warnf("skipping invalid grouping %v", tuple)
			continue
		}
		valid = append(valid, tuple)
	}
	return valid
}

func (w *Watcher) validPolicies(tuples [][]string, manageable map[string]struct{}) [][]string {
	valid := make([][]string, 0, len(tuples))
	for _, tuple := range tuples {
		if _, ok := manageable[tuple[0]]; !ok {
			continue
		}
		if err := validation.ValidatePolicy(tuple, w.cache); err != nil {
			w.log.WithError(err).Warnf("skipping invalid policy %v", tuple)
			continue
		}
		valid = append(valid, tuple)
	}
	return valid
}

func (w *Watcher) auditPolicies(ctx context.Context, eventType audit.EventType, tuples [][]string, opErr error) {
	if err := w.auditor.LogPolicyChange(ctx, eventType, fileActor, string(rbac.SourceCSVFile), tuples, opErr); err != nil {
		w.log.WithError(err).Warn("failed to audit policy change")
	}
}

func (w *Watcher) auditGroupings(ctx context.Context, tuples [][]string, eventTypeOf func(roleRef string) audit.EventType, opErr error) {
	byRole := make(map[string][]string)
	for _, tuple := range tuples {
		byRole[rbac.RoleRefOf(tuple)] = append(byRole[rbac.RoleRefOf(tuple)], tuple[0])
	}
	for roleRef, members := range byRole {
		if err := w.auditor.LogRoleChange(ctx, eventTypeOf(roleRef), fileActor, string(rbac.SourceCSVFile), roleRef, members, opErr); err != nil {
			w.log.WithError(err).Warn("failed to audit role change")
		}
	}
}

// rolesOf returns the set of role references named by grouping tuples
func rolesOf(tuples [][]string) map[string]struct{} {
	roles := make(map[string]struct{}, len(tuples))
	for _, tuple := range tuples {
		if roleRef := rbac.RoleRefOf(tuple); roleRef != "" {
			roles[roleRef] = struct{}{}
		}
	}
	return roles
}

// diffTuples returns the tuples to add (desired but absent) and to remove
// (present but no longer desired).
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
