package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/casbin/casbin/v2"

	"github.com/permsync/permsync/pkg/audit"
	"github.com/permsync/permsync/pkg/observability"
	"github.com/permsync/permsync/pkg/rbac"
	"github.com/permsync/permsync/pkg/rbac/validation"
)

// Connector implements Connection for one provider. All of the provider's
// tuples are attributed to a source named after the provider, and each
// apply replaces the previous state under that source.
type Connector struct {
	providerID string
	source     rbac.Source
	service    rbac.PolicyService
	cache      *validation.Cache
	log        *observability.Logger
	auditor    audit.Logger
	metrics    *observability.Metrics

	mu sync.Mutex
}

// NewConnector builds the connection handed to the provider with the given id
func NewConnector(providerID string, service rbac.PolicyService, cache *validation.Cache, log *observability.Logger) *Connector {
	return &Connector{
		providerID: providerID,
		source:     rbac.Source(providerID),
		service:    service,
		cache:      cache,
		log:        log.WithField("provider", providerID),
		auditor:    audit.NewNoopLogger(),
	}
}

// SetAuditLogger routes change records to auditor
func (c *Connector) SetAuditLogger(auditor audit.Logger) {
	c.auditor = auditor
}

// SetMetrics enables reconciliation counters
func (c *Connector) SetMetrics(m *observability.Metrics) {
	c.metrics = m
}

// ApplyRoles replaces the provider's membership tuples
func (c *Connector) ApplyRoles(ctx context.Context, tuples [][]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	err := c.applyRoles(ctx, tuples)
	if c.metrics != nil {
		c.metrics.ObserveReconcile(c.providerID, time.Since(start), err)
	}
	if auditErr := c.auditor.LogPolicyChange(ctx, audit.EventTypeProviderUpdate, c.providerID, string(c.source), tuples, err); auditErr != nil {
		c.log.WithError(auditErr).Warn("failed to audit provider update")
	}
	return err
}

func (c *Connector) applyRoles(ctx context.Context, tuples [][]string) error {
	desired, desiredRoles, err := c.stageGroupings(ctx, tuples)
	if err != nil {
		return err
	}

	meta := rbac.RoleMetadata{
		Source:     c.source,
		Author:     c.providerID,
		ModifiedBy: c.providerID,
	}

	owned, err := c.service.FilterRoleMetadataBySource(ctx, c.source)
	if err != nil {
		return err
	}
	for _, record := range owned {
		if _, ok := desiredRoles[record.RoleEntityRef]; ok {
			continue
		}
		stale, err := c.service.GetFilteredGroupingPolicy(ctx, 1, record.RoleEntityRef)
		if err != nil {
			return err
		}
		if len(stale) > 0 {
			if err := c.service.RemoveGroupingPolicies(ctx, stale, meta, false); err != nil {
				return err
			}
		}
		if err := c.auditor.LogRoleChange(ctx, audit.EventTypeRoleDelete, c.providerID, string(c.source), record.RoleEntityRef, nil, nil); err != nil {
			c.log.WithError(err).Warn("failed to audit role removal")
		}
	}

	var current [][]string
	for roleRef := range desiredRoles {
		g, err := c.service.GetFilteredGroupingPolicy(ctx, 1, roleRef)
		if err != nil {
			return err
		}
		current = append(current, g...)
	}

	add, remove := diffTuples(desired, current)
	if len(add) > 0 {
		if err := c.service.AddGroupingPolicies(ctx, add, meta); err != nil {
			return err
		}
	}
	if len(remove) > 0 {
		if err := c.service.RemoveGroupingPolicies(ctx, remove, meta, false); err != nil {
			return err
		}
	}
	return nil
}

// ApplyPermissions replaces the provider's permission tuples for the roles
// it owns.
func (c *Connector) ApplyPermissions(ctx context.Context, tuples [][]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	desired := make([][]string, 0, len(tuples))
	desiredRoles := make(map[string]struct{})
	for _, tuple := range tuples {
		normalized := rbac.NormalizeTuple(tuple)
		if err := validation.ValidatePolicy(normalized, c.cache); err != nil {
			c.log.WithError(err).Warnf("skipping invalid permission %v", tuple)
			continue
		}
		record, err := c.service.FindRoleMetadata(ctx, normalized[0])
		if err != nil {
			return err
		}
		if record == nil || record.Source != c.source {
			c.log.Warnf("skipping permission for role %s not owned by this provider", normalized[0])
			continue
		}
		desired = append(desired, normalized)
		desiredRoles[normalized[0]] = struct{}{}
	}

	owned, err := c.service.FilterRoleMetadataBySource(ctx, c.source)
	if err != nil {
		return err
	}
	var current [][]string
	for _, record := range owned {
		p, err := c.service.GetFilteredPolicy(ctx, 0, record.RoleEntityRef)
		if err != nil {
			return err
		}
		current = append(current, p...)
	}

	add, remove := diffTuples(desired, current)
	if len(add) > 0 {
		if err := c.service.AddPolicies(ctx, add); err != nil {
			return err
		}
	}
	if len(remove) > 0 {
		if err := c.service.RemovePolicies(ctx, remove); err != nil {
			return err
		}
	}
	return nil
}

// stageGroupings normalizes, validates, and dedupes incoming tuples by
// staging them in a memory-only enforcer before any store access.
func (c *Connector) stageGroupings(ctx context.Context, tuples [][]string) ([][]string, map[string]struct{}, error) {
	m, err := rbac.NewModel()
	if err != nil {
		return nil, nil, err
	}
	staging, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build staging enforcer: %w", err)
	}

	for _, tuple := range tuples {
		normalized := rbac.NormalizeTuple(tuple)
		roleRef := rbac.RoleRefOf(normalized)
		existing, err := c.service.FindRoleMetadata(ctx, roleRef)
		if err != nil {
			return nil, nil, err
		}
		if existing != nil && existing.Source != c.source && existing.Source != rbac.SourceLegacy {
			c.log.Warnf("skipping role %s owned by source %s", roleRef, existing.Source)
			continue
		}
		if err := validation.ValidateGroupingPolicy(normalized, existing, c.source, c.cache); err != nil {
			c.log.WithError(err).Warnf("skipping invalid membership %v", tuple)
			continue
		}
		if existing != nil && existing.Source == rbac.SourceLegacy {
			if err := c.service.UpgradeLegacySource(ctx, roleRef, c.source, c.providerID); err != nil {
				return nil, nil, err
			}
		}
		if _, err := staging.AddGroupingPolicy(normalized[0], normalized[1]); err != nil {
			return nil, nil, fmt.Errorf("failed to stage membership %v: %w", tuple, err)
		}
	}

	desired, err := staging.GetGroupingPolicy()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read staged memberships: %w", err)
	}
	desiredRoles := make(map[string]struct{}, len(desired))
	for _, tuple := range desired {
		desiredRoles[rbac.RoleRefOf(tuple)] = struct{}{}
	}
	return desired, desiredRoles, nil
}

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
