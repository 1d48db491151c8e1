package provider

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/permsync/permsync/pkg/audit"
	"github.com/permsync/permsync/pkg/observability"
	"github.com/permsync/permsync/pkg/rbac"
	"github.com/permsync/permsync/pkg/rbac/validation"
)

// Manager owns the set of registered role providers: it connects each one
// at startup and drives periodic refreshes on a cron schedule.
type Manager struct {
	service   rbac.PolicyService
	cache     *validation.Cache
	log       *observability.Logger
	auditor   audit.Logger
	metrics   *observability.Metrics
	providers []Provider
	cron      *cron.Cron
}

// NewManager creates an empty provider manager
func NewManager(service rbac.PolicyService, cache *validation.Cache, log *observability.Logger) *Manager {
	return &Manager{
		service: service,
		cache:   cache,
		log:     log,
		auditor: audit.NewNoopLogger(),
	}
}

// SetAuditLogger routes provider change records to auditor
func (m *Manager) SetAuditLogger(auditor audit.Logger) {
	m.auditor = auditor
}

// SetMetrics enables reconciliation counters
func (m *Manager) SetMetrics(metrics *observability.Metrics) {
	m.metrics = metrics
}

// Register adds a provider. Must be called before ConnectAll.
func (m *Manager) Register(p Provider) {
	m.providers = append(m.providers, p)
}

// ConnectAll hands every registered provider its connection, in parallel.
// Each provider performs its first apply during Connect.
func (m *Manager) ConnectAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range m.providers {
		p := p
		g.Go(func() error {
			connector := NewConnector(p.ID(), m.service, m.cache, m.log)
			connector.SetAuditLogger(m.auditor)
			if m.metrics != nil {
				connector.SetMetrics(m.metrics)
			}
			if err := p.Connect(ctx, connector); err != nil {
				return fmt.Errorf("failed to connect provider %q: %w", p.ID(), err)
			}
			if m.metrics != nil {
				m.metrics.ProviderConnections.WithLabelValues(p.ID()).Set(1)
			}
			return nil
		})
	}
	return g.Wait()
}

// StartRefresh schedules a refresh of every provider on the given cron
// expression.
func (m *Manager) StartRefresh(ctx context.Context, schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		m.RefreshAll(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule provider refresh %q: %w", schedule, err)
	}
	c.Start()
	m.cron = c
	return nil
}

// RefreshAll asks every provider to re-read its backend and re-apply.
// One failing provider does not stop the others.
func (m *Manager) RefreshAll(ctx context.Context) {
	for _, p := range m.providers {
		if err := p.Refresh(ctx); err != nil {
			m.log.WithError(err).Errorf("failed to refresh provider %q", p.ID())
			if m.metrics != nil {
				m.metrics.ProviderConnections.WithLabelValues(p.ID()).Set(0)
			}
			continue
		}
		if m.metrics != nil {
			m.metrics.ProviderConnections.WithLabelValues(p.ID()).Set(1)
		}
	}
}

// Stop halts the refresh schedule, waiting for a running refresh to finish
func (m *Manager) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}
