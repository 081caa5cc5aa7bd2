package fhir

import (
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// heartbeatInterval is how often subscription heartbeats are evaluated.
const heartbeatInterval = 2 * time.Second

// Manager owns the server's tenants and the shared timers: a 30-second
// housekeeping sweep (capacity eviction, received-notification pruning) and
// the heartbeat ticker. One dispatcher serves every tenant.
type Manager struct {
	tenants    *xsync.Map[string, *TenantEngine]
	dispatcher *Dispatcher
	cron       *cron.Cron
	stopHeart  chan struct{}
	log        zerolog.Logger
}

// NewManager builds a manager around a shared dispatcher.
func NewManager(dispatcher *Dispatcher, log zerolog.Logger) *Manager {
	return &Manager{
		tenants:    xsync.NewMap[string, *TenantEngine](),
		dispatcher: dispatcher,
		cron:       cron.New(),
		stopHeart:  make(chan struct{}),
		log:        log.With().Str("component", "manager").Logger(),
	}
}

// AddTenant creates and registers a tenant, loading its startup directory.
// Tenant names must be unique.
func (m *Manager) AddTenant(cfg TenantConfig) (*TenantEngine, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("tenant needs a name")
	}
	if _, exists := m.tenants.Load(cfg.Name); exists {
		return nil, fmt.Errorf("tenant %q already exists", cfg.Name)
	}
	engine := NewTenantEngine(cfg, m.dispatcher, m.log)
	if cfg.LoadDir != "" {
		if err := engine.LoadDirectory(cfg.LoadDir); err != nil {
			return nil, fmt.Errorf("tenant %s: %w", cfg.Name, err)
		}
	}
	m.tenants.Store(cfg.Name, engine)
	m.log.Info().Str("tenant", cfg.Name).Str("version", cfg.Version).Msg("tenant registered")
	return engine, nil
}

// Tenant resolves a tenant by name.
func (m *Manager) Tenant(name string) (*TenantEngine, bool) {
	return m.tenants.Load(name)
}

// Tenants lists the registered tenant engines.
func (m *Manager) Tenants() []*TenantEngine {
	var out []*TenantEngine
	m.tenants.Range(func(_ string, e *TenantEngine) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Start launches the housekeeping schedule and the heartbeat loop.
func (m *Manager) Start() error {
	if _, err := m.cron.AddFunc("@every 30s", m.sweep); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	m.cron.Start()

	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				m.tenants.Range(func(_ string, e *TenantEngine) bool {
					e.Evaluator().EmitHeartbeats(now)
					return true
				})
			case <-m.stopHeart:
				return
			}
		}
	}()
	m.log.Info().Msg("manager started")
	return nil
}

// Stop halts the timers first, then drains the dispatcher so no delivery is
// abandoned mid-flight.
func (m *Manager) Stop() {
	close(m.stopHeart)
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.dispatcher.Close()
	m.log.Info().Msg("manager stopped")
}

// sweep runs the periodic housekeeping across every tenant.
func (m *Manager) sweep() {
	now := time.Now().UTC()
	m.tenants.Range(func(_ string, e *TenantEngine) bool {
		if evicted := e.CheckCapacity(); evicted > 0 {
			m.log.Info().Str("tenant", e.Name()).Int("evicted", evicted).Msg("capacity sweep")
		}
		if pruned := e.PruneReceived(now); pruned > 0 {
			m.log.Debug().Str("tenant", e.Name()).Int("pruned", pruned).Msg("received notifications pruned")
		}
		return true
	})
}
