// Package projects is the top-level orchestrator: it discovers tenants,
// replays their startup hooks, watches the global projects collection, and
// fans lifecycle changes out to the registered handlers.
package projects

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/user/centro/internal/metrics"
	"github.com/user/centro/internal/model"
	"github.com/user/centro/internal/surreal"
)

// DialFunc opens a fresh store session. Provisioning runs dial their own
// session so their scope switches never race the manager's.
type DialFunc func(ctx context.Context) (surreal.Session, error)

// Config names the fixed scopes the manager works across.
type Config struct {
	GlobalNamespace string // scope of projects/centers/join (default "global")
	GlobalDatabase  string // default "main"

	// Template scope exported into every new tenant.
	TemplateNamespace string // default "global"
	TemplateDatabase  string // default "interventions"
}

func (c *Config) withDefaults() {
	if c.GlobalNamespace == "" {
		c.GlobalNamespace = "global"
	}
	if c.GlobalDatabase == "" {
		c.GlobalDatabase = "main"
	}
	if c.TemplateNamespace == "" {
		c.TemplateNamespace = "global"
	}
	if c.TemplateDatabase == "" {
		c.TemplateDatabase = "interventions"
	}
}

// Manager owns the listener registrations and the projects feed.
type Manager struct {
	session   surreal.Session
	dial      DialFunc
	cfg       Config
	listeners []Listener
	ready     atomic.Bool
}

// NewManager creates a Manager over an already-authenticated global-scope
// session. Listeners are fixed at construction; there is no runtime plugin
// surface.
func NewManager(session surreal.Session, dial DialFunc, cfg Config, listeners ...Listener) *Manager {
	cfg.withDefaults()
	return &Manager{session: session, dial: dial, cfg: cfg, listeners: listeners}
}

// Ready reports whether the startup reconciliation pass has completed and
// the live feed is open.
func (m *Manager) Ready() bool {
	return m.ready.Load()
}

// Start reconciles existing projects, then processes the live projects feed
// until the subscription ends or ctx is cancelled. The reconciliation pass
// runs strictly first so no change notification can arrive for a tenant
// whose listeners do not exist yet.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.initExisting(ctx); err != nil {
		return fmt.Errorf("init existing projects: %w", err)
	}

	feed, err := m.session.Live(ctx, "projects")
	if err != nil {
		return fmt.Errorf("subscribe to projects: %w", err)
	}
	m.ready.Store(true)
	slog.Info("watching projects collection")

	metrics.FeedsActive.Inc()
	defer metrics.FeedsActive.Dec()

	for {
		n, err := feed.Next(ctx)
		if err != nil {
			return fmt.Errorf("projects feed ended: %w", err)
		}
		metrics.NotificationsTotal.WithLabelValues("projects", string(n.Action)).Inc()

		var project model.Project
		if err := json.Unmarshal(n.Data, &project); err != nil {
			metrics.DecodeSkipsTotal.WithLabelValues("projects").Inc()
			slog.Warn("skipping undecodable project notification", "error", err)
			continue
		}
		if err := m.handle(ctx, n.Action, project); err != nil {
			slog.Error("handle project notification", "project", project.Name, "action", n.Action, "error", err)
		}
	}
}

// initExisting enumerates current projects and replays OnInit for each.
func (m *Manager) initExisting(ctx context.Context) error {
	res, err := m.session.Query(ctx, "SELECT * FROM projects;", nil)
	if err != nil {
		return err
	}
	existing, err := surreal.Take[[]model.Project](res, -1)
	if err != nil {
		return err
	}

	for _, project := range existing {
		center, err := m.resolveCenter(ctx, project)
		if err != nil {
			return err
		}
		for _, l := range m.listeners {
			l.OnInit(ctx, project.Name, center.Name)
		}
	}
	slog.Info("existing projects reconciled", "count", len(existing))
	return nil
}

func (m *Manager) handle(ctx context.Context, action surreal.Action, project model.Project) error {
	switch action {
	case surreal.ActionCreate:
		center, err := m.resolveCenter(ctx, project)
		if err != nil {
			return err
		}

		// Detached: a failed pipeline must not abort the feed loop.
		go func() {
			if err := m.provision(ctx, center.Name, project.Name); err != nil {
				metrics.ProvisioningRunsTotal.WithLabelValues("failure").Inc()
				slog.Error("tenant provisioning failed", "center", center.Name, "project", project.Name, "error", err)
				return
			}
			metrics.ProvisioningRunsTotal.WithLabelValues("success").Inc()
		}()

		if err := m.defineScopeToken(ctx, center.Name, project.Name, project.Token); err != nil {
			return err
		}
		for _, l := range m.listeners {
			l.OnProjectCreate(ctx, project.Name, center.Name)
		}

	case surreal.ActionUpdate:
		for _, l := range m.listeners {
			l.OnProjectUpdate(ctx, project.Name)
		}

	case surreal.ActionDelete:
		// TODO: tear down the tenant's feeds and event timers (needs
		// per-tenant cancellation; see DESIGN.md).
		for _, l := range m.listeners {
			l.OnProjectDelete(ctx, project.Name)
		}

	default:
		slog.Warn("unsupported project action", "action", action)
	}
	return nil
}

func (m *Manager) resolveCenter(ctx context.Context, project model.Project) (model.Center, error) {
	res, err := m.session.Query(ctx,
		"SELECT * FROM ONLY type::thing($b_center);",
		map[string]any{"b_center": project.Center.String()},
	)
	if err != nil {
		return model.Center{}, fmt.Errorf("resolve center %s: %w", project.Center, err)
	}
	center, err := surreal.Take[model.Center](res, -1)
	if err != nil {
		return model.Center{}, fmt.Errorf("resolve center %s: %w", project.Center, err)
	}
	if center.Name == "" {
		return model.Center{}, fmt.Errorf("center %s not found", project.Center)
	}
	return center, nil
}

// defineScopeToken seeds the tenant's end-user auth scope with the project
// token. The batch re-selects the global scope so the session's resting
// scope is never left on a tenant.
func (m *Manager) defineScopeToken(ctx context.Context, center, project, token string) error {
	sql := fmt.Sprintf(`
		USE NS %s DB %s;
		DEFINE TOKEN user_scope ON SCOPE user TYPE HS256 VALUE %s;
		USE NS %s DB %s;`,
		center, project, surreal.QuoteString(token), m.cfg.GlobalNamespace, m.cfg.GlobalDatabase,
	)
	if _, err := m.session.Query(ctx, sql, nil); err != nil {
		return fmt.Errorf("define scope token for %s/%s: %w", center, project, err)
	}
	return nil
}
