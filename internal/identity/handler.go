// Package identity keeps the global join registry and the tenant-local
// identity stores consistent. It provisions a tenant identity when a join
// is created, and reflects tenant-side lifecycle transitions back onto the
// join record.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/user/centro/internal/metrics"
	"github.com/user/centro/internal/model"
	"github.com/user/centro/internal/surreal"
)

// DialFunc opens a fresh store session for one tenant's feed task.
type DialFunc func(ctx context.Context) (surreal.Session, error)

// Config names the global scope join records live in.
type Config struct {
	GlobalNamespace string // default "global"
	GlobalDatabase  string // default "main"
}

func (c *Config) withDefaults() {
	if c.GlobalNamespace == "" {
		c.GlobalNamespace = "global"
	}
	if c.GlobalDatabase == "" {
		c.GlobalDatabase = "main"
	}
}

// Handler watches the global join collection (Run) and, as a project
// lifecycle listener, each tenant's users collection.
type Handler struct {
	session surreal.Session
	dial    DialFunc
	cfg     Config

	// newPass mints the credential written onto a provisioned identity.
	newPass func() string
}

// New creates the handler over an authenticated global-scope session.
func New(session surreal.Session, dial DialFunc, cfg Config) *Handler {
	cfg.withDefaults()
	return &Handler{
		session: session,
		dial:    dial,
		cfg:     cfg,
		newPass: func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
}

// Run consumes the global join feed until it ends or ctx is cancelled.
func (h *Handler) Run(ctx context.Context) error {
	feed, err := h.session.Live(ctx, "join")
	if err != nil {
		return fmt.Errorf("subscribe to join: %w", err)
	}
	slog.Info("watching join collection")

	metrics.FeedsActive.Inc()
	defer metrics.FeedsActive.Dec()

	for {
		n, err := feed.Next(ctx)
		if err != nil {
			return fmt.Errorf("join feed ended: %w", err)
		}
		metrics.NotificationsTotal.WithLabelValues("join", string(n.Action)).Inc()

		var join model.Join
		if err := json.Unmarshal(n.Data, &join); err != nil {
			metrics.DecodeSkipsTotal.WithLabelValues("join").Inc()
			slog.Warn("skipping undecodable join notification", "error", err)
			continue
		}
		if n.Action == surreal.ActionCreate {
			if err := h.provisionJoin(ctx, join); err != nil {
				slog.Error("provision join", "join", join.ID, "error", err)
			}
		}
	}
}

// provisionJoin resolves the joined tenant and the user's recorded role,
// creates the tenant identity for self-service roles, and writes the
// identity's resulting state back onto the join. The three steps run in
// sequence; a failed identity creation leaves the join untouched.
func (h *Handler) provisionJoin(ctx context.Context, join model.Join) error {
	res, err := h.session.Query(ctx, `
		SELECT VALUE role FROM ONLY type::thing($b_user);
		SELECT name, center.name AS center FROM ONLY type::thing($b_project);`,
		map[string]any{"b_user": join.User.String(), "b_project": join.Project.String()},
	)
	if err != nil {
		return fmt.Errorf("resolve join: %w", err)
	}
	role, err := surreal.Take[string](res, 0)
	if err != nil {
		return fmt.Errorf("resolve role: %w", err)
	}
	target, err := surreal.Take[struct {
		Name   string `json:"name"`
		Center string `json:"center"`
	}](res, 1)
	if err != nil {
		return fmt.Errorf("resolve project: %w", err)
	}
	if target.Name == "" || target.Center == "" {
		return fmt.Errorf("join %s: project %s did not resolve", join.ID, join.Project)
	}

	if !model.SelfServiceRole(role) {
		slog.Debug("ignoring join with non-self-service role", "join", join.ID, "role", role)
		return nil
	}

	state, err := h.createTenantIdentity(ctx, target.Center, target.Name, join.User, role)
	if err != nil {
		// Abort before touching the join; it keeps its prior state.
		return fmt.Errorf("create tenant identity: %w", err)
	}

	if err := h.updateJoinState(ctx, join.ID, state); err != nil {
		return fmt.Errorf("update join state: %w", err)
	}
	slog.Info("tenant identity provisioned", "join", join.ID, "center", target.Center, "project", target.Name, "role", role)
	return nil
}

// createTenantIdentity writes the identity into the tenant scope and reads
// back its resulting lifecycle state. The trailing USE restores the global
// scope for the session's next batch.
func (h *Handler) createTenantIdentity(ctx context.Context, center, project string, user model.RecordID, role string) (model.UserState, error) {
	sql := fmt.Sprintf(`
		USE NS %s DB %s;
		UPDATE type::thing($b_user) SET role = $b_role, pass = $b_pass;
		USE NS %s DB %s;`,
		center, project, h.cfg.GlobalNamespace, h.cfg.GlobalDatabase,
	)
	res, err := h.session.Query(ctx, sql, map[string]any{
		"b_user": user.String(),
		"b_role": role,
		"b_pass": h.newPass(),
	})
	if err != nil {
		return "", err
	}
	created, err := surreal.Take[[]model.InterventionUser](res, 1)
	if err != nil {
		return "", err
	}
	if len(created) == 0 {
		return "", fmt.Errorf("identity %s not created in %s/%s", user, center, project)
	}
	return created[0].State, nil
}

func (h *Handler) updateJoinState(ctx context.Context, join model.RecordID, state model.UserState) error {
	_, err := h.session.Query(ctx,
		"UPDATE type::thing($b_join) SET state = $b_state, updated = time::now();",
		map[string]any{"b_join": join.String(), "b_state": string(state)},
	)
	return err
}
