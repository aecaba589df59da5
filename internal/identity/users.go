package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/user/centro/internal/metrics"
	"github.com/user/centro/internal/model"
	"github.com/user/centro/internal/surreal"
)

// Listener hooks: every tenant gets its own users feed.

func (h *Handler) OnInit(ctx context.Context, project, center string) {
	h.spawnUserFeed(ctx, center, project)
}

func (h *Handler) OnProjectCreate(ctx context.Context, project, center string) {
	h.spawnUserFeed(ctx, center, project)
}

func (h *Handler) OnProjectUpdate(ctx context.Context, project string) {}

func (h *Handler) OnProjectDelete(ctx context.Context, project string) {}

// spawnUserFeed watches one tenant's users collection on a dedicated
// session. A broken feed stops only this tenant's reconciliation.
func (h *Handler) spawnUserFeed(ctx context.Context, center, project string) {
	go func() {
		sess, err := h.dial(ctx)
		if err != nil {
			slog.Error("dial users feed session", "center", center, "project", project, "error", err)
			return
		}
		defer sess.Close()

		if err := sess.Use(ctx, center, project); err != nil {
			slog.Error("select tenant scope", "center", center, "project", project, "error", err)
			return
		}
		feed, err := sess.Live(ctx, "users")
		if err != nil {
			slog.Error("subscribe to tenant users", "center", center, "project", project, "error", err)
			return
		}

		metrics.FeedsActive.Inc()
		defer metrics.FeedsActive.Dec()
		slog.Info("watching tenant users", "center", center, "project", project)

		for {
			n, err := feed.Next(ctx)
			if err != nil {
				slog.Error("tenant users feed ended", "center", center, "project", project, "error", err)
				return
			}
			metrics.NotificationsTotal.WithLabelValues("users", string(n.Action)).Inc()

			if n.Action != surreal.ActionUpdate {
				continue
			}
			var user model.InterventionUser
			if err := json.Unmarshal(n.Data, &user); err != nil {
				metrics.DecodeSkipsTotal.WithLabelValues("users").Inc()
				slog.Warn("skipping undecodable user notification", "center", center, "project", project, "error", err)
				continue
			}
			if err := h.reconcile(ctx, sess, center, project, user); err != nil {
				slog.Error("reconcile user state", "user", user.ID, "state", user.State, "error", err)
			}
		}
	}()
}

// reconcile propagates a tenant identity's state transition onto its join.
// Terminal states carry the latest score and clear the project association
// in one transaction; Active/Standby are a single state write.
func (h *Handler) reconcile(ctx context.Context, sess surreal.Session, center, project string, user model.InterventionUser) error {
	switch user.State {
	case model.UserCompleted, model.UserExited:
		return h.finalize(ctx, sess, center, project, user)
	case model.UserActive, model.UserStandby:
		return h.touchJoin(ctx, sess, user)
	default:
		return nil
	}
}

// finalize reads the user's most recent score in the tenant scope, then
// updates the join and clears the project association inside one
// transaction so the two writes are never observed independently.
func (h *Handler) finalize(ctx context.Context, sess surreal.Session, center, project string, user model.InterventionUser) error {
	sql := fmt.Sprintf(`
		USE NS %s DB %s;
		LET $q_score = SELECT VALUE score FROM ONLY (
			SELECT created, score FROM ONLY scores WHERE user = type::thing($b_user) ORDER BY created DESC LIMIT 1
		);
		USE NS %s DB %s;
		BEGIN TRANSACTION;
			UPDATE join SET state = $b_state, score = $q_score, updated = time::now() WHERE in = type::thing($b_user);
			UPDATE type::thing($b_user) SET project = NONE;
		COMMIT TRANSACTION;`,
		center, project, h.cfg.GlobalNamespace, h.cfg.GlobalDatabase,
	)
	_, err := sess.Query(ctx, sql, map[string]any{
		"b_user":  user.ID.String(),
		"b_state": string(user.State),
	})
	if err != nil {
		return fmt.Errorf("finalize join for %s: %w", user.ID, err)
	}
	return nil
}

// touchJoin mirrors a non-terminal state onto the join; a single write, no
// transaction needed.
func (h *Handler) touchJoin(ctx context.Context, sess surreal.Session, user model.InterventionUser) error {
	sql := fmt.Sprintf(
		"USE NS %s DB %s; UPDATE join SET state = $b_state, updated = time::now() WHERE in = type::thing($b_user);",
		h.cfg.GlobalNamespace, h.cfg.GlobalDatabase,
	)
	_, err := sess.Query(ctx, sql, map[string]any{
		"b_user":  user.ID.String(),
		"b_state": string(user.State),
	})
	if err != nil {
		return fmt.Errorf("update join state for %s: %w", user.ID, err)
	}
	return nil
}
