// Package events drives the per-tenant event lifecycle: it mirrors each
// event's scheduler registration and status field, and executes event
// scripts through the tenant's fn::on_cron procedure.
//
// Every query batch begins with its own USE statement, so the shared query
// session never depends on a resting scope; per-tenant live feeds run on
// sessions of their own.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/user/centro/internal/metrics"
	"github.com/user/centro/internal/model"
	"github.com/user/centro/internal/scheduler"
	"github.com/user/centro/internal/surreal"
)

// DialFunc opens a fresh store session for one tenant's feed task.
type DialFunc func(ctx context.Context) (surreal.Session, error)

// Handler implements the project lifecycle listener for the events
// collection of every tenant.
type Handler struct {
	session surreal.Session
	dial    DialFunc
	sched   *scheduler.Scheduler
}

// New creates the handler. The scheduler is shared across tenants; the
// session must already be authenticated.
func New(session surreal.Session, dial DialFunc, sched *scheduler.Scheduler) *Handler {
	return &Handler{session: session, dial: dial, sched: sched}
}

// OnInit re-registers timers for every event that is not terminally done or
// failed, then opens the tenant's events feed. Running it on every startup
// keeps the job_id field and the scheduler's job table in lockstep across
// process restarts.
func (h *Handler) OnInit(ctx context.Context, project, center string) {
	if err := h.registerExisting(ctx, center, project); err != nil {
		slog.Error("re-register tenant events", "center", center, "project", project, "error", err)
	}
	h.spawnFeed(ctx, center, project)
}

// OnProjectCreate opens the events feed for a brand-new tenant.
func (h *Handler) OnProjectCreate(ctx context.Context, project, center string) {
	h.spawnFeed(ctx, center, project)
}

func (h *Handler) OnProjectUpdate(ctx context.Context, project string) {}

func (h *Handler) OnProjectDelete(ctx context.Context, project string) {}

func (h *Handler) registerExisting(ctx context.Context, center, project string) error {
	events, err := h.selectEvents(ctx, center, project)
	if err != nil {
		return err
	}
	for _, ev := range events {
		// Persisted handles are stale after a restart.
		ev.JobID = nil
		if ev.Status != "" && ev.Status != model.EventDone && ev.Status != model.EventFailed {
			if err := h.register(&ev, center, project); err != nil {
				slog.Error("register event", "event", ev.ID, "error", err)
			}
		}
		if err := h.updateEvent(ctx, center, project, ev); err != nil {
			slog.Error("persist event", "event", ev.ID, "error", err)
		}
	}
	return nil
}

// spawnFeed runs the tenant's events subscription on a background task until
// the feed breaks. A broken feed is isolated: only this tenant/collection
// pair stops.
func (h *Handler) spawnFeed(ctx context.Context, center, project string) {
	go func() {
		sess, err := h.dial(ctx)
		if err != nil {
			slog.Error("dial events feed session", "center", center, "project", project, "error", err)
			return
		}
		defer sess.Close()

		if err := sess.Use(ctx, center, project); err != nil {
			slog.Error("select tenant scope", "center", center, "project", project, "error", err)
			return
		}
		feed, err := sess.Live(ctx, "events")
		if err != nil {
			slog.Error("subscribe to tenant events", "center", center, "project", project, "error", err)
			return
		}

		metrics.FeedsActive.Inc()
		defer metrics.FeedsActive.Dec()
		slog.Info("watching tenant events", "center", center, "project", project)

		for {
			n, err := feed.Next(ctx)
			if err != nil {
				slog.Error("tenant events feed ended", "center", center, "project", project, "error", err)
				return
			}
			metrics.NotificationsTotal.WithLabelValues("events", string(n.Action)).Inc()

			var ev model.Event
			if err := json.Unmarshal(n.Data, &ev); err != nil {
				metrics.DecodeSkipsTotal.WithLabelValues("events").Inc()
				slog.Warn("skipping undecodable event notification", "center", center, "project", project, "error", err)
				continue
			}
			h.handleNotification(ctx, center, project, n.Action, ev)
		}
	}()
}

func (h *Handler) handleNotification(ctx context.Context, center, project string, action surreal.Action, ev model.Event) {
	switch action {
	case surreal.ActionCreate:
		if err := h.register(&ev, center, project); err != nil {
			slog.Error("register created event", "event", ev.ID, "error", err)
			return
		}
		if err := h.updateEvent(ctx, center, project, ev); err != nil {
			slog.Error("persist created event", "event", ev.ID, "error", err)
		}

	case surreal.ActionUpdate:
		switch {
		case ev.JobID == nil && ev.Active:
			if err := h.register(&ev, center, project); err != nil {
				slog.Error("register updated event", "event", ev.ID, "error", err)
				return
			}
			if err := h.updateEvent(ctx, center, project, ev); err != nil {
				slog.Error("persist updated event", "event", ev.ID, "error", err)
			}
		case ev.JobID != nil && !ev.Active && ev.Status == "":
			ev.Status = model.EventScheduled
			if err := h.updateEvent(ctx, center, project, ev); err != nil {
				slog.Error("persist updated event", "event", ev.ID, "error", err)
			}
		}

	case surreal.ActionDelete:
		if ev.JobID == nil {
			return
		}
		if err := h.sched.Remove(*ev.JobID); err != nil {
			slog.Error("remove timer for deleted event", "event", ev.ID, "error", err)
			return
		}
		metrics.JobsRegistered.Dec()
	}
}

// register adds a timer for the event and stamps the handle and scheduled
// status onto it. The caller persists the event afterwards.
func (h *Handler) register(ev *model.Event, center, project string) error {
	if ev.ID == nil {
		return fmt.Errorf("event without id")
	}
	eventID := *ev.ID

	jobID, err := h.sched.Add(ev.Schedule, func(cbCtx context.Context, jid uuid.UUID, s *scheduler.Scheduler) {
		h.fire(cbCtx, eventID, jid, s, center, project)
	})
	if err != nil {
		return fmt.Errorf("add timer for %s: %w", eventID, err)
	}
	metrics.JobsRegistered.Inc()

	ev.JobID = &jobID
	ev.Status = model.EventScheduled
	return nil
}

type fireDecision int

const (
	fireRun fireDecision = iota
	fireSkip
	fireDone
)

// fire is the timer callback: re-read the authoritative event, evaluate the
// window, execute, persist.
func (h *Handler) fire(ctx context.Context, eventID model.RecordID, jid uuid.UUID, s *scheduler.Scheduler, center, project string) {
	ev, ok, err := h.selectEvent(ctx, center, project, eventID)
	if err != nil {
		slog.Error("read event at firing", "event", eventID, "error", err)
		return
	}
	if !ok {
		slog.Warn("event gone at firing", "event", eventID)
		return
	}

	if !ev.Active {
		// Timer stays registered but idles while the event is inactive.
		ev.Status = model.EventScheduled
		if err := h.updateEvent(ctx, center, project, ev); err != nil {
			slog.Error("persist idle event", "event", eventID, "error", err)
		}
		metrics.JobFiringsTotal.WithLabelValues("idle").Inc()
		return
	}

	switch h.check(&ev, jid, s) {
	case fireSkip:
		metrics.JobFiringsTotal.WithLabelValues("skipped").Inc()
		return
	case fireDone:
		metrics.JobFiringsTotal.WithLabelValues("done").Inc()
		if err := h.updateEvent(ctx, center, project, ev); err != nil {
			slog.Error("persist done event", "event", eventID, "error", err)
		}
		return
	}

	if err := h.execute(ctx, center, project, ev.Script); err != nil {
		slog.Error("event script failed", "event", eventID, "center", center, "project", project, "error", err)
		ev.Status = model.EventFailed
		ev.Active = false
		// Terminal: the timer is torn down, not retried.
		if rmErr := s.Remove(jid); rmErr != nil {
			slog.Error("remove timer for failed event", "event", eventID, "error", rmErr)
		} else {
			ev.JobID = nil
			metrics.JobsRegistered.Dec()
		}
		metrics.JobFiringsTotal.WithLabelValues("failed").Inc()
	} else {
		metrics.JobFiringsTotal.WithLabelValues("executed").Inc()
	}

	if err := h.updateEvent(ctx, center, project, ev); err != nil {
		slog.Error("persist fired event", "event", eventID, "error", err)
	}
}

// check evaluates next-firing availability and the since/until window.
func (h *Handler) check(ev *model.Event, jid uuid.UUID, s *scheduler.Scheduler) fireDecision {
	next, ok := s.NextRun(jid)
	if !ok {
		ev.Status = model.EventDone
		ev.Active = false
		return fireDone
	}
	if ev.Since != nil && ev.Since.After(next) {
		// Not yet inside the window: skip this firing, change nothing.
		return fireSkip
	}
	if ev.Until != nil && ev.Until.Before(next) {
		ev.Status = model.EventDone
		ev.Active = false
		return fireDone
	}
	if ev.Status == model.EventScheduled {
		ev.Status = model.EventRunning
	}
	return fireRun
}

func (h *Handler) execute(ctx context.Context, center, project, script string) error {
	sql := fmt.Sprintf("USE NS %s DB %s; RETURN fn::on_cron($b_script);", center, project)
	res, err := h.session.Query(ctx, sql, map[string]any{"b_script": script})
	if err != nil {
		return err
	}
	// Any non-error result counts as success, whatever its content.
	if _, err := surreal.Take[json.RawMessage](res, -1); err != nil {
		return err
	}
	return nil
}

func (h *Handler) selectEvents(ctx context.Context, center, project string) ([]model.Event, error) {
	sql := fmt.Sprintf("USE NS %s DB %s; SELECT * FROM events;", center, project)
	res, err := h.session.Query(ctx, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("select events for %s/%s: %w", center, project, err)
	}
	return surreal.Take[[]model.Event](res, -1)
}

func (h *Handler) selectEvent(ctx context.Context, center, project string, id model.RecordID) (model.Event, bool, error) {
	sql := fmt.Sprintf("USE NS %s DB %s; SELECT * FROM ONLY type::thing($b_id);", center, project)
	res, err := h.session.Query(ctx, sql, map[string]any{"b_id": id.String()})
	if err != nil {
		return model.Event{}, false, err
	}
	ev, err := surreal.Take[model.Event](res, -1)
	if err != nil {
		return model.Event{}, false, err
	}
	return ev, ev.ID != nil, nil
}

func (h *Handler) updateEvent(ctx context.Context, center, project string, ev model.Event) error {
	if ev.ID == nil {
		return fmt.Errorf("event without id")
	}
	sql := fmt.Sprintf("USE NS %s DB %s; UPDATE type::thing($b_id) CONTENT $b_content;", center, project)
	_, err := h.session.Query(ctx, sql, map[string]any{"b_id": ev.ID.String(), "b_content": ev})
	return err
}
