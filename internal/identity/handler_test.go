package identity

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/user/centro/internal/model"
	"github.com/user/centro/internal/surreal"
	"github.com/user/centro/internal/surreal/surrealtest"
)

func ok(v any) surreal.QueryResult {
	data, _ := json.Marshal(v)
	return surreal.QueryResult{Status: "OK", Result: data}
}

// routeJoinQueries answers the join-provisioning query shapes: the composite
// user/project resolve and the tenant identity write.
func routeJoinQueries(role string, identityErr error, created []model.InterventionUser) func(string, map[string]any) ([]surreal.QueryResult, error) {
	return func(sql string, vars map[string]any) ([]surreal.QueryResult, error) {
		switch {
		case strings.Contains(sql, "SELECT VALUE role"):
			return []surreal.QueryResult{
				ok(role),
				ok(map[string]string{"name": "acme", "center": "c1"}),
			}, nil
		case strings.Contains(sql, "SET role = $b_role"):
			if identityErr != nil {
				return nil, identityErr
			}
			return []surreal.QueryResult{ok(nil), ok(created), ok(nil)}, nil
		default:
			return []surreal.QueryResult{ok(nil)}, nil
		}
	}
}

func join() model.Join {
	return model.Join{
		ID:      model.NewRecordID("join", "j1"),
		User:    model.NewRecordID("users", "u1"),
		Project: model.NewRecordID("projects", "p1"),
	}
}

func startRun(t *testing.T, sess *surrealtest.Fake) (*surrealtest.Feed, chan error) {
	t.Helper()
	dial := func(context.Context) (surreal.Session, error) { return surrealtest.New(), nil }
	h := New(sess, dial, Config{})
	feed := sess.FeedFor("join")
	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()
	return feed, done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within timeout")
}

func findQuery(queries []surrealtest.Query, fragment string) (surrealtest.Query, bool) {
	for _, q := range queries {
		if strings.Contains(q.SQL, fragment) {
			return q, true
		}
	}
	return surrealtest.Query{}, false
}

func TestJoinCreateProvisionsIdentity(t *testing.T) {
	sess := surrealtest.New()
	sess.QueryFn = routeJoinQueries(model.RoleParticipant, nil, []model.InterventionUser{
		{ID: model.NewRecordID("users", "u1"), State: model.UserActive},
	})

	feed, _ := startRun(t, sess)
	feed.Push(surreal.ActionCreate, join())

	waitFor(t, func() bool {
		_, found := findQuery(sess.Recorded(), "UPDATE type::thing($b_join)")
		return found
	})

	create, found := findQuery(sess.Recorded(), "SET role = $b_role")
	if !found {
		t.Fatal("no tenant identity write recorded")
	}
	for _, want := range []string{"USE NS c1 DB acme", "USE NS global DB main"} {
		if !strings.Contains(create.SQL, want) {
			t.Errorf("identity write %q missing %q", create.SQL, want)
		}
	}
	if create.Vars["b_role"] != model.RoleParticipant {
		t.Errorf("b_role = %v", create.Vars["b_role"])
	}
	if pass, _ := create.Vars["b_pass"].(string); pass == "" || strings.Contains(pass, "-") {
		t.Errorf("b_pass = %q, want a dashless generated credential", pass)
	}

	// The identity's state is mirrored onto the join.
	update, _ := findQuery(sess.Recorded(), "UPDATE type::thing($b_join)")
	if update.Vars["b_join"] != "join:j1" || update.Vars["b_state"] != string(model.UserActive) {
		t.Errorf("join update vars = %v", update.Vars)
	}
}

func TestJoinWithUnknownRoleIsIgnored(t *testing.T) {
	sess := surrealtest.New()
	sess.QueryFn = routeJoinQueries("supervisor", nil, nil)

	feed, _ := startRun(t, sess)
	feed.Push(surreal.ActionCreate, join())

	waitFor(t, func() bool { return len(sess.Recorded()) >= 1 })
	// Give the loop a chance to do more before asserting it did not.
	time.Sleep(50 * time.Millisecond)

	for _, q := range sess.Recorded() {
		if strings.Contains(q.SQL, "UPDATE") {
			t.Errorf("unexpected write for non-provisioned role: %q", q.SQL)
		}
	}
}

func TestIdentityFailureLeavesJoinUntouched(t *testing.T) {
	sess := surrealtest.New()
	sess.QueryFn = routeJoinQueries(model.RoleGuest, errors.New("tenant scope down"), nil)

	feed, _ := startRun(t, sess)
	feed.Push(surreal.ActionCreate, join())

	waitFor(t, func() bool {
		_, found := findQuery(sess.Recorded(), "SET role = $b_role")
		return found
	})
	time.Sleep(50 * time.Millisecond)

	if _, found := findQuery(sess.Recorded(), "UPDATE type::thing($b_join)"); found {
		t.Error("join updated despite failed identity creation")
	}
}

func TestJoinUpdateAndDeleteAreIgnored(t *testing.T) {
	sess := surrealtest.New()
	sess.QueryFn = routeJoinQueries(model.RoleParticipant, nil, nil)

	feed, done := startRun(t, sess)
	feed.Push(surreal.ActionUpdate, join())
	feed.Push(surreal.ActionDelete, join())
	feed.Fail(errors.New("stream over"))

	if err := <-done; err == nil {
		t.Error("Run returned nil after feed failure")
	}
	if got := len(sess.Recorded()); got != 0 {
		t.Errorf("queries for non-create actions = %d, want 0", got)
	}
}

func TestUndecodableJoinIsSkipped(t *testing.T) {
	sess := surrealtest.New()
	sess.QueryFn = routeJoinQueries(model.RoleParticipant, nil, []model.InterventionUser{
		{ID: model.NewRecordID("users", "u1"), State: model.UserActive},
	})

	feed, _ := startRun(t, sess)
	feed.PushRaw(surreal.ActionCreate, []byte(`{"in": 42}`))
	feed.Push(surreal.ActionCreate, join())

	waitFor(t, func() bool {
		_, found := findQuery(sess.Recorded(), "UPDATE type::thing($b_join)")
		return found
	})
}

func tenantUser(state model.UserState) model.InterventionUser {
	return model.InterventionUser{ID: model.NewRecordID("users", "u1"), State: state}
}

func TestTerminalUserRunsFinalizeTransaction(t *testing.T) {
	sess := surrealtest.New()
	h := New(surrealtest.New(), nil, Config{})

	err := h.reconcile(context.Background(), sess, "c1", "acme", tenantUser(model.UserCompleted))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	queries := sess.Recorded()
	if len(queries) != 1 {
		t.Fatalf("queries = %d, want one transactional batch", len(queries))
	}
	q := queries[0]
	for _, want := range []string{
		"USE NS c1 DB acme",
		"USE NS global DB main",
		"BEGIN TRANSACTION",
		"UPDATE join SET state = $b_state, score = $q_score",
		"project = NONE",
		"COMMIT TRANSACTION",
	} {
		if !strings.Contains(q.SQL, want) {
			t.Errorf("finalize batch missing %q", want)
		}
	}
	if q.Vars["b_user"] != "users:u1" || q.Vars["b_state"] != string(model.UserCompleted) {
		t.Errorf("finalize vars = %v", q.Vars)
	}
}

func TestNonTerminalUserTouchesJoinOnly(t *testing.T) {
	sess := surrealtest.New()
	h := New(surrealtest.New(), nil, Config{})

	err := h.reconcile(context.Background(), sess, "c1", "acme", tenantUser(model.UserStandby))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	queries := sess.Recorded()
	if len(queries) != 1 {
		t.Fatalf("queries = %d, want one", len(queries))
	}
	q := queries[0]
	if !strings.Contains(q.SQL, "UPDATE join SET state = $b_state, updated") {
		t.Errorf("state write = %q", q.SQL)
	}
	for _, forbid := range []string{"score", "TRANSACTION", "project = NONE"} {
		if strings.Contains(q.SQL, forbid) {
			t.Errorf("non-terminal write contains %q", forbid)
		}
	}
	if q.Vars["b_state"] != string(model.UserStandby) {
		t.Errorf("b_state = %v", q.Vars["b_state"])
	}
}

func TestUnknownUserStateIsNoOp(t *testing.T) {
	sess := surrealtest.New()
	h := New(surrealtest.New(), nil, Config{})

	if err := h.reconcile(context.Background(), sess, "c1", "acme", tenantUser("Paused")); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := len(sess.Recorded()); got != 0 {
		t.Errorf("queries for unknown state = %d, want 0", got)
	}
}

func TestUserFeedReconcilesOnUpdateOnly(t *testing.T) {
	tenant := surrealtest.New()
	dial := func(context.Context) (surreal.Session, error) { return tenant, nil }
	h := New(surrealtest.New(), dial, Config{})

	h.OnProjectCreate(context.Background(), "acme", "c1")
	feed := tenant.FeedFor("users")

	feed.Push(surreal.ActionCreate, tenantUser(model.UserActive))
	feed.Push(surreal.ActionUpdate, tenantUser(model.UserCompleted))

	waitFor(t, func() bool {
		_, found := findQuery(tenant.Recorded(), "COMMIT TRANSACTION")
		return found
	})
	for _, q := range tenant.Recorded() {
		if strings.Contains(q.SQL, "UPDATE join") && q.Vars["b_state"] == string(model.UserActive) {
			t.Error("create action triggered reconciliation")
		}
	}
}
