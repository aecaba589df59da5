// Package surrealtest provides a scriptable in-memory Session for handler
// tests.
package surrealtest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/user/centro/internal/surreal"
)

// Query is one recorded Query call.
type Query struct {
	SQL  string
	Vars map[string]any
}

// Use is one recorded scope switch.
type Use struct {
	Namespace string
	Database  string
}

// Fake implements surreal.Session. Results come from QueryFn when set,
// otherwise every statement succeeds with an empty result. All calls are
// recorded for assertions.
type Fake struct {
	mu sync.Mutex

	// QueryFn, when set, produces the results for each Query call.
	QueryFn func(sql string, vars map[string]any) ([]surreal.QueryResult, error)
	// ExportData is returned by Export; ImportedFiles records Import paths.
	ExportData    []byte
	ExportErr     error
	ImportErr     error
	Queries       []Query
	Uses          []Use
	ImportedFiles []string
	Closed        bool

	feeds map[string]*Feed
}

var _ surreal.Session = (*Fake)(nil)

// New creates an empty fake session.
func New() *Fake {
	return &Fake{feeds: make(map[string]*Feed)}
}

// FeedFor returns the feed Live will hand out for table, creating it on
// first use so tests can push notifications before the handler subscribes.
func (f *Fake) FeedFor(table string) *Feed {
	f.mu.Lock()
	defer f.mu.Unlock()
	feed, ok := f.feeds[table]
	if !ok {
		feed = newFeed()
		f.feeds[table] = feed
	}
	return feed
}

func (f *Fake) Use(ctx context.Context, namespace, database string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Uses = append(f.Uses, Use{Namespace: namespace, Database: database})
	return nil
}

func (f *Fake) Query(ctx context.Context, sql string, vars map[string]any) ([]surreal.QueryResult, error) {
	f.mu.Lock()
	f.Queries = append(f.Queries, Query{SQL: sql, Vars: vars})
	fn := f.QueryFn
	f.mu.Unlock()
	if fn != nil {
		return fn(sql, vars)
	}
	return []surreal.QueryResult{{Status: "OK", Result: json.RawMessage(`[]`)}}, nil
}

func (f *Fake) Live(ctx context.Context, table string) (surreal.Feed, error) {
	return f.FeedFor(table), nil
}

func (f *Fake) Export(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ExportErr != nil {
		return nil, f.ExportErr
	}
	return f.ExportData, nil
}

func (f *Fake) Import(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ImportErr != nil {
		return f.ImportErr
	}
	f.ImportedFiles = append(f.ImportedFiles, path)
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// Recorded returns a snapshot of the recorded queries.
func (f *Fake) Recorded() []Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Query, len(f.Queries))
	copy(out, f.Queries)
	return out
}

// Feed is a scriptable surreal.Feed.
type Feed struct {
	ch     chan surreal.Notification
	failed chan struct{}
	once   sync.Once
	err    error

	mu     sync.Mutex
	killed bool
}

func newFeed() *Feed {
	return &Feed{ch: make(chan surreal.Notification, 64), failed: make(chan struct{})}
}

// Push marshals record and queues a notification.
func (fd *Feed) Push(action surreal.Action, record any) {
	data, err := json.Marshal(record)
	if err != nil {
		panic(err)
	}
	fd.ch <- surreal.Notification{Action: action, Data: data}
}

// PushRaw queues a notification with an already-encoded (possibly invalid)
// record body.
func (fd *Feed) PushRaw(action surreal.Action, data []byte) {
	fd.ch <- surreal.Notification{Action: action, Data: data}
}

// Fail ends the feed: Next returns err once the queue drains.
func (fd *Feed) Fail(err error) {
	fd.once.Do(func() {
		fd.err = err
		close(fd.failed)
	})
}

func (fd *Feed) Next(ctx context.Context) (surreal.Notification, error) {
	select {
	case n := <-fd.ch:
		return n, nil
	default:
	}
	select {
	case n := <-fd.ch:
		return n, nil
	case <-fd.failed:
		return surreal.Notification{}, fd.err
	case <-ctx.Done():
		return surreal.Notification{}, ctx.Err()
	}
}

func (fd *Feed) Kill(ctx context.Context) error {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if fd.killed {
		return errors.New("surrealtest: feed already killed")
	}
	fd.killed = true
	return nil
}

// Killed reports whether Kill was called.
func (fd *Feed) Killed() bool {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.killed
}
