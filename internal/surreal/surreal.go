// Package surreal is a minimal SurrealDB client covering what the
// orchestration core consumes: a websocket RPC session with parameterized
// queries and scope switching, live-query feeds, and dataset export/import
// over the store's HTTP endpoints.
package surreal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrClosed is returned once a session's underlying connection is gone.
var ErrClosed = errors.New("surreal: session closed")

// Config describes how to reach the store.
type Config struct {
	// URL is the websocket RPC endpoint, e.g. "ws://localhost:8000/rpc".
	URL  string
	User string
	Pass string
	// Namespace/Database are selected after signin when non-empty.
	Namespace string
	Database  string
}

// Session is the store surface the handlers are written against.
// *Client implements it; tests substitute fakes.
type Session interface {
	Use(ctx context.Context, namespace, database string) error
	Query(ctx context.Context, sql string, vars map[string]any) ([]QueryResult, error)
	Live(ctx context.Context, table string) (Feed, error)
	Export(ctx context.Context) ([]byte, error)
	Import(ctx context.Context, path string) error
	Close() error
}

// Feed is one live-query subscription. Next blocks until the store pushes
// the next notification or the session dies; it never ends normally.
type Feed interface {
	Next(ctx context.Context) (Notification, error)
	Kill(ctx context.Context) error
}

// Action is the mutation kind carried by a notification.
type Action string

const (
	ActionCreate  Action = "CREATE"
	ActionUpdate  Action = "UPDATE"
	ActionDelete  Action = "DELETE"
	ActionUnknown Action = "UNKNOWN"
)

// ParseAction normalizes the store's action strings.
func ParseAction(s string) Action {
	switch strings.ToUpper(s) {
	case "CREATE":
		return ActionCreate
	case "UPDATE":
		return ActionUpdate
	case "DELETE":
		return ActionDelete
	default:
		return ActionUnknown
	}
}

// Notification is one change-feed entry. Data is the raw record; decoding is
// left to the consumer so a bad record can be skipped without ending the feed.
type Notification struct {
	Action Action
	Data   json.RawMessage
}

// QueryResult is the outcome of a single statement in a query batch.
// When Status is not "OK", Result holds the store's error message.
type QueryResult struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
}

// Take decodes the result of statement i (negative i counts from the end,
// so Take[T](res, -1) mirrors "take the last statement").
func Take[T any](results []QueryResult, i int) (T, error) {
	var zero T
	if i < 0 {
		i += len(results)
	}
	if i < 0 || i >= len(results) {
		return zero, fmt.Errorf("surreal: statement %d out of range (%d statements)", i, len(results))
	}
	r := results[i]
	if r.Status != "OK" {
		var msg string
		if err := json.Unmarshal(r.Result, &msg); err != nil {
			msg = string(r.Result)
		}
		return zero, fmt.Errorf("surreal: statement %d failed: %s", i, msg)
	}
	var v T
	if len(r.Result) == 0 || string(r.Result) == "null" {
		return zero, nil
	}
	if err := json.Unmarshal(r.Result, &v); err != nil {
		return zero, fmt.Errorf("surreal: decode statement %d: %w", i, err)
	}
	return v, nil
}

// QuoteString returns s as a single-quoted SurrealQL string literal with
// quotes and backslashes escaped. USE and DEFINE statements cannot carry
// bind parameters, so values inlined into them go through here.
func QuoteString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for _, r := range s {
		if r == '\'' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('\'')
	return b.String()
}

// RPCError is an error reported by the store for one RPC call.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("surreal: rpc error %d: %s", e.Code, e.Message)
}
