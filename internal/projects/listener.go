package projects

import "context"

// Listener is the capability set fanned out to handlers on project lifecycle
// changes. Implementations must catch and log their own failures; the
// manager's notification loop never inspects an outcome.
type Listener interface {
	// OnInit replays an already-existing tenant during the startup
	// reconciliation pass, before the live feed is opened.
	OnInit(ctx context.Context, project, center string)
	OnProjectCreate(ctx context.Context, project, center string)
	OnProjectUpdate(ctx context.Context, project string)
	OnProjectDelete(ctx context.Context, project string)
}
