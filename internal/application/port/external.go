package port

import (
	"context"

	"github.com/garyjia/campus-approvals/internal/domain/event"
	"github.com/garyjia/campus-approvals/internal/domain/identity"
)

// RoleProvider resolves a bearer token to a role-scoped actor.
// Unknown tokens yield identity.ErrUnauthenticated.
type RoleProvider interface {
	Resolve(ctx context.Context, token string) (identity.Actor, error)
}

// NotificationSink receives workflow events. Emit must not block the caller
// on delivery, and delivery failures are never reported back.
type NotificationSink interface {
	Emit(ctx context.Context, evt *event.Event)
}

// Notifier delivers one event to one external channel
type Notifier interface {
	Channel() string
	Notify(ctx context.Context, evt *event.Event) error
}
