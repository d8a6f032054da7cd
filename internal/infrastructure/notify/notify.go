// Package notify delivers workflow events to external channels.
// Each notifier implements port.Notifier; the outbox worker picks one by channel name.
package notify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/garyjia/campus-approvals/internal/application/port"
	"github.com/garyjia/campus-approvals/internal/domain/event"
)

// Registry maps channel names to notifiers
type Registry struct {
	notifiers map[string]port.Notifier
}

// NewRegistry creates a registry from the given notifiers; later ones replace earlier ones on the same channel
func NewRegistry(notifiers ...port.Notifier) *Registry {
	r := &Registry{notifiers: make(map[string]port.Notifier, len(notifiers))}
	for _, n := range notifiers {
		r.notifiers[n.Channel()] = n
	}
	return r
}

// Get returns the notifier for channel
func (r *Registry) Get(channel string) (port.Notifier, bool) {
	n, ok := r.notifiers[channel]
	return n, ok
}

// Channels returns the registered channel names, sorted
func (r *Registry) Channels() []string {
	channels := make([]string, 0, len(r.notifiers))
	for name := range r.notifiers {
		channels = append(channels, name)
	}
	sort.Strings(channels)
	return channels
}

// Summary renders a one-line human readable description of the event
func Summary(evt *event.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s", evt.Definition, evt.SubjectRef, verb(evt.Type))

	if stage := evt.GetPayloadString(event.KeyStageName); stage != "" {
		fmt.Fprintf(&b, " at %s", stage)
	}
	if actor := evt.GetPayloadString(event.KeyActorID); actor != "" {
		fmt.Fprintf(&b, " by %s", actor)
	}
	if status := evt.GetPayloadString(event.KeyStatus); status != "" {
		fmt.Fprintf(&b, " (%s)", status)
	}
	if comment := evt.GetPayloadString(event.KeyComment); comment != "" {
		fmt.Fprintf(&b, ": %s", comment)
	}
	return b.String()
}

func verb(t event.Type) string {
	switch t {
	case event.TypeSubmitted:
		return "submitted"
	case event.TypeApproved:
		return "approved"
	case event.TypePublished:
		return "published"
	case event.TypeRejected:
		return "rejected"
	case event.TypeReworkRequested:
		return "sent back for rework"
	case event.TypeWithdrawn:
		return "withdrawn"
	default:
		return string(t)
	}
}
