package entity

import "time"

// Outbox status constants
const (
	NotificationStatusPending = "PENDING"
	NotificationStatusSent    = "SENT"
	NotificationStatusFailed  = "FAILED"
)

// Notification channels
const (
	ChannelLog   = "log"
	ChannelLark  = "lark"
	ChannelNATS  = "nats"
	ChannelRedis = "redis"
)

// OutboxMessage is one queued delivery of a domain event to one channel
type OutboxMessage struct {
	ID            int64     `json:"id"`
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	InstanceID    string    `json:"instance_id"`
	Payload       string    `json:"payload"`
	Channel       string    `json:"channel"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IsPending reports whether the message is still waiting for delivery
func (m *OutboxMessage) IsPending() bool {
	return m.Status == NotificationStatusPending
}
