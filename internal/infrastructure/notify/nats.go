package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/garyjia/campus-approvals/internal/domain/entity"
	"github.com/garyjia/campus-approvals/internal/domain/event"
)

// NATSPublisher is satisfied by *nats.Conn
type NATSPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSNotifier publishes each event as JSON on <prefix>.<definition>.<event type>
type NATSNotifier struct {
	conn   NATSPublisher
	prefix string
}

// DialNATS connects with reconnect handling logged through logger
func DialNATS(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}

// NewNATSNotifier creates a notifier publishing under subject prefix
func NewNATSNotifier(conn NATSPublisher, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = "approvals"
	}
	return &NATSNotifier{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

// Channel returns the channel name
func (n *NATSNotifier) Channel() string {
	return entity.ChannelNATS
}

// Subject returns the subject an event is published on
func (n *NATSNotifier) Subject(evt *event.Event) string {
	return n.prefix + "." + evt.Definition + "." + evt.Type.String()
}

// Notify publishes the event. Nats-Msg-Id lets JetStream streams drop redeliveries.
func (n *NATSNotifier) Notify(ctx context.Context, evt *event.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msg := nats.NewMsg(n.Subject(evt))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, evt.ID)
	msg.Header.Set("Instance-Id", evt.InstanceID)

	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}
