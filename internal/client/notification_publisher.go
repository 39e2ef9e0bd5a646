package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/NCGHoldings/StoresONE-sub005/internal/logger"
	"github.com/NCGHoldings/StoresONE-sub005/internal/service"
)

// NotificationPublisher publishes approval notify intents to NATS for the
// notification delivery service.
//
// Subject convention: <prefix>.<event_type>, e.g. approvals.notify.approval_required
//
// All publish operations are non-fatal: errors are logged but never
// propagated, so notification failures never interrupt approval operations.
type NotificationPublisher struct {
	conn   *nats.Conn
	prefix string
	log    *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string    `json:"event_type"`
	RequestID    string    `json:"request_id"`
	EntityType   string    `json:"entity_type"`
	EntityID     string    `json:"entity_id"`
	EntityNumber string    `json:"entity_number,omitempty"`
	StepID       string    `json:"step_id,omitempty"`
	StepName     string    `json:"step_name,omitempty"`
	ActorID      string    `json:"actor_id"`
	Recipients   []string  `json:"recipients"`
	IsActionable bool      `json:"is_actionable"`
	Category     string    `json:"category"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// ConnectNATS dials the NATS server at url. Reconnects are unbounded so a
// broker restart does not silence notifications.
func ConnectNATS(url, name string, log *logger.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
}

// NewNotificationPublisher creates a publisher backed by conn. A nil conn
// makes every publish a no-op.
func NewNotificationPublisher(conn *nats.Conn, prefix string, log *logger.Logger) *NotificationPublisher {
	if prefix == "" {
		prefix = "approvals.notify"
	}
	return &NotificationPublisher{conn: conn, prefix: prefix, log: log}
}

// Notify publishes one intent. It satisfies service.Notifier.
func (p *NotificationPublisher) Notify(_ context.Context, intent service.NotifyIntent) {
	if p.conn == nil || len(intent.Recipients) == 0 {
		return
	}

	event := &NotificationEvent{
		EventType:    intent.EventType,
		RequestID:    intent.RequestID,
		EntityType:   intent.EntityType,
		EntityID:     intent.EntityID,
		EntityNumber: intent.EntityNumber,
		StepID:       intent.StepID,
		StepName:     intent.StepName,
		ActorID:      intent.ActorID,
		Recipients:   intent.Recipients,
		IsActionable: isActionable(intent.EventType),
		Category:     "approval",
		OccurredAt:   time.Now().UTC(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", intent.EventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, intent.EventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", intent.RequestID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", intent.RequestID).
		Int("recipients", len(intent.Recipients)).
		Msg("notification: event published")
}

func isActionable(eventType string) bool {
	switch eventType {
	case service.NotifyApprovalRequired, service.NotifyEscalated, service.NotifyReminder, service.NotifyDelegated:
		return true
	}
	return false
}

var _ service.Notifier = (*NotificationPublisher)(nil)
