// Package audit publishes security events (revocations, anomaly warnings,
// SSO logins) to the message broker for the downstream alerting pipeline.
// Publishing is fire-and-forget: a broker outage degrades to log-only and
// never fails the request that produced the event.
package audit

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/relaycrm/authcore/internal/logging"
)

const exchangeName = "authcore.events"

// Event types emitted by the authentication core.
const (
	EventTokenRevoked    = "token.revoked"
	EventSuspiciousToken = "token.suspicious"
	EventSSOLogin        = "sso.login"
	EventSAMLLogin       = "saml.login"
)

// Event is a single security event.
type Event struct {
	Type      string            `json:"type"`
	TenantID  string            `json:"tenant_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	JTI       string            `json:"jti,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Publisher emits security events.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewPublisher connects to the broker and declares the events exchange. An
// empty URL returns a nil Publisher, which is safe to use and logs only.
func NewPublisher(amqpURL string) (*Publisher, error) {
	if amqpURL == "" {
		return nil, nil
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, err
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := channel.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Publisher{conn: conn, channel: channel}, nil
}

// Publish emits an event. Errors are logged, never returned: auditing must
// not alter request outcomes.
func (p *Publisher) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if p == nil {
		logging.Info("audit event (broker not configured)",
			zap.String("type", event.Type),
			zap.String("tenant_id", event.TenantID),
			zap.String("user_id", event.UserID),
		)
		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		logging.Error("failed to marshal audit event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = p.channel.PublishWithContext(ctx, exchangeName, event.Type, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   event.Timestamp,
		Body:        body,
	})
	if err != nil {
		logging.Warn("failed to publish audit event",
			zap.String("type", event.Type),
			zap.Error(err),
		)
	}
}

// Close releases the broker connection.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
