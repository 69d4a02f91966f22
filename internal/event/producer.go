package event

import (
	"context"
	"fmt"

	"github.com/oakmist/storefront/internal/domain"
	"github.com/oakmist/storefront/pkg/kafka"
	"github.com/oakmist/storefront/pkg/logger"
)

// Topics published by the storefront.
const (
	TopicCartUpdated            = "storefront.cart.updated"
	TopicCartCleared            = "storefront.cart.cleared"
	TopicCheckoutSessionCreated = "storefront.checkout.session_created"
	TopicCheckoutPaid           = "storefront.checkout.paid"
	TopicCheckoutAbandoned      = "storefront.checkout.abandoned"
)

const source = "storefront"

// Publisher emits domain events. Publishing is best effort: callers log
// failures and carry on, events never gate a state change.
type Publisher interface {
	CartUpdated(ctx context.Context, snapshot domain.Snapshot) error
	CartCleared(ctx context.Context) error
	CheckoutSessionCreated(ctx context.Context, session domain.CheckoutSession) error
	CheckoutPaid(ctx context.Context, orderNumber, paymentIntentID string) error
	CheckoutAbandoned(ctx context.Context, session domain.CheckoutSession) error
}

// KafkaPublisher publishes domain events to Kafka.
type KafkaPublisher struct {
	producer *kafka.Producer
}

// NewKafkaPublisher creates a publisher over the given producer.
func NewKafkaPublisher(producer *kafka.Producer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

func (p *KafkaPublisher) publish(ctx context.Context, topic, eventType, aggregateID, aggregateType string, data any) error {
	evt, err := kafka.NewEvent(eventType, aggregateID, aggregateType, source, data)
	if err != nil {
		return fmt.Errorf("build %s event: %w", eventType, err)
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		evt.WithCorrelationID(id)
	}
	return p.producer.Publish(ctx, topic, evt)
}

// CartUpdated reports a cart mutation with the resulting snapshot.
func (p *KafkaPublisher) CartUpdated(ctx context.Context, snapshot domain.Snapshot) error {
	return p.publish(ctx, TopicCartUpdated, "cart.updated", "cart", "cart", snapshot)
}

// CartCleared reports that the cart was emptied.
func (p *KafkaPublisher) CartCleared(ctx context.Context) error {
	return p.publish(ctx, TopicCartCleared, "cart.cleared", "cart", "cart", struct{}{})
}

// CheckoutSessionCreated reports a new payment session.
func (p *KafkaPublisher) CheckoutSessionCreated(ctx context.Context, session domain.CheckoutSession) error {
	return p.publish(ctx, TopicCheckoutSessionCreated, "checkout.session_created",
		session.PaymentIntentID, "checkout", sessionPayload(session))
}

// CheckoutPaid reports a completed payment.
func (p *KafkaPublisher) CheckoutPaid(ctx context.Context, orderNumber, paymentIntentID string) error {
	return p.publish(ctx, TopicCheckoutPaid, "checkout.paid", paymentIntentID, "checkout",
		map[string]string{
			"order_number":      orderNumber,
			"payment_intent_id": paymentIntentID,
		})
}

// CheckoutAbandoned reports a session discarded before payment completed.
func (p *KafkaPublisher) CheckoutAbandoned(ctx context.Context, session domain.CheckoutSession) error {
	return p.publish(ctx, TopicCheckoutAbandoned, "checkout.abandoned",
		session.PaymentIntentID, "checkout", sessionPayload(session))
}

// sessionPayload strips the client secret from published events.
func sessionPayload(s domain.CheckoutSession) map[string]any {
	return map[string]any{
		"order_number":      s.OrderNumber,
		"payment_intent_id": s.PaymentIntentID,
		"created_at":        s.Timestamp,
	}
}

// NoopPublisher discards all events. Used when no brokers are configured
// and in tests.
type NoopPublisher struct{}

func (NoopPublisher) CartUpdated(context.Context, domain.Snapshot) error            { return nil }
func (NoopPublisher) CartCleared(context.Context) error                             { return nil }
func (NoopPublisher) CheckoutSessionCreated(context.Context, domain.CheckoutSession) error { return nil }
func (NoopPublisher) CheckoutPaid(context.Context, string, string) error            { return nil }
func (NoopPublisher) CheckoutAbandoned(context.Context, domain.CheckoutSession) error {
	return nil
}
