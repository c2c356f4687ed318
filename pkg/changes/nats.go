package changes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericvolp12/feedgen/pkg/feed"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// NATSSubscriber consumes JSON change events from a NATS subject. Instances sharing a queue group
// split the subject's messages between them.
type NATSSubscriber struct {
	logger     *slog.Logger
	conn       *nats.Conn
	subject    string
	queueGroup string
	source     *Source
	timeout    time.Duration

	sub *nats.Subscription
}

func NewNATSSubscriber(logger *slog.Logger, conn *nats.Conn, subject, queueGroup string, source *Source) *NATSSubscriber {
	return &NATSSubscriber{
		logger:     logger.With("module", "changes", "transport", "nats"),
		conn:       conn,
		subject:    subject,
		queueGroup: queueGroup,
		source:     source,
		timeout:    10 * time.Second,
	}
}

func (n *NATSSubscriber) Start() error {
	var err error
	if n.queueGroup != "" {
		n.sub, err = n.conn.QueueSubscribe(n.subject, n.queueGroup, n.HandleMsg)
	} else {
		n.sub, err = n.conn.Subscribe(n.subject, n.HandleMsg)
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", n.subject, err)
	}
	n.logger.Info("subscribed to change events", "subject", n.subject, "queue_group", n.queueGroup)
	return nil
}

// HandleMsg decodes one message and hands it to the source, continuing the producer's trace.
func (n *NATSSubscriber) HandleMsg(msg *nats.Msg) {
	ctx := context.Background()
	if msg.Header != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(msg.Header))
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "HandleNATSMsg", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		span.RecordError(err)
		subscriberMessages.WithLabelValues("nats", "malformed").Inc()
		n.logger.Warn("dropping malformed change event", "subject", msg.Subject, "err", err)
		return
	}

	if _, err := n.source.Handle(ctx, ev); err != nil {
		span.RecordError(err)
		outcome := "error"
		if feed.IsValidation(err) {
			outcome = "invalid"
		}
		subscriberMessages.WithLabelValues("nats", outcome).Inc()
		n.logger.Error("failed to handle change event", "subject", msg.Subject, "type", ev.Type, "err", err)
		return
	}
	subscriberMessages.WithLabelValues("nats", "ok").Inc()
}

// Close drains the subscription so in-flight messages finish.
func (n *NATSSubscriber) Close() error {
	if n.sub == nil {
		return nil
	}
	return n.sub.Drain()
}
