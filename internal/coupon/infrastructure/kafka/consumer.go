package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/domain"
	"github.com/dmehra2102/Coupon-Reservation-System/pkg/tracing"
)

const eventTypeHeader = "event_type"

type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type PaymentHandler interface {
	OnPaymentCompleted(ctx context.Context, ev domain.PaymentCompleted) (domain.Outcome, error)
	OnPaymentFailed(ctx context.Context, ev domain.PaymentFailed) (domain.Outcome, error)
}

// Deduper is the subset of idempotency.Store the consumer needs.
type Deduper interface {
	Key(kind string, parts ...string) string
	Done(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// Consumer feeds payment events to the reconciler. A message is committed once
// it was handled or rejected for good; transient failures are retried in
// place. Dedup is keyed by event type and reservation id and only filters
// redeliveries, the handlers tolerate them anyway.
type Consumer struct {
	log     *slog.Logger
	reader  MessageReader
	handler PaymentHandler
	idem    Deduper
	tracer  trace.Tracer
	backoff func() backoff.BackOff
}

func NewConsumer(log *slog.Logger, reader MessageReader, handler PaymentHandler, idem Deduper) *Consumer {
	return &Consumer{
		log:     log,
		reader:  reader,
		handler: handler,
		idem:    idem,
		tracer:  otel.Tracer("coupon-payment-consumer"),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("payment consumer stopping")
				return nil
			}
			return err
		}
		if err := c.Handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				c.log.Info("payment consumer stopping", "offset", msg.Offset)
				return nil
			}
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.log.Error("commit failed", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		}
	}
}

// Handle processes one message. A nil return means the message may be
// committed; an error is only returned when ctx ended mid-retry.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) error {
	eventType := headerValue(msg.Headers, eventTypeHeader)
	msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "Consume"+eventType, trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int("messaging.kafka.partition", msg.Partition),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		))
	defer span.End()

	var (
		reservationID string
		process       func(context.Context) (domain.Outcome, error)
	)
	switch eventType {
	case domain.EventPaymentCompleted:
		var ev domain.PaymentCompleted
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			c.log.Error("unmarshal failed", "type", eventType, "offset", msg.Offset, "err", err)
			return nil
		}
		reservationID = ev.ReservationID
		process = func(ctx context.Context) (domain.Outcome, error) { return c.handler.OnPaymentCompleted(ctx, ev) }
	case domain.EventPaymentFailed:
		var ev domain.PaymentFailed
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			c.log.Error("unmarshal failed", "type", eventType, "offset", msg.Offset, "err", err)
			return nil
		}
		reservationID = ev.ReservationID
		process = func(ctx context.Context) (domain.Outcome, error) { return c.handler.OnPaymentFailed(ctx, ev) }
	default:
		c.log.Warn("unknown event type skipped", "type", eventType, "offset", msg.Offset)
		return nil
	}
	span.SetAttributes(attribute.String("coupon.reservation_id", reservationID))

	key := c.idem.Key(eventType, reservationID)
	done, err := c.idem.Done(msgCtx, key)
	switch {
	case err != nil:
		c.log.Warn("idempotency check failed", "key", key, "err", err)
	case done:
		c.log.Info("duplicate message skipped", "key", key)
		return nil
	}

	var outcome domain.Outcome
	err = backoff.Retry(func() error {
		var err error
		outcome, err = process(msgCtx)
		if err == nil || transient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(c.backoff(), ctx))
	if err == nil {
		c.mark(ctx, key)
		c.log.Info("payment event processed", "type", eventType, "reservation_id", reservationID, "outcome", outcome)
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, domain.CodeOf(err))

	if ctx.Err() != nil {
		return fmt.Errorf("handle %s %s: %w", eventType, reservationID, ctx.Err())
	}
	c.log.Error("payment event rejected", "type", eventType, "reservation_id", reservationID,
		"code", domain.CodeOf(err), "err", err)
	return nil
}

// mark records a handled message. Losing the mark only costs a redundant,
// idempotent reprocessing of a redelivery.
func (c *Consumer) mark(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.idem.Mark(ctx, key); err != nil {
		c.log.Warn("idempotency mark failed", "key", key, "err", err)
	}
}

// transient reports whether retrying the same event may succeed: contention,
// lost optimistic races and infrastructure failures. Domain rejections are
// final.
func transient(err error) bool {
	if domain.Retryable(err) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return domain.CodeOf(err) == "INTERNAL"
}

func headerValue(h []kafka.Header, key string) string {
	for _, hh := range h {
		if hh.Key == key {
			return string(hh.Value)
		}
	}
	return ""
}
