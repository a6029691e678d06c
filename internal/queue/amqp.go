package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/defexai/defex-reviewer/internal/core"
)

const (
	headerAttempt       = "x-attempt"
	headerLastError     = "x-last-error"
	headerFailedAt      = "x-failed-at"
	headerDeliveryCount = "x-delivery-count"
	headerDeath         = "x-death"
	retrySuffix     = ".retry"
	deadSuffix      = ".dead"
)

// AMQPBroker is a Broker on RabbitMQ. Each work queue q is a quorum queue
// with two companions: q.retry holds delayed retries and dead-letters expired
// messages back to q; q.dead keeps messages that will not be retried.
//
// A message's attempt is the x-attempt header, set on publish and on each
// retry, plus the x-delivery-count the server adds when a delivery is
// returned unsettled, e.g. because the consumer died.
type AMQPBroker struct {
	url           string
	deliveryLimit int
	logger        *slog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	pub      *amqp.Channel
	declared map[string]bool
	closed   bool
}

// AMQPOptions tunes an AMQPBroker.
type AMQPOptions struct {
	// DeliveryLimit is how often the server redelivers a message returned
	// unsettled before moving it to q.dead. Zero keeps the server default.
	DeliveryLimit int
}

// DialAMQP connects to url and returns a broker that redials on demand.
func DialAMQP(url string, opts AMQPOptions, logger *slog.Logger) (*AMQPBroker, error) {
	b := &AMQPBroker{url: url, deliveryLimit: opts.DeliveryLimit, logger: logger, declared: make(map[string]bool)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.connectionLocked(); err != nil {
		return nil, brokerErr("dial", err)
	}
	return b, nil
}

func (b *AMQPBroker) connectionLocked() (*amqp.Connection, error) {
	if b.closed {
		return nil, ErrClosed
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return nil, err
	}
	b.conn = conn
	b.pub = nil
	b.declared = make(map[string]bool)
	b.logger.Info("connected to message broker")
	return conn, nil
}

// publisherLocked returns the shared confirm-mode channel used for publishing.
func (b *AMQPBroker) publisherLocked() (*amqp.Channel, error) {
	conn, err := b.connectionLocked()
	if err != nil {
		return nil, err
	}
	if b.pub != nil && !b.pub.IsClosed() {
		return b.pub, nil
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, err
	}
	b.pub = ch
	b.declared = make(map[string]bool)
	return ch, nil
}

// workQueueArgs declares q as a quorum queue whose over-delivered messages
// are dead-lettered to q.dead.
func workQueueArgs(queue string, deliveryLimit int) amqp.Table {
	args := amqp.Table{
		"x-queue-type":              "quorum",
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue + deadSuffix,
	}
	if deliveryLimit > 0 {
		args["x-delivery-limit"] = int64(deliveryLimit)
	}
	return args
}

// declareTopology declares q, q.retry and q.dead as durable queues.
func (b *AMQPBroker) declareTopology(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, workQueueArgs(queue, b.deliveryLimit)); err != nil {
		return fmt.Errorf("declare %s: %w", queue, err)
	}
	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}
	if _, err := ch.QueueDeclare(queue+retrySuffix, true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("declare %s: %w", queue+retrySuffix, err)
	}
	if _, err := ch.QueueDeclare(queue+deadSuffix, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", queue+deadSuffix, err)
	}
	return nil
}

// Publish implements Broker. It returns once the broker confirms the message.
func (b *AMQPBroker) Publish(ctx context.Context, queue string, body []byte) error {
	msg := amqp.Publishing{
		Headers:      amqp.Table{headerAttempt: int32(1)},
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	return brokerErr("publish", b.publish(ctx, queue, queue, msg))
}

// publish sends msg to routingKey after declaring the topology of queue.
func (b *AMQPBroker) publish(ctx context.Context, queue, routingKey string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, err := b.publisherLocked()
	if err != nil {
		return err
	}
	if !b.declared[queue] {
		if err := b.declareTopology(ch, queue); err != nil {
			return err
		}
		b.declared[queue] = true
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", routingKey, false, false, msg)
	if err != nil {
		return err
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("broker rejected message %s", msg.MessageId)
	}
	return nil
}

// Consume implements Broker. Each consumer gets its own channel with a
// prefetch of one and manual acknowledgement.
func (b *AMQPBroker) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	b.mu.Lock()
	conn, err := b.connectionLocked()
	b.mu.Unlock()
	if err != nil {
		return nil, brokerErr("consume", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, brokerErr("consume", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return nil, brokerErr("consume", err)
	}
	if err := b.declareTopology(ch, queue); err != nil {
		_ = ch.Close()
		return nil, brokerErr("consume", err)
	}
	src, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, brokerErr("consume", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		var last *amqpDelivery
		defer func() {
			// The channel must stay open until the in-flight delivery is settled.
			if last != nil {
				<-last.done
			}
			_ = ch.Close()
		}()

		for d := range src {
			last = &amqpDelivery{broker: b, queue: queue, d: d, done: make(chan struct{})}
			select {
			case out <- last:
			case <-ctx.Done():
				_ = d.Nack(false, true)
				last = nil
				return
			}
			select {
			case <-last.done:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close closes the connection. In-flight unacknowledged messages are requeued by the server.
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn.Close()
	}
	return nil
}

// ListDeadLetters implements DeadLetterStore. Messages are fetched without
// acknowledgement and return to q.dead when the inspection channel closes.
func (b *AMQPBroker) ListDeadLetters(_ context.Context, queue string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []DeadLetter
	err := b.withDeadQueue(queue, func(ch *amqp.Channel, depth int) error {
		for i := 0; i < depth && len(out) < limit; i++ {
			d, ok, err := ch.Get(queue+deadSuffix, false)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			out = append(out, deadLetterFrom(queue, d))
		}
		return nil
	})
	return out, brokerErr("list dead letters", err)
}

// ReplayDeadLetters implements DeadLetterStore.
func (b *AMQPBroker) ReplayDeadLetters(ctx context.Context, queue string, ids []string) (int, error) {
	replayed := 0
	err := b.withDeadQueue(queue, func(ch *amqp.Channel, depth int) error {
		for range depth {
			d, ok, err := ch.Get(queue+deadSuffix, false)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if len(ids) > 0 && !slices.Contains(ids, d.MessageId) {
				continue
			}
			msg := amqp.Publishing{
				Headers:      amqp.Table{headerAttempt: int32(1)},
				ContentType:  d.ContentType,
				DeliveryMode: amqp.Persistent,
				MessageId:    d.MessageId,
				Timestamp:    time.Now().UTC(),
				Body:         d.Body,
			}
			if err := b.publish(ctx, queue, queue, msg); err != nil {
				return err
			}
			if err := d.Ack(false); err != nil {
				return err
			}
			replayed++
		}
		return nil
	})
	return replayed, brokerErr("replay dead letters", err)
}

func (b *AMQPBroker) withDeadQueue(queue string, fn func(ch *amqp.Channel, depth int) error) error {
	b.mu.Lock()
	conn, err := b.connectionLocked()
	b.mu.Unlock()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	if err := b.declareTopology(ch, queue); err != nil {
		return err
	}
	q, err := ch.QueueDeclarePassive(queue+deadSuffix, true, false, false, false, nil)
	if err != nil {
		return err
	}
	return fn(ch, q.Messages)
}

func deadLetterFrom(queue string, d amqp.Delivery) DeadLetter {
	dl := DeadLetter{
		ID:       d.MessageId,
		Queue:    queue,
		Body:     d.Body,
		Attempts: attemptOf(d.Headers),
		FailedAt: d.Timestamp,
	}
	if s, ok := d.Headers[headerLastError].(string); ok {
		dl.Reason = s
	} else if reason := deathReason(d.Headers); reason != "" {
		dl.Reason = "dead-lettered by broker: " + reason
	}
	if s, ok := d.Headers[headerFailedAt].(string); ok {
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			dl.FailedAt = ts
		}
	}
	return dl
}

// attemptOf returns the attempt a delivery with headers h represents.
func attemptOf(h amqp.Table) int {
	return headerInt(h, headerAttempt, 1) + headerInt(h, headerDeliveryCount, 0)
}

// deathReason returns the reason of the most recent x-death entry, such as
// "delivery_limit".
func deathReason(h amqp.Table) string {
	deaths, ok := h[headerDeath].([]any)
	if !ok || len(deaths) == 0 {
		return ""
	}
	latest, ok := deaths[0].(amqp.Table)
	if !ok {
		return ""
	}
	reason, _ := latest["reason"].(string)
	return reason
}

func headerInt(h amqp.Table, key string, fallback int) int {
	switch v := h[key].(type) {
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

type amqpDelivery struct {
	broker  *AMQPBroker
	queue   string
	d       amqp.Delivery
	settled atomic.Bool
	done    chan struct{}
}

func (a *amqpDelivery) Message() *core.Message {
	attempt := attemptOf(a.d.Headers)
	return &core.Message{
		ID:          a.d.MessageId,
		Queue:       a.queue,
		Body:        a.d.Body,
		Attempt:     attempt,
		Redelivered: a.d.Redelivered || attempt > 1,
	}
}

func (a *amqpDelivery) settle() error {
	if !a.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return nil
}

func (a *amqpDelivery) finish(op string, err error) error {
	close(a.done)
	return brokerErr(op, err)
}

func (a *amqpDelivery) Ack(context.Context) error {
	if err := a.settle(); err != nil {
		return err
	}
	return a.finish("ack", a.d.Ack(false))
}

// forward republishes the delivery to target and acknowledges the original.
// If the republish fails the original is requeued instead.
func (a *amqpDelivery) forward(ctx context.Context, op, target string, headers amqp.Table, expiration string) error {
	msg := amqp.Publishing{
		Headers:      headers,
		ContentType:  a.d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    a.d.MessageId,
		Timestamp:    time.Now().UTC(),
		Expiration:   expiration,
		Body:         a.d.Body,
	}
	if err := a.broker.publish(ctx, a.queue, target, msg); err != nil {
		return a.finish(op, errors.Join(err, a.d.Nack(false, true)))
	}
	return a.finish(op, a.d.Ack(false))
}

func (a *amqpDelivery) Retry(ctx context.Context, delay time.Duration, reason string) error {
	if err := a.settle(); err != nil {
		return err
	}
	headers := amqp.Table{
		headerAttempt:   int32(a.Message().Attempt + 1),
		headerLastError: reason,
	}
	ms := max(delay.Milliseconds(), 0)
	return a.forward(ctx, "retry", a.queue+retrySuffix, headers, strconv.FormatInt(ms, 10))
}

// Release puts the message back on its queue with the same attempt.
func (a *amqpDelivery) Release(ctx context.Context) error {
	if err := a.settle(); err != nil {
		return err
	}
	headers := amqp.Table{headerAttempt: int32(a.Message().Attempt)}
	if s, ok := a.d.Headers[headerLastError].(string); ok {
		headers[headerLastError] = s
	}
	return a.forward(ctx, "release", a.queue, headers, "")
}

func (a *amqpDelivery) DeadLetter(ctx context.Context, reason string) error {
	if err := a.settle(); err != nil {
		return err
	}
	headers := amqp.Table{
		headerAttempt:   int32(a.Message().Attempt),
		headerLastError: reason,
		headerFailedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	return a.forward(ctx, "dead letter", a.queue+deadSuffix, headers, "")
}
