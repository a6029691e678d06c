// Package queue provides the durable, at-least-once task queues that connect
// the producer and the stage workers. Implementations exist for RabbitMQ,
// Postgres and an in-process broker used in tests and local runs.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/defexai/defex-reviewer/internal/core"
)

// ErrAlreadySettled is returned when a delivery is settled a second time.
var ErrAlreadySettled = errors.New("delivery already settled")

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker closed")

// Delivery is one message handed to a consumer. Exactly one of Ack, Retry,
// Release or DeadLetter must be called once the consumer is done with it;
// until then the consumer receives no further messages.
type Delivery interface {
	Message() *core.Message
	// Ack removes the message permanently.
	Ack(ctx context.Context) error
	// Retry makes the message available again after delay with its attempt count incremented.
	Retry(ctx context.Context, delay time.Duration, reason string) error
	// Release hands the message back for immediate redelivery without
	// counting an attempt.
	Release(ctx context.Context) error
	// DeadLetter moves the message to the queue's dead-letter store.
	DeadLetter(ctx context.Context, reason string) error
}

// Broker is a durable message broker with named queues.
type Broker interface {
	core.Publisher
	// Consume streams deliveries from queue with a prefetch of one. The channel
	// is closed when ctx ends or the underlying connection is lost; callers
	// resubscribe in the latter case.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
	Close() error
}

// DeadLetter is a message that exhausted its attempts or failed permanently.
type DeadLetter struct {
	ID       string
	Queue    string
	Body     []byte
	Reason   string
	Attempts int
	FailedAt time.Time
}

// DeadLetterStore lists and replays dead-lettered messages.
type DeadLetterStore interface {
	ListDeadLetters(ctx context.Context, queue string, limit int) ([]DeadLetter, error)
	// ReplayDeadLetters moves the given messages, or all when ids is empty,
	// back onto queue with a fresh attempt count. It returns how many moved.
	ReplayDeadLetters(ctx context.Context, queue string, ids []string) (int, error)
}

func brokerErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *core.BrokerError
	if errors.As(err, &be) {
		return err
	}
	return &core.BrokerError{Op: op, Err: err}
}
