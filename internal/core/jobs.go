// Package core defines the task entities, error taxonomy and the small set of
// interfaces that connect the producer, the queue and the stage workers.
package core

import (
	"context"
)

// Message is a single delivery handed to a stage by the queue.
type Message struct {
	ID    string
	Queue string
	Body  []byte
	// Attempt is 1 on first delivery and grows with each retry or redelivery.
	Attempt     int
	Redelivered bool
}

// Publisher enqueues a payload on a named durable queue. A nil error means
// the broker has accepted and persisted the message.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Stage represents one step of the review pipeline. The runner acknowledges
// the message when Handle returns nil and otherwise retries or dead-letters it
// according to the returned error's class.
type Stage interface {
	// Name identifies the stage in logs and metrics.
	Name() string
	// Handle processes one message. ctx carries the soft time limit.
	Handle(ctx context.Context, msg *Message) error
}
