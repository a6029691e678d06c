package queue

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/defexai/defex-reviewer/internal/core"
)

type memMessage struct {
	id          string
	body        []byte
	attempt     int
	redelivered bool
	lastError   string
}

type memQueue struct {
	ready  []*memMessage
	signal chan struct{}
}

// MemoryBroker is an in-process Broker. Messages do not survive a restart.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	dead   map[string][]DeadLetter
	timers map[*time.Timer]struct{}
	closed bool
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues: make(map[string]*memQueue),
		dead:   make(map[string][]DeadLetter),
		timers: make(map[*time.Timer]struct{}),
	}
}

func (b *MemoryBroker) queueLocked(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{signal: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) push(name string, m *memMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	q := b.queueLocked(name)
	q.ready = append(q.ready, m)
	notify(q.signal)
	return nil
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Publish implements Broker.
func (b *MemoryBroker) Publish(_ context.Context, queue string, body []byte) error {
	m := &memMessage{id: uuid.NewString(), body: slices.Clone(body), attempt: 1}
	return brokerErr("publish", b.push(queue, m))
}

// next blocks until a message is ready on queue or ctx ends.
func (b *MemoryBroker) next(ctx context.Context, name string) (*memMessage, bool) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, false
		}
		q := b.queueLocked(name)
		if len(q.ready) > 0 {
			m := q.ready[0]
			q.ready = q.ready[1:]
			if len(q.ready) > 0 {
				notify(q.signal)
			}
			b.mu.Unlock()
			return m, true
		}
		signal := q.signal
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-signal:
		}
	}
}

// Consume implements Broker.
func (b *MemoryBroker) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, brokerErr("consume", ErrClosed)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			m, ok := b.next(ctx, queue)
			if !ok {
				return
			}
			d := &memDelivery{broker: b, queue: queue, msg: m, done: make(chan struct{})}
			select {
			case out <- d:
			case <-ctx.Done():
				_ = b.push(queue, m)
				return
			}
			// Prefetch of one: wait for settlement before taking the next message.
			select {
			case <-d.done:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close stops all consumers and pending retry timers.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for t := range b.timers {
		t.Stop()
	}
	for _, q := range b.queues {
		close(q.signal)
	}
	return nil
}

// Pending returns the number of messages ready on queue.
func (b *MemoryBroker) Pending(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queueLocked(queue).ready)
}

// Bodies returns the payloads currently ready on queue, oldest first.
func (b *MemoryBroker) Bodies(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out [][]byte
	for _, m := range b.queueLocked(queue).ready {
		out = append(out, slices.Clone(m.body))
	}
	return out
}

// ListDeadLetters implements DeadLetterStore.
func (b *MemoryBroker) ListDeadLetters(_ context.Context, queue string, limit int) ([]DeadLetter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dl := b.dead[queue]
	if limit > 0 && len(dl) > limit {
		dl = dl[:limit]
	}
	return slices.Clone(dl), nil
}

// ReplayDeadLetters implements DeadLetterStore.
func (b *MemoryBroker) ReplayDeadLetters(_ context.Context, queue string, ids []string) (int, error) {
	b.mu.Lock()
	var keep []DeadLetter
	var replay []*memMessage
	for _, d := range b.dead[queue] {
		if len(ids) == 0 || slices.Contains(ids, d.ID) {
			replay = append(replay, &memMessage{id: d.ID, body: d.Body, attempt: 1})
		} else {
			keep = append(keep, d)
		}
	}
	b.dead[queue] = keep
	b.mu.Unlock()

	for _, m := range replay {
		if err := b.push(queue, m); err != nil {
			return 0, brokerErr("replay", err)
		}
	}
	return len(replay), nil
}

func (b *MemoryBroker) scheduleRetry(queue string, m *memMessage, delay time.Duration) error {
	if delay <= 0 {
		return b.push(queue, m)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, t)
		b.mu.Unlock()
		_ = b.push(queue, m)
	})
	b.timers[t] = struct{}{}
	return nil
}

type memDelivery struct {
	broker  *MemoryBroker
	queue   string
	msg     *memMessage
	settled atomic.Bool
	done    chan struct{}
}

func (d *memDelivery) Message() *core.Message {
	return &core.Message{
		ID:          d.msg.id,
		Queue:       d.queue,
		Body:        d.msg.body,
		Attempt:     d.msg.attempt,
		Redelivered: d.msg.redelivered,
	}
}

func (d *memDelivery) settle() error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	close(d.done)
	return nil
}

func (d *memDelivery) Ack(context.Context) error {
	return d.settle()
}

func (d *memDelivery) Retry(_ context.Context, delay time.Duration, reason string) error {
	if err := d.settle(); err != nil {
		return err
	}
	next := &memMessage{
		id:          d.msg.id,
		body:        d.msg.body,
		attempt:     d.msg.attempt + 1,
		redelivered: true,
		lastError:   reason,
	}
	return brokerErr("retry", d.broker.scheduleRetry(d.queue, next, delay))
}

func (d *memDelivery) Release(context.Context) error {
	if err := d.settle(); err != nil {
		return err
	}
	next := &memMessage{
		id:          d.msg.id,
		body:        d.msg.body,
		attempt:     d.msg.attempt,
		redelivered: true,
		lastError:   d.msg.lastError,
	}
	return brokerErr("release", d.broker.push(d.queue, next))
}

func (d *memDelivery) DeadLetter(_ context.Context, reason string) error {
	if err := d.settle(); err != nil {
		return err
	}
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	d.broker.dead[d.queue] = append(d.broker.dead[d.queue], DeadLetter{
		ID:       d.msg.id,
		Queue:    d.queue,
		Body:     d.msg.body,
		Reason:   reason,
		Attempts: d.msg.attempt,
		FailedAt: time.Now().UTC(),
	})
	return nil
}
