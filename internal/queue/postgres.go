package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/defexai/defex-reviewer/internal/core"
)

const notifyChannel = "defex_queue"

const (
	insertMessageSQL = `
		INSERT INTO queue_messages (queue, message_id, payload)
		VALUES ($1, $2, $3)`

	// claimSQL leases the oldest visible message. The lease is the visibility
	// timeout; an unsettled message becomes visible again when it expires.
	claimSQL = `
		UPDATE queue_messages
		SET attempts = attempts + 1,
		    visible_at = now() + make_interval(secs => $2)
		WHERE id = (
			SELECT id FROM queue_messages
			WHERE queue = $1 AND visible_at <= now()
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, message_id, payload, attempts, last_error`

	ackSQL = `DELETE FROM queue_messages WHERE id = $1 AND attempts = $2`

	retrySQL = `
		UPDATE queue_messages
		SET visible_at = now() + make_interval(secs => $3), last_error = $4
		WHERE id = $1 AND attempts = $2`

	// releaseSQL undoes the claim's attempt increment; the next claim restores it.
	releaseSQL = `
		UPDATE queue_messages
		SET attempts = attempts - 1, visible_at = now()
		WHERE id = $1 AND attempts = $2`

	deadLetterSQL = `
		WITH moved AS (
			DELETE FROM queue_messages WHERE id = $1 AND attempts = $2
			RETURNING queue, message_id, payload, attempts
		)
		INSERT INTO dead_letters (queue, message_id, payload, attempts, reason)
		SELECT queue, message_id, payload, attempts, $3 FROM moved`

	listDeadLettersSQL = `
		SELECT message_id, queue, payload, attempts, reason, failed_at
		FROM dead_letters
		WHERE queue = $1
		ORDER BY failed_at, id
		LIMIT $2`

	replayDeadLettersSQL = `
		WITH moved AS (
			DELETE FROM dead_letters
			WHERE queue = $1 AND (cardinality($2::text[]) = 0 OR message_id = ANY($2))
			RETURNING queue, message_id, payload
		)
		INSERT INTO queue_messages (queue, message_id, payload)
		SELECT queue, message_id, payload FROM moved`
)

// errStaleDelivery means the lease expired and the message was claimed again.
var errStaleDelivery = errors.New("delivery lease expired; message was redelivered")

type claimedRow struct {
	ID        int64  `db:"id"`
	MessageID string `db:"message_id"`
	Payload   []byte `db:"payload"`
	Attempts  int    `db:"attempts"`
	LastError string `db:"last_error"`
}

type deadLetterRow struct {
	MessageID string    `db:"message_id"`
	Queue     string    `db:"queue"`
	Payload   []byte    `db:"payload"`
	Attempts  int       `db:"attempts"`
	Reason    string    `db:"reason"`
	FailedAt  time.Time `db:"failed_at"`
}

// PostgresBroker is a Broker backed by a Postgres table. Consumers wake on
// LISTEN/NOTIFY and fall back to polling.
type PostgresBroker struct {
	db         *sqlx.DB
	listener   *pq.Listener
	poll       time.Duration
	visibility time.Duration
	logger     *slog.Logger

	mu     sync.Mutex
	wake   map[string]chan struct{}
	closed atomic.Bool
	stop   chan struct{}
}

// PostgresOptions tunes a PostgresBroker.
type PostgresOptions struct {
	// DSN enables LISTEN/NOTIFY wake-ups when set.
	DSN               string
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
}

// NewPostgresBroker creates a broker over an already migrated database.
func NewPostgresBroker(db *sqlx.DB, opts PostgresOptions, logger *slog.Logger) *PostgresBroker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 35 * time.Minute
	}
	b := &PostgresBroker{
		db:         db,
		poll:       opts.PollInterval,
		visibility: opts.VisibilityTimeout,
		logger:     logger,
		wake:       make(map[string]chan struct{}),
		stop:       make(chan struct{}),
	}

	if opts.DSN != "" {
		b.listener = pq.NewListener(opts.DSN, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
			if err != nil {
				logger.Warn("queue listener event", "event", ev, "error", err)
			}
		})
		if err := b.listener.Listen(notifyChannel); err != nil {
			logger.Warn("LISTEN failed, falling back to polling", "error", err)
			_ = b.listener.Close()
			b.listener = nil
		} else {
			go b.dispatchNotifications()
		}
	}
	return b
}

func (b *PostgresBroker) wakeChan(queue string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.wake[queue]
	if !ok {
		ch = make(chan struct{}, 1)
		b.wake[queue] = ch
	}
	return ch
}

func (b *PostgresBroker) dispatchNotifications() {
	for {
		select {
		case <-b.stop:
			return
		case n, ok := <-b.listener.Notify:
			if !ok {
				return
			}
			// nil after a reconnect; wake everyone since notifications may have been missed.
			if n == nil {
				b.mu.Lock()
				for _, ch := range b.wake {
					notify(ch)
				}
				b.mu.Unlock()
				continue
			}
			notify(b.wakeChan(n.Extra))
		}
	}
}

// Publish implements Broker. The message is durable once the insert commits.
func (b *PostgresBroker) Publish(ctx context.Context, queue string, body []byte) error {
	if b.closed.Load() {
		return brokerErr("publish", ErrClosed)
	}
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return brokerErr("publish", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, insertMessageSQL, queue, uuid.NewString(), body); err != nil {
		return brokerErr("publish", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, queue); err != nil {
		return brokerErr("publish", err)
	}
	return brokerErr("publish", tx.Commit())
}

func (b *PostgresBroker) claim(ctx context.Context, queue string) (*claimedRow, error) {
	var row claimedRow
	err := b.db.GetContext(ctx, &row, claimSQL, queue, b.visibility.Seconds())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Consume implements Broker.
func (b *PostgresBroker) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	if b.closed.Load() {
		return nil, brokerErr("consume", ErrClosed)
	}
	wake := b.wakeChan(queue)
	out := make(chan Delivery)

	go func() {
		defer close(out)
		ticker := time.NewTicker(b.poll)
		defer ticker.Stop()

		for {
			row, err := b.claim(ctx, queue)
			if err != nil && ctx.Err() == nil {
				b.logger.Warn("failed to claim message", "queue", queue, "error", err)
			}
			if row == nil {
				select {
				case <-ctx.Done():
					return
				case <-b.stop:
					return
				case <-wake:
				case <-ticker.C:
				}
				continue
			}

			d := &pgDelivery{broker: b, queue: queue, row: row, done: make(chan struct{})}
			select {
			case out <- d:
			case <-ctx.Done():
				// Leave the lease to expire; another consumer will pick it up.
				return
			}
			select {
			case <-d.done:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close stops consumers and the notification listener. The pool is owned by the caller.
func (b *PostgresBroker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.stop)
	if b.listener != nil {
		return b.listener.Close()
	}
	return nil
}

// ListDeadLetters implements DeadLetterStore.
func (b *PostgresBroker) ListDeadLetters(ctx context.Context, queue string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []deadLetterRow
	if err := b.db.SelectContext(ctx, &rows, listDeadLettersSQL, queue, limit); err != nil {
		return nil, brokerErr("list dead letters", err)
	}
	out := make([]DeadLetter, 0, len(rows))
	for _, r := range rows {
		out = append(out, DeadLetter{
			ID:       r.MessageID,
			Queue:    r.Queue,
			Body:     r.Payload,
			Reason:   r.Reason,
			Attempts: r.Attempts,
			FailedAt: r.FailedAt,
		})
	}
	return out, nil
}

// ReplayDeadLetters implements DeadLetterStore.
func (b *PostgresBroker) ReplayDeadLetters(ctx context.Context, queue string, ids []string) (int, error) {
	if ids == nil {
		ids = []string{}
	}
	res, err := b.db.ExecContext(ctx, replayDeadLettersSQL, queue, pq.Array(ids))
	if err != nil {
		return 0, brokerErr("replay dead letters", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, brokerErr("replay dead letters", err)
	}
	if n > 0 {
		_, _ = b.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, queue)
	}
	return int(n), nil
}

type pgDelivery struct {
	broker  *PostgresBroker
	queue   string
	row     *claimedRow
	settled atomic.Bool
	done    chan struct{}
}

func (d *pgDelivery) Message() *core.Message {
	return &core.Message{
		ID:          d.row.MessageID,
		Queue:       d.queue,
		Body:        d.row.Payload,
		Attempt:     d.row.Attempts,
		Redelivered: d.row.Attempts > 1,
	}
}

// settle runs one guarded statement. The attempts guard rejects a worker whose
// lease expired and whose message another worker now holds.
func (d *pgDelivery) settle(ctx context.Context, op, query string, args ...any) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	defer close(d.done)

	res, err := d.broker.db.ExecContext(ctx, query, args...)
	if err != nil {
		return brokerErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return brokerErr(op, err)
	}
	if n == 0 {
		return brokerErr(op, fmt.Errorf("message %s: %w", d.row.MessageID, errStaleDelivery))
	}
	return nil
}

func (d *pgDelivery) Ack(ctx context.Context) error {
	return d.settle(ctx, "ack", ackSQL, d.row.ID, d.row.Attempts)
}

func (d *pgDelivery) Retry(ctx context.Context, delay time.Duration, reason string) error {
	return d.settle(ctx, "retry", retrySQL, d.row.ID, d.row.Attempts, delay.Seconds(), reason)
}

func (d *pgDelivery) Release(ctx context.Context) error {
	return d.settle(ctx, "release", releaseSQL, d.row.ID, d.row.Attempts)
}

func (d *pgDelivery) DeadLetter(ctx context.Context, reason string) error {
	return d.settle(ctx, "dead letter", deadLetterSQL, d.row.ID, d.row.Attempts, reason)
}
