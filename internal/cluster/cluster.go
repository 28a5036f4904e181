// Package cluster lets several relay instances share ingestion. A batch
// accepted by any instance is sent through Postgres NOTIFY and every
// instance, the sender included, delivers it to its own connections.
// NOTIFY keeps nothing once listeners have been signalled.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jsherman999/contentrelay/internal/db"
	"github.com/jsherman999/contentrelay/internal/events"
)

// MaxPayload is the largest NOTIFY payload Postgres accepts by default.
const MaxPayload = 7999

const defaultRetry = 2 * time.Second

var ErrPayloadTooLarge = errors.New("batch exceeds notify payload limit")

// Deliverer hands a batch to the connections of this instance.
type Deliverer interface {
	Publish(ctx context.Context, batch []events.Routed) error
}

type Bus struct {
	db      *db.DB
	channel string
	local   Deliverer
	log     *slog.Logger
	retry   time.Duration

	readyOnce sync.Once
	ready     chan struct{}
	listening atomic.Bool // a LISTEN session is open on this instance
}

func New(d *db.DB, channel string, local Deliverer, log *slog.Logger) *Bus {
	return &Bus{
		db:      d,
		channel: channel,
		local:   local,
		log:     log.With("component", "cluster", "channel", channel),
		retry:   defaultRetry,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the first LISTEN has succeeded.
func (b *Bus) Ready() <-chan struct{} { return b.ready }

func encodeBatch(batch []events.Routed) (string, error) {
	b, err := json.Marshal(batch)
	if err != nil {
		return "", fmt.Errorf("encode batch: %w", err)
	}
	if len(b) > MaxPayload {
		return "", fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(b))
	}
	return string(b), nil
}

func decodeBatch(payload string) ([]events.Routed, error) {
	var batch []events.Routed
	if err := json.Unmarshal([]byte(payload), &batch); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return batch, nil
}

// Publish notifies every instance. Batches NOTIFY cannot carry, NOTIFY
// failures, and batches sent while this instance is not listening are
// delivered locally only.
func (b *Bus) Publish(ctx context.Context, batch []events.Routed) error {
	if !b.listening.Load() {
		b.log.Warn("cluster listener down, delivering locally", "events", len(batch))
		return b.local.Publish(ctx, batch)
	}
	payload, err := encodeBatch(batch)
	if err == nil {
		_, err = b.db.Pool.Exec(ctx, "SELECT pg_notify($1, $2)", b.channel, payload)
		if err == nil {
			return nil
		}
	}
	b.log.Warn("cluster notify unavailable, delivering locally", "events", len(batch), "error", err)
	return b.local.Publish(ctx, batch)
}

// Run listens until ctx ends, reconnecting after failures.
func (b *Bus) Run(ctx context.Context) error {
	for {
		err := b.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		b.log.Warn("cluster listener stopped, reconnecting", "error", err, "retry_in", b.retry)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.retry):
		}
	}
}

func (b *Bus) listen(ctx context.Context) error {
	conn, err := b.db.Dedicated(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(context.WithoutCancel(ctx))

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	b.listening.Store(true)
	defer b.listening.Store(false)
	b.readyOnce.Do(func() { close(b.ready) })
	b.log.Info("cluster listener started")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		batch, err := decodeBatch(n.Payload)
		if err != nil {
			b.log.Error("dropping undecodable cluster payload", "from_pid", n.PID, "error", err)
			continue
		}
		if err := b.local.Publish(ctx, batch); err != nil {
			b.log.Error("cluster batch rejected", "from_pid", n.PID, "events", len(batch), "error", err)
		}
	}
}
