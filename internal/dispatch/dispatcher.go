package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jsherman999/contentrelay/internal/events"
	"github.com/jsherman999/contentrelay/internal/registry"
)

const DefaultSendTimeout = 5 * time.Second

// Dispatcher delivers routed events to the connections registered for each
// event's user. Delivery is best effort: a failed send is never retried and
// a user with no connections simply misses the event.
type Dispatcher struct {
	reg         *registry.Registry
	log         *slog.Logger
	sendTimeout time.Duration
}

func New(reg *registry.Registry, log *slog.Logger, sendTimeout time.Duration) *Dispatcher {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Dispatcher{reg: reg, log: log.With("component", "dispatcher"), sendTimeout: sendTimeout}
}

type Stats struct {
	Sent   int64
	Failed int64
}

// Delivery tracks the sends started for one batch.
type Delivery struct {
	wg     sync.WaitGroup
	sent   atomic.Int64
	failed atomic.Int64
}

// Wait blocks until every send of the batch has finished or failed.
func (d *Delivery) Wait() Stats {
	d.wg.Wait()
	return Stats{Sent: d.sent.Load(), Failed: d.failed.Load()}
}

// Dispatch delivers a single event.
func (d *Dispatcher) Dispatch(ctx context.Context, userKey, entityID, eventType string, data json.RawMessage) (*Delivery, error) {
	return d.DispatchBatch(ctx, []events.Routed{{UserKey: userKey, EntityID: entityID, EventType: eventType, Data: data}})
}

type queue struct {
	conn registry.Conn
	out  []events.Notification
}

// DispatchBatch maps every event type before sending anything, then starts
// one goroutine per connection. Each goroutine sends that connection's events
// in batch order, so a slow connection only ever delays itself. It returns
// without waiting for the sends.
func (d *Dispatcher) DispatchBatch(ctx context.Context, batch []events.Routed) (*Delivery, error) {
	names := make([]string, len(batch))
	for i, ev := range batch {
		name, err := events.NotificationName(ev.EventType)
		if err != nil {
			return nil, err
		}
		names[i] = name
	}

	var (
		order  []string
		queues = map[string]*queue{}
	)
	for i, ev := range batch {
		conns := d.reg.ConnectionsFor(ev.UserKey)
		if len(conns) == 0 {
			d.log.Debug("no connections for user, event dropped", "user", ev.UserKey, "event_type", ev.EventType)
			continue
		}
		n := events.Notification{Name: names[i], EntityID: ev.EntityID, Data: ev.Data}
		for _, c := range conns {
			q, ok := queues[c.ID()]
			if !ok {
				q = &queue{conn: c}
				queues[c.ID()] = q
				order = append(order, c.ID())
			}
			q.out = append(q.out, n)
		}
	}

	dl := &Delivery{}
	for _, id := range order {
		q := queues[id]
		dl.wg.Add(1)
		go d.drain(ctx, dl, q)
	}
	return dl, nil
}

// drain sends q in order. The first failure abandons the rest of the queue:
// the connection is most likely gone and its disconnect will clean it up.
func (d *Dispatcher) drain(ctx context.Context, dl *Delivery, q *queue) {
	defer dl.wg.Done()
	for i, n := range q.out {
		sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		err := q.conn.Send(sendCtx, n)
		cancel()
		if err != nil {
			abandoned := int64(len(q.out) - i)
			dl.failed.Add(abandoned)
			d.log.Debug("send failed", "conn", q.conn.ID(), "event", n.Name, "id", n.EntityID, "abandoned", abandoned, "error", err)
			return
		}
		dl.sent.Add(1)
	}
}

// Publish hands a validated batch to the local registry. Sends outlive the
// caller's request; the result is only logged.
func (d *Dispatcher) Publish(ctx context.Context, batch []events.Routed) error {
	dl, err := d.DispatchBatch(context.WithoutCancel(ctx), batch)
	if err != nil {
		return err
	}
	go func() {
		st := dl.Wait()
		if st.Sent+st.Failed > 0 {
			d.log.Debug("batch delivered", "events", len(batch), "sent", st.Sent, "failed", st.Failed)
		}
	}()
	return nil
}
