package cluster

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jsherman999/contentrelay/internal/db"
	"github.com/jsherman999/contentrelay/internal/events"
	"github.com/stretchr/testify/require"
)

type recordingDeliverer struct {
	mu      sync.Mutex
	batches [][]events.Routed
}

func (r *recordingDeliverer) Publish(_ context.Context, batch []events.Routed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
	return nil
}

func (r *recordingDeliverer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var sample = []events.Routed{
	{UserKey: "alice", EntityID: "img1", EventType: events.ImageCaptionUpdated, Data: json.RawMessage(`{"caption":"x"}`)},
}

func TestEncodeDecodeBatch(t *testing.T) {
	req := require.New(t)

	payload, err := encodeBatch(sample)
	req.NoError(err)
	got, err := decodeBatch(payload)
	req.NoError(err)
	req.Equal(sample, got)

	_, err = decodeBatch("not json")
	req.Error(err)
}

func TestEncodeBatchTooLarge(t *testing.T) {
	big := []events.Routed{{
		UserKey: "alice", EntityID: "txt1", EventType: events.TextUpdated,
		Data: json.RawMessage(`{"text":"` + strings.Repeat("a", MaxPayload) + `"}`),
	}}
	_, err := encodeBatch(big)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestPublishFallsBackToLocal(t *testing.T) {
	req := require.New(t)

	// Nothing listens on port 1; the pool connects lazily so Open succeeds.
	d, err := db.Open(context.Background(), "postgres://relay@127.0.0.1:1/relay?connect_timeout=1")
	req.NoError(err)
	defer d.Close()

	local := &recordingDeliverer{}
	bus := New(d, "contentrelay_events", local, testLogger())
	bus.listening.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req.NoError(bus.Publish(ctx, sample))
	req.Equal(1, local.count())
}

func TestPublishDeliversLocallyWhileNotListening(t *testing.T) {
	req := require.New(t)

	// No db: a bus that is not listening must not try to notify.
	local := &recordingDeliverer{}
	bus := New(nil, "contentrelay_events", local, testLogger())

	req.NoError(bus.Publish(context.Background(), sample))
	req.Equal(1, local.count())
	req.Equal([][]events.Routed{sample}, local.batches)
}

func TestBusRoundTrip(t *testing.T) {
	dsn := os.Getenv("RELAY_TEST_DSN")
	if dsn == "" {
		t.Skip("RELAY_TEST_DSN not set")
	}
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := db.Open(ctx, dsn)
	req.NoError(err)
	defer d.Close()
	req.NoError(d.Ping(ctx))

	channel := "contentrelay_test"
	localA, localB := &recordingDeliverer{}, &recordingDeliverer{}
	busA := New(d, channel, localA, testLogger())
	busB := New(d, channel, localB, testLogger())
	go func() { _ = busA.Run(ctx) }()
	go func() { _ = busB.Run(ctx) }()
	for _, b := range []*Bus{busA, busB} {
		select {
		case <-b.Ready():
		case <-time.After(5 * time.Second):
			req.Fail("listener did not start")
		}
	}

	req.NoError(busA.Publish(ctx, sample))
	req.Eventually(func() bool { return localA.count() == 1 && localB.count() == 1 }, 5*time.Second, 20*time.Millisecond)
}
