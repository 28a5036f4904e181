package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jsherman999/contentrelay/internal/events"
	"github.com/jsherman999/contentrelay/internal/mocks"
	"github.com/jsherman999/contentrelay/internal/registry"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mockConn(ctrl *gomock.Controller, id string) *mocks.MockConn {
	c := mocks.NewMockConn(ctrl)
	c.EXPECT().ID().Return(id).AnyTimes()
	return c
}

// recordingConn keeps every notification it receives, in order.
type recordingConn struct {
	id  string
	mu  sync.Mutex
	got []events.Notification
	err error
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(_ context.Context, n events.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.got = append(c.got, n)
	return nil
}

func (c *recordingConn) received() []events.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Notification(nil), c.got...)
}

func TestDispatch_OnlyTargetUserReceives(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	reg := registry.New()

	alice1, alice2, bob := mockConn(ctrl, "a1"), mockConn(ctrl, "a2"), mockConn(ctrl, "b1")
	reg.Add("alice", alice1)
	reg.Add("alice", alice2)
	reg.Add("bob", bob)

	want := events.Notification{Name: "onImageCaptionUpdated", EntityID: "item1", Data: json.RawMessage(`{"caption":"x"}`)}
	alice1.EXPECT().Send(gomock.Any(), want).Return(nil).Times(1)
	alice2.EXPECT().Send(gomock.Any(), want).Return(nil).Times(1)
	bob.EXPECT().Send(gomock.Any(), gomock.Any()).Times(0)

	d := New(reg, testLogger(), time.Second)
	dl, err := d.Dispatch(context.Background(), "alice", "item1", events.ImageCaptionUpdated, json.RawMessage(`{"caption":"x"}`))
	req.NoError(err)
	req.Equal(Stats{Sent: 2}, dl.Wait())
}

func TestDispatch_NoConnectionsIsNotAnError(t *testing.T) {
	req := require.New(t)
	d := New(registry.New(), testLogger(), time.Second)

	dl, err := d.Dispatch(context.Background(), "carol", "txt1", events.TextUpdated, nil)
	req.NoError(err)
	req.Equal(Stats{}, dl.Wait())
}

func TestDispatch_UnmappedTypeSendsNothing(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	reg := registry.New()
	reg.Add("alice", mockConn(ctrl, "a1"))

	d := New(reg, testLogger(), time.Second)
	dl, err := d.DispatchBatch(context.Background(), []events.Routed{
		{UserKey: "alice", EntityID: "img1", EventType: events.ImageCreated},
		{UserKey: "alice", EntityID: "img1", EventType: "ImageResized"},
	})
	req.ErrorIs(err, events.ErrUnmappedEventType)
	req.Nil(dl)
}

func TestDispatch_BlockedConnDoesNotDelayOthers(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	reg := registry.New()

	slow, fast := mockConn(ctrl, "slow"), mockConn(ctrl, "fast")
	reg.Add("alice", slow)
	reg.Add("alice", fast)

	slow.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ events.Notification) error {
			<-ctx.Done() // blocks until the send timeout fires
			return ctx.Err()
		}).Times(1)

	delivered := make(chan struct{})
	fast.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, events.Notification) error {
			close(delivered)
			return nil
		}).Times(1)

	d := New(reg, testLogger(), time.Second)
	dl, err := d.Dispatch(context.Background(), "alice", "aud1", events.AudioTranscriptUpdated, nil)
	req.NoError(err)

	select {
	case <-delivered:
	case <-time.After(500 * time.Millisecond):
		req.Fail("fast connection was held up by the blocked one")
	}
	req.Equal(Stats{Sent: 1, Failed: 1}, dl.Wait())
}

func TestDispatchBatch_PreservesOrderPerConnection(t *testing.T) {
	req := require.New(t)
	reg := registry.New()
	a := &recordingConn{id: "a1"}
	b := &recordingConn{id: "b1"}
	reg.Add("alice", a)
	reg.Add("bob", b)

	batch := []events.Routed{
		{UserKey: "alice", EntityID: "cat1", EventType: events.CategoryCreated},
		{UserKey: "bob", EntityID: "txt1", EventType: events.TextCreated},
		{UserKey: "alice", EntityID: "cat1", EventType: events.CategoryNameUpdated},
		{UserKey: "alice", EntityID: "cat1", EventType: events.CategoryItemsUpdated},
		{UserKey: "nobody", EntityID: "x", EventType: events.TextDeleted},
	}

	d := New(reg, testLogger(), time.Second)
	dl, err := d.DispatchBatch(context.Background(), batch)
	req.NoError(err)
	req.Equal(Stats{Sent: 4}, dl.Wait())

	var names []string
	for _, n := range a.received() {
		names = append(names, n.Name)
	}
	req.Equal([]string{"onCategoryCreated", "onCategoryNameUpdated", "onCategoryItemsUpdated"}, names)
	req.Equal([]events.Notification{{Name: "onTextCreated", EntityID: "txt1"}}, b.received())
}

func TestDispatchBatch_FailedConnAbandonsItsQueue(t *testing.T) {
	req := require.New(t)
	reg := registry.New()
	dead := &recordingConn{id: "dead", err: errors.New("connection reset")}
	live := &recordingConn{id: "live"}
	reg.Add("alice", dead)
	reg.Add("alice", live)

	batch := []events.Routed{
		{UserKey: "alice", EntityID: "i1", EventType: events.ImageCreated},
		{UserKey: "alice", EntityID: "i1", EventType: events.ImageCaptionUpdated},
		{UserKey: "alice", EntityID: "i1", EventType: events.ImageDeleted},
	}

	d := New(reg, testLogger(), time.Second)
	dl, err := d.DispatchBatch(context.Background(), batch)
	req.NoError(err)
	req.Equal(Stats{Sent: 3, Failed: 3}, dl.Wait())
	req.Len(live.received(), 3)
	req.Empty(dead.received())
}

func TestPublish_OutlivesRequestContext(t *testing.T) {
	req := require.New(t)
	reg := registry.New()
	c := &recordingConn{id: "a1"}
	reg.Add("alice", c)

	ctx, cancel := context.WithCancel(context.Background())
	d := New(reg, testLogger(), time.Second)
	req.NoError(d.Publish(ctx, []events.Routed{{UserKey: "alice", EntityID: "t1", EventType: events.TextUpdated}}))
	cancel()

	req.Eventually(func() bool { return len(c.received()) == 1 }, time.Second, 10*time.Millisecond)
}
