package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/jsherman999/contentrelay/internal/events"
	"github.com/stretchr/testify/require"
)

type fakeConn struct{ id string }

func (f *fakeConn) ID() string { return f.id }
func (f *fakeConn) Send(context.Context, events.Notification) error { return nil }

func ids(conns []Conn) []string {
	out := make([]string, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.ID())
	}
	return out
}

func TestRegistry_AddThenRemoveLeavesNoEntry(t *testing.T) {
	req := require.New(t)
	r := New()
	c := &fakeConn{id: "c1"}

	r.Add("alice", c)
	req.True(r.Has("alice"))
	req.Equal([]string{"c1"}, ids(r.ConnectionsFor("alice")))

	r.Remove("alice", c)
	req.Empty(r.ConnectionsFor("alice"))
	req.False(r.Has("alice"))
	req.Equal(0, r.Len())
	req.Equal(0, r.Count())
}

func TestRegistry_Idempotent(t *testing.T) {
	req := require.New(t)
	r := New()
	c := &fakeConn{id: "c1"}

	r.Remove("alice", c)
	r.Drop(c)
	req.Equal(0, r.Len())

	r.Add("alice", c)
	r.Add("alice", c)
	req.Len(r.ConnectionsFor("alice"), 1)
	req.Equal(1, r.Count())

	r.Remove("alice", c)
	r.Remove("alice", c)
	req.False(r.Has("alice"))
}

func TestRegistry_HandleUnderOneKey(t *testing.T) {
	req := require.New(t)
	r := New()
	c := &fakeConn{id: "c1"}

	r.Add("alice", c)
	r.Add("bob", c)
	req.False(r.Has("alice"))
	req.Equal([]string{"c1"}, ids(r.ConnectionsFor("bob")))

	// A stale remove under the old key must not touch the new registration.
	r.Remove("alice", c)
	req.True(r.Has("bob"))

	r.Drop(c)
	req.False(r.Has("bob"))
	req.Equal(0, r.Count())
}

func TestRegistry_SnapshotIsCopy(t *testing.T) {
	req := require.New(t)
	r := New()
	r.Add("alice", &fakeConn{id: "c1"})

	snap := r.ConnectionsFor("alice")
	r.Add("alice", &fakeConn{id: "c2"})
	r.Remove("alice", &fakeConn{id: "c1"})

	req.Equal([]string{"c1"}, ids(snap))
	req.Equal([]string{"c2"}, ids(r.ConnectionsFor("alice")))
}

func TestRegistry_ConcurrentAdds(t *testing.T) {
	req := require.New(t)
	r := New()
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Add("alice", &fakeConn{id: fmt.Sprintf("c%d", i)})
			_ = r.ConnectionsFor("alice")
		}(i)
	}
	wg.Wait()

	got := ids(r.ConnectionsFor("alice"))
	req.Len(got, n)
	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		want = append(want, fmt.Sprintf("c%d", i))
	}
	req.ElementsMatch(want, got)
	req.Equal(n, r.Count())
}

func TestRegistry_ConcurrentAddRemoveLeavesNoEmptySets(t *testing.T) {
	req := require.New(t)
	r := New()
	const users, perUser = 20, 50

	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		for i := 0; i < perUser; i++ {
			wg.Add(1)
			go func(u, i int) {
				defer wg.Done()
				key := fmt.Sprintf("user%d", u)
				c := &fakeConn{id: fmt.Sprintf("%s-c%d", key, i)}
				r.Add(key, c)
				_ = r.ConnectionsFor(key)
				r.Remove(key, c)
			}(u, i)
		}
	}

	// Survivors added in parallel with the churn above must all remain.
	for u := 0; u < users; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			r.Add(fmt.Sprintf("keep%d", u), &fakeConn{id: fmt.Sprintf("keep%d", u)})
		}(u)
	}
	wg.Wait()

	req.Equal(users, r.Len())
	req.Equal(users, r.Count())
	for u := 0; u < users; u++ {
		req.False(r.Has(fmt.Sprintf("user%d", u)))
		req.Len(r.ConnectionsFor(fmt.Sprintf("keep%d", u)), 1)
	}
}
