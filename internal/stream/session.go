package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jsherman999/contentrelay/internal/events"
)

var ErrSessionClosed = errors.New("session closed")

// UserKeyParam is the query parameter carrying the user key on connect.
const UserKeyParam = "userId"

type frame struct {
	name string
	body []byte
}

// session is one connected client. It satisfies registry.Conn; the transport
// that created it drains out.
type session struct {
	id      string
	userKey string
	out     chan frame
	done    chan struct{}
	once    sync.Once
}

func newSession(userKey string, buf int) *session {
	return &session{
		id:      uuid.NewString(),
		userKey: userKey,
		out:     make(chan frame, buf),
		done:    make(chan struct{}),
	}
}

func (s *session) ID() string { return s.id }

// Send queues n for the client. It fails when the session is gone or when the
// queue stays full until ctx ends.
func (s *session) Send(ctx context.Context, n events.Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.out <- frame{name: n.Name, body: b}:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

// userKeyFrom reads the single userId query parameter, matching the key
// case-insensitively.
func userKeyFrom(r *http.Request) (string, error) {
	var vals []string
	for k, v := range r.URL.Query() {
		if strings.EqualFold(k, UserKeyParam) {
			vals = append(vals, v...)
		}
	}
	switch {
	case len(vals) == 0 || (len(vals) == 1 && vals[0] == ""):
		return "", fmt.Errorf("missing mandatory '%s' parameter in query string", UserKeyParam)
	case len(vals) > 1:
		return "", fmt.Errorf("please only specify one '%s' parameter in query string", UserKeyParam)
	}
	return vals[0], nil
}
