package stream

import (
	"fmt"
	"net/http"
	"time"
)

// ServeSSE streams notifications for GET /event/stream?userId=... as
// server-sent events, one "event:" per notification name.
func (s *Server) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	userKey, err := userKeyFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sess := newSession(userKey, s.opts.SendBuffer)
	s.register(sess, "sse", r)
	defer s.unregister(sess, "sse")

	// send a comment to open stream
	if _, err := w.Write([]byte(": ok\n\n")); err != nil {
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(s.opts.pingPeriod())
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case f := <-sess.out:
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.name, f.body); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
