package stream

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jsherman999/contentrelay/internal/config"
	"github.com/jsherman999/contentrelay/internal/registry"
	"github.com/samber/lo"
)

type Options struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
}

func OptionsFrom(cfg *config.Config) Options {
	return Options{
		SendBuffer:     cfg.Stream.SendBuffer,
		WriteWait:      cfg.Stream.WriteWait,
		PongWait:       cfg.Stream.PongWait,
		MaxMessageSize: cfg.Stream.MaxMessageSize,
		AllowedOrigins: cfg.Stream.AllowedOrigins,
	}
}

// pingPeriod must stay below PongWait.
func (o Options) pingPeriod() time.Duration { return (o.PongWait * 9) / 10 }

// Server accepts client connections and keeps the registry in step with
// their lifetime.
type Server struct {
	reg      *registry.Registry
	log      *slog.Logger
	opts     Options
	upgrader websocket.Upgrader

	closeOnce sync.Once
	done      chan struct{}
}

func NewServer(reg *registry.Registry, log *slog.Logger, opts Options) *Server {
	s := &Server{
		reg:  reg,
		log:  log.With("component", "stream"),
		opts: opts,
		done: make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	return lo.Contains(s.opts.AllowedOrigins, origin)
}

// Close ends every open client session. http.Server.Shutdown does not touch
// hijacked or streaming connections, so the daemon calls this first.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Server) register(sess *session, transport string, r *http.Request) {
	s.reg.Add(sess.userKey, sess)
	s.log.Info("client connected", "transport", transport, "user", sess.userKey, "conn", sess.id, "remote_addr", r.RemoteAddr)
}

func (s *Server) unregister(sess *session, transport string) {
	s.reg.Remove(sess.userKey, sess)
	sess.close()
	s.log.Info("client disconnected", "transport", transport, "user", sess.userKey, "conn", sess.id)
}
