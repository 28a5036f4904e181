package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jsherman999/contentrelay/internal/config"
	"github.com/jsherman999/contentrelay/internal/events"
	"github.com/jsherman999/contentrelay/internal/registry"
	"github.com/jsherman999/contentrelay/internal/stream"
)

// Publisher takes a validated batch for delivery. It must not wait for the
// sends to complete.
type Publisher interface {
	Publish(ctx context.Context, batch []events.Routed) error
}

type API struct {
	cfg     *config.Config
	reg     *registry.Registry
	pub     Publisher
	streams *stream.Server
	log     *slog.Logger
	limits  *limiters
	keys    *keyChecker
}

func New(cfg *config.Config, reg *registry.Registry, pub Publisher, streams *stream.Server, log *slog.Logger) *API {
	log = log.With("component", "api")
	return &API{
		cfg:     cfg,
		reg:     reg,
		pub:     pub,
		streams: streams,
		log:     log,
		limits:  newLimiters(cfg, log),
		keys:    newKeyChecker(cfg.Ingest.KeyHash, verifiedKeyTTL),
	}
}

// Close stops the rate limiter and webhook key caches.
func (a *API) Close() {
	a.limits.stop()
	a.keys.stop()
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	if a.cfg.API.TrustProxy {
		r.Use(middleware.RealIP)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"users": a.reg.Len(), "connections": a.reg.Count()})
	})

	// Client connections: websocket on the hub path, SSE as fallback.
	r.Group(func(r chi.Router) {
		r.Use(a.limits.middleware(categoryConnect))
		r.Get("/event", a.streams.ServeWebSocket)
		r.Get("/event/stream", a.streams.ServeSSE)
	})

	// Webhooks pushed by the upstream note services.
	r.Route("/api", func(r chi.Router) {
		r.Use(a.limits.middleware(categoryIngest))
		r.Use(a.requireWebhookKey)
		r.Post("/events", a.ingest(""))
		// One route per entity, as the note services are subscribed.
		for _, e := range entities {
			r.Post("/"+string(e)+"Notification", a.ingest(e))
		}
	})

	return r
}

var entities = []events.Entity{events.EntityCategory, events.EntityImage, events.EntityAudio, events.EntityText}
