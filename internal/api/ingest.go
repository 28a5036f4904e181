package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/jsherman999/contentrelay/internal/events"
)

const (
	eventTypeHeader        = "Aeg-Event-Type"
	subscriptionValidation = "SubscriptionValidation"
	maxBatchBytes          = 1 << 20
)

type validationResponse struct {
	ValidationResponse string `json:"validationResponse"`
}

// ingest handles one pushed batch. An empty entity accepts any mapped
// event type.
func (a *API) ingest(entity events.Entity) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var batch []events.InboundEvent
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBytes)).Decode(&batch); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}

		// The handshake is answered before any subject is looked at.
		if strings.EqualFold(r.Header.Get(eventTypeHeader), subscriptionValidation) {
			a.validate(w, batch)
			return
		}

		if len(batch) == 0 {
			w.WriteHeader(http.StatusOK)
			return
		}

		var (
			routed []events.Routed
			err    error
		)
		if entity == "" {
			routed, err = events.Route(batch)
		} else {
			routed, err = events.RouteFor(entity, batch)
		}
		if err != nil {
			if errors.Is(err, events.ErrUnmappedEventType) {
				a.log.Error("batch carries an event type the relay does not know; upstream schema drift", "path", r.URL.Path, "error", err)
			} else {
				a.log.Warn("batch rejected", "path", r.URL.Path, "events", len(batch), "error", err)
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := a.pub.Publish(r.Context(), routed); err != nil {
			a.log.Error("publish failed", "events", len(routed), "error", err)
			http.Error(w, "publish failed", http.StatusInternalServerError)
			return
		}
		a.log.Debug("batch accepted", "path", r.URL.Path, "events", len(routed))
		w.WriteHeader(http.StatusOK)
	}
}

// validate echoes the validation code of the first event. Whatever else the
// probe batch carries is not delivered.
func (a *API) validate(w http.ResponseWriter, batch []events.InboundEvent) {
	if len(batch) == 0 {
		http.Error(w, "validation probe without events", http.StatusBadRequest)
		return
	}
	code, ok := batch[0].ValidationCode()
	if !ok {
		http.Error(w, "validation probe without validationCode", http.StatusBadRequest)
		return
	}
	a.log.Info("received subscription validation request", "topic", batch[0].Topic, "code", code)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(validationResponse{ValidationResponse: code})
}
