package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// webhookSink routes a Plex rating key to the sync supervisors.
type webhookSink interface {
	TriggerWebhook(profile, ratingKey string) error
}

// Plex webhook events that reflect a viewing-state change.
var triggerEvents = map[string]bool{
	"media.play":     true,
	"media.pause":    true,
	"media.resume":   true,
	"media.stop":     true,
	"media.scrobble": true,
	"media.rate":     true,
}

// webhookPayload is the slice of the Plex webhook body the daemon reads.
type webhookPayload struct {
	Event    string `json:"event"`
	Metadata struct {
		RatingKey string `json:"ratingKey"`
	} `json:"Metadata"`
}

// webhookHandler accepts Plex webhooks. Plex posts multipart/form-data with
// the JSON document in a "payload" field; a raw JSON body is accepted too.
// An optional ?profile= query parameter routes to a single profile.
func webhookHandler(sink webhookSink, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		payload, err := readWebhookPayload(r)
		if err != nil {
			log.Warn("rejecting webhook", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !triggerEvents[payload.Event] || payload.Metadata.RatingKey == "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		profile := r.URL.Query().Get("profile")
		if err := sink.TriggerWebhook(profile, payload.Metadata.RatingKey); err != nil {
			log.Warn("webhook not routed", "profile", profile, "error", err)
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		log.Debug("webhook accepted", "event", payload.Event, "rating_key", payload.Metadata.RatingKey)
		w.WriteHeader(http.StatusNoContent)
	})
}

func readWebhookPayload(r *http.Request) (*webhookPayload, error) {
	var data []byte
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			return nil, fmt.Errorf("parse form: %w", err)
		}
		data = []byte(r.FormValue("payload"))
	} else {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		data = body
	}

	var p webhookPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return &p, nil
}
