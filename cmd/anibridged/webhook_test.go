package main

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkStub struct {
	calls     int
	profile   string
	ratingKey string
	err       error
}

func (s *sinkStub) TriggerWebhook(profile, ratingKey string) error {
	s.calls++
	s.profile = profile
	s.ratingKey = ratingKey
	return s.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func multipartPayload(t *testing.T, payload string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("payload", payload))
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestWebhookHandler_MultipartScrobble(t *testing.T) {
	sink := &sinkStub{}
	handler := webhookHandler(sink, discardLogger())

	body, contentType := multipartPayload(t,
		`{"event": "media.scrobble", "Metadata": {"ratingKey": "101"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, sink.calls)
	assert.Equal(t, "", sink.profile)
	assert.Equal(t, "101", sink.ratingKey)
}

func TestWebhookHandler_RawJSONWithProfile(t *testing.T) {
	sink := &sinkStub{}
	handler := webhookHandler(sink, discardLogger())

	req := httptest.NewRequest(http.MethodPost, "/webhook?profile=main",
		strings.NewReader(`{"event": "media.rate", "Metadata": {"ratingKey": "55"}}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, sink.calls)
	assert.Equal(t, "main", sink.profile)
	assert.Equal(t, "55", sink.ratingKey)
}

func TestWebhookHandler_IgnoresLibraryEvents(t *testing.T) {
	sink := &sinkStub{}
	handler := webhookHandler(sink, discardLogger())

	req := httptest.NewRequest(http.MethodPost, "/webhook",
		strings.NewReader(`{"event": "library.new", "Metadata": {"ratingKey": "55"}}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, sink.calls)
}

func TestWebhookHandler_BadPayload(t *testing.T) {
	sink := &sinkStub{}
	handler := webhookHandler(sink, discardLogger())

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, sink.calls)
}

func TestWebhookHandler_MethodNotAllowed(t *testing.T) {
	handler := webhookHandler(&sinkStub{}, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhookHandler_UnknownProfile(t *testing.T) {
	sink := &sinkStub{err: errors.New(`unknown profile "ghost"`)}
	handler := webhookHandler(sink, discardLogger())

	req := httptest.NewRequest(http.MethodPost, "/webhook?profile=ghost",
		strings.NewReader(`{"event": "media.play", "Metadata": {"ratingKey": "7"}}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
