package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/reqprof/pkg/version"
)

// UploadSink posts each record as JSON to a collector endpoint.
type UploadSink struct {
	url    string
	token  string
	app    string
	client *http.Client
	logger zerolog.Logger

	now   func() time.Time
	newID func() string
}

// NewUpload creates a sink posting to url. An empty token sends no
// Authorization header.
func NewUpload(url, token, app string, timeout time.Duration, logger zerolog.Logger) *UploadSink {
	return &UploadSink{
		url:    url,
		token:  token,
		app:    app,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "upload_sink").Logger(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Ready reports whether a collector URL is configured.
func (s *UploadSink) Ready() bool {
	return s.url != ""
}

// Persist posts rec. Any non-2xx response is a failure.
func (s *UploadSink) Persist(ctx context.Context, rec Record) (RecordID, error) {
	doc := Document{
		ID:        RecordID(s.newID()),
		App:       s.app,
		CreatedAt: s.now().UTC(),
		Profile:   rec.Profile,
		Meta:      rec.Meta,
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return "", storeError(driverUpload, "encode", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", storeError(driverUpload, "request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", storeError(driverUpload, "post", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", storeError(driverUpload, "post", fmt.Errorf("collector returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	s.logger.Debug().Str("id", string(doc.ID)).Int("status", resp.StatusCode).Msg("Uploaded profile record")
	return doc.ID, nil
}
