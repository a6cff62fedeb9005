package eventstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 10 * time.Second
	eventsPageLimit       = 1000
)

var errMissingBaseURL = errors.New("eventstore: base url is required")

// HTTPLogConfig configures the event store HTTP client.
type HTTPLogConfig struct {
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
	Logger  *zap.Logger
}

// HTTPLog speaks the event store service's wire contract:
// POST /events, GET /streams/{id}/events, GET /snapshots/{id}/latest,
// POST /snapshots.
type HTTPLog struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewHTTPLog constructs an HTTP-backed log.
func NewHTTPLog(cfg HTTPLogConfig) (*HTTPLog, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPLog{baseURL: baseURL, client: client, timeout: timeout, logger: logger}, nil
}

type appendRequestBody struct {
	StreamID  string          `json:"stream_id"`
	EventType string          `json:"event_type"`
	Data      eventDataBody   `json:"data"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

type eventDataBody struct {
	UpdateB64 string `json:"update_b64"`
}

type eventMetadataBody struct {
	Source    string `json:"source"`
	AppliedAt string `json:"applied_at"`
}

type eventResponseBody struct {
	StreamID  string        `json:"stream_id"`
	EventType string        `json:"event_type"`
	Data      eventDataBody `json:"data"`
	Version   int64         `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
}

type snapshotResponseBody struct {
	StreamID string `json:"stream_id"`
	Version  int64  `json:"version"`
	Data     string `json:"data"`
}

type snapshotRequestBody struct {
	StreamID string `json:"stream_id"`
	Version  int64  `json:"version"`
	Data     string `json:"data"`
}

// Append posts one record to the event store and returns the version the
// store assigned.
func (l *HTTPLog) Append(ctx context.Context, record Record) (int64, error) {
	if err := record.Validate(); err != nil {
		return 0, err
	}

	source := record.Source
	if source == "" {
		source = SourceTag
	}
	appliedAt := record.AppliedAt
	if appliedAt.IsZero() {
		appliedAt = time.Now().UTC()
	}
	metadata, err := json.Marshal(eventMetadataBody{
		Source:    source,
		AppliedAt: appliedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return 0, fmt.Errorf("eventstore: encode metadata: %w", err)
	}

	body := appendRequestBody{
		StreamID:  record.StreamID,
		EventType: record.EventType,
		Data:      eventDataBody{UpdateB64: base64.StdEncoding.EncodeToString(record.Payload)},
		Metadata:  metadata,
	}

	var response eventResponseBody
	if err := l.postJSON(ctx, l.baseURL+"/events", body, &response); err != nil {
		return 0, fmt.Errorf("eventstore: append %s: %w", record.StreamID, err)
	}
	return response.Version, nil
}

// EventsSince pages through the stream's events with a version greater than
// fromVersion.
func (l *HTTPLog) EventsSince(ctx context.Context, streamID string, fromVersion int64) ([]Record, error) {
	var records []Record
	// The store's from_version is inclusive; the bridge contract is
	// exclusive.
	next := fromVersion + 1
	for {
		endpoint := fmt.Sprintf("%s/streams/%s/events?from_version=%d&limit=%d",
			l.baseURL, url.PathEscape(streamID), next, eventsPageLimit)

		var page []eventResponseBody
		status, err := l.getJSON(ctx, endpoint, &page)
		if err != nil {
			return nil, fmt.Errorf("eventstore: load events %s: %w", streamID, err)
		}
		if status == http.StatusNotFound {
			return records, nil
		}

		for _, event := range page {
			payload, err := base64.StdEncoding.DecodeString(event.Data.UpdateB64)
			if err != nil {
				return nil, fmt.Errorf("eventstore: decode event payload %s v%d: %w", streamID, event.Version, err)
			}
			records = append(records, Record{
				StreamID:  streamID,
				EventType: event.EventType,
				Payload:   payload,
				Version:   event.Version,
				AppliedAt: event.CreatedAt,
				Source:    SourceTag,
			})
		}
		if len(page) < eventsPageLimit {
			return records, nil
		}
		next = page[len(page)-1].Version + 1
	}
}

// LatestSnapshot fetches the stream's newest snapshot; a 404 means none
// exists.
func (l *HTTPLog) LatestSnapshot(ctx context.Context, streamID string) (Snapshot, bool, error) {
	endpoint := fmt.Sprintf("%s/snapshots/%s/latest", l.baseURL, url.PathEscape(streamID))

	var response snapshotResponseBody
	status, err := l.getJSON(ctx, endpoint, &response)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("eventstore: load snapshot %s: %w", streamID, err)
	}
	if status == http.StatusNotFound {
		return Snapshot{}, false, nil
	}

	data, err := base64.StdEncoding.DecodeString(response.Data)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("eventstore: decode snapshot %s: %w", streamID, err)
	}
	return Snapshot{StreamID: streamID, Version: response.Version, Data: data}, true, nil
}

// SaveSnapshot posts a snapshot for the stream.
func (l *HTTPLog) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	body := snapshotRequestBody{
		StreamID: snapshot.StreamID,
		Version:  snapshot.Version,
		Data:     base64.StdEncoding.EncodeToString(snapshot.Data),
	}
	if err := l.postJSON(ctx, l.baseURL+"/snapshots", body, nil); err != nil {
		return fmt.Errorf("eventstore: save snapshot %s: %w", snapshot.StreamID, err)
	}
	return nil
}

func (l *HTTPLog) postJSON(ctx context.Context, endpoint string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}

	requestCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := l.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d: %s", response.StatusCode, readBodyPrefix(response.Body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}

// getJSON performs a GET and decodes the response. A 404 is reported through
// the returned status, not as an error.
func (l *HTTPLog) getJSON(ctx context.Context, endpoint string, out any) (int, error) {
	requestCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}

	response, err := l.client.Do(request)
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return http.StatusNotFound, nil
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return response.StatusCode, fmt.Errorf("unexpected status %d: %s", response.StatusCode, readBodyPrefix(response.Body))
	}
	return response.StatusCode, json.NewDecoder(response.Body).Decode(out)
}

func readBodyPrefix(body io.Reader) string {
	prefix, _ := io.ReadAll(io.LimitReader(body, 256))
	return string(bytes.TrimSpace(prefix))
}
