package gossip

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrSinkDisabled is returned when no stream endpoint is configured. The
// publisher treats this as "gossip publishing off", not as a crash.
var ErrSinkDisabled = errors.New("gossip: sink not configured")

// MessageData is one published gossip entry.
type MessageData struct {
	ID        string    `json:"id"`
	PeerID    string    `json:"peerId"`
	PeerName  string    `json:"peerName"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Dataset   string    `json:"dataset,omitempty"`
}

// Message is the single event published per polling cycle.
type Message struct {
	Type string        `json:"type"`
	Data []MessageData `json:"data"`
}

// Sink receives published gossip batches. Publishing is fire-and-forget:
// failures are logged by the caller, never retried.
type Sink interface {
	PutGossip(ctx context.Context, msg *Message) error
}

// StreamSink publishes gossip batches to the external stream endpoint.
type StreamSink struct {
	streamURL  string
	httpClient *http.Client
}

// NewStreamSink creates a sink for the given stream URL. An empty URL
// returns ErrSinkDisabled so callers can degrade to a no-op sink.
func NewStreamSink(streamURL string) (*StreamSink, error) {
	if streamURL == "" {
		return nil, ErrSinkDisabled
	}
	return &StreamSink{
		streamURL: strings.TrimRight(streamURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

func (s *StreamSink) PutGossip(ctx context.Context, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("gossip: failed to encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.streamURL+"/gossip", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("gossip: failed to build sink request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gossip: sink unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("gossip: sink returned status %d", resp.StatusCode)
	}
	return nil
}

// NopSink discards batches. Used when publishing is disabled by
// configuration.
type NopSink struct{}

func (NopSink) PutGossip(context.Context, *Message) error { return nil }
