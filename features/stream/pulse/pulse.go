// Package pulse publishes engine lifecycle events to goa.design/pulse
// streams backed by Redis. Each workflow gets its own stream, so a UI can
// follow one workflow's sessions, run transitions, and pending mutations
// without filtering a shared firehose.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/stream"
)

type (
	// Options configures the sink.
	Options struct {
		// Redis is the connection backing the Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds entries kept per workflow stream. Zero uses
		// Pulse defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual publishes. Zero means none.
		OperationTimeout time.Duration
	}

	// Sink implements the engine's stream.Sink over Pulse.
	Sink struct {
		redis   *redis.Client
		maxLen  int
		timeout time.Duration
	}

	// envelope is the wire form of one lifecycle event.
	envelope struct {
		Type       string         `json:"type"`
		WorkflowID string         `json:"workflow_id"`
		SessionID  string         `json:"session_id,omitempty"`
		RunID      string         `json:"run_id,omitempty"`
		Status     string         `json:"status,omitempty"`
		At         time.Time      `json:"at"`
		Detail     map[string]any `json:"detail,omitempty"`
	}
)

// NewSink constructs a Pulse-backed lifecycle sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &Sink{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

// Send publishes the event onto the workflow's stream.
func (s *Sink) Send(ctx context.Context, ev stream.Event) error {
	if ev.WorkflowID == "" {
		return errors.New("lifecycle event missing workflow id")
	}
	var sopts []streamopts.Stream
	if s.maxLen > 0 {
		sopts = append(sopts, streamopts.WithStreamMaxLen(s.maxLen))
	}
	str, err := streaming.NewStream(streamName(ev.WorkflowID), s.redis, sopts...)
	if err != nil {
		return fmt.Errorf("open pulse stream: %w", err)
	}
	payload, err := json.Marshal(envelope{
		Type:       string(ev.Type),
		WorkflowID: ev.WorkflowID,
		SessionID:  ev.SessionID,
		RunID:      ev.RunID,
		Status:     ev.Status,
		At:         ev.At,
		Detail:     ev.Detail,
	})
	if err != nil {
		return err
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if _, err := str.Add(ctx, string(ev.Type), payload); err != nil {
		return fmt.Errorf("pulse add: %w", err)
	}
	return nil
}

func streamName(workflowID string) string {
	return "workflow/" + workflowID
}
