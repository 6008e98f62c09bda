package audit

import (
	"context"
	"log/slog"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Sink receives audit events. Writes are best-effort; the pipeline
// requires only one sink to succeed per event.
type Sink interface {
	Name() string
	Write(ctx context.Context, event *Event) error
}

// LogSink appends events to the structured application log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates the log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, event *Event) error {
	s.logger.Info("audit",
		"audit_id", event.AuditID,
		"event_type", event.EventType,
		"severity", event.Severity,
		"principal_id", event.PrincipalID,
		"resource_id", event.ResourceID,
		"action", event.Action,
		"outcome", event.Outcome,
		"threat_level", event.ThreatLevel,
		"client_ip", event.ClientIP,
		"correlation_id", event.CorrelationID,
		"checksum", event.Checksum,
	)
	return nil
}

// SIEMSink appends CEF-formatted records to a Redis stream consumed by
// the SIEM forwarder.
type SIEMSink struct {
	client    redis.UniversalClient
	streamKey string
	maxLen    int64
}

// NewSIEMSink creates the SIEM sink. maxLen caps the stream with
// approximate trimming; zero means 100000.
func NewSIEMSink(client redis.UniversalClient, streamKey string, maxLen int64) *SIEMSink {
	if streamKey == "" {
		streamKey = "audit:siem"
	}
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &SIEMSink{client: client, streamKey: streamKey, maxLen: maxLen}
}

func (s *SIEMSink) Name() string { return "siem" }

func (s *SIEMSink) Write(ctx context.Context, event *Event) error {
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamKey,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"cef":      FormatCEF(event),
			"audit_id": event.AuditID,
			"severity": string(event.Severity),
		},
	}).Err()
}

// RealtimeSink keeps the most recent events in a bounded in-memory ring
// for the live monitoring endpoint.
type RealtimeSink struct {
	mu     sync.RWMutex
	events []*Event
	next   int
	filled bool
	cap    int
}

// NewRealtimeSink creates the ring. capacity zero means 1000.
func NewRealtimeSink(capacity int) *RealtimeSink {
	if capacity <= 0 {
		capacity = 1000
	}
	return &RealtimeSink{events: make([]*Event, capacity), cap: capacity}
}

func (s *RealtimeSink) Name() string { return "realtime" }

func (s *RealtimeSink) Write(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[s.next] = event
	s.next = (s.next + 1) % s.cap
	if s.next == 0 {
		s.filled = true
	}
	return nil
}

// Recent returns up to n events, newest first.
func (s *RealtimeSink) Recent(n int) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	size := s.next
	if s.filled {
		size = s.cap
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]*Event, 0, n)
	for i := 0; i < n; i++ {
		idx := (s.next - 1 - i + s.cap) % s.cap
		out = append(out, s.events[idx])
	}
	return out
}

// Len reports the number of buffered events.
func (s *RealtimeSink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.filled {
		return s.cap
	}
	return s.next
}

// marshalEvent is shared by sinks that persist the full record.
func marshalEvent(event *Event) ([]byte, error) {
	return json.Marshal(event)
}
