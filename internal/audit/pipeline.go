package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/velro/authcore/internal/metrics"
)

// ErrAllSinksFailed is returned when no destination accepted the event.
var ErrAllSinksFailed = errors.New("audit: all sinks failed")

// Pipeline fans each event out to every sink in parallel. The emit is
// considered successful when at least one sink accepted the event; sink
// failures are logged and counted but never deny authorization.
type Pipeline struct {
	sinks      []Sink
	correlator *Correlator
	logger     *slog.Logger
	timeout    time.Duration
}

// NewPipeline creates the pipeline. The correlator may be nil.
func NewPipeline(sinks []Sink, correlator *Correlator, logger *slog.Logger, timeout time.Duration) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Pipeline{
		sinks:      sinks,
		correlator: correlator,
		logger:     logger,
		timeout:    timeout,
	}
}

// Emit seals and fans out one event.
func (p *Pipeline) Emit(ctx context.Context, event *Event) error {
	if event.Checksum == "" {
		event.Seal()
	}
	metrics.AuditEvents.WithLabelValues(string(event.Severity)).Inc()

	if p.correlator != nil {
		p.correlator.Ingest(event)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for _, sink := range p.sinks {
		wg.Add(1)
		go func(sink Sink) {
			defer wg.Done()
			if err := sink.Write(ctx, event); err != nil {
				metrics.AuditSinkFailures.WithLabelValues(sink.Name()).Inc()
				p.logger.Warn("audit sink write failed",
					"sink", sink.Name(), "audit_id", event.AuditID, "error", err)
				return
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
		}(sink)
	}
	wg.Wait()

	if succeeded == 0 {
		return ErrAllSinksFailed
	}
	return nil
}
