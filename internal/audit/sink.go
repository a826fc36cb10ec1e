package audit

import (
	"context"
	"sync"

	"scriptgate.org/internal/model"
	"scriptgate.org/internal/obs"
	"scriptgate.org/internal/stream"
)

// Sink receives audit entries after the transaction that wrote them committed.
type Sink interface {
	Publish(ctx context.Context, e model.AuditEntry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e model.AuditEntry) error

func (f SinkFunc) Publish(ctx context.Context, e model.AuditEntry) error { return f(ctx, e) }

// Publisher fans committed entries out to every registered sink. Delivery is
// best effort: sink failures are logged and never reach the caller.
type Publisher struct {
	mu    sync.RWMutex
	sinks []Sink
}

func NewPublisher(sinks ...Sink) *Publisher {
	p := &Publisher{}
	for _, s := range sinks {
		p.Add(s)
	}
	return p
}

// Add registers a sink.
func (p *Publisher) Add(s Sink) {
	if s == nil {
		return
	}
	p.mu.Lock()
	p.sinks = append(p.sinks, s)
	p.mu.Unlock()
}

// Publish delivers entries in order to each sink. A nil Publisher is a no-op.
func (p *Publisher) Publish(ctx context.Context, entries ...model.AuditEntry) {
	if p == nil || len(entries) == 0 {
		return
	}
	p.mu.RLock()
	sinks := append([]Sink(nil), p.sinks...)
	p.mu.RUnlock()
	for _, s := range sinks {
		for _, e := range entries {
			if err := s.Publish(ctx, e); err != nil {
				obs.Warn("audit_sink_failed", map[string]any{"entry_id": e.ID, "error": err})
			}
		}
	}
}

// LogSink writes each entry as an audit log line.
func LogSink() Sink {
	return SinkFunc(func(ctx context.Context, e model.AuditEntry) error {
		fields := map[string]any{
			"entry_id":             e.ID,
			"external_identity":    e.ExternalIdentity,
			"resource_external_id": e.ResourceExternalID,
			"outcome":              string(e.Outcome),
		}
		if e.AccountID != nil {
			fields["account_id"] = *e.AccountID
		}
		if e.Detail != "" {
			fields["detail"] = e.Detail
		}
		return LogEvent(ctx, "access."+string(e.Action), fields)
	})
}

// StreamSink forwards entries to live stream subscribers.
func StreamSink(s *stream.Stream) Sink {
	return SinkFunc(func(_ context.Context, e model.AuditEntry) error {
		s.Publish(e)
		return nil
	})
}
