package events

import (
	"context"
	"log/slog"
	"sync"

	"crewline/internal/domain"
)

// Sink receives committed events. Implementations must not fail the
// caller: delivery problems are logged and dropped.
type Sink interface {
	Publish(ctx context.Context, evts []domain.StateChangeEvent)
}

type NopSink struct{}

func (NopSink) Publish(context.Context, []domain.StateChangeEvent) {}

// LogSink writes each event at debug level.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(ctx context.Context, evts []domain.StateChangeEvent) {
	if s.Logger == nil {
		return
	}
	for _, evt := range evts {
		s.Logger.DebugContext(ctx, "state change",
			slog.Int64("event_id", evt.ID),
			slog.String("type", evt.Type),
			slog.String("entity_type", evt.EntityType),
			slog.String("entity_id", evt.EntityID),
			slog.String("from", evt.PreviousState),
			slog.String("to", evt.NewState),
			slog.String("actor", evt.ActingAgentID),
		)
	}
}

// MultiSink fans out to every non-nil sink in order.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, evts []domain.StateChangeEvent) {
	if len(evts) == 0 {
		return
	}
	for _, s := range m {
		if s != nil {
			s.Publish(ctx, evts)
		}
	}
}

// Recorder keeps published events in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []domain.StateChangeEvent
}

func (r *Recorder) Publish(_ context.Context, evts []domain.StateChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evts...)
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []domain.StateChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.StateChangeEvent(nil), r.events...)
}
