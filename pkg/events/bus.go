package events

import (
	"context"

	"github.com/matzehuels/webpm/pkg/stream"
)

// Sink receives progress events. Implementations must be safe for
// concurrent use: installers emit from several goroutines.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) { f(e) }

// Discard is a Sink that drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// OrDiscard returns s, or Discard if s is nil.
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}

// Bus is an append-only event log with any number of subscribers.
type Bus struct {
	log *stream.Replay[Event]
}

// NewBus creates an open bus.
func NewBus() *Bus {
	return &Bus{log: stream.NewReplay[Event]()}
}

// Emit appends e to the bus. Events emitted after Close are dropped.
func (b *Bus) Emit(e Event) { b.log.Publish(e) }

// Subscribe yields every event of the bus, history first.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event { return b.log.Subscribe(ctx) }

// History returns the events emitted so far.
func (b *Bus) History() []Event { return b.log.Snapshot() }

// Close ends every subscription once drained.
func (b *Bus) Close() { b.log.Close() }

// Multi fans every event out to each of sinks.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			if s != nil {
				s.Emit(e)
			}
		}
	})
}

// Tagged stamps every event with the id of the worker it came from.
func Tagged(s Sink, workerID string) Sink {
	return SinkFunc(func(e Event) {
		e.WorkerID = workerID
		s.Emit(e)
	})
}
