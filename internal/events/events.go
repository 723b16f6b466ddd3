// Package events collects state-change events raised inside an atomic unit
// and hands the committed ones to sinks (store, websocket hub, Kafka).
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/options-engine/internal/model"
)

// Emitter records an event. Components raise events through it while a
// unit is running; nothing leaves the process until the unit commits.
type Emitter interface {
	Emit(e model.Event)
}

// Sink receives committed events.
type Sink interface {
	Publish(ctx context.Context, evs []model.Event) error
}

// Buffer is an Emitter that holds events until drained. It takes part in
// atomic units so that a rolled-back unit leaves none of its events behind.
type Buffer struct {
	pending []model.Event
	now     func() time.Time
}

// NewBuffer creates an empty buffer stamping events with now.
func NewBuffer(now func() time.Time) *Buffer {
	if now == nil {
		now = time.Now
	}
	return &Buffer{now: now}
}

// Emit appends e, filling in ID and At when they are unset.
func (b *Buffer) Emit(e model.Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = b.now().UTC()
	}
	b.pending = append(b.pending, e)
}

// Drain returns and clears the buffered events.
func (b *Buffer) Drain() []model.Event {
	out := b.pending
	b.pending = nil
	return out
}

// Len reports how many events are buffered.
func (b *Buffer) Len() int {
	return len(b.pending)
}

// Snapshot records the current length; events are append-only.
func (b *Buffer) Snapshot() any {
	return len(b.pending)
}

// Restore drops events appended after the snapshot.
func (b *Buffer) Restore(s any) {
	n := s.(int)
	if n < len(b.pending) {
		b.pending = b.pending[:n]
	}
}

// Multi fans a batch out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, evs []model.Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, evs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evs []model.Event) error

func (f SinkFunc) Publish(ctx context.Context, evs []model.Event) error {
	return f(ctx, evs)
}
