package progress

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Reporter stamps events with one cycle ID and a UTC timestamp before emitting.
type Reporter struct {
	emitter Emitter
	cycleID [16]byte
}

// NewReporter binds emitter to cycleID. A nil emitter discards events.
func NewReporter(emitter Emitter, cycleID uuid.UUID) *Reporter {
	return &Reporter{emitter: OrDiscard(emitter), cycleID: UUIDToBytes(cycleID)}
}

// Emit fills CycleID and TS, then forwards the event.
func (r *Reporter) Emit(evt Event) {
	if r == nil {
		return
	}
	evt.CycleID = r.cycleID
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}
	r.emitter.Emit(evt)
}

type reporterKey struct{}

// WithReporter returns a context carrying r for stages called during the cycle.
func WithReporter(ctx context.Context, r *Reporter) context.Context {
	return context.WithValue(ctx, reporterKey{}, r)
}

// FromContext returns the cycle Reporter carried by ctx, or Discard.
func FromContext(ctx context.Context) Emitter {
	if r, ok := ctx.Value(reporterKey{}).(*Reporter); ok && r != nil {
		return r
	}
	return Discard
}
