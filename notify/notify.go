/*
Package notify delivers one-way notifications about plans and visits.

PURPOSE:
  The engine emits an Event after each successful write. Delivery is
  best-effort: a failed notification is logged by the caller and never
  rolls back the write that produced it.

IMPLEMENTATIONS:
  Log:    Writes events to a zap logger (default, and for development)
  Stream: Appends events to a Redis stream with XADD
  Multi:  Fans one event out to several notifiers

SEE ALSO:
  - planner/generator.go:   plan_generated
  - planner/coordinator.go: visit_* events
*/
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

type EventType string

const (
	PlanGenerated      EventType = "plan_generated"
	VisitRescheduled   EventType = "visit_rescheduled"
	VisitStatusChanged EventType = "visit_status_changed"
	VisitCancelled     EventType = "visit_cancelled"
	VisitSkipped       EventType = "visit_skipped"
	VisitCompleted     EventType = "visit_completed"
)

// Event is one notification. VisitID is empty for plan-level events.
type Event struct {
	Type      EventType
	DonorID   string
	VisitID   string
	PlanMonth string
	Actor     string
	At        time.Time
	Data      map[string]any
}

type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// =============================================================================
// LOG
// =============================================================================

type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(_ context.Context, e Event) error {
	l.logger.Info("notification",
		zap.String("event", string(e.Type)),
		zap.String("donor_id", e.DonorID),
		zap.String("visit_id", e.VisitID),
		zap.String("plan_month", e.PlanMonth),
		zap.String("actor", e.Actor),
		zap.Time("at", e.At),
		zap.Any("data", e.Data),
	)
	return nil
}

// =============================================================================
// MULTI
// =============================================================================

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
