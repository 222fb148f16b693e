// Package activity turns finished call sessions into CRM activity records
// and hands them to one or more sinks. Logging is fire-and-forget: a sink
// failure is logged and never reaches the controller.
package activity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/crmphone/internal/phone/call"
	"github.com/sebas/crmphone/internal/phone/events"
)

// DefaultSinkTimeout bounds one sink write.
const DefaultSinkTimeout = 5 * time.Second

// ErrNotFinished is returned for sessions that are not terminal yet.
var ErrNotFinished = errors.New("session not finished")

// Activity is the record persisted in the CRM for one call.
type Activity struct {
	SessionID     string         `json:"sessionId"`
	PhoneNumber   string         `json:"phoneNumber"`
	Direction     call.Direction `json:"direction"`
	Duration      int64          `json:"duration"`
	StartTime     time.Time      `json:"startTime"`
	EndTime       time.Time      `json:"endTime"`
	Status        call.Status    `json:"status"`
	FailureReason string         `json:"failureReason,omitempty"`
}

// FromSession builds the record for a terminal session.
func FromSession(s call.Session) (Activity, error) {
	if !s.Status.IsTerminal() || s.EndTime == nil {
		return Activity{}, ErrNotFinished
	}
	return Activity{
		SessionID:     s.ID,
		PhoneNumber:   s.RemoteNumber,
		Direction:     s.Direction,
		Duration:      s.DurationSeconds(),
		StartTime:     s.StartTime,
		EndTime:       *s.EndTime,
		Status:        s.Status,
		FailureReason: s.FailureReason,
	}, nil
}

// Sink stores or forwards activity records.
type Sink interface {
	Record(ctx context.Context, a Activity) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, a Activity) error

func (f SinkFunc) Record(ctx context.Context, a Activity) error { return f(ctx, a) }

// Logger consumes terminal call events and writes them to its sinks.
type Logger struct {
	sinks   []Sink
	timeout time.Duration

	wg sync.WaitGroup
}

// NewLogger creates a logger writing to sinks.
func NewLogger(sinks ...Sink) *Logger {
	return &Logger{sinks: sinks, timeout: DefaultSinkTimeout}
}

// Subscribe starts consuming CallEnded and CallFailed from bus until the
// bus or ctx closes. Wait blocks until the consumer has drained.
func (l *Logger) Subscribe(ctx context.Context, bus *events.Bus) *events.Subscription {
	sub := bus.Subscribe(64, events.CallEnded, events.CallFailed)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case e, ok := <-sub.Events():
				if !ok {
					return
				}
				l.Handle(ctx, e)
			}
		}
	}()
	return sub
}

// Wait blocks until every subscription goroutine has returned.
func (l *Logger) Wait() {
	l.wg.Wait()
}

// Handle records one event. Non-terminal events are ignored.
func (l *Logger) Handle(ctx context.Context, e events.Event) {
	if !e.Kind.IsTerminal() || e.Session == nil {
		return
	}
	rec, err := FromSession(*e.Session)
	if err != nil {
		slog.Warn("[Activity] Skipping event", "kind", e.Kind, "session_id", e.SessionID(), "error", err)
		return
	}
	for _, sink := range l.sinks {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
		if err := sink.Record(sctx, rec); err != nil {
			slog.Error("[Activity] Failed to log call", "session_id", rec.SessionID, "error", err)
		}
		cancel()
	}
}

// LogSink writes records to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink logs through logger, or slog.Default when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, a Activity) error {
	s.logger.InfoContext(ctx, "[Activity] Call logged",
		"session_id", a.SessionID,
		"phone_number", a.PhoneNumber,
		"direction", a.Direction,
		"status", a.Status,
		"duration", a.Duration,
		"reason", a.FailureReason,
	)
	return nil
}
