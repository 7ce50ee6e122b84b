// Package audit records every accepted and rejected treasury transition.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/usmanshaik5/multi-sig-treasury-policies/pkg/identity"
)

// Outcome of a transition.
type Outcome string

const (
	OutcomeAccepted Outcome = "ACCEPTED"
	OutcomeRejected Outcome = "REJECTED"
)

// Event is a structured audit record.
type Event struct {
	ID         string         `json:"id"`
	TreasuryID string         `json:"treasury_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource,omitempty"`
	Outcome    Outcome        `json:"outcome"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events.
type Logger interface {
	Record(ctx context.Context, e Event) error
}

// writerLogger writes one JSON object per line.
type writerLogger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to w.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &writerLogger{writer: w}
}

func (l *writerLogger) Record(ctx context.Context, e Event) error {
	fill(ctx, &e)

	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(raw, '\n')...))
	return err
}

func fill(ctx context.Context, e *Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.ActorID == "" {
		e.ActorID = "system"
		if p, err := identity.GetPrincipal(ctx); err == nil {
			e.ActorID = p
		}
	}
}

// MemoryLogger keeps events in memory.
type MemoryLogger struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (l *MemoryLogger) Record(ctx context.Context, e Event) error {
	fill(ctx, &e)
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (l *MemoryLogger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }
