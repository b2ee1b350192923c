// Package notify delivers human-readable bot events to operators.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Notifier is a sink for human-readable events.
type Notifier interface {
	Send(ctx context.Context, msg string) error
}

// Log writes every event to the application logger.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a Notifier backed by logger.
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger.Named("notify")}
}

func (l *Log) Send(_ context.Context, msg string) error {
	l.logger.Info(msg)
	return nil
}

// Event is a delivered message with its timestamp.
type Event struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Memory keeps the most recent events in a bounded buffer.
type Memory struct {
	mu     sync.Mutex
	size   int
	events []Event
}

// NewMemory returns a buffer that retains at most size events.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 1
	}
	return &Memory{size: size}
}

func (m *Memory) Send(_ context.Context, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{Time: time.Now().UTC(), Message: msg})
	if len(m.events) > m.size {
		m.events = m.events[len(m.events)-m.size:]
	}
	return nil
}

// Events returns a copy of the retained events, oldest first.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Messages returns only the message text of the retained events.
func (m *Memory) Messages() []string {
	events := m.Events()
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Message
	}
	return out
}

// Multi fans a message out to every sink and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, msg string) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards every message.
type Nop struct{}

func (Nop) Send(context.Context, string) error { return nil }
