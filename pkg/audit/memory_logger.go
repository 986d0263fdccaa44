package audit

import (
	"context"
	"sort"
	"sync"
)

// MemoryLogger keeps events in memory. It backs tests and single-node
// deployments without a database.
type MemoryLogger struct {
	mu     sync.RWMutex
	nextID int64
	events []*AuditEvent
}

// NewMemoryLogger creates an empty in-memory logger
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

// Log stores a copy of the event
func (l *MemoryLogger) Log(ctx context.Context, event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	event.ID = l.nextID
	stored := *event
	l.events = append(l.events, &stored)
	return nil
}

func (l *MemoryLogger) LogAccessDenied(ctx context.Context, d AccessDenial) error {
	return l.Log(ctx, denialEvent(ctx, d))
}

func (l *MemoryLogger) LogBypass(ctx context.Context, b Bypass) error {
	return l.Log(ctx, bypassEvent(ctx, b))
}

func (l *MemoryLogger) LogMutation(ctx context.Context, m Mutation) error {
	return l.Log(ctx, mutationEvent(ctx, m))
}

func (l *MemoryLogger) Close() error { return nil }

// Events returns every stored event, oldest first
func (l *MemoryLogger) Events() []*AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*AuditEvent, len(l.events))
	copy(out, l.events)
	return out
}

// EventsOfType returns stored events of one type, oldest first
func (l *MemoryLogger) EventsOfType(eventType EventType) []*AuditEvent {
	return l.filter(&SearchFilter{EventTypes: []EventType{eventType}})
}

// Reset discards every stored event
func (l *MemoryLogger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

// Search applies the filter to the stored events
func (l *MemoryLogger) Search(ctx context.Context, filter *SearchFilter) ([]*AuditEvent, error) {
	if filter == nil {
		filter = &SearchFilter{}
	}
	matched := l.filter(filter)
	if !filter.Ascending {
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	}

	if filter.Offset >= len(matched) {
		return []*AuditEvent{}, nil
	}
	matched = matched[filter.Offset:]
	if limit := filter.normalizedLimit(); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (l *MemoryLogger) filter(filter *SearchFilter) []*AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*AuditEvent, 0)
	for _, e := range l.events {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out
}
