package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of session event
type EventType string

const (
	EventSessionStarted    EventType = "session_started"
	EventSessionConfigured EventType = "session_configured"
	EventStreamingStarted  EventType = "streaming_started"
	EventStreamingStopped  EventType = "streaming_stopped"
	EventStreamReconnected EventType = "stream_reconnected"
	EventTurnCompleted     EventType = "turn_completed"
	EventTurnDiscarded     EventType = "turn_discarded"
	EventBatchTranslated   EventType = "batch_translated"
	EventProviderError     EventType = "provider_error"
	EventQueueOverflow     EventType = "queue_overflow"
	EventSessionEnded      EventType = "session_ended"
)

// Logger provides async event logging to the database. A Logger without a
// pool, including a nil *Logger, discards events.
type Logger struct {
	db      *pgxpool.Pool
	pending sync.WaitGroup
}

// New creates a new event logger
func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// Enabled reports whether events are persisted.
func (l *Logger) Enabled() bool {
	return l != nil && l.db != nil
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, sessionID string, eventType EventType, data map[string]any) error {
	if !l.Enabled() || sessionID == "" {
		return nil // Silently skip if no DB or session ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO session_events (session_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, sessionID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(sessionID string, eventType EventType, data map[string]any) {
	if !l.Enabled() || sessionID == "" {
		return
	}

	l.pending.Add(1)
	go func() {
		defer l.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, sessionID, eventType, data)
	}()
}

// Flush waits for outstanding LogAsync writes, or until ctx is done.
// Call it before closing the pool.
func (l *Logger) Flush(ctx context.Context) error {
	if !l.Enabled() {
		return nil
	}
	done := make(chan struct{})
	go func() {
		l.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
