// Package audit records study operations to the audit_events table. Writes
// are buffered in memory and flushed in batches so the request path never
// waits on the log.
package audit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"studybroker/internal/model"
)

// Sink is the persistence surface the recorder flushes into.
type Sink interface {
	InsertAuditEvents(ctx context.Context, events []model.AuditEvent) error
	PruneAuditEvents(ctx context.Context, olderThan int64) (int64, error)
}

// Recorder buffers audit events and flushes them on a timer or when the
// buffer fills.
type Recorder struct {
	mu     sync.Mutex
	events []model.AuditEvent

	sink    Sink
	maxSize int
	ticker  *time.Ticker
	done    chan struct{}
}

// NewRecorder starts a recorder flushing every interval or whenever maxSize
// events are buffered.
func NewRecorder(sink Sink, maxSize int, interval time.Duration) *Recorder {
	r := &Recorder{
		sink:    sink,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	r.ticker = time.NewTicker(interval)
	go r.run()
	return r
}

func (r *Recorder) run() {
	for {
		select {
		case <-r.done:
			return
		case <-r.ticker.C:
			r.Flush()
		}
	}
}

// Record enqueues one event. A full buffer triggers an asynchronous flush.
func (r *Recorder) Record(studyID, userID, action string, detail map[string]any) {
	event := model.AuditEvent{
		ID:          uuid.NewString(),
		StudyID:     studyID,
		UserID:      userID,
		Action:      action,
		Detail:      detail,
		CreatedTime: time.Now().UnixMilli(),
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	full := len(r.events) >= r.maxSize
	r.mu.Unlock()
	if full {
		go r.Flush()
	}
}

// Flush writes all buffered events in one batch. Failures are logged and the
// batch is dropped; the audit log is best effort.
func (r *Recorder) Flush() {
	r.mu.Lock()
	if len(r.events) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.events
	r.events = nil
	r.mu.Unlock()

	if err := r.sink.InsertAuditEvents(context.Background(), batch); err != nil {
		log.Printf("ERROR: audit flush: %v", err)
	}
}

// Stop halts the ticker and flushes remaining events.
func (r *Recorder) Stop() {
	r.ticker.Stop()
	close(r.done)
	r.Flush()
}

// Cleanup deletes audit rows older than the retention window.
func (r *Recorder) Cleanup(ctx context.Context, retention time.Duration) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	n, err := r.sink.PruneAuditEvents(ctx, cutoff)
	if err != nil {
		log.Printf("ERROR: audit cleanup: %v", err)
		return
	}
	if n > 0 {
		log.Printf("Audit cleanup: deleted %d old events", n)
	}
}
