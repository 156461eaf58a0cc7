// Package ledger records every tool invocation: input, outcome, approval
// state, and the reversibility snapshot. Writes are fire-and-forget from the
// caller's perspective; the only mutation ever applied to a record is the
// at-most-once flip to rolled_back performed by the undo engine.
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	otelx "github.com/boardpilot/boardpilot/internal/otel"
)

// Status is the terminal state of a recorded tool invocation.
type Status string

const (
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDenied     Status = "denied"
	StatusRolledBack Status = "rolled_back"
)

// Record is one row of the activity ledger.
type Record struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`

	Tool   string `json:"tool"`
	Input  string `json:"input"`
	Output string `json:"output,omitempty"`
	Status Status `json:"status"`

	RequiresApproval bool   `json:"requires_approval"`
	ApprovalStatus   string `json:"approval_status,omitempty"`

	AffectedIDs []string  `json:"affected_ids,omitempty"`
	Snapshot    *Snapshot `json:"snapshot,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Storage is the persistence surface the ledger writes through.
type Storage interface {
	InsertActivity(ctx context.Context, rec Record) error
	GetActivity(ctx context.Context, id string) (*Record, error)
	// MarkActivityRolledBack flips status completed -> rolled_back and
	// reports false when the record was not in completed state.
	MarkActivityRolledBack(ctx context.Context, id string) (bool, error)
	// RestoreActivityCompleted flips status rolled_back -> completed. Undo
	// gives the claim back when no inverse could be applied, so the record
	// stays retryable.
	RestoreActivityCompleted(ctx context.Context, id string) (bool, error)
}

// Config holds the dependencies for the Recorder.
type Config struct {
	Storage    Storage
	Logger     *slog.Logger
	Metrics    *otelx.Metrics
	QueueDepth int           // buffered entries before drop; defaults to 256
	MaxRetries int           // write attempts per entry; defaults to 3
	RetryDelay time.Duration // base delay between attempts; defaults to 100ms
}

// Recorder queues ledger writes onto a background worker so a slow or
// failing store never extends a tool call's latency. A full queue drops the
// entry and logs it; losing an audit row must not fail the action itself.
type Recorder struct {
	storage    Storage
	logger     *slog.Logger
	metrics    *otelx.Metrics
	queue      chan Record
	maxRetries int
	retryDelay time.Duration

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// NewRecorder creates and starts a Recorder.
func NewRecorder(cfg Config) *Recorder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 256
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	r := &Recorder{
		storage:    cfg.Storage,
		logger:     logger,
		metrics:    cfg.Metrics,
		queue:      make(chan Record, depth),
		maxRetries: retries,
		retryDelay: delay,
		done:       make(chan struct{}),
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

// Record enqueues a ledger entry. It never blocks and never returns an
// error: on a full queue the entry is dropped with a log line.
func (r *Recorder) Record(rec Record) string {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	select {
	case r.queue <- rec:
	default:
		if r.metrics != nil {
			r.metrics.LedgerQueueDrops.Add(context.Background(), 1)
		}
		r.logger.Error("ledger queue full, dropping record",
			"record_id", rec.ID, "tool", rec.Tool, "status", rec.Status)
	}
	return rec.ID
}

// Get reads a record by id.
func (r *Recorder) Get(ctx context.Context, id string) (*Record, error) {
	return r.storage.GetActivity(ctx, id)
}

// MarkRolledBack flips a completed record to rolled_back. Returns false if
// the record was already rolled back (or never completed), giving undo its
// at-most-once guarantee.
func (r *Recorder) MarkRolledBack(ctx context.Context, id string) (bool, error) {
	return r.storage.MarkActivityRolledBack(ctx, id)
}

// Close drains pending writes and stops the worker.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() {
		close(r.done)
		close(r.queue)
	})
	r.wg.Wait()
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for rec := range r.queue {
		r.write(rec)
	}
}

func (r *Recorder) write(rec Record) {
	var err error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-r.done:
			case <-time.After(r.retryDelay << uint(attempt-1)):
			}
		}
		err = r.storage.InsertActivity(context.Background(), rec)
		if err == nil {
			return
		}
	}
	r.logger.Error("ledger write failed after retries",
		"record_id", rec.ID, "tool", rec.Tool, "status", rec.Status, "error", err)
}
