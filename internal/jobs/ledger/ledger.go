package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/casafex/planvista-backend/internal/data/repos"
	types "github.com/casafex/planvista-backend/internal/domain"
	"github.com/casafex/planvista-backend/internal/pkg/dbctx"
	"github.com/casafex/planvista-backend/internal/platform/logger"
)

// DefaultLockTTL bounds how long a crashed holder can pin a job before the
// lock becomes reclaimable.
const DefaultLockTTL = 5 * time.Minute

// DefaultMaxAttempts is the fixed small retry budget per job.
const DefaultMaxAttempts = 4

// ErrAlreadyRunning is a control-flow signal, not a failure: somebody else
// holds a live lock on the same unit of work. Callers should treat it as
// "already being handled" and return success-equivalent upstream.
var ErrAlreadyRunning = errors.New("job already running under a live lock")

// TerminalJobError refuses to re-acquire a job that already reached
// completed or blocked.
type TerminalJobError struct {
	JobID  uuid.UUID
	Status string
}

func (e *TerminalJobError) Error() string {
	return fmt.Sprintf("job %s is terminal (%s)", e.JobID, e.Status)
}

// BudgetExhaustedError refuses to re-acquire a failed job with no attempts
// remaining; the retry orchestrator moves such jobs to blocked.
type BudgetExhaustedError struct {
	JobID    uuid.UUID
	Attempts int
	Max      int
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("job %s exhausted its retry budget (%d/%d)", e.JobID, e.Attempts, e.Max)
}

// LeaseLostError means the holder's lock was reclaimed (TTL expiry) before
// release; the release side effects must not be applied.
type LeaseLostError struct {
	JobID  uuid.UUID
	Holder string
}

func (e *LeaseLostError) Error() string {
	return fmt.Sprintf("lease on job %s lost by holder %s", e.JobID, e.Holder)
}

// AcquireRequest identifies one unit of work. SubUnit disambiguates fan-out
// work within a step (one render per space); it is empty for step-level
// jobs.
type AcquireRequest struct {
	RunID          uuid.UUID
	Step           int
	Service        string
	SubUnit        string
	IdempotencyKey string
	Holder         string
	MaxAttempts    int
	PayloadRef     map[string]any
}

// Lease is the token proving the holder may execute and must release.
type Lease struct {
	JobID     uuid.UUID
	Holder    string
	Attempt   int
	ExpiresAt time.Time
}

// Manager is the job ledger and lock manager. The running-lock guards
// concurrent execution; the idempotency key separately guards duplicate
// creation of logically identical jobs. Locks are held only around
// bookkeeping: the expensive external call happens between acquire and
// release, protected by the TTL reclaim path if the process dies mid-call.
type Manager struct {
	db      *gorm.DB
	jobs    repos.JobRunRepo
	log     *logger.Logger
	lockTTL time.Duration
	now     func() time.Time
}

func NewManager(db *gorm.DB, jobs repos.JobRunRepo, baseLog *logger.Logger) *Manager {
	return &Manager{
		db:      db,
		jobs:    jobs,
		log:     baseLog.With("component", "JobLedger"),
		lockTTL: DefaultLockTTL,
		now:     time.Now,
	}
}

// WithLockTTL overrides the lock TTL (tests).
func (m *Manager) WithLockTTL(ttl time.Duration) *Manager {
	if ttl > 0 {
		m.lockTTL = ttl
	}
	return m
}

// WithClock injects time (tests).
func (m *Manager) WithClock(now func() time.Time) *Manager {
	if now != nil {
		m.now = now
	}
	return m
}

// KeyFor derives the default idempotency key for one unit of work. Enqueue
// paths and the ledger must agree on this so a queued job and its later
// acquisition land on the same row.
func KeyFor(runID uuid.UUID, step int, service, subUnit string) string {
	return fmt.Sprintf("%s:%d:%s:%s", runID, step, service, subUnit)
}

// Acquire attempts to take the running lock for req's unit of work:
// insert-or-reclaim inside one transaction, serialized per key by a row
// lock. Outcomes: a Lease; ErrAlreadyRunning when a live lock exists;
// TerminalJobError / BudgetExhaustedError when the job can never run again.
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest) (*Lease, error) {
	if req.RunID == uuid.Nil {
		return nil, fmt.Errorf("missing run_id")
	}
	if req.Service == "" {
		return nil, fmt.Errorf("missing service")
	}
	if req.Holder == "" {
		return nil, fmt.Errorf("missing holder identity")
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = DefaultMaxAttempts
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = KeyFor(req.RunID, req.Step, req.Service, req.SubUnit)
	}

	var lease *Lease
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		now := m.now()

		existing, err := m.jobs.GetForKeyLocked(dbc, req.RunID, req.Step, req.Service, req.SubUnit)
		if err != nil {
			return fmt.Errorf("lock ledger row: %w", err)
		}
		if existing == nil {
			// Creation dedupe: the same idempotency key may already be bound
			// to a row under a different ledger key (caller bug or replayed
			// request with new identifiers).
			dup, err := m.jobs.GetByIdempotencyKey(dbc, req.IdempotencyKey)
			if err != nil {
				return fmt.Errorf("idempotency lookup: %w", err)
			}
			if dup != nil {
				existing = dup
			}
		}

		if existing == nil {
			return m.insertRunning(dbc, req, now, &lease)
		}
		return m.takeOverExisting(dbc, req, existing, now, &lease)
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

func (m *Manager) insertRunning(dbc dbctx.Context, req AcquireRequest, now time.Time, out **Lease) error {
	payload := datatypes.JSON([]byte("{}"))
	if req.PayloadRef != nil {
		b, err := json.Marshal(req.PayloadRef)
		if err != nil {
			return fmt.Errorf("marshal payload ref: %w", err)
		}
		payload = datatypes.JSON(b)
	}
	expires := now.Add(m.lockTTL)
	job := &types.JobRun{
		ID:             uuid.New(),
		RunID:          req.RunID,
		Step:           req.Step,
		Service:        req.Service,
		SubUnit:        req.SubUnit,
		Status:         types.JobRunning,
		Attempts:       1,
		MaxAttempts:    req.MaxAttempts,
		IdempotencyKey: req.IdempotencyKey,
		LockHolder:     req.Holder,
		LockExpiresAt:  &expires,
		PayloadRef:     payload,
		ResultRef:      datatypes.JSON([]byte("{}")),
	}
	if _, err := m.jobs.Create(dbc, []*types.JobRun{job}); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	*out = &Lease{JobID: job.ID, Holder: req.Holder, Attempt: 1, ExpiresAt: expires}
	return nil
}

func (m *Manager) takeOverExisting(dbc dbctx.Context, req AcquireRequest, existing *types.JobRun, now time.Time, out **Lease) error {
	if existing.Terminal() {
		return &TerminalJobError{JobID: existing.ID, Status: existing.Status}
	}
	if existing.Status == types.JobRunning {
		if existing.LockExpiresAt != nil && existing.LockExpiresAt.After(now) {
			return ErrAlreadyRunning
		}
		// Expired lock: the holder crashed or stalled. Steal it; the
		// attempt increment makes the reclaim observable.
		m.log.Warn("Reclaiming expired job lock",
			"job_id", existing.ID,
			"previous_holder", existing.LockHolder,
		)
	}
	if existing.Status == types.JobFailed && existing.Attempts >= existing.MaxAttempts {
		return &BudgetExhaustedError{JobID: existing.ID, Attempts: existing.Attempts, Max: existing.MaxAttempts}
	}
	expires := now.Add(m.lockTTL)
	attempt := existing.Attempts + 1
	err := m.jobs.UpdateFields(dbc, existing.ID, map[string]interface{}{
		"status":          types.JobRunning,
		"attempts":        attempt,
		"lock_holder":     req.Holder,
		"lock_expires_at": expires,
		"heartbeat_at":    now,
	})
	if err != nil {
		return fmt.Errorf("take over job: %w", err)
	}
	*out = &Lease{JobID: existing.ID, Holder: req.Holder, Attempt: attempt, ExpiresAt: expires}
	return nil
}

// Release applies the terminal (or failed-retryable) status in one atomic
// update, clearing lock fields. It must be called on every exit path; a
// holder that dies without releasing is covered by TTL reclaim.
func (m *Manager) Release(ctx context.Context, lease *Lease, finalStatus string, resultRef map[string]any, errDetail string) error {
	if lease == nil {
		return fmt.Errorf("nil lease")
	}
	updates := map[string]interface{}{
		"status": finalStatus,
	}
	if resultRef != nil {
		b, err := json.Marshal(resultRef)
		if err != nil {
			return fmt.Errorf("marshal result ref: %w", err)
		}
		updates["result_ref"] = datatypes.JSON(b)
	}
	if errDetail != "" {
		updates["error"] = errDetail
		updates["last_error_at"] = m.now()
	} else if finalStatus == types.JobCompleted {
		updates["error"] = ""
	}
	ok, err := m.jobs.ReleaseIfHolder(dbctx.Context{Ctx: ctx}, lease.JobID, lease.Holder, updates)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	if !ok {
		return &LeaseLostError{JobID: lease.JobID, Holder: lease.Holder}
	}
	return nil
}

// Extend renews the lease TTL mid-execution for long external calls.
func (m *Manager) Extend(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return fmt.Errorf("nil lease")
	}
	return m.jobs.Heartbeat(dbctx.Context{Ctx: ctx}, lease.JobID, lease.Holder, m.lockTTL)
}
