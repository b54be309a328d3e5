package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/casafex/planvista-backend/internal/data/repos"
	jobrepo "github.com/casafex/planvista-backend/internal/data/repos/jobs"
	"github.com/casafex/planvista-backend/internal/data/repos/testutil"
	types "github.com/casafex/planvista-backend/internal/domain"
	"github.com/casafex/planvista-backend/internal/pkg/dbctx"
)

func newTestManager(t *testing.T) (*Manager, repos.JobRunRepo, dbctx.Context) {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	jobs := jobrepo.NewJobRunRepo(db, log)
	m := NewManager(db, jobs, log)
	return m, jobs, dbctx.Context{Ctx: context.Background()}
}

func TestAcquireInsertsRunningJob(t *testing.T) {
	m, jobs, dbc := newTestManager(t)
	runID := uuid.New()

	lease, err := m.Acquire(dbc.Ctx, AcquireRequest{
		RunID: runID, Step: 2, Service: "space-analysis", Holder: "worker-a",
	})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease.Attempt != 1 {
		t.Fatalf("expected first attempt, got %d", lease.Attempt)
	}
	job, err := jobs.GetByID(dbc, lease.JobID)
	if err != nil || job == nil {
		t.Fatalf("fetch job: %v", err)
	}
	if job.Status != types.JobRunning || job.LockHolder != "worker-a" {
		t.Fatalf("unexpected job state: status=%s holder=%s", job.Status, job.LockHolder)
	}
	if job.IdempotencyKey == "" {
		t.Fatal("expected derived idempotency key")
	}
}

func TestAcquireRefusedWhileLockLive(t *testing.T) {
	m, _, dbc := newTestManager(t)
	runID := uuid.New()
	req := AcquireRequest{RunID: runID, Step: 2, Service: "space-analysis", Holder: "worker-a"}

	if _, err := m.Acquire(dbc.Ctx, req); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	req.Holder = "worker-b"
	_, err := m.Acquire(dbc.Ctx, req)
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestConcurrentAcquireGrantsExactlyOneLease(t *testing.T) {
	m, _, dbc := newTestManager(t)
	runID := uuid.New()

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		refused int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := m.Acquire(dbc.Ctx, AcquireRequest{
				RunID: runID, Step: 3, Service: "viewpoints",
				Holder: uuid.NewString(),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted++
			case errors.Is(err, ErrAlreadyRunning):
				refused++
			default:
				t.Errorf("caller %d: unexpected error: %v", n, err)
			}
		}(i)
	}
	wg.Wait()
	if granted != 1 || refused != callers-1 {
		t.Fatalf("expected 1 grant / %d refusals, got %d / %d", callers-1, granted, refused)
	}
}

func TestAcquireStealsExpiredLock(t *testing.T) {
	m, jobs, dbc := newTestManager(t)
	runID := uuid.New()
	req := AcquireRequest{RunID: runID, Step: 4, Service: "render", SubUnit: "space-1", Holder: "worker-a"}

	base := time.Now()
	m.WithClock(func() time.Time { return base })
	first, err := m.Acquire(dbc.Ctx, req)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	// Past the TTL the dead holder's lock is reclaimable.
	m.WithClock(func() time.Time { return base.Add(DefaultLockTTL + time.Second) })
	req.Holder = "worker-b"
	second, err := m.Acquire(dbc.Ctx, req)
	if err != nil {
		t.Fatalf("steal acquire: %v", err)
	}
	if second.JobID != first.JobID {
		t.Fatalf("steal should reuse the row: %s != %s", second.JobID, first.JobID)
	}
	if second.Attempt != 2 {
		t.Fatalf("expected attempt 2 after steal, got %d", second.Attempt)
	}
	job, _ := jobs.GetByID(dbc, second.JobID)
	if job.LockHolder != "worker-b" {
		t.Fatalf("expected new holder, got %s", job.LockHolder)
	}
}

func TestAcquireRefusesTerminalAndExhaustedJobs(t *testing.T) {
	m, _, dbc := newTestManager(t)
	runID := uuid.New()
	req := AcquireRequest{RunID: runID, Step: 1, Service: "style", Holder: "worker-a", MaxAttempts: 2}

	lease, err := m.Acquire(dbc.Ctx, req)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Release(dbc.Ctx, lease, types.JobCompleted, map[string]any{"artifact_id": uuid.NewString()}, ""); err != nil {
		t.Fatalf("release: %v", err)
	}
	var terminal *TerminalJobError
	if _, err := m.Acquire(dbc.Ctx, req); !errors.As(err, &terminal) {
		t.Fatalf("expected TerminalJobError, got %v", err)
	}

	// Separate key: fail out the budget, then expect BudgetExhaustedError.
	req2 := AcquireRequest{RunID: runID, Step: 2, Service: "space-analysis", Holder: "worker-a", MaxAttempts: 2}
	for i := 0; i < 2; i++ {
		l, err := m.Acquire(dbc.Ctx, req2)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if err := m.Release(dbc.Ctx, l, types.JobFailed, nil, "upstream timeout"); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
	var exhausted *BudgetExhaustedError
	if _, err := m.Acquire(dbc.Ctx, req2); !errors.As(err, &exhausted) {
		t.Fatalf("expected BudgetExhaustedError, got %v", err)
	}
}

func TestReleaseByNonHolderReportsLeaseLost(t *testing.T) {
	m, _, dbc := newTestManager(t)
	runID := uuid.New()
	req := AcquireRequest{RunID: runID, Step: 5, Service: "panorama", Holder: "worker-a"}

	base := time.Now()
	m.WithClock(func() time.Time { return base })
	lease, err := m.Acquire(dbc.Ctx, req)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Another worker steals after expiry; the original release must fail.
	m.WithClock(func() time.Time { return base.Add(DefaultLockTTL + time.Second) })
	req.Holder = "worker-b"
	if _, err := m.Acquire(dbc.Ctx, req); err != nil {
		t.Fatalf("steal: %v", err)
	}
	var lost *LeaseLostError
	err = m.Release(dbc.Ctx, lease, types.JobCompleted, nil, "")
	if !errors.As(err, &lost) {
		t.Fatalf("expected LeaseLostError, got %v", err)
	}
}

func TestAcquireDedupesOnIdempotencyKey(t *testing.T) {
	m, _, dbc := newTestManager(t)
	runID := uuid.New()

	first, err := m.Acquire(dbc.Ctx, AcquireRequest{
		RunID: runID, Step: 2, Service: "space-analysis",
		IdempotencyKey: "client-key-1", Holder: "worker-a",
	})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Same idempotency key under a different sub-unit resolves to the same
	// row and is refused while the lock is live.
	_, err = m.Acquire(dbc.Ctx, AcquireRequest{
		RunID: runID, Step: 2, Service: "space-analysis", SubUnit: "replay",
		IdempotencyKey: "client-key-1", Holder: "worker-b",
	})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning on idempotency collision, got %v", err)
	}
	_ = first
}
