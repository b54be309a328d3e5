package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/casafex/planvista-backend/internal/data/repos"
	types "github.com/casafex/planvista-backend/internal/domain"
	"github.com/casafex/planvista-backend/internal/jobs/ledger"
	"github.com/casafex/planvista-backend/internal/jobs/runtime"
	"github.com/casafex/planvista-backend/internal/pkg/dbctx"
	"github.com/casafex/planvista-backend/internal/platform/envutil"
	"github.com/casafex/planvista-backend/internal/platform/logger"
)

// Pool polls the job ledger for runnable work: pending jobs, retryable
// failures past their delay, and running jobs whose lock expired. Each
// claim takes the running lock; handlers run under panic recovery.
type Pool struct {
	db          *gorm.DB
	log         *logger.Logger
	repo        repos.JobRunRepo
	registry    *runtime.Registry
	notify      runtime.Notifier
	holder      string
	concurrency int
	pollEvery   time.Duration
	retryDelay  time.Duration
	lockTTL     time.Duration
}

func NewPool(db *gorm.DB, baseLog *logger.Logger, repo repos.JobRunRepo, registry *runtime.Registry, notify runtime.Notifier) *Pool {
	host, _ := os.Hostname()
	return &Pool{
		db:          db,
		log:         baseLog.With("component", "JobWorker"),
		repo:        repo,
		registry:    registry,
		notify:      notify,
		holder:      fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		concurrency: envutil.Int("WORKER_CONCURRENCY", 4),
		pollEvery:   envutil.Dur("WORKER_POLL_INTERVAL", time.Second),
		retryDelay:  envutil.Dur("WORKER_RETRY_DELAY", 30*time.Second),
		lockTTL:     ledger.DefaultLockTTL,
	}
}

// Start launches the polling goroutines. They stop when ctx is canceled;
// work in flight finishes its current job.
func (p *Pool) Start(ctx context.Context) {
	p.log.Info("Worker pool starting", "holder", p.holder, "concurrency", p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		slot := fmt.Sprintf("%s-w%d", p.holder, i)
		go p.loop(ctx, slot)
	}
}

func (p *Pool) loop(ctx context.Context, slot string) {
	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := p.repo.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, slot, p.retryDelay, p.lockTTL)
			if err != nil {
				p.log.Warn("ClaimNextRunnable failed", "error", err)
				continue
			}
			if job == nil {
				continue
			}
			p.execute(ctx, slot, job)
		}
	}
}

func (p *Pool) execute(ctx context.Context, slot string, job *types.JobRun) {
	jc := runtime.NewContext(ctx, p.db, job, p.repo, p.notify, slot, p.lockTTL, p.log)
	if p.notify != nil {
		p.notify.JobStarted(job)
	}

	h, ok := p.registry.Get(job.Service)
	if !ok {
		p.log.Warn("No handler registered for service", "service", job.Service, "job_id", job.ID)
		jc.Fail("dispatch", &missingHandlerError{Service: job.Service})
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("Job handler panic", "job_id", job.ID, "service", job.Service, "panic", r)
				jc.Fail("panic", fmt.Errorf("panic: %v", r))
			}
		}()
		if err := h.Run(jc); err != nil {
			// Handlers normally settle the job themselves; an error escaping
			// here means they could not.
			if !job.Terminal() && job.Status != types.JobFailed {
				jc.Fail("run", err)
			}
		}
	}()
}

type missingHandlerError struct{ Service string }

func (e *missingHandlerError) Error() string {
	return "no handler registered for service=" + e.Service
}
