package runtime

import (
	"context"
	"encoding/json"
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

// Notifier is the side-channel for job lifecycle events. Nil is a no-op.
type Notifier interface {
	JobStarted(job *types.JobRun)
	JobCompleted(job *types.JobRun)
	JobFailed(job *types.JobRun, errMsg string)
	JobBlocked(job *types.JobRun, reason string)
}

// Context is the execution contract between the job system and business
// code: the only sanctioned mutation path for a claimed job. Terminal
// transitions go through ReleaseIfHolder so a worker whose lease was
// reclaimed can never clobber the new holder's row.
type Context struct {
	Ctx     context.Context
	DB      *gorm.DB
	Job     *types.JobRun
	Repo    repos.JobRunRepo
	Notify  Notifier
	Holder  string
	Log     *logger.Logger
	lockTTL time.Duration
	payload map[string]any
}

func NewContext(ctx context.Context, db *gorm.DB, job *types.JobRun, repo repos.JobRunRepo, notify Notifier, holder string, lockTTL time.Duration, log *logger.Logger) *Context {
	c := &Context{
		Ctx:     ctx,
		DB:      db,
		Job:     job,
		Repo:    repo,
		Notify:  notify,
		Holder:  holder,
		Log:     log.With("job_id", job.ID, "service", job.Service),
		lockTTL: lockTTL,
	}
	_ = c.decodePayload()
	return c
}

// decodePayload parses the payload ref into a map. Decode failure is
// non-fatal here; handlers validate the fields they need.
func (c *Context) decodePayload() error {
	c.payload = map[string]any{}
	if c.Job == nil || len(c.Job.PayloadRef) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.PayloadRef, &m); err != nil {
		return err
	}
	c.payload = m
	return nil
}

// Payload never returns nil.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

func (c *Context) PayloadString(key string) string {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Heartbeat extends the running lock mid-execution.
func (c *Context) Heartbeat() {
	if c.Repo == nil || c.Job == nil {
		return
	}
	if err := c.Repo.Heartbeat(dbctx.Context{Ctx: c.Ctx}, c.Job.ID, c.Holder, c.lockTTL); err != nil {
		c.Log.Warn("Heartbeat failed", "error", err)
	}
}

// Update applies non-lifecycle field writes, refusing to touch a job that
// already reached a terminal status.
func (c *Context) Update(updates map[string]any) error {
	if c.Job == nil || c.Job.ID == uuid.Nil {
		return nil
	}
	_, err := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: c.Ctx}, c.Job.ID,
		[]string{types.JobCompleted, types.JobBlocked}, toIfaceMap(updates))
	return err
}

// Succeed releases the lock with status completed and the result refs.
func (c *Context) Succeed(resultRef map[string]any) {
	now := time.Now()
	updates := map[string]interface{}{
		"status":       types.JobCompleted,
		"error":        "",
		"heartbeat_at": now,
		"updated_at":   now,
	}
	if resultRef != nil {
		if b, err := json.Marshal(resultRef); err == nil {
			updates["result_ref"] = datatypes.JSON(b)
		}
	}
	if !c.release(updates) {
		return
	}
	c.Job.Status = types.JobCompleted
	c.Job.Error = ""
	if c.Notify != nil {
		c.Notify.JobCompleted(c.Job)
	}
}

// Fail releases the lock with status failed. The job stays retryable while
// attempts remain; the next claim or explicit acquire picks it back up.
// A failure on the final attempt escalates to blocked instead, so a job
// that burned its whole budget on collaborator errors still surfaces to a
// human rather than stranding in failed.
func (c *Context) Fail(stage string, err error) {
	now := time.Now()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if c.Job != nil && c.Job.MaxAttempts > 0 && c.Job.Attempts >= c.Job.MaxAttempts {
		c.Block(fmt.Sprintf("retry budget exhausted after %d attempts; last failure at %s: %s",
			c.Job.Attempts, stage, msg), nil)
		return
	}
	updates := map[string]interface{}{
		"status":        types.JobFailed,
		"error":         fmt.Sprintf("%s: %s", stage, msg),
		"last_error_at": now,
		"updated_at":    now,
	}
	if !c.release(updates) {
		return
	}
	c.Job.Status = types.JobFailed
	c.Job.Error = msg
	c.Job.LastErrorAt = &now
	if c.Notify != nil {
		c.Notify.JobFailed(c.Job, msg)
	}
}

// Block releases the lock with status blocked and a human-readable reason
// chain. Blocked jobs are never auto-retried; a human decides.
func (c *Context) Block(reason string, failureHistory datatypes.JSON) {
	now := time.Now()
	updates := map[string]interface{}{
		"status":        types.JobBlocked,
		"error":         reason,
		"last_error_at": now,
		"updated_at":    now,
	}
	if len(failureHistory) > 0 {
		updates["failure_history"] = failureHistory
	}
	if !c.release(updates) {
		return
	}
	c.Job.Status = types.JobBlocked
	c.Job.Error = reason
	if len(failureHistory) > 0 {
		c.Job.FailureHistory = failureHistory
	}
	if c.Notify != nil {
		c.Notify.JobBlocked(c.Job, reason)
	}
}

func (c *Context) release(updates map[string]interface{}) bool {
	if c.Repo == nil || c.Job == nil || c.Job.ID == uuid.Nil {
		return false
	}
	ok, err := c.Repo.ReleaseIfHolder(dbctx.Context{Ctx: c.Ctx}, c.Job.ID, c.Holder, updates)
	if err != nil {
		c.Log.Error("Job release failed", "error", err)
		return false
	}
	if !ok {
		// Lease reclaimed by another worker; its outcome wins.
		c.Log.Warn("Job lease lost before release", "holder", c.Holder)
		return false
	}
	return true
}

func toIfaceMap(in map[string]any) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
