package services

import (
	"context"
	"time"

	"github.com/casafex/planvista-backend/internal/clients/redis"
	types "github.com/casafex/planvista-backend/internal/domain"
	"github.com/casafex/planvista-backend/internal/platform/logger"
)

// PipelineNotifier pushes run and job lifecycle events to the event bus.
// Every method tolerates a nil receiver and a nil bus: push notification is
// optional and must never block the pipeline.
type PipelineNotifier struct {
	bus     redis.EventBus
	emitter string
	log     *logger.Logger
}

func NewPipelineNotifier(bus redis.EventBus, emitter string, baseLog *logger.Logger) *PipelineNotifier {
	return &PipelineNotifier{
		bus:     bus,
		emitter: emitter,
		log:     baseLog.With("component", "PipelineNotifier"),
	}
}

func (n *PipelineNotifier) publish(ev redis.Event) {
	if n == nil || n.bus == nil {
		return
	}
	ev.At = time.Now()
	ev.Emitter = n.emitter
	if err := n.bus.Publish(context.Background(), ev); err != nil {
		n.log.Warn("Event publish failed", "kind", ev.Kind, "error", err)
	}
}

func (n *PipelineNotifier) RunTransitioned(run *types.PipelineRun) {
	if run == nil {
		return
	}
	n.publish(redis.Event{
		Kind:  redis.KindRunTransitioned,
		RunID: run.ID,
		Phase: string(run.Phase),
	})
}

func (n *PipelineNotifier) RunPaused(run *types.PipelineRun, paused bool) {
	if run == nil {
		return
	}
	kind := redis.KindRunPaused
	if !paused {
		kind = redis.KindRunResumed
	}
	n.publish(redis.Event{
		Kind:  kind,
		RunID: run.ID,
		Phase: string(run.Phase),
	})
}

func (n *PipelineNotifier) JobStarted(job *types.JobRun) {
	n.publishJob(redis.KindJobStarted, job, nil)
}

func (n *PipelineNotifier) JobCompleted(job *types.JobRun) {
	n.publishJob(redis.KindJobCompleted, job, nil)
}

func (n *PipelineNotifier) JobFailed(job *types.JobRun, errMsg string) {
	n.publishJob(redis.KindJobFailed, job, map[string]any{"error": errMsg})
}

func (n *PipelineNotifier) JobBlocked(job *types.JobRun, reason string) {
	n.publishJob(redis.KindJobBlocked, job, map[string]any{"reason": reason})
}

func (n *PipelineNotifier) publishJob(kind string, job *types.JobRun, detail map[string]any) {
	if job == nil {
		return
	}
	jobID := job.ID
	n.publish(redis.Event{
		Kind:   kind,
		RunID:  job.RunID,
		JobID:  &jobID,
		Status: job.Status,
		Detail: detail,
	})
}

var _ interface {
	JobStarted(job *types.JobRun)
	JobCompleted(job *types.JobRun)
	JobFailed(job *types.JobRun, errMsg string)
	JobBlocked(job *types.JobRun, reason string)
} = (*PipelineNotifier)(nil)
