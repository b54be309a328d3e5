package app

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/casafex/planvista-backend/internal/clients/genai"
	"github.com/casafex/planvista-backend/internal/clients/judge"
	"github.com/casafex/planvista-backend/internal/clients/redis"
	"github.com/casafex/planvista-backend/internal/data/repos"
	"github.com/casafex/planvista-backend/internal/db"
	types "github.com/casafex/planvista-backend/internal/domain"
	httpx "github.com/casafex/planvista-backend/internal/http"
	httpH "github.com/casafex/planvista-backend/internal/http/handlers"
	"github.com/casafex/planvista-backend/internal/jobs/ledger"
	"github.com/casafex/planvista-backend/internal/jobs/pipeline/renderfan"
	"github.com/casafex/planvista-backend/internal/jobs/pipeline/stepgen"
	"github.com/casafex/planvista-backend/internal/jobs/runtime"
	"github.com/casafex/planvista-backend/internal/jobs/worker"
	"github.com/casafex/planvista-backend/internal/learning"
	"github.com/casafex/planvista-backend/internal/observability"
	"github.com/casafex/planvista-backend/internal/pipeline"
	"github.com/casafex/planvista-backend/internal/platform/logger"
	"github.com/casafex/planvista-backend/internal/services"
	"github.com/casafex/planvista-backend/internal/validation"
)

type App struct {
	Log    *logger.Logger
	Cfg    Config
	DB     *gorm.DB
	Router *gin.Engine

	Repos    repos.Set
	Machine  *pipeline.Machine
	Ledger   *ledger.Manager
	Engine   *validation.Engine
	Learner  *learning.Learner
	Sweeper  *learning.Sweeper
	Worker   *worker.Pool
	Bus      redis.EventBus
	Notifier *services.PipelineNotifier

	Runs services.RunService
	Jobs services.JobService

	otelShutdown func(context.Context) error
}

func New(ctx context.Context) (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "planvista-backend",
		Environment: cfg.Environment,
		Version:     cfg.Version,
	})

	pg, err := db.New(log)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	gdb := pg.DB()

	reposet := repos.NewSet(gdb, log)

	var bus redis.EventBus
	if cfg.EventsEnabled {
		bus, err = redis.NewEventBus(log)
		if err != nil {
			// Push notification is optional; a missing redis only costs
			// the push channel.
			log.Warn("Event bus unavailable, continuing without push events", "error", err)
			bus = nil
		}
	}
	hostname, _ := os.Hostname()
	notifier := services.NewPipelineNotifier(bus, hostname, log)

	machine := pipeline.NewMachine(reposet.Runs, log)
	ledgerMgr := ledger.NewManager(gdb, reposet.Jobs, log)
	learner := learning.NewLearner(gdb, reposet.Rules, reposet.Promotions, log)
	sweeper := learning.NewSweeper(learner, log)

	thresholds, err := validation.LoadThresholds(cfg.ThresholdsPath)
	if err != nil {
		return nil, fmt.Errorf("load thresholds: %w", err)
	}
	judgeClient, err := judge.NewClient(log)
	if err != nil {
		return nil, fmt.Errorf("init judge client: %w", err)
	}
	engine := validation.NewEngine(judgeClient, thresholds, log)
	if cfg.JudgeBudget > 0 {
		engine = engine.WithJudgeBudget(cfg.JudgeBudget)
	}

	genClient, err := genai.NewClient(log)
	if err != nil {
		return nil, fmt.Errorf("init generation client: %w", err)
	}

	registry := runtime.NewRegistry()
	if err := registerHandlers(registry, genClient, engine, learner, ledgerMgr, machine, reposet, log); err != nil {
		return nil, err
	}
	pool := worker.NewPool(gdb, log, reposet.Jobs, registry, notifier)

	runSvc := services.NewRunService(gdb, log, reposet.Runs, reposet.Jobs, reposet.Verdicts, machine, notifier)
	jobSvc := services.NewJobService(gdb, log, reposet, learner, notifier)

	router := httpx.NewRouter(httpx.RouterConfig{
		Log:           log,
		RunHandler:    httpH.NewRunHandler(runSvc),
		JobHandler:    httpH.NewJobHandler(jobSvc),
		HealthHandler: httpH.NewHealthHandler(),
	})

	return &App{
		Log:          log,
		Cfg:          cfg,
		DB:           gdb,
		Router:       router,
		Repos:        reposet,
		Machine:      machine,
		Ledger:       ledgerMgr,
		Engine:       engine,
		Learner:      learner,
		Sweeper:      sweeper,
		Worker:       pool,
		Bus:          bus,
		Notifier:     notifier,
		Runs:         runSvc,
		Jobs:         jobSvc,
		otelShutdown: otelShutdown,
	}, nil
}

func registerHandlers(
	registry *runtime.Registry,
	gen genai.Client,
	engine *validation.Engine,
	learner *learning.Learner,
	ledgerMgr *ledger.Manager,
	machine *pipeline.Machine,
	r repos.Set,
	log *logger.Logger,
) error {
	stepDeps := stepgen.Deps{
		Gen:       gen,
		Engine:    engine,
		Learner:   learner,
		Machine:   machine,
		Runs:      r.Runs,
		Artifacts: r.Artifacts,
		Verdicts:  r.Verdicts,
		Log:       log,
	}
	fanDeps := renderfan.Deps{
		Gen:       gen,
		Ledger:    ledgerMgr,
		Machine:   machine,
		Runs:      r.Runs,
		Artifacts: r.Artifacts,
		Log:       log,
	}
	handlers := []runtime.Handler{
		stepgen.New(stepgen.Config{Service: pipeline.ServiceStyle, Step: types.StepStyle, ArtifactKind: types.ArtifactStyledPlan}, stepDeps),
		stepgen.New(stepgen.Config{Service: pipeline.ServiceSpaces, Step: types.StepSpaces, ArtifactKind: types.ArtifactSpaceAnalysis}, stepDeps),
		stepgen.New(stepgen.Config{Service: pipeline.ServiceViewpoints, Step: types.StepViewpoints, ArtifactKind: types.ArtifactViewpointSet}, stepDeps),
		stepgen.New(stepgen.Config{Service: pipeline.ServiceTour, Step: types.StepTour, ArtifactKind: types.ArtifactTour}, stepDeps),
		renderfan.New(renderfan.Config{Service: pipeline.ServiceRenders, Step: types.StepRenders, ArtifactKind: types.ArtifactRender}, fanDeps),
		renderfan.New(renderfan.Config{Service: pipeline.ServicePanoramas, Step: types.StepPanoramas, ArtifactKind: types.ArtifactPanorama}, fanDeps),
	}
	for _, h := range handlers {
		if err := registry.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the background machinery: the worker pool and the nightly
// rule sweep. The HTTP listener is the caller's to run.
func (a *App) Start(ctx context.Context) error {
	if a.Cfg.WorkerEnabled {
		a.Worker.Start(ctx)
	}
	if err := a.Sweeper.Start(a.Cfg.SweepSchedule); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	return nil
}

func (a *App) Shutdown(ctx context.Context) {
	a.Sweeper.Stop()
	if a.Bus != nil {
		if err := a.Bus.Close(); err != nil {
			a.Log.Warn("Event bus close failed", "error", err)
		}
	}
	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			a.Log.Warn("Trace exporter shutdown failed", "error", err)
		}
	}
	a.Log.Sync()
}
