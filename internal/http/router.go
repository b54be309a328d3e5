package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/casafex/planvista-backend/internal/http/handlers"
	httpMW "github.com/casafex/planvista-backend/internal/http/middleware"
	"github.com/casafex/planvista-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log *logger.Logger

	RunHandler *httpH.RunHandler
	JobHandler *httpH.JobHandler

	HealthHandler *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("planvista-backend"))
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS())

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	v1 := r.Group("/v1")
	{
		if cfg.RunHandler != nil {
			v1.POST("/runs", cfg.RunHandler.CreateRun)
			v1.GET("/runs/:id", cfg.RunHandler.GetRun)
			v1.POST("/runs/:id/transition", cfg.RunHandler.RequestTransition)
			v1.POST("/runs/:id/pause", cfg.RunHandler.PauseRun)
			v1.POST("/runs/:id/resume", cfg.RunHandler.ResumeRun)
		}
		if cfg.JobHandler != nil {
			v1.POST("/runs/:id/jobs", cfg.JobHandler.EnqueueJob)
			v1.GET("/jobs/:id", cfg.JobHandler.GetJob)
			v1.POST("/jobs/:id/verdict", cfg.JobHandler.SubmitVerdict)
			v1.POST("/jobs/:id/override", cfg.JobHandler.RecordOverride)
		}
	}

	return r
}
