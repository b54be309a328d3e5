package repos

import (
	"gorm.io/gorm"

	"github.com/casafex/planvista-backend/internal/data/repos/artifacts"
	"github.com/casafex/planvista-backend/internal/data/repos/jobs"
	"github.com/casafex/planvista-backend/internal/data/repos/policy"
	"github.com/casafex/planvista-backend/internal/data/repos/promotions"
	"github.com/casafex/planvista-backend/internal/data/repos/runs"
	"github.com/casafex/planvista-backend/internal/data/repos/verdicts"
	"github.com/casafex/planvista-backend/internal/platform/logger"
)

type PipelineRunRepo = runs.PipelineRunRepo
type JobRunRepo = jobs.JobRunRepo
type ArtifactRepo = artifacts.ArtifactRepo
type PolicyRuleRepo = policy.PolicyRuleRepo
type VerdictRepo = verdicts.VerdictRepo
type PromotionLogRepo = promotions.PromotionLogRepo

// Set bundles every repo so wiring code passes one value around.
type Set struct {
	Runs       PipelineRunRepo
	Jobs       JobRunRepo
	Artifacts  ArtifactRepo
	Rules      PolicyRuleRepo
	Verdicts   VerdictRepo
	Promotions PromotionLogRepo
}

func NewSet(db *gorm.DB, baseLog *logger.Logger) Set {
	return Set{
		Runs:       runs.NewPipelineRunRepo(db, baseLog),
		Jobs:       jobs.NewJobRunRepo(db, baseLog),
		Artifacts:  artifacts.NewArtifactRepo(db, baseLog),
		Rules:      policy.NewPolicyRuleRepo(db, baseLog),
		Verdicts:   verdicts.NewVerdictRepo(db, baseLog),
		Promotions: promotions.NewPromotionLogRepo(db, baseLog),
	}
}
