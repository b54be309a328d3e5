package app

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/casafex/planvista-backend/internal/learning"
	"github.com/casafex/planvista-backend/internal/platform/envutil"
)

type Config struct {
	Port        string `validate:"required"`
	Environment string `validate:"required,oneof=development staging production"`
	Version     string

	// Path to a YAML file overriding the validation thresholds; empty
	// means built-in defaults.
	ThresholdsPath string

	SweepSchedule string        `validate:"required"`
	JudgeBudget   time.Duration `validate:"min=0"`

	EventsEnabled bool
	WorkerEnabled bool
}

func LoadConfig() (Config, error) {
	cfg := Config{
		Port:           envutil.Str("PORT", "8080"),
		Environment:    envutil.Str("APP_ENV", "development"),
		Version:        envutil.Str("APP_VERSION", "dev"),
		ThresholdsPath: envutil.Str("VALIDATION_THRESHOLDS_PATH", ""),
		SweepSchedule:  envutil.Str("RULE_SWEEP_SCHEDULE", learning.DefaultSweepSchedule),
		JudgeBudget:    envutil.Dur("JUDGE_BUDGET", 0),
		EventsEnabled:  envutil.Bool("EVENTS_ENABLED", true),
		WorkerEnabled:  envutil.Bool("WORKER_ENABLED", true),
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
