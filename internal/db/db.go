package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/casafex/planvista-backend/internal/domain"
	"github.com/casafex/planvista-backend/internal/platform/envutil"
	"github.com/casafex/planvista-backend/internal/platform/logger"
)

type Service struct {
	db  *gorm.DB
	log *logger.Logger
}

// New opens the persistent store. DB_DRIVER=sqlite gives a local file-backed
// store for development; anything else connects to Postgres from the
// POSTGRES_* environment.
func New(log *logger.Logger) (*Service, error) {
	serviceLog := log.With("service", "DBService")

	driver := envutil.Str("DB_DRIVER", "postgres")
	var (
		gdb *gorm.DB
		err error
	)
	cfg := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLogger.Default.LogMode(gormLogger.Silent),
	}

	switch driver {
	case "sqlite":
		path := envutil.Str("SQLITE_PATH", "planvista.db")
		serviceLog.Info("Opening sqlite store", "path", path)
		gdb, err = gorm.Open(sqlite.Open(path), cfg)
	default:
		host := envutil.Str("POSTGRES_HOST", "localhost")
		port := envutil.Str("POSTGRES_PORT", "5432")
		user := envutil.Str("POSTGRES_USER", "postgres")
		password := envutil.Str("POSTGRES_PASSWORD", "")
		name := envutil.Str("POSTGRES_NAME", "planvista")
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)
		serviceLog.Info("Connecting to Postgres", "host", host, "db", name)
		gdb, err = gorm.Open(postgres.Open(dsn), cfg)
		if err == nil {
			if extErr := gdb.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; extErr != nil {
				return nil, fmt.Errorf("enable uuid-ossp extension: %w", extErr)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}

	return &Service{db: gdb, log: serviceLog}, nil
}

func (s *Service) AutoMigrateAll() error {
	s.log.Info("Auto migrating tables...")
	return s.db.AutoMigrate(
		&domain.PipelineRun{},
		&domain.JobRun{},
		&domain.Artifact{},
		&domain.PolicyRule{},
		&domain.ComparisonVerdict{},
		&domain.PromotionLog{},
	)
}

func (s *Service) DB() *gorm.DB { return s.db }
