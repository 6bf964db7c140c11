package indexstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ethpandaops/perfstat/pkg/config"
	"github.com/ethpandaops/perfstat/pkg/testrun"
)

// Store persists per-build test summaries. It is an export of rebuild
// results and is never read back into the cache.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	UpsertTestSummaries(
		ctx context.Context, buildID int64, summaries []testrun.Summary,
	) error
	ListTestSummaries(ctx context.Context, buildID int64) ([]TestSummary, error)
	ListTestHistory(ctx context.Context, testName string) ([]TestSummary, error)
	ListIndexedBuildIDs(ctx context.Context) ([]int64, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new index Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "indexstore"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening index database: %w", err)
	}

	s.db = db

	// SQLite allows a single writer; an in-memory database also exists
	// only on the connection that created it.
	if s.cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&TestSummary{},
		&IndexedBuild{},
	); err != nil {
		return fmt.Errorf("running index migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Index database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// UpsertTestSummaries replaces the summaries of a build with the
// given ones in a single transaction.
func (s *store) UpsertTestSummaries(
	ctx context.Context, buildID int64, summaries []testrun.Summary,
) error {
	rows := make([]*TestSummary, 0, len(summaries))
	now := time.Now().UTC()

	for _, summary := range summaries {
		codes, err := json.Marshal(summary.ResponseCodes)
		if err != nil {
			return fmt.Errorf("encoding response codes of %q: %w", summary.FullName, err)
		}

		var elapsed float64
		for _, sample := range summary.Samples {
			elapsed += sample.Elapsed
		}

		rows = append(rows, &TestSummary{
			BuildID:           buildID,
			TestName:          summary.FullName,
			GroupName:         summary.GroupName,
			Outcome:           summary.Outcome.String(),
			Problems:          len(summary.Problems),
			Samples:           len(summary.Samples),
			ElapsedSum:        elapsed,
			ResponseCodesJSON: string(codes),
			IndexedAt:         now,
		})
	}

	const batchSize = 100

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("build_id = ?", buildID).
			Delete(&TestSummary{}).Error; err != nil {
			return fmt.Errorf("deleting test summaries of build: %w", err)
		}

		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, batchSize).Error; err != nil {
				return fmt.Errorf("inserting test summaries: %w", err)
			}
		}

		marker := &IndexedBuild{BuildID: buildID, Tests: len(rows), IndexedAt: now}
		if err := tx.Save(marker).Error; err != nil {
			return fmt.Errorf("marking build indexed: %w", err)
		}

		return nil
	})
}

// ListTestSummaries returns the summaries of a build ordered by test name.
func (s *store) ListTestSummaries(
	ctx context.Context, buildID int64,
) ([]TestSummary, error) {
	var summaries []TestSummary
	if err := s.db.WithContext(ctx).
		Where("build_id = ?", buildID).
		Order("test_name ASC").
		Find(&summaries).Error; err != nil {
		return nil, fmt.Errorf("listing test summaries: %w", err)
	}

	return summaries, nil
}

// ListTestHistory returns the summaries of one test across builds, newest
// build first.
func (s *store) ListTestHistory(
	ctx context.Context, testName string,
) ([]TestSummary, error) {
	var summaries []TestSummary
	if err := s.db.WithContext(ctx).
		Where("test_name = ?", testName).
		Order("build_id DESC").
		Find(&summaries).Error; err != nil {
		return nil, fmt.Errorf("listing test history: %w", err)
	}

	return summaries, nil
}

// ListIndexedBuildIDs returns the builds whose summaries were exported,
// in ascending order.
func (s *store) ListIndexedBuildIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := s.db.WithContext(ctx).
		Model(&IndexedBuild{}).
		Order("build_id ASC").
		Pluck("build_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing indexed build IDs: %w", err)
	}

	return ids, nil
}

// ResponseCodes decodes the response code histogram of a summary.
func (t *TestSummary) ResponseCodes() (map[string]int, error) {
	codes := make(map[string]int)
	if t.ResponseCodesJSON == "" {
		return codes, nil
	}

	if err := json.Unmarshal([]byte(t.ResponseCodesJSON), &codes); err != nil {
		return nil, fmt.Errorf("decoding response codes: %w", err)
	}

	return codes, nil
}
