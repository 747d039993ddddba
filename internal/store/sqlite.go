package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"smart-report-generator/internal/models"
)

// SQLite is a gorm-backed store for local development and tests.
type SQLite struct {
	db *gorm.DB
}

var _ Store = (*SQLite)(nil)

type reportRow struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	Title       string    `gorm:"not null"`
	Status      string    `gorm:"not null;index"`
	ResultURL   *string   `gorm:"column:result_url"`
	RetryCount  int       `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
	CompletedAt *time.Time
}

func (reportRow) TableName() string { return "reports" }

func (r reportRow) toModel() models.Report {
	return models.Report{
		ID:          r.ID,
		Title:       r.Title,
		Status:      models.Status(r.Status),
		ResultURL:   r.ResultURL,
		RetryCount:  r.RetryCount,
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.CompletedAt,
	}
}

func rowFromModel(r models.Report) reportRow {
	return reportRow{
		ID:          r.ID,
		Title:       r.Title,
		Status:      string(r.Status),
		ResultURL:   r.ResultURL,
		RetryCount:  r.RetryCount,
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.CompletedAt,
	}
}

// NewSQLite opens the database file at path (":memory:" for an in-process
// database). SQLite allows a single writer, so the pool holds one connection
// and every transaction is serialized.
func NewSQLite(_ context.Context, path string) (*SQLite, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)

	return &SQLite{db: db}, nil
}

// Migrate creates or updates the reports table.
func (s *SQLite) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&reportRow{}); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLite) Close() {
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func (s *SQLite) Create(ctx context.Context, title string) (models.Report, error) {
	row := reportRow{
		Title:     title,
		Status:    string(models.StatusPending),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.Report{}, fmt.Errorf("insert report: %w", err)
	}
	return row.toModel(), nil
}

func (s *SQLite) Get(ctx context.Context, id int64) (models.Report, error) {
	return findReport(s.db.WithContext(ctx), id)
}

func (s *SQLite) List(ctx context.Context) ([]models.Report, error) {
	var rows []reportRow
	if err := s.db.WithContext(ctx).Order("id DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	reports := make([]models.Report, 0, len(rows))
	for _, r := range rows {
		reports = append(reports, r.toModel())
	}
	return reports, nil
}

func (s *SQLite) Delete(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Delete(&reportRow{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete report: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Update(ctx context.Context, id int64, fn Mutator) (models.Report, error) {
	var result models.Report
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before, err := findReport(tx, id)
		if err != nil {
			return err
		}

		after := clone(before)
		if err := fn(&after); err != nil {
			return err
		}
		if err := checkTransition(before, after); err != nil {
			return err
		}

		row := rowFromModel(after)
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("update report: %w", err)
		}
		result = after
		return nil
	})
	if err != nil {
		return models.Report{}, err
	}
	return result, nil
}

func findReport(db *gorm.DB, id int64) (models.Report, error) {
	var row reportRow
	if err := db.First(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Report{}, ErrNotFound
		}
		return models.Report{}, fmt.Errorf("get report: %w", err)
	}
	return row.toModel(), nil
}
