package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"smart-report-generator/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	cfg.MaxConns = 25
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.ConnConfig.ConnectTimeout = 5 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const reportColumns = `id, title, status, result_url, retry_count, created_at, completed_at`

// Create inserts a pending report row.
func (s *Postgres) Create(ctx context.Context, title string) (models.Report, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO reports (title, status, retry_count, created_at)
		VALUES ($1, $2, 0, NOW())
		RETURNING `+reportColumns, title, models.StatusPending)

	r, err := scanReport(row)
	if err != nil {
		return models.Report{}, fmt.Errorf("insert report: %w", err)
	}
	return r, nil
}

// Get fetches a report by id.
func (s *Postgres) Get(ctx context.Context, id int64) (models.Report, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, id)
	return scanReport(row)
}

// List returns every report, newest first.
func (s *Postgres) List(ctx context.Context) ([]models.Report, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+reportColumns+` FROM reports ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	reports := make([]models.Report, 0)
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return reports, nil
}

// Delete removes a report row regardless of its status.
func (s *Postgres) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM reports WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Update locks the row with SELECT ... FOR UPDATE, applies fn and writes the
// mutable columns back in the same transaction.
func (s *Postgres) Update(ctx context.Context, id int64, fn Mutator) (models.Report, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Report{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	before, err := scanReport(tx.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return models.Report{}, err
	}

	after := clone(before)
	if err := fn(&after); err != nil {
		return models.Report{}, err
	}
	if err := checkTransition(before, after); err != nil {
		return models.Report{}, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE reports
		SET status = $2, result_url = $3, retry_count = $4, completed_at = $5
		WHERE id = $1
	`, id, string(after.Status), after.ResultURL, after.RetryCount, after.CompletedAt)
	if err != nil {
		return models.Report{}, fmt.Errorf("update report: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Report{}, fmt.Errorf("commit: %w", err)
	}
	return after, nil
}

func scanReport(row pgx.Row) (models.Report, error) {
	var (
		r           models.Report
		status      string
		resultURL   pgtype.Text
		completedAt pgtype.Timestamptz
	)
	if err := row.Scan(&r.ID, &r.Title, &status, &resultURL, &r.RetryCount, &r.CreatedAt, &completedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Report{}, ErrNotFound
		}
		return models.Report{}, fmt.Errorf("scan report: %w", err)
	}
	r.Status = models.Status(status)
	r.ResultURL = textPtr(resultURL)
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return r, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
