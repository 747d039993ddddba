package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"smart-report-generator/internal/models"
)

var (
	// ErrNotFound is returned when no report exists for the requested id.
	ErrNotFound = errors.New("report not found")
	// ErrInvalidTransition is returned when an update would break an
	// immutable or monotonic report field.
	ErrInvalidTransition = errors.New("invalid report transition")
)

// Mutator applies a field-level change to a freshly read report. Returning an
// error aborts the update and the error is handed back to the caller as is.
type Mutator func(r *models.Report) error

// Store persists reports.
type Store interface {
	Create(ctx context.Context, title string) (models.Report, error)
	Get(ctx context.Context, id int64) (models.Report, error)
	// List returns all reports, newest id first.
	List(ctx context.Context) ([]models.Report, error)
	Delete(ctx context.Context, id int64) error
	// Update reads the row for id inside a transaction, applies fn to the
	// fresh copy and writes it back. The read-modify-write is atomic with
	// respect to other updates of the same id.
	Update(ctx context.Context, id int64, fn Mutator) (models.Report, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

// Open picks a backend from the connection string: postgres:// and
// postgresql:// use pgx, sqlite:// uses the embedded SQLite driver.
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgres(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite:"):
		return NewSQLite(ctx, sqlitePath(dsn))
	default:
		return nil, fmt.Errorf("unsupported database url scheme: %q", dsn)
	}
}

// sqlitePath converts SQLAlchemy style urls into a driver path:
// sqlite:///./dev.db is relative, sqlite:////var/db/reports.db is absolute.
func sqlitePath(dsn string) string {
	p := strings.TrimPrefix(dsn, "sqlite:")
	p = strings.TrimPrefix(p, "//")
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return ":memory:"
	}
	return p
}

// checkTransition rejects updates that touch immutable fields, move
// retry_count backwards, or rewrite a completion.
func checkTransition(before, after models.Report) error {
	switch {
	case after.ID != before.ID, after.Title != before.Title, !after.CreatedAt.Equal(before.CreatedAt):
		return fmt.Errorf("%w: immutable field changed", ErrInvalidTransition)
	case !after.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, after.Status)
	case after.RetryCount < before.RetryCount:
		return fmt.Errorf("%w: retry_count decreased from %d to %d", ErrInvalidTransition, before.RetryCount, after.RetryCount)
	case before.CompletedAt != nil && (after.CompletedAt == nil || !after.CompletedAt.Equal(*before.CompletedAt)):
		return fmt.Errorf("%w: completed_at already set", ErrInvalidTransition)
	case before.ResultURL != nil && (after.ResultURL == nil || *after.ResultURL != *before.ResultURL):
		return fmt.Errorf("%w: result_url already set", ErrInvalidTransition)
	case after.Status == models.StatusCompleted && (after.ResultURL == nil || after.CompletedAt == nil):
		return fmt.Errorf("%w: completed report needs result_url and completed_at", ErrInvalidTransition)
	}
	return nil
}

// clone copies r so a mutator cannot write through shared pointers.
func clone(r models.Report) models.Report {
	out := r
	if r.ResultURL != nil {
		v := *r.ResultURL
		out.ResultURL = &v
	}
	if r.CompletedAt != nil {
		v := *r.CompletedAt
		out.CompletedAt = &v
	}
	return out
}
