package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/estatehub/estatehub/internal/platform/httpx"
)

const (
	defaultPageSize = 20
	maxPageSize     = 50
	// maxExportRows caps a single CSV export.
	maxExportRows = 50000
)

// Repository reads and archives audit rows.
type Repository interface {
	Window(ctx context.Context, f Filters, offset, limit int) ([]Entry, error)
	// Archive moves rows older than cutoff to the archive table and deletes
	// them, writing marker inside the same transaction.
	Archive(ctx context.Context, cutoff time.Time, marker Entry) (int64, error)
}

// ArchiveAuthorizer decides whether an actor may run retention archival.
type ArchiveAuthorizer interface {
	CanArchive(ctx context.Context, actorID, actorType string) (bool, error)
}

// ErrArchiveForbidden is returned when the requesting actor may not archive.
var ErrArchiveForbidden = fmt.Errorf("audit: archive not permitted: %w", httpx.ErrForbidden)

// ErrInvalidRetention rejects archive cutoffs that would touch recent rows.
var ErrInvalidRetention = fmt.Errorf("audit: retention must be at least one day: %w", httpx.ErrValidation)

// Service coordinates audit queries and maintenance.
type Service struct {
	repo   Repository
	authz  ArchiveAuthorizer
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an audit service.
func NewService(repo Repository, authz ArchiveAuthorizer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, authz: authz, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithNow overrides the clock.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Query returns one page of entries, newest first.
func (s *Service) Query(ctx context.Context, filters Filters) (Result, error) {
	if s.repo == nil {
		return Result{}, errors.New("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	rows, err := s.repo.Window(ctx, filters, (page-1)*pageSize, pageSize+1)
	if err != nil {
		return Result{}, fmt.Errorf("audit: query: %w", err)
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Entries: rows, Paging: paging}, nil
}

// Export returns every matching entry up to the export cap.
func (s *Service) Export(ctx context.Context, filters Filters) ([]Entry, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	rows, err := s.repo.Window(ctx, filters, 0, maxExportRows)
	if err != nil {
		return nil, fmt.Errorf("audit: export: %w", err)
	}
	return rows, nil
}

// Archive moves entries older than olderThan out of the live table. It is
// the only path that removes audit rows and runs only for an authorized actor.
func (s *Service) Archive(ctx context.Context, actorID, actorType string, olderThan time.Duration) (int64, error) {
	if olderThan < 24*time.Hour {
		return 0, ErrInvalidRetention
	}
	if s.authz == nil {
		return 0, ErrArchiveForbidden
	}
	ok, err := s.authz.CanArchive(ctx, actorID, actorType)
	if err != nil {
		return 0, fmt.Errorf("audit: authorize archive: %w", err)
	}
	if !ok {
		return 0, ErrArchiveForbidden
	}
	now := s.now()
	cutoff := now.Add(-olderThan)
	marker := Entry{
		ActorID:    actorID,
		ActorType:  actorType,
		Action:     ActionAuditArchived,
		Resource:   "audit_logs",
		ResourceID: cutoff.Format(time.RFC3339),
		Details:    map[string]any{"older_than_hours": int64(olderThan / time.Hour)},
		At:         now,
	}
	moved, err := s.repo.Archive(ctx, cutoff, marker)
	if err != nil {
		return 0, fmt.Errorf("audit: archive: %w", err)
	}
	s.logger.Info("audit entries archived",
		slog.Int64("moved", moved),
		slog.Time("cutoff", cutoff),
		slog.String("actor_id", actorID),
	)
	return moved, nil
}
