package auth

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/estatehub/estatehub/internal/audit"
	"github.com/estatehub/estatehub/internal/shared"
)

// AuditPort records login and logout entries.
type AuditPort interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Service wraps authentication business rules.
type Service struct {
	repo   Repository
	audit  AuditPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs a new Service. audit may be nil.
func NewService(repo Repository, auditor AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: auditor, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Authenticate validates email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive || !user.ActorType.Valid() {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// RegisterSession persists the session metadata and audits the login.
func (s *Service) RegisterSession(ctx context.Context, user *User, sessionID string, ttl time.Duration, ip, ua string) error {
	now := s.now()
	rec := SessionRecord{ID: sessionID, Actor: user.Actor(), CreatedAt: now, ExpiresAt: now.Add(ttl), IP: ip, UserAgent: ua}
	if err := s.repo.CreateSession(ctx, rec); err != nil {
		return err
	}
	s.record(ctx, audit.ActionAuthLogin, rec)
	return nil
}

// RemoveSession deletes a session record and audits the logout.
func (s *Service) RemoveSession(ctx context.Context, rec SessionRecord) error {
	if err := s.repo.DeleteSession(ctx, rec.ID); err != nil {
		return err
	}
	if !rec.Actor.IsZero() {
		s.record(ctx, audit.ActionAuthLogout, rec)
	}
	return nil
}

func (s *Service) record(ctx context.Context, action string, rec SessionRecord) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, audit.Entry{
		ActorID:    rec.Actor.ID,
		ActorType:  string(rec.Actor.Type),
		Action:     action,
		Resource:   "auth_sessions",
		ResourceID: rec.ID,
		Details:    map[string]any{"ip": rec.IP},
		At:         s.now(),
	})
	if err != nil {
		s.logger.Warn("audit "+action, slog.Any("error", err))
	}
}
