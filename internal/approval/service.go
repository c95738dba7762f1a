package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/estatehub/estatehub/internal/audit"
	"github.com/estatehub/estatehub/internal/platform/httpx"
	"github.com/estatehub/estatehub/internal/rbac"
	"github.com/estatehub/estatehub/internal/shared"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
	checkParallelism = 8
)

// Service runs the approval state machine.
type Service struct {
	repo     RepositoryPort
	authz    Authorizer
	policy   Policy
	appliers map[Kind]Applier
	metrics  Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs the workflow service.
func NewService(repo RepositoryPort, authz Authorizer, policy Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		authz:    authz,
		policy:   policy,
		appliers: make(map[Kind]Applier),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RegisterApplier installs the mutation run when a request of kind is approved.
func (s *Service) RegisterApplier(kind Kind, a Applier) {
	s.appliers[kind] = a
}

// WithMetrics attaches a transition observer.
func (s *Service) WithMetrics(m Metrics) {
	s.metrics = m
}

// WithNow overrides the clock.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Policy exposes the threshold policy.
func (s *Service) Policy() Policy {
	return s.policy
}

// Create opens a pending request. The initiator needs SUBMIT or CREATE on
// the guarded resource. A repeated idempotency key returns the first request.
func (s *Service) Create(ctx context.Context, initiator rbac.Actor, in CreateInput) (Request, error) {
	req, err := s.prepare(initiator, in)
	if err != nil {
		return Request{}, err
	}
	category, resource := req.Kind.Target()
	allowed, err := s.authz.MayAct(ctx, initiator, resource, rbac.ActionSubmit, category, req.Scope)
	if err != nil {
		return Request{}, err
	}
	if !allowed {
		allowed, err = s.authz.MayAct(ctx, initiator, resource, rbac.ActionCreate, category, req.Scope)
		if err != nil {
			return Request{}, err
		}
	}
	if !allowed {
		return Request{}, fmt.Errorf("%w: %s cannot submit %s", ErrForbidden, initiator, req.Kind)
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		if existing, ok, err := s.byKey(ctx, key); err != nil || ok {
			return existing, err
		}
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if key != "" {
			if err := tx.ClaimKey(ctx, key); err != nil {
				return err
			}
		}
		if err := tx.Insert(ctx, req); err != nil {
			return err
		}
		if key != "" {
			if err := tx.BindKey(ctx, key, req.ID.String()); err != nil {
				return err
			}
		}
		return tx.InsertAudit(ctx, entry(initiator, audit.ActionApprovalCreated, req, map[string]any{
			"target_id": req.TargetID,
			"amount":    req.Amount.String(),
			"expires":   req.ExpiresAt,
		}))
	})
	if errors.Is(err, shared.ErrIdempotencyConflict) {
		existing, ok, lerr := s.byKey(ctx, key)
		if lerr != nil {
			return Request{}, lerr
		}
		if ok {
			return existing, nil
		}
	}
	if err != nil {
		return Request{}, err
	}
	s.observe(req)
	s.logger.Info("approval requested",
		slog.String("id", req.ID.String()),
		slog.String("kind", string(req.Kind)),
		slog.String("initiator", initiator.String()))
	return req, nil
}

// Approve decides a pending request and applies the guarded mutation in the
// same transaction. An overdue request is expired instead.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, approver rbac.Actor, note string) (Request, error) {
	return s.decide(ctx, id, approver, StatusApproved, strings.TrimSpace(note))
}

// Reject decides a pending request negatively. A reason is required.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, approver rbac.Actor, reason string) (Request, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Request{}, fmt.Errorf("%w: rejection reason required", ErrInvalidRequest)
	}
	return s.decide(ctx, id, approver, StatusRejected, reason)
}

// Get returns a request the viewer may read, expiring it first if overdue.
func (s *Service) Get(ctx context.Context, viewer rbac.Actor, id uuid.UUID) (Request, error) {
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if req.Initiator != viewer {
		category, resource := req.Kind.Target()
		ok, err := s.authz.MayAct(ctx, viewer, resource, rbac.ActionRead, category, req.Scope)
		if err != nil {
			return Request{}, err
		}
		if !ok {
			return Request{}, fmt.Errorf("%w: %s cannot read request %s", ErrForbidden, viewer, id)
		}
	}
	if req.Overdue(s.now()) {
		return s.expireLazily(ctx, req)
	}
	return req, nil
}

// ListPending reads pending requests. Overdue ones are expired on the way
// and reported separately; the rest are actionable when the viewer could
// approve them.
func (s *Service) ListPending(ctx context.Context, viewer rbac.Actor, f ListFilter) (PendingResult, error) {
	if f.Kind != "" && !f.Kind.Valid() {
		return PendingResult{}, fmt.Errorf("%w: kind %q", ErrInvalidRequest, f.Kind)
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	pending, err := s.repo.ListPending(ctx, f)
	if err != nil {
		return PendingResult{}, err
	}

	now := s.now()
	visible := make([]bool, len(pending))
	actionable := make([]bool, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(checkParallelism)
	for i := range pending {
		g.Go(func() error {
			req := pending[i]
			if req.Overdue(now) {
				expired, err := s.expireLazily(gctx, req)
				if err != nil {
					return err
				}
				pending[i] = expired
				ok, err := s.canRead(gctx, viewer, expired)
				visible[i] = ok
				return err
			}
			ok, err := s.canDecide(gctx, viewer, req)
			actionable[i] = ok
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return PendingResult{}, err
	}

	out := PendingResult{Actionable: []Request{}, Expired: []Request{}}
	for i, req := range pending {
		switch {
		case req.Status == StatusExpired && visible[i]:
			out.Expired = append(out.Expired, req)
		case req.Status == StatusPending && actionable[i]:
			out.Actionable = append(out.Actionable, req)
		}
	}
	return out, nil
}

func (s *Service) decide(ctx context.Context, id uuid.UUID, approver rbac.Actor, to Status, note string) (Request, error) {
	var (
		out     Request
		expired bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		expired = false
		req, err := tx.Lock(ctx, id)
		if err != nil {
			return err
		}
		if req.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrRequestNotPending, id, req.Status)
		}
		if req.Initiator == approver {
			return ErrSelfApproval
		}
		now := s.now()
		if req.Overdue(now) {
			out, err = s.expireTx(ctx, tx, req, now)
			expired = err == nil
			return err
		}
		if err := s.authorizeDecision(ctx, approver, req); err != nil {
			return err
		}

		req.Status = to
		req.DecidedBy = &approver
		req.DecisionNote = note
		req.DecidedAt = &now
		if to == StatusApproved {
			applier, ok := s.appliers[req.Kind]
			if !ok {
				return fmt.Errorf("%w: %s", ErrNoApplier, req.Kind)
			}
			if err := applier.Apply(ctx, tx.Querier(), req); err != nil {
				return err
			}
		}
		moved, err := tx.Transition(ctx, id, StatusPending, to, &approver, note, now)
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("%w: %s changed concurrently", ErrRequestNotPending, id)
		}
		action := audit.ActionApprovalApproved
		if to == StatusRejected {
			action = audit.ActionApprovalRejected
		}
		out = req
		return tx.InsertAudit(ctx, entry(approver, action, req, map[string]any{
			"target_id": req.TargetID,
			"note":      note,
			"initiator": req.Initiator.String(),
		}))
	})
	if err != nil {
		return Request{}, err
	}
	s.observe(out)
	if expired {
		return out, ErrRequestExpired
	}
	s.logger.Info("approval decided",
		slog.String("id", id.String()),
		slog.String("status", string(out.Status)),
		slog.String("approver", approver.String()))
	return out, nil
}

func (s *Service) authorizeDecision(ctx context.Context, approver rbac.Actor, req Request) error {
	ok, err := s.canDecide(ctx, approver, req)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s cannot decide %s request", ErrForbidden, approver, req.Kind)
	}
	return nil
}

// canDecide requires APPROVE on the guarded pair and, when roles are named,
// a live binding to one of them covering the request scope.
func (s *Service) canDecide(ctx context.Context, actor rbac.Actor, req Request) (bool, error) {
	if actor == req.Initiator {
		return false, nil
	}
	category, resource := req.Kind.Target()
	ok, err := s.authz.MayAct(ctx, actor, resource, rbac.ActionApprove, category, req.Scope)
	if err != nil || !ok {
		return false, err
	}
	return s.authz.HoldsRole(ctx, actor, req.RequiredRoles, req.Scope)
}

func (s *Service) canRead(ctx context.Context, actor rbac.Actor, req Request) (bool, error) {
	if actor == req.Initiator {
		return true, nil
	}
	category, resource := req.Kind.Target()
	return s.authz.MayAct(ctx, actor, resource, rbac.ActionRead, category, req.Scope)
}

// expireLazily moves an overdue request to expired in its own transaction.
// A concurrent decision wins; the stored state is returned either way.
func (s *Service) expireLazily(ctx context.Context, req Request) (Request, error) {
	var out Request
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.Lock(ctx, req.ID)
		if err != nil {
			return err
		}
		now := s.now()
		if !locked.Overdue(now) {
			out = locked
			return nil
		}
		out, err = s.expireTx(ctx, tx, locked, now)
		return err
	})
	if err != nil {
		return Request{}, err
	}
	if out.Status == StatusExpired {
		s.observe(out)
	}
	return out, nil
}

func (s *Service) expireTx(ctx context.Context, tx TxRepository, req Request, now time.Time) (Request, error) {
	moved, err := tx.Transition(ctx, req.ID, StatusPending, StatusExpired, nil, "", now)
	if err != nil {
		return Request{}, err
	}
	if !moved {
		return tx.Lock(ctx, req.ID)
	}
	req.Status = StatusExpired
	req.DecidedAt = &now
	err = tx.InsertAudit(ctx, entry(req.Initiator, audit.ActionApprovalExpired, req, map[string]any{
		"expired_at": req.ExpiresAt,
	}))
	return req, err
}

func (s *Service) byKey(ctx context.Context, key string) (Request, bool, error) {
	ref, err := s.repo.LookupKey(ctx, key)
	if err != nil {
		if errors.Is(err, httpx.ErrNotFound) {
			return Request{}, false, nil
		}
		return Request{}, false, err
	}
	if ref == "" {
		return Request{}, false, nil
	}
	id, err := uuid.Parse(ref)
	if err != nil {
		return Request{}, false, fmt.Errorf("approval: idempotency ref %q: %w", ref, err)
	}
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return Request{}, false, err
	}
	return req, true, nil
}

func (s *Service) prepare(initiator rbac.Actor, in CreateInput) (Request, error) {
	if initiator.IsZero() || !initiator.Type.Valid() {
		return Request{}, fmt.Errorf("%w: initiator required", ErrInvalidRequest)
	}
	if !in.Kind.Valid() {
		return Request{}, fmt.Errorf("%w: kind %q", ErrInvalidRequest, in.Kind)
	}
	target := strings.TrimSpace(in.TargetID)
	if target == "" {
		return Request{}, fmt.Errorf("%w: target id required", ErrInvalidRequest)
	}
	if in.Amount.IsNegative() {
		return Request{}, fmt.Errorf("%w: negative amount", ErrInvalidRequest)
	}
	var scope *rbac.Scope
	if in.Scope != nil && !in.Scope.IsZero() {
		sc, err := rbac.NewScope(*in.Scope)
		if err != nil {
			return Request{}, err
		}
		scope = &sc
	}
	roles, err := s.approverRoles(in.Kind, in.RequiredRoles)
	if err != nil {
		return Request{}, err
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = s.policy.TTL()
	}
	now := s.now()
	return Request{
		ID:            uuid.New(),
		Kind:          in.Kind,
		TargetID:      target,
		Amount:        in.Amount,
		Details:       in.Details,
		Scope:         scope,
		RequiredRoles: roles,
		Status:        StatusPending,
		Initiator:     initiator,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}, nil
}

// approverRoles returns the policy roles for kind, narrowed to requested
// when the initiator names any. Requested roles outside the policy are
// rejected so an initiator can never pick a weaker approver.
func (s *Service) approverRoles(kind Kind, requested []rbac.RoleName) ([]rbac.RoleName, error) {
	allowed := s.policy.RequiredRoles(kind)
	if len(requested) == 0 {
		return allowed, nil
	}
	matrix := rbac.DefaultMatrix()
	out := make([]rbac.RoleName, 0, len(requested))
	for _, r := range requested {
		if !matrix.Has(r) {
			return nil, fmt.Errorf("%w: %s", rbac.ErrUnknownRole, r)
		}
		if !slices.Contains(allowed, r) {
			return nil, fmt.Errorf("%w: %s cannot approve %s requests", ErrInvalidRequest, r, kind)
		}
		if !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Service) observe(req Request) {
	if s.metrics != nil {
		s.metrics.ObserveApproval(string(req.Kind), string(req.Status))
	}
}

func entry(actor rbac.Actor, action string, req Request, details map[string]any) audit.Entry {
	details["kind"] = string(req.Kind)
	return audit.Entry{
		ActorID:    actor.ID,
		ActorType:  string(actor.Type),
		Action:     action,
		Resource:   "approval_requests",
		ResourceID: req.ID.String(),
		Details:    details,
	}
}
