package rbac

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/estatehub/estatehub/internal/platform/httpx"
)

// ResourceKind is a listable record family.
type ResourceKind string

const (
	KindPortfolio          ResourceKind = "portfolio"
	KindProperty           ResourceKind = "property"
	KindUnit               ResourceKind = "unit"
	KindLease              ResourceKind = "lease"
	KindTenant             ResourceKind = "tenant"
	KindMaintenanceRequest ResourceKind = "maintenance_request"
	KindWorkOrder          ResourceKind = "work_order"
	KindOwnerPayout        ResourceKind = "owner_payout"
	KindExpense            ResourceKind = "expense"
)

// kindLevels is the tree level each record of a kind hangs from.
var kindLevels = map[ResourceKind]Level{
	KindPortfolio:          LevelPortfolio,
	KindProperty:           LevelProperty,
	KindUnit:               LevelUnit,
	KindLease:              LevelUnit,
	KindTenant:             LevelUnit,
	KindMaintenanceRequest: LevelUnit,
	KindWorkOrder:          LevelUnit,
	KindOwnerPayout:        LevelProperty,
	KindExpense:            LevelProperty,
}

// ErrUnknownKind rejects isolation requests for unlisted kinds.
var ErrUnknownKind = fmt.Errorf("rbac: unknown resource kind: %w", httpx.ErrValidation)

// ParseKind validates a kind name.
func ParseKind(raw string) (ResourceKind, error) {
	k := ResourceKind(strings.TrimSpace(strings.ToLower(raw)))
	if _, ok := kindLevels[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
	return k, nil
}

// Predicate restricts a listing to records the actor may see. The zero
// value matches nothing.
type Predicate struct {
	Kind         ResourceKind       `json:"kind"`
	Unrestricted bool               `json:"unrestricted,omitempty"`
	SelfOnly     string             `json:"self_only,omitempty"`
	Match        map[Level][]string `json:"match,omitempty"`
}

// Empty reports whether the predicate can match nothing.
func (p Predicate) Empty() bool {
	if p.Unrestricted || p.SelfOnly != "" {
		return false
	}
	for _, ids := range p.Match {
		if len(ids) > 0 {
			return false
		}
	}
	return true
}

// Matches evaluates the predicate against one record's ancestry. ownerID is
// the record's own actor id for self-only kinds.
func (p Predicate) Matches(record Scope, ownerID string) bool {
	if p.SelfOnly != "" {
		return ownerID == p.SelfOnly
	}
	if p.Unrestricted {
		return true
	}
	for level, ids := range p.Match {
		v := record.Field(level)
		if v == "" {
			continue
		}
		for _, id := range ids {
			if id == v {
				return true
			}
		}
	}
	return false
}

// Columns names the collaborator's columns for each level plus the owner column.
type Columns struct {
	ByLevel map[Level]string
	Owner   string
}

// SQL renders the predicate as a pgx fragment with positional args starting
// at argStart. Levels without a column are dropped, never widened.
func (p Predicate) SQL(cols Columns, argStart int) (string, []any) {
	if p.SelfOnly != "" {
		if cols.Owner == "" {
			return "FALSE", nil
		}
		return fmt.Sprintf("%s = $%d", cols.Owner, argStart), []any{p.SelfOnly}
	}
	if p.Unrestricted {
		return "TRUE", nil
	}
	var (
		clauses []string
		args    []any
	)
	for _, level := range levels {
		ids := p.Match[level]
		col := cols.ByLevel[level]
		if len(ids) == 0 || col == "" {
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%s = ANY($%d)", col, argStart+len(args)))
		args = append(args, ids)
	}
	if len(clauses) == 0 {
		return "FALSE", nil
	}
	return "(" + strings.Join(clauses, " OR ") + ")", args
}

// ResolveScopes lists the distinct scopes of the actor's live bindings. A
// zero Scope in the result stands for an unscoped binding.
func (c *Checker) ResolveScopes(ctx context.Context, actor Actor) ([]Scope, error) {
	bindings, err := c.liveBindings(ctx, actor, c.now())
	if err != nil {
		return nil, err
	}
	seen := make(map[Scope]struct{}, len(bindings))
	out := make([]Scope, 0, len(bindings))
	for _, b := range bindings {
		s := Scope{}
		if b.Scope != nil {
			s = *b.Scope
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}

// IsolationPredicate builds the listing filter for kind. Each binding whose
// deepest level sits at or above the kind's level contributes a match on that
// level; bindings below the kind contribute nothing.
// Tenants listing tenants only ever see themselves.
func (c *Checker) IsolationPredicate(ctx context.Context, actor Actor, kind ResourceKind) (Predicate, error) {
	own, ok := kindLevels[kind]
	if !ok {
		return Predicate{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	p := Predicate{Kind: kind}
	if kind == KindTenant && actor.Type == ActorTenant {
		p.SelfOnly = actor.ID
		return p, nil
	}
	scopes, err := c.ResolveScopes(ctx, actor)
	if err != nil {
		return Predicate{}, err
	}
	match := make(map[Level]map[string]struct{})
	for _, s := range scopes {
		if s.IsZero() {
			p.Unrestricted = true
			p.Match = nil
			return p, nil
		}
		level, id := clauseFor(s, own)
		if id == "" {
			continue
		}
		if match[level] == nil {
			match[level] = make(map[string]struct{})
		}
		match[level][id] = struct{}{}
	}
	if len(match) > 0 {
		p.Match = make(map[Level][]string, len(match))
		for level, ids := range match {
			list := make([]string, 0, len(ids))
			for id := range ids {
				list = append(list, id)
			}
			sort.Strings(list)
			p.Match[level] = list
		}
	}
	return p, nil
}

// clauseFor matches a binding at its own deepest level. A binding deeper in
// the tree than the kind contributes nothing.
func clauseFor(s Scope, own Level) (Level, string) {
	deepest, ok := s.Deepest()
	if !ok || deepest.depth() > own.depth() {
		return "", ""
	}
	return deepest, s.Field(deepest)
}
