package rbac

import (
	"context"
	"fmt"
	"strings"
)

// Level is a tier of the organization → portfolio → property → unit tree.
type Level string

const (
	LevelPMC       Level = "pmc"
	LevelLandlord  Level = "landlord"
	LevelPortfolio Level = "portfolio"
	LevelProperty  Level = "property"
	LevelUnit      Level = "unit"
)

func (l Level) depth() int {
	switch l {
	case LevelPMC, LevelLandlord:
		return 0
	case LevelPortfolio:
		return 1
	case LevelProperty:
		return 2
	case LevelUnit:
		return 3
	default:
		return -1
	}
}

// Scope narrows a binding to a subtree. Empty fields are unconstrained.
// Build values with NewScope so the hierarchy invariant holds.
type Scope struct {
	PMCID       string `json:"pmc_id,omitempty"`
	LandlordID  string `json:"landlord_id,omitempty"`
	PortfolioID string `json:"portfolio_id,omitempty"`
	PropertyID  string `json:"property_id,omitempty"`
	UnitID      string `json:"unit_id,omitempty"`
}

// NewScope trims and validates a scope tuple. A unit requires its property.
func NewScope(s Scope) (Scope, error) {
	s = Scope{
		PMCID:       strings.TrimSpace(s.PMCID),
		LandlordID:  strings.TrimSpace(s.LandlordID),
		PortfolioID: strings.TrimSpace(s.PortfolioID),
		PropertyID:  strings.TrimSpace(s.PropertyID),
		UnitID:      strings.TrimSpace(s.UnitID),
	}
	if s.UnitID != "" && s.PropertyID == "" {
		return Scope{}, fmt.Errorf("%w: unit %s without property", ErrInvalidScope, s.UnitID)
	}
	return s, nil
}

// MustScope is NewScope for literals known to be valid.
func MustScope(s Scope) Scope {
	out, err := NewScope(s)
	if err != nil {
		panic(err)
	}
	return out
}

// IsZero reports whether no field is set.
func (s Scope) IsZero() bool {
	return s == Scope{}
}

// Field returns the id stored at a level.
func (s Scope) Field(l Level) string {
	switch l {
	case LevelPMC:
		return s.PMCID
	case LevelLandlord:
		return s.LandlordID
	case LevelPortfolio:
		return s.PortfolioID
	case LevelProperty:
		return s.PropertyID
	case LevelUnit:
		return s.UnitID
	}
	return ""
}

func (s *Scope) set(l Level, id string) {
	switch l {
	case LevelPMC:
		s.PMCID = id
	case LevelLandlord:
		s.LandlordID = id
	case LevelPortfolio:
		s.PortfolioID = id
	case LevelProperty:
		s.PropertyID = id
	case LevelUnit:
		s.UnitID = id
	}
}

var levels = []Level{LevelPMC, LevelLandlord, LevelPortfolio, LevelProperty, LevelUnit}

// Deepest returns the most specific level set on the scope.
func (s Scope) Deepest() (Level, bool) {
	best, found := Level(""), false
	for _, l := range levels {
		if s.Field(l) == "" {
			continue
		}
		if !found || l.depth() > best.depth() {
			best, found = l, true
		}
	}
	return best, found
}

// Contains reports whether every field set on s equals the same field on
// target. Callers expand target with its ancestors first so that a binding on
// an ancestor authorizes every descendant.
func (s Scope) Contains(target Scope) bool {
	for _, l := range levels {
		want := s.Field(l)
		if want == "" {
			continue
		}
		if target.Field(l) != want {
			return false
		}
	}
	return true
}

func (s Scope) String() string {
	parts := make([]string, 0, len(levels))
	for _, l := range levels {
		if v := s.Field(l); v != "" {
			parts = append(parts, string(l)+"="+v)
		}
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, ",")
}

// Hierarchy looks up the ancestors of a node in the property tree. The
// returned scope carries only ancestor fields; unknown ids yield a zero scope.
type Hierarchy interface {
	Ancestors(ctx context.Context, s Scope) (Scope, error)
}

// Expand resolves the ancestors of the deepest field of s through h and
// returns the full path. Ancestor fields supplied by the caller must agree
// with the hierarchy or the scope is rejected; fields the hierarchy cannot
// confirm are dropped. A nil Hierarchy returns s unchanged.
func Expand(ctx context.Context, h Hierarchy, s Scope) (Scope, error) {
	if h == nil {
		return s, nil
	}
	leaf, ok := s.Deepest()
	if !ok || leaf.depth() == 0 {
		return s, nil
	}
	var node Scope
	node.set(leaf, s.Field(leaf))
	anc, err := h.Ancestors(ctx, node)
	if err != nil {
		return Scope{}, fmt.Errorf("rbac: resolve ancestors of %s: %w", node, err)
	}
	out := node
	for _, l := range levels {
		if l.depth() >= leaf.depth() {
			continue
		}
		given, actual := s.Field(l), anc.Field(l)
		if given != "" && actual != "" && given != actual {
			return Scope{}, fmt.Errorf("%w: %s %s is not an ancestor of %s %s", ErrInvalidScope, l, given, leaf, node.Field(leaf))
		}
		out.set(l, actual)
	}
	return out, nil
}
