package rbac

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGHierarchy resolves ancestors from the property tables owned by the
// listing features.
type PGHierarchy struct {
	pool *pgxpool.Pool
}

// NewPGHierarchy constructs a PGHierarchy.
func NewPGHierarchy(pool *pgxpool.Pool) *PGHierarchy {
	return &PGHierarchy{pool: pool}
}

// Ancestors implements Hierarchy.
func (h *PGHierarchy) Ancestors(ctx context.Context, s Scope) (Scope, error) {
	var out Scope
	propertyID := s.PropertyID
	if propertyID == "" && s.UnitID != "" {
		var prop pgtype.Text
		err := h.pool.QueryRow(ctx, `SELECT property_id FROM units WHERE id = $1`, s.UnitID).Scan(&prop)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return Scope{}, err
		}
		propertyID = prop.String
		out.PropertyID = prop.String
	}
	portfolioID := s.PortfolioID
	if propertyID != "" {
		var portfolio, pmc, landlord pgtype.Text
		err := h.pool.QueryRow(ctx, `SELECT portfolio_id, pmc_id, landlord_id FROM properties WHERE id = $1`, propertyID).
			Scan(&portfolio, &pmc, &landlord)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return Scope{}, err
		}
		out.PortfolioID, out.PMCID, out.LandlordID = portfolio.String, pmc.String, landlord.String
		if portfolioID == "" {
			portfolioID = portfolio.String
		}
	}
	if portfolioID != "" && (out.PMCID == "" || out.LandlordID == "") {
		var pmc, landlord pgtype.Text
		err := h.pool.QueryRow(ctx, `SELECT pmc_id, landlord_id FROM portfolios WHERE id = $1`, portfolioID).
			Scan(&pmc, &landlord)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return Scope{}, err
		}
		if out.PMCID == "" {
			out.PMCID = pmc.String
		}
		if out.LandlordID == "" {
			out.LandlordID = landlord.String
		}
	}
	return out, nil
}

var _ Hierarchy = (*PGHierarchy)(nil)
