package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/xela07ax/spaceai-lanes/internal/domain"
)

// PolicyRepo reads lane profile overrides kept by operators in lane_policies:
//
//	CREATE TABLE lane_policies (
//	    lane                  TEXT PRIMARY KEY,
//	    max_risk_level        DOUBLE PRECISION NOT NULL,
//	    allowed_kinds         TEXT[] NOT NULL,
//	    max_replay_rate       INTEGER NOT NULL,
//	    replay_budget         INTEGER NOT NULL,
//	    budget_window_minutes INTEGER NOT NULL
//	);
//
// The table is read once at startup; the guards do not watch it.
type PolicyRepo struct {
	db    *sql.DB
	types *pgtype.Map
}

func NewPolicyRepo(db *sql.DB) *PolicyRepo {
	return &PolicyRepo{db: db, types: pgtype.NewMap()}
}

// LanePolicies returns one policy per known lane row. Rows for unknown lanes are skipped.
func (r *PolicyRepo) LanePolicies(ctx context.Context) (map[domain.Lane]domain.LanePolicy, error) {
	const query = `
		SELECT lane, max_risk_level, allowed_kinds, max_replay_rate, replay_budget, budget_window_minutes
		FROM lane_policies`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: load lane policies: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.Lane]domain.LanePolicy)
	for rows.Next() {
		var row policyRow
		if err := rows.Scan(
			&row.lane,
			&row.maxRisk,
			r.types.SQLScanner(&row.kinds),
			&row.rate,
			&row.budget,
			&row.windowMinutes,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan lane policy: %w", err)
		}
		if lane, pol, ok := row.toDomain(); ok {
			out[lane] = pol
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate lane policies: %w", err)
	}
	return out, nil
}

type policyRow struct {
	lane          string
	maxRisk       float64
	kinds         []string
	rate          int
	budget        int
	windowMinutes int
}

func (p policyRow) toDomain() (domain.Lane, domain.LanePolicy, bool) {
	lane := domain.ParseLane(p.lane)
	if string(lane) != p.lane {
		// ParseLane falls back to experimental; an override must name its lane exactly.
		return "", domain.LanePolicy{}, false
	}
	return lane, domain.NewLanePolicy(p.maxRisk, p.kinds, p.rate, p.budget, p.windowMinutes), true
}
