package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-lanes/internal/audit"
)

const auditColumns = 6

// AuditRepo writes audit batches into lane_audit:
//
//	CREATE TABLE lane_audit (
//	    id        TEXT PRIMARY KEY,
//	    kind      TEXT NOT NULL,
//	    lane      TEXT NOT NULL,
//	    result    TEXT NOT NULL,
//	    fields    JSONB NOT NULL,
//	    ts        TIMESTAMPTZ NOT NULL
//	);
type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

func (r *AuditRepo) WriteBatch(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}
	query, args, err := buildAuditInsert(records)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: insert %d audit records: %w", len(records), err)
	}
	return nil
}

// buildAuditInsert renders one multi-row INSERT. Replayed batches are idempotent on id.
func buildAuditInsert(records []audit.Record) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO lane_audit (id, kind, lane, result, fields, ts) VALUES ")

	args := make([]any, 0, len(records)*auditColumns)
	for i, rec := range records {
		fields, err := json.Marshal(rec.Fields)
		if err != nil {
			return "", nil, fmt.Errorf("postgres: encode fields of %s: %w", rec.ID, err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		p := i * auditColumns
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", p+1, p+2, p+3, p+4, p+5, p+6)
		args = append(args, rec.ID, rec.Kind, rec.Lane, rec.Result, fields, rec.Timestamp)
	}
	sb.WriteString(" ON CONFLICT (id) DO NOTHING")
	return sb.String(), args, nil
}
