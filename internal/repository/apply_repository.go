package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avelacq/bulkstage/internal/domain"
)

// applyRepository moves validated staged rows into permanent tables with
// bulk INSERT ... SELECT statements. Both operations are idempotent: the
// lookup load relies on the reference table's key, the detail load on an
// anti-join against the business key.
type applyRepository struct {
	pool *pgxpool.Pool
}

// NewApplyRepository wires the apply operations backed by pgxpool.
func NewApplyRepository(pool *pgxpool.Pool) ApplyRepository {
	return &applyRepository{pool: pool}
}

func (r *applyRepository) InsertLookupValues(ctx context.Context, jobID uuid.UUID, lookup domain.LookupTarget) (int, error) {
	value := valueExpr("r", lookup.SourceField)
	query := fmt.Sprintf(
		`INSERT INTO %s (%s)
		 SELECT DISTINCT %s
		 FROM staging_rows r
		 JOIN staging_valid v
		   ON v.job_id = r.job_id AND v.sheet = r.sheet AND v.row_number = r.row_number
		 WHERE r.job_id = $1 AND %s IS NOT NULL
		 ON CONFLICT (%s) DO NOTHING`,
		quoteTable(lookup.Table), quoteIdent(lookup.Column),
		value, value, quoteIdent(lookup.Column),
	)

	tag, err := r.pool.Exec(ctx, query, jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to load lookup table %s: %w", lookup.Table, err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *applyRepository) InsertDetailRows(ctx context.Context, jobID uuid.UUID, template domain.Template) (int, error) {
	target := template.Target
	if target.Table == "" {
		return 0, fmt.Errorf("template %s has no apply target", template.Name)
	}

	// Deterministic column order keeps the generated SQL stable.
	fields := make([]string, 0, len(target.Columns))
	for field := range target.Columns {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	columns := make([]string, 0, len(fields))
	exprs := make([]string, 0, len(fields))
	for _, field := range fields {
		desc, ok := template.FieldByName(field)
		if !ok {
			return 0, fmt.Errorf("template %s: target maps unknown field %s", template.Name, field)
		}
		columns = append(columns, quoteIdent(target.Columns[field]))
		exprs = append(exprs, castExpr(valueExpr("r", field), desc.Type))
	}

	keyPredicates := make([]string, 0, len(target.KeyColumns))
	for i, keyCol := range target.KeyColumns {
		if i >= len(template.BusinessKey) {
			return 0, fmt.Errorf("template %s: key column %s has no business key field", template.Name, keyCol)
		}
		keyPredicates = append(keyPredicates,
			fmt.Sprintf("t.%s::text = COALESCE(btrim(r.fields->>%s), '')",
				quoteIdent(keyCol), quoteLiteral(template.BusinessKey[i])))
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (%s)
		 SELECT %s
		 FROM staging_rows r
		 JOIN staging_valid v
		   ON v.job_id = r.job_id AND v.sheet = r.sheet AND v.row_number = r.row_number
		 WHERE r.job_id = $1`,
		quoteTable(target.Table),
		strings.Join(columns, ", "),
		strings.Join(exprs, ", "),
	)
	if len(keyPredicates) > 0 {
		// Re-applying the same job must insert zero additional rows.
		query += fmt.Sprintf(
			` AND NOT EXISTS (SELECT 1 FROM %s t WHERE %s)`,
			quoteTable(target.Table), strings.Join(keyPredicates, " AND "),
		)
	}

	tag, err := r.pool.Exec(ctx, query, jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert into %s: %w", target.Table, err)
	}
	return int(tag.RowsAffected()), nil
}

// castExpr converts the raw text value to the column's target type.
func castExpr(value string, fieldType domain.FieldType) string {
	switch fieldType {
	case domain.FieldTypeInteger:
		return value + "::bigint"
	case domain.FieldTypeFloat:
		return value + "::double precision"
	case domain.FieldTypeBoolean:
		return fmt.Sprintf("(lower(%s) IN ('true','1','yes','y'))", value)
	case domain.FieldTypeTimestamp:
		return value + "::timestamptz"
	default:
		return value
	}
}
