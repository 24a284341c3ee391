package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avelacq/bulkstage/internal/domain"
)

// validationRepository implements the set-based validation steps. Each
// statement classifies a whole (sheet, row-range) partition in one round
// trip; per-row queries against the growing error table would degrade to
// O(n*m) and are deliberately absent here.
type validationRepository struct {
	pool *pgxpool.Pool
}

// NewValidationRepository wires the validation steps backed by pgxpool.
func NewValidationRepository(pool *pgxpool.Pool) ValidationRepository {
	return &validationRepository{pool: pool}
}

// Pattern checks used when a field declares a type but no explicit format.
const (
	integerPattern = `^[+-]?[0-9]+$`
	floatPattern   = `^[+-]?([0-9]+([.][0-9]*)?|[.][0-9]+)([eE][+-]?[0-9]+)?$`
	datePattern    = `^[0-9]{4}[-/][0-9]{1,2}[-/][0-9]{1,2}([ T].*)?$`
)

// valueExpr extracts one field from the staged JSONB map, folding blank to NULL.
func valueExpr(table, field string) string {
	return fmt.Sprintf("NULLIF(btrim(%s.fields->>%s), '')", table, quoteLiteral(field))
}

// InsertFieldErrors runs the required / format / enum checks for every
// field as one bulk insert: a UNION ALL of failure predicates over the
// partition. The error-key conflict clause absorbs re-runs.
func (r *validationRepository) InsertFieldErrors(ctx context.Context, jobID uuid.UUID, sheet string, lo, hi int, fields []domain.FieldDescriptor) (int, error) {
	var branches []string
	args := []any{jobID, sheet, lo, hi}

	base := `FROM staging_rows r
		WHERE r.job_id = $1 AND r.sheet = $2
		  AND r.row_number BETWEEN $3 AND $4
		  AND NOT r.parse_error`

	selectList := func(errorType domain.ErrorType, field, message string) string {
		return fmt.Sprintf(
			`SELECT r.job_id AS job_id, r.sheet AS sheet, r.row_number AS row_number,
			        %s AS error_type, %s AS field, COALESCE(r.fields->>%s, '') AS value,
			        %s AS message, r.fields AS snapshot `,
			quoteLiteral(string(errorType)), quoteLiteral(field), quoteLiteral(field), quoteLiteral(message),
		)
	}

	for _, f := range fields {
		value := valueExpr("r", f.Name)
		if f.Required {
			branches = append(branches,
				selectList(domain.ErrorTypeRequiredMissing, f.Name, fmt.Sprintf("required field %s is empty", f.Name))+
					base+fmt.Sprintf(" AND %s IS NULL", value))
		}

		pattern := f.Format
		if pattern == "" {
			switch f.Type {
			case domain.FieldTypeInteger:
				pattern = integerPattern
			case domain.FieldTypeFloat:
				pattern = floatPattern
			case domain.FieldTypeTimestamp:
				pattern = datePattern
			}
		}
		if pattern != "" {
			args = append(args, pattern)
			branches = append(branches,
				selectList(domain.ErrorTypeBadFormat, f.Name, fmt.Sprintf("field %s does not match expected format", f.Name))+
					base+fmt.Sprintf(" AND %s IS NOT NULL AND NOT %s ~ $%d", value, value, len(args)))
		}
		if f.Type == domain.FieldTypeBoolean && f.Format == "" {
			branches = append(branches,
				selectList(domain.ErrorTypeBadFormat, f.Name, fmt.Sprintf("field %s is not a boolean", f.Name))+
					base+fmt.Sprintf(" AND %s IS NOT NULL AND lower(%s) NOT IN ('true','false','1','0','yes','no','y','n')", value, value))
		}

		if len(f.Enum) > 0 {
			args = append(args, f.Enum)
			branches = append(branches,
				selectList(domain.ErrorTypeInvalidEnum, f.Name, fmt.Sprintf("field %s has a value outside the allowed set", f.Name))+
					base+fmt.Sprintf(" AND %s IS NOT NULL AND %s <> ALL($%d::text[])", value, value, len(args)))
		}
	}

	if len(branches) == 0 {
		return 0, nil
	}

	// DISTINCT ON collapses multiple failing fields of one row to a single
	// error per type; without it the conflict clause would see the same key
	// twice within one statement and abort.
	query := `INSERT INTO staging_errors (job_id, sheet, row_number, error_type, field, value, message, snapshot)
		 SELECT DISTINCT ON (job_id, sheet, row_number, error_type)
		        job_id, sheet, row_number, error_type, field, value, message, snapshot
		 FROM (` + strings.Join(branches, " UNION ALL ") + `) violations
		 ORDER BY job_id, sheet, row_number, error_type, field
		 ON CONFLICT (job_id, sheet, row_number, error_type) DO NOTHING`

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert field errors: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// InsertDuplicateInFileErrors ranks rows by business key in a single window
// pass over the sheet and flags everything after the first occurrence.
// Ranking runs sheet-wide so results do not depend on partition boundaries;
// only rows inside the partition are inserted.
func (r *validationRepository) InsertDuplicateInFileErrors(ctx context.Context, jobID uuid.UUID, sheet string, lo, hi int, businessKey []string) (int, error) {
	if len(businessKey) == 0 {
		return 0, nil
	}
	keyExpr := businessKeyExpr("r", businessKey)
	fieldLabel := strings.Join(businessKey, ",")

	query := fmt.Sprintf(
		`INSERT INTO staging_errors (job_id, sheet, row_number, error_type, field, value, message, snapshot)
		 SELECT ranked.job_id, ranked.sheet, ranked.row_number, 'duplicate_in_file', %s,
		        ranked.keyval, 'business key already appears earlier in the file', ranked.fields
		 FROM (
		   SELECT r.job_id, r.sheet, r.row_number, r.fields,
		          %s AS keyval,
		          row_number() OVER (PARTITION BY %s ORDER BY r.row_number) AS rn
		   FROM staging_rows r
		   WHERE r.job_id = $1 AND r.sheet = $2 AND NOT r.parse_error AND %s <> ''
		 ) ranked
		 WHERE ranked.rn > 1 AND ranked.row_number BETWEEN $3 AND $4
		 ON CONFLICT (job_id, sheet, row_number, error_type) DO NOTHING`,
		quoteLiteral(fieldLabel), keyExpr, keyExpr, keyExpr,
	)

	tag, err := r.pool.Exec(ctx, query, jobID, sheet, lo, hi)
	if err != nil {
		return 0, fmt.Errorf("failed to insert duplicate-in-file errors: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// InsertDuplicateInStoreErrors materializes the distinct staged business
// keys and joins that working set once against the authoritative table,
// instead of probing the table once per staged row.
func (r *validationRepository) InsertDuplicateInStoreErrors(ctx context.Context, jobID uuid.UUID, sheet string, lo, hi int, businessKey []string, rule domain.ReferenceRule) (int, error) {
	if len(businessKey) == 0 || rule.Table == "" {
		return 0, nil
	}
	keyExpr := businessKeyExpr("r", businessKey)
	storeCols := strings.Split(rule.Column, ",")
	storeExprs := make([]string, len(storeCols))
	for i, col := range storeCols {
		storeExprs[i] = "t." + quoteIdent(strings.TrimSpace(col)) + "::text"
	}
	storeExpr := "concat_ws('|', " + strings.Join(storeExprs, ", ") + ")"
	fieldLabel := strings.Join(businessKey, ",")

	query := fmt.Sprintf(
		`WITH candidates AS (
		   SELECT DISTINCT %s AS keyval
		   FROM staging_rows r
		   WHERE r.job_id = $1 AND r.sheet = $2
		     AND r.row_number BETWEEN $3 AND $4
		     AND NOT r.parse_error AND %s <> ''
		 ),
		 existing AS (
		   SELECT c.keyval FROM candidates c
		   WHERE EXISTS (SELECT 1 FROM %s t WHERE %s = c.keyval)
		 )
		 INSERT INTO staging_errors (job_id, sheet, row_number, error_type, field, value, message, snapshot)
		 SELECT r.job_id, r.sheet, r.row_number, 'duplicate_in_store', %s,
		        e.keyval, 'business key already exists in the target table', r.fields
		 FROM staging_rows r
		 JOIN existing e ON %s = e.keyval
		 WHERE r.job_id = $1 AND r.sheet = $2
		   AND r.row_number BETWEEN $3 AND $4
		   AND NOT r.parse_error
		 ON CONFLICT (job_id, sheet, row_number, error_type) DO NOTHING`,
		keyExpr, keyExpr, quoteTable(rule.Table), storeExpr, quoteLiteral(fieldLabel), keyExpr,
	)

	tag, err := r.pool.Exec(ctx, query, jobID, sheet, lo, hi)
	if err != nil {
		return 0, fmt.Errorf("failed to insert duplicate-in-store errors: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// InsertReferenceErrors validates a foreign-key style rule by anti-joining
// the distinct candidate values against the authoritative table.
func (r *validationRepository) InsertReferenceErrors(ctx context.Context, jobID uuid.UUID, sheet string, lo, hi int, rule domain.ReferenceRule) (int, error) {
	value := valueExpr("r", rule.Field)
	query := fmt.Sprintf(
		`WITH candidates AS (
		   SELECT DISTINCT %s AS val
		   FROM staging_rows r
		   WHERE r.job_id = $1 AND r.sheet = $2
		     AND r.row_number BETWEEN $3 AND $4
		     AND NOT r.parse_error
		 ),
		 missing AS (
		   SELECT c.val FROM candidates c
		   WHERE c.val IS NOT NULL
		     AND NOT EXISTS (SELECT 1 FROM %s t WHERE t.%s::text = c.val)
		 )
		 INSERT INTO staging_errors (job_id, sheet, row_number, error_type, field, value, message, snapshot)
		 SELECT r.job_id, r.sheet, r.row_number, 'invalid_reference', %s,
		        m.val, %s, r.fields
		 FROM staging_rows r
		 JOIN missing m ON %s = m.val
		 WHERE r.job_id = $1 AND r.sheet = $2
		   AND r.row_number BETWEEN $3 AND $4
		   AND NOT r.parse_error
		 ON CONFLICT (job_id, sheet, row_number, error_type) DO NOTHING`,
		value, quoteTable(rule.Table), quoteIdent(rule.Column),
		quoteLiteral(rule.Field),
		quoteLiteral(fmt.Sprintf("no matching row in %s.%s", rule.Table, rule.Column)),
		value,
	)

	tag, err := r.pool.Exec(ctx, query, jobID, sheet, lo, hi)
	if err != nil {
		return 0, fmt.Errorf("failed to insert reference errors: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PromoteValidRows moves every unclassified row to staging_valid with a
// left anti-join: rows in the partition that no error references.
func (r *validationRepository) PromoteValidRows(ctx context.Context, jobID uuid.UUID, sheet string, lo, hi int) (int, error) {
	tag, err := r.pool.Exec(
		ctx,
		`INSERT INTO staging_valid (job_id, sheet, row_number)
		 SELECT r.job_id, r.sheet, r.row_number
		 FROM staging_rows r
		 LEFT JOIN staging_errors e
		   ON e.job_id = r.job_id AND e.sheet = r.sheet AND e.row_number = r.row_number
		 WHERE r.job_id = $1 AND r.sheet = $2
		   AND r.row_number BETWEEN $3 AND $4
		   AND NOT r.parse_error
		   AND e.job_id IS NULL
		 ON CONFLICT (job_id, sheet, row_number) DO NOTHING`,
		jobID, sheet, lo, hi,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to promote valid rows: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func businessKeyExpr(table string, businessKey []string) string {
	parts := make([]string, len(businessKey))
	for i, field := range businessKey {
		parts[i] = fmt.Sprintf("COALESCE(btrim(%s.fields->>%s), '')", table, quoteLiteral(field))
	}
	return "concat_ws('|', " + strings.Join(parts, ", ") + ")"
}

// quoteIdent quotes a single identifier from trusted template configuration.
func quoteIdent(ident string) string {
	return pgx.Identifier{ident}.Sanitize()
}

// quoteTable quotes a possibly schema-qualified table name.
func quoteTable(table string) string {
	parts := strings.Split(table, ".")
	return pgx.Identifier(parts).Sanitize()
}

// quoteLiteral renders a trusted string as a SQL literal.
func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
