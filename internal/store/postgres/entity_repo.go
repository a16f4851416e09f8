package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/chainloom/subgraph-mirror/internal/schema"
	"github.com/chainloom/subgraph-mirror/internal/subgraph"
)

const (
	// Stay well under the postgres wire limit of 65535 bind parameters.
	maxBindParams = 60000
	// IN-clause batch size for child id lookups and deletes.
	idChunkSize = 1000
)

// EntityRepo persists mirrored entity rows. Statements are generated from
// the entity schema; the table name is the entity name.
type EntityRepo struct {
	db *sql.DB
}

func NewEntityRepo(db *sql.DB) *EntityRepo {
	return &EntityRepo{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *EntityRepo) execer(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.db
}

// UpsertTx inserts-or-merges rows by primary key. Rows are chunked so one
// statement never exceeds the bind parameter limit.
func (r *EntityRepo) UpsertTx(ctx context.Context, tx *sql.Tx, es schema.EntitySchema, rows []subgraph.Row) error {
	if len(rows) == 0 {
		return nil
	}

	chunk := maxBindParams / len(es.Columns)
	if chunk < 1 {
		chunk = 1
	}
	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		if err := r.upsertChunk(ctx, tx, es, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *EntityRepo) upsertChunk(ctx context.Context, tx *sql.Tx, es schema.EntitySchema, rows []subgraph.Row) error {
	cols := es.Columns
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(quoteIdent(es.Name))
	sb.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteIdent(c.Name))
	}
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(cols))
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		sb.WriteString(placeholders(i*len(cols), len(cols)))
		sb.WriteString(")")
		for _, c := range cols {
			v, err := columnValue(c, row[c.Name])
			if err != nil {
				return fmt.Errorf("entity %s row %q column %q: %w", es.Name, row.ID(), c.Name, err)
			}
			args = append(args, v)
		}
	}

	sb.WriteString(" ON CONFLICT (")
	for i, pk := range es.PrimaryKey {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteIdent(pk))
	}
	sb.WriteString(") DO UPDATE SET ")

	pk := make(map[string]bool, len(es.PrimaryKey))
	for _, k := range es.PrimaryKey {
		pk[k] = true
	}
	first := true
	for _, c := range cols {
		if pk[c.Name] {
			continue
		}
		if !first {
			sb.WriteString(", ")
		}
		first = false
		sb.WriteString(quoteIdent(c.Name))
		sb.WriteString(" = EXCLUDED.")
		sb.WriteString(quoteIdent(c.Name))
	}
	if first {
		// Every column is part of the key; nothing to merge.
		sb.Reset()
		return r.upsertKeyOnly(ctx, tx, es, rows)
	}

	if _, err := r.execer(tx).ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upsert %s (%d rows): %w", es.Name, len(rows), err)
	}
	return nil
}

func (r *EntityRepo) upsertKeyOnly(ctx context.Context, tx *sql.Tx, es schema.EntitySchema, rows []subgraph.Row) error {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(quoteIdent(es.Name))
	sb.WriteString(" (")
	for i, c := range es.Columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteIdent(c.Name))
	}
	sb.WriteString(") VALUES ")
	args := make([]any, 0, len(rows)*len(es.Columns))
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		sb.WriteString(placeholders(i*len(es.Columns), len(es.Columns)))
		sb.WriteString(")")
		for _, c := range es.Columns {
			v, err := columnValue(c, row[c.Name])
			if err != nil {
				return fmt.Errorf("entity %s column %q: %w", es.Name, c.Name, err)
			}
			args = append(args, v)
		}
	}
	sb.WriteString(" ON CONFLICT DO NOTHING")
	if _, err := r.execer(tx).ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upsert %s: %w", es.Name, err)
	}
	return nil
}

// DeleteByIDsTx deletes rows by primary key set, chunked.
func (r *EntityRepo) DeleteByIDsTx(ctx context.Context, tx *sql.Tx, es schema.EntitySchema, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ANY($1)",
		quoteIdent(es.Name), quoteIdent(es.IDColumn()))
	for start := 0; start < len(ids); start += idChunkSize {
		end := start + idChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		if _, err := r.execer(tx).ExecContext(ctx, query, pq.Array(ids[start:end])); err != nil {
			return fmt.Errorf("delete %s by ids: %w", es.Name, err)
		}
	}
	return nil
}

func (r *EntityRepo) TruncateTx(ctx context.Context, tx *sql.Tx, entityName string) error {
	if _, err := r.execer(tx).ExecContext(ctx, "TRUNCATE TABLE "+quoteIdent(entityName)); err != nil {
		return fmt.Errorf("truncate %s: %w", entityName, err)
	}
	return nil
}

// ChildIDs returns ids of child rows referencing any of parentIDs through
// fkColumn. Parent ids are batched into IN-clause chunks.
func (r *EntityRepo) ChildIDs(ctx context.Context, child schema.EntitySchema, fkColumn string, parentIDs []string) ([]string, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s = ANY($1)",
		quoteIdent(child.IDColumn()), quoteIdent(child.Name), quoteIdent(fkColumn))

	var out []string
	for start := 0; start < len(parentIDs); start += idChunkSize {
		end := start + idChunkSize
		if end > len(parentIDs) {
			end = len(parentIDs)
		}
		qctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
		rows, err := r.db.QueryContext(qctx, query, pq.Array(parentIDs[start:end]))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("child ids %s.%s: %w", child.Name, fkColumn, err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				cancel()
				return nil, fmt.Errorf("scan child id: %w", err)
			}
			out = append(out, id)
		}
		err = rows.Err()
		rows.Close()
		cancel()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// columnValue converts a decoded JSON value to its database representation
// for the column type.
func columnValue(col schema.Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t := col.Type.(type) {
	case schema.Reference:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("reference value %T, want id string", v)
		}
		return s, nil
	case schema.ArrayOf:
		elems, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("array value %T", v)
		}
		out := make([]string, len(elems))
		for i, e := range elems {
			out[i] = scalarString(e)
		}
		return pq.Array(out), nil
	case schema.Scalar:
		switch t.Kind {
		case schema.KindBoolean:
			if b, ok := v.(bool); ok {
				return b, nil
			}
			return nil, fmt.Errorf("boolean value %T", v)
		case schema.KindInt:
			switch n := v.(type) {
			case float64:
				return int64(n), nil
			case string:
				i, err := strconv.ParseInt(n, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("int value %q", n)
				}
				return i, nil
			default:
				return nil, fmt.Errorf("int value %T", v)
			}
		default:
			// BigInt and BigDecimal arrive as decimal strings and are passed
			// through; postgres casts text to NUMERIC.
			return scalarString(v), nil
		}
	default:
		return nil, fmt.Errorf("unhandled column type %T", col.Type)
	}
}

func scalarString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		if s == float64(int64(s)) {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprint(v)
	}
}
