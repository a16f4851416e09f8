package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/chainloom/subgraph-mirror/internal/store"
)

// EntityChangeLogRepo persists per-row touch tracking.
type EntityChangeLogRepo struct {
	db *sql.DB
}

func NewEntityChangeLogRepo(db *sql.DB) *EntityChangeLogRepo {
	return &EntityChangeLogRepo{db: db}
}

func (r *EntityChangeLogRepo) execer(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *EntityChangeLogRepo) BulkAppendTx(ctx context.Context, tx *sql.Tx, rows []*store.EntityChangeLog) error {
	if len(rows) == 0 {
		return nil
	}

	const colsPerRow = 5
	chunk := maxBindParams / colsPerRow
	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		if err := r.appendChunk(ctx, tx, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *EntityChangeLogRepo) appendChunk(ctx context.Context, tx *sql.Tx, rows []*store.EntityChangeLog) error {
	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO "EntityChangeLog" ("id", "blockNumber", "blockHash", "entityName", "entityId")
		VALUES `)

	args := make([]any, 0, len(rows)*5)
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		sb.WriteString(placeholders(i*5, 5))
		sb.WriteString(")")
		args = append(args, row.ID, row.BlockNumber, row.BlockHash, row.EntityName, row.EntityID)
	}
	sb.WriteString(` ON CONFLICT ("id") DO NOTHING`)

	if _, err := r.execer(tx).ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("bulk append entity change log (%d rows): %w", len(rows), err)
	}
	return nil
}

func (r *EntityChangeLogRepo) TouchedSince(ctx context.Context, entityNames []string, fromBlock int64) (map[string][]string, error) {
	if len(entityNames) == 0 {
		return map[string][]string{}, nil
	}
	const query = `
		SELECT DISTINCT "entityName", "entityId"
		FROM "EntityChangeLog"
		WHERE "blockNumber" >= $1 AND "entityName" = ANY($2)
	`
	qctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(qctx, query, fromBlock, pq.Array(entityNames))
	if err != nil {
		return nil, fmt.Errorf("query touched ids since %d: %w", fromBlock, err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var name, id string
		if err := rows.Scan(&name, &id); err != nil {
			return nil, fmt.Errorf("scan touched id: %w", err)
		}
		out[name] = append(out[name], id)
	}
	return out, rows.Err()
}

func (r *EntityChangeLogRepo) DeleteFromTx(ctx context.Context, tx *sql.Tx, blockNumber int64) error {
	_, err := r.execer(tx).ExecContext(ctx, `DELETE FROM "EntityChangeLog" WHERE "blockNumber" >= $1`, blockNumber)
	if err != nil {
		return fmt.Errorf("delete entity change log from %d: %w", blockNumber, err)
	}
	return nil
}

func (r *EntityChangeLogRepo) PruneBefore(ctx context.Context, blockNumber int64) (int64, error) {
	qctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(qctx, `DELETE FROM "EntityChangeLog" WHERE "blockNumber" < $1`, blockNumber)
	if err != nil {
		return 0, fmt.Errorf("prune entity change log before %d: %w", blockNumber, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}

func (r *EntityChangeLogRepo) TruncateTx(ctx context.Context, tx *sql.Tx) error {
	if _, err := r.execer(tx).ExecContext(ctx, `TRUNCATE TABLE "EntityChangeLog"`); err != nil {
		return fmt.Errorf("truncate entity change log: %w", err)
	}
	return nil
}
