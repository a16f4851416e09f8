package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/chainloom/subgraph-mirror/internal/store"
)

// BlockChangeLogRepo persists per-block fingerprints.
type BlockChangeLogRepo struct {
	db *sql.DB
}

func NewBlockChangeLogRepo(db *sql.DB) *BlockChangeLogRepo {
	return &BlockChangeLogRepo{db: db}
}

func (r *BlockChangeLogRepo) execer(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *BlockChangeLogRepo) AppendTx(ctx context.Context, tx *sql.Tx, row *store.BlockChangeLog) error {
	const query = `
		INSERT INTO "BlockChangeLog" ("id", "blockNumber", "blockTimestamp", "updatedEntities")
		VALUES ($1, $2, $3, $4)
		ON CONFLICT ("id")
		DO UPDATE SET "blockNumber" = EXCLUDED."blockNumber",
		              "blockTimestamp" = EXCLUDED."blockTimestamp",
		              "updatedEntities" = EXCLUDED."updatedEntities"
	`
	_, err := r.execer(tx).ExecContext(ctx, query,
		row.ID, row.BlockNumber, row.BlockTimestamp, pq.Array(row.UpdatedEntities))
	if err != nil {
		return fmt.Errorf("append block change log %d: %w", row.BlockNumber, err)
	}
	return nil
}

func (r *BlockChangeLogRepo) Latest(ctx context.Context) (*store.BlockChangeLog, error) {
	const query = `
		SELECT "id", "blockNumber", "blockTimestamp", "updatedEntities"
		FROM "BlockChangeLog"
		ORDER BY "blockNumber" DESC
		LIMIT 1
	`
	return r.queryOne(ctx, query)
}

func (r *BlockChangeLogRepo) GetByNumber(ctx context.Context, blockNumber int64) (*store.BlockChangeLog, error) {
	const query = `
		SELECT "id", "blockNumber", "blockTimestamp", "updatedEntities"
		FROM "BlockChangeLog"
		WHERE "blockNumber" = $1
	`
	return r.queryOne(ctx, query, blockNumber)
}

func (r *BlockChangeLogRepo) queryOne(ctx context.Context, query string, args ...any) (*store.BlockChangeLog, error) {
	qctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var row store.BlockChangeLog
	err := r.db.QueryRowContext(qctx, query, args...).Scan(
		&row.ID, &row.BlockNumber, &row.BlockTimestamp, pq.Array(&row.UpdatedEntities))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query block change log: %w", err)
	}
	return &row, nil
}

func (r *BlockChangeLogRepo) Recent(ctx context.Context, limit int) ([]store.BlockChangeLog, error) {
	const query = `
		SELECT "id", "blockNumber", "blockTimestamp", "updatedEntities"
		FROM "BlockChangeLog"
		ORDER BY "blockNumber" DESC
		LIMIT $1
	`
	qctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(qctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent block change log: %w", err)
	}
	defer rows.Close()

	var out []store.BlockChangeLog
	for rows.Next() {
		var row store.BlockChangeLog
		if err := rows.Scan(&row.ID, &row.BlockNumber, &row.BlockTimestamp, pq.Array(&row.UpdatedEntities)); err != nil {
			return nil, fmt.Errorf("scan block change log: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *BlockChangeLogRepo) UpdatedEntitiesInRange(ctx context.Context, fromExclusive, toInclusive int64) ([]string, error) {
	const query = `
		SELECT DISTINCT unnest("updatedEntities")
		FROM "BlockChangeLog"
		WHERE "blockNumber" > $1 AND "blockNumber" <= $2
	`
	qctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(qctx, query, fromExclusive, toInclusive)
	if err != nil {
		return nil, fmt.Errorf("query updated entities (%d, %d]: %w", fromExclusive, toInclusive, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan updated entity: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (r *BlockChangeLogRepo) DeleteAboveTx(ctx context.Context, tx *sql.Tx, blockNumber int64) error {
	_, err := r.execer(tx).ExecContext(ctx, `DELETE FROM "BlockChangeLog" WHERE "blockNumber" > $1`, blockNumber)
	if err != nil {
		return fmt.Errorf("delete block change log above %d: %w", blockNumber, err)
	}
	return nil
}

func (r *BlockChangeLogRepo) TruncateTx(ctx context.Context, tx *sql.Tx) error {
	if _, err := r.execer(tx).ExecContext(ctx, `TRUNCATE TABLE "BlockChangeLog"`); err != nil {
		return fmt.Errorf("truncate block change log: %w", err)
	}
	return nil
}
