package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/chainloom/subgraph-mirror/internal/store"
)

// checkpointSingletonID is the fixed id of the LastProcessedBlock row.
const checkpointSingletonID = 1

// CheckpointRepo persists the LastProcessedBlock singleton.
type CheckpointRepo struct {
	db *sql.DB
}

func NewCheckpointRepo(db *sql.DB) *CheckpointRepo {
	return &CheckpointRepo{db: db}
}

func (r *CheckpointRepo) Get(ctx context.Context) (*store.Checkpoint, error) {
	const query = `
		SELECT "hash", "number", "timestamp"
		FROM "LastProcessedBlock"
		WHERE "id" = $1
	`
	qctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var cp store.Checkpoint
	err := r.db.QueryRowContext(qctx, query, checkpointSingletonID).Scan(&cp.Hash, &cp.Number, &cp.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return &cp, nil
}

func (r *CheckpointRepo) SetTx(ctx context.Context, tx *sql.Tx, cp *store.Checkpoint) error {
	const query = `
		INSERT INTO "LastProcessedBlock" ("id", "hash", "number", "timestamp")
		VALUES ($1, $2, $3, $4)
		ON CONFLICT ("id")
		DO UPDATE SET "hash" = EXCLUDED."hash",
		              "number" = EXCLUDED."number",
		              "timestamp" = EXCLUDED."timestamp"
	`
	var ex execer = r.db
	if tx != nil {
		ex = tx
	}
	if _, err := ex.ExecContext(ctx, query, checkpointSingletonID, cp.Hash, cp.Number, cp.Timestamp); err != nil {
		return fmt.Errorf("set checkpoint %d: %w", cp.Number, err)
	}
	return nil
}
