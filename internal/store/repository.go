package store

import (
	"context"
	"database/sql"

	"github.com/chainloom/subgraph-mirror/internal/schema"
	"github.com/chainloom/subgraph-mirror/internal/subgraph"
)

// TrackingTables are the bookkeeping tables that are never treated as
// mirrored entities during recovery.
var TrackingTables = map[string]bool{
	"BlockChangeLog":     true,
	"EntityChangeLog":    true,
	"LastProcessedBlock": true,
	"SubgraphMetadata":   true,
}

// BlockChangeLog is one processed block's fingerprint.
type BlockChangeLog struct {
	ID              string // encoded block hash
	BlockNumber     int64
	BlockTimestamp  int64
	UpdatedEntities []string
}

// EntityChangeLog records one entity instance touched at one block.
type EntityChangeLog struct {
	ID          string // uuid
	BlockNumber int64
	BlockHash   string
	EntityName  string
	EntityID    string
}

// Checkpoint is the persisted sync position (LastProcessedBlock singleton).
type Checkpoint struct {
	Hash      string
	Number    int64
	Timestamp int64
}

// TxBeginner abstracts the ability to begin a database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// EntityRepository persists mirrored entity rows. Table names are entity
// names; row shapes come from the entity schema. A nil tx runs the statement
// on the pool directly.
type EntityRepository interface {
	UpsertTx(ctx context.Context, tx *sql.Tx, es schema.EntitySchema, rows []subgraph.Row) error
	DeleteByIDsTx(ctx context.Context, tx *sql.Tx, es schema.EntitySchema, ids []string) error
	TruncateTx(ctx context.Context, tx *sql.Tx, entityName string) error
	// ChildIDs returns the ids of child rows whose fkColumn value is in
	// parentIDs, batched into IN-clause chunks internally.
	ChildIDs(ctx context.Context, child schema.EntitySchema, fkColumn string, parentIDs []string) ([]string, error)
}

// BlockChangeLogRepository provides access to the per-block fingerprint log.
type BlockChangeLogRepository interface {
	AppendTx(ctx context.Context, tx *sql.Tx, row *BlockChangeLog) error
	Latest(ctx context.Context) (*BlockChangeLog, error)
	GetByNumber(ctx context.Context, blockNumber int64) (*BlockChangeLog, error)
	// Recent returns up to limit rows, newest first.
	Recent(ctx context.Context, limit int) ([]BlockChangeLog, error)
	// UpdatedEntitiesInRange returns the distinct union of UpdatedEntities
	// over rows with fromExclusive < blockNumber <= toInclusive.
	UpdatedEntitiesInRange(ctx context.Context, fromExclusive, toInclusive int64) ([]string, error)
	DeleteAboveTx(ctx context.Context, tx *sql.Tx, blockNumber int64) error
	TruncateTx(ctx context.Context, tx *sql.Tx) error
}

// EntityChangeLogRepository provides access to per-row touch tracking.
type EntityChangeLogRepository interface {
	BulkAppendTx(ctx context.Context, tx *sql.Tx, rows []*EntityChangeLog) error
	// TouchedSince returns entity ids touched at or after fromBlock,
	// grouped by entity name, for the given entities.
	TouchedSince(ctx context.Context, entityNames []string, fromBlock int64) (map[string][]string, error)
	DeleteFromTx(ctx context.Context, tx *sql.Tx, blockNumber int64) error
	PruneBefore(ctx context.Context, blockNumber int64) (int64, error)
	TruncateTx(ctx context.Context, tx *sql.Tx) error
}

// CheckpointRepository provides access to the LastProcessedBlock singleton.
type CheckpointRepository interface {
	Get(ctx context.Context) (*Checkpoint, error)
	SetTx(ctx context.Context, tx *sql.Tx, cp *Checkpoint) error
}
