package strategy

import (
	"context"

	"github.com/chainloom/subgraph-mirror/internal/subgraph"
)

// Params carries the block that triggered this round of strategies.
type Params struct {
	BlockNumber    int64
	BlockHash      string
	BlockTimestamp int64

	// ChangedSince is the inclusive lower bound for upstream change
	// filters, derived from the persisted checkpoint. It lags BlockNumber
	// whenever ticks were missed, so every block since the checkpoint is
	// swept even when the head advanced more than one block.
	ChangedSince int64
}

// Strategy is one unit of per-block work.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, params Params) error
}

// Batchable strategies expose their desired queries without executing them,
// so the executor can pool queries across strategies per endpoint.
type Batchable interface {
	Strategy
	Endpoint() string
	// BatchQueries returns the queries the strategy wants for this block.
	// An empty slice means nothing to do.
	BatchQueries(ctx context.Context, params Params) ([]subgraph.Request, error)
	// ProcessBatchResults receives exactly the entities this strategy
	// requested, sliced out of the combined result.
	ProcessBatchResults(ctx context.Context, params Params, data map[string][]subgraph.Row) error
}

// ChangeReporter is implemented by strategies that track which rows they
// touched, so the orchestrator can record change-log entries. Checked by
// type assertion.
type ChangeReporter interface {
	// UpdatedEntities returns touched entity ids by entity name for the
	// last executed block, and resets the tracker.
	UpdatedEntities() map[string][]string
}
