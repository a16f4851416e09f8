package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/chainloom/subgraph-mirror/internal/alert"
	"github.com/chainloom/subgraph-mirror/internal/chain"
	"github.com/chainloom/subgraph-mirror/internal/metrics"
	"github.com/chainloom/subgraph-mirror/internal/reorg"
	"github.com/chainloom/subgraph-mirror/internal/retry"
	"github.com/chainloom/subgraph-mirror/internal/store"
	"github.com/chainloom/subgraph-mirror/internal/strategy"
)

const defaultPollInterval = 12 * time.Second

// RecoveryRunner is the slice of the reorg cleanup the block loop needs.
type RecoveryRunner interface {
	Run(ctx context.Context) (bool, error)
	Prune(ctx context.Context, currentBlock int64) error
	InProgress() bool
	TrackingSuppressedFor(blockNumber int64) bool
}

// BatchRunner pools batchable strategies' queries per endpoint.
type BatchRunner interface {
	ExecuteBatchedStrategies(ctx context.Context, strategies []strategy.Batchable, params strategy.Params) []strategy.Result
}

// Orchestrator drives the per-block cycle: reorg check, strategy execution,
// change-log bookkeeping, checkpoint advance, retention prune.
type Orchestrator struct {
	header      chain.HeaderReader
	batch       BatchRunner
	strategies  []strategy.Strategy
	cleanup     RecoveryRunner
	blocks      store.BlockChangeLogRepository
	entityLog   store.EntityChangeLogRepository
	checkpoints store.CheckpointRepository
	db          store.TxBeginner
	alerter     alert.Alerter
	logger      *slog.Logger

	pollInterval time.Duration
	retryPolicy  retry.Policy
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.pollInterval = d }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(o *Orchestrator) { o.retryPolicy = p }
}

func WithAlerter(a alert.Alerter) Option {
	return func(o *Orchestrator) {
		if a != nil {
			o.alerter = a
		}
	}
}

func New(
	header chain.HeaderReader,
	batch BatchRunner,
	strategies []strategy.Strategy,
	cleanup RecoveryRunner,
	blocks store.BlockChangeLogRepository,
	entityLog store.EntityChangeLogRepository,
	checkpoints store.CheckpointRepository,
	db store.TxBeginner,
	logger *slog.Logger,
	opts ...Option,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		header:       header,
		batch:        batch,
		strategies:   strategies,
		cleanup:      cleanup,
		blocks:       blocks,
		entityLog:    entityLog,
		checkpoints:  checkpoints,
		db:           db,
		alerter:      &alert.NoopAlerter{},
		logger:       logger.With("component", "orchestrator"),
		pollInterval: defaultPollInterval,
		retryPolicy:  retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Run polls the chain head until ctx is canceled. Bookkeeping failures after
// retries are fatal: a mirror that cannot record what it processed must stop
// rather than drift.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	o.logger.Info("orchestrator started", "poll_interval", o.pollInterval)
	for {
		if err := o.ProcessNextBlock(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessNextBlock runs one cycle against the current chain head. Transient
// problems (no new block, recovery in progress, RPC hiccups) are skips, not
// errors; only unrecoverable bookkeeping failures propagate.
func (o *Orchestrator) ProcessNextBlock(ctx context.Context) error {
	if o.cleanup.InProgress() {
		metrics.BlocksSkippedTotal.WithLabelValues("cleanup_in_progress").Inc()
		return nil
	}

	recovered, err := o.cleanup.Run(ctx)
	if err != nil {
		if errors.Is(err, reorg.ErrCleanupInProgress) {
			metrics.BlocksSkippedTotal.WithLabelValues("cleanup_in_progress").Inc()
			return nil
		}
		o.logger.Error("reorg check failed", "error", err)
		metrics.BlocksSkippedTotal.WithLabelValues("reorg_check_failed").Inc()
		return nil
	}
	if recovered {
		// Resume processing from the rewound checkpoint on the next tick.
		return nil
	}

	head, err := o.header.GetHeadNumber(ctx)
	if err != nil {
		o.logger.Warn("head number unavailable", "error", err)
		metrics.BlocksSkippedTotal.WithLabelValues("rpc_error").Inc()
		return nil
	}

	cp, err := o.checkpoints.Get(ctx)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	if cp != nil && head <= cp.Number {
		metrics.BlocksSkippedTotal.WithLabelValues("no_new_block").Inc()
		return nil
	}

	block, err := o.header.GetBlock(ctx, head)
	if err != nil || block == nil {
		o.logger.Warn("head block unavailable", "number", head, "error", err)
		metrics.BlocksSkippedTotal.WithLabelValues("rpc_error").Inc()
		return nil
	}

	// Change filters start right after the checkpoint, not at the head:
	// blocks skipped between ticks must still be swept this cycle.
	var changedSince int64
	if cp != nil && cp.Number > 0 {
		changedSince = cp.Number + 1
	}

	return o.processBlock(ctx, block, changedSince)
}

func (o *Orchestrator) processBlock(ctx context.Context, block *chain.Block, changedSince int64) error {
	start := time.Now()
	params := strategy.Params{
		BlockNumber:    block.Number,
		BlockHash:      block.Hash,
		BlockTimestamp: block.Timestamp,
		ChangedSince:   changedSince,
	}
	logger := o.logger.With("block_number", block.Number, "block_hash", block.Hash)

	batchables, sequential := o.splitStrategies()
	for _, res := range o.batch.ExecuteBatchedStrategies(ctx, batchables, params) {
		if res.Err != nil {
			logger.Error("strategy failed", "strategy", res.Strategy, "error", res.Err)
		}
	}
	for _, s := range sequential {
		if err := s.Execute(ctx, params); err != nil {
			logger.Error("strategy failed", "strategy", s.Name(), "error", err)
		}
	}

	touched := o.gatherTouched()

	err := retry.Do(ctx, o.retryPolicy, func(ctx context.Context) error {
		return o.recordBlock(ctx, block, touched)
	})
	if err != nil {
		if aerr := o.alerter.Send(ctx, alert.Alert{
			Type:    alert.TypeTrackingStalled,
			Title:   "Change tracking stalled",
			Message: fmt.Sprintf("block %d bookkeeping failed after retries: %v", block.Number, err),
		}); aerr != nil {
			logger.Warn("alert send failed", "error", aerr)
		}
		return fmt.Errorf("record block %d: %w", block.Number, err)
	}

	if err := o.cleanup.Prune(ctx, block.Number); err != nil {
		logger.Warn("change log prune failed", "error", err)
	}

	metrics.BlocksProcessedTotal.Inc()
	metrics.BlockProcessLatency.Observe(time.Since(start).Seconds())
	logger.Debug("block processed", "touched_entities", len(touched), "elapsed", time.Since(start))
	return nil
}

// recordBlock persists the block fingerprint, per-row touch records and the
// checkpoint in one transaction. Touch records are skipped while blocks below
// the rewind point are re-processed, so recovery does not re-pollute the log.
func (o *Orchestrator) recordBlock(ctx context.Context, block *chain.Block, touched map[string][]string) error {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				o.logger.Error("rollback failed", "error", rbErr)
			}
		}
	}()

	entityNames := make([]string, 0, len(touched))
	for name := range touched {
		entityNames = append(entityNames, name)
	}
	sort.Strings(entityNames)

	if err = o.blocks.AppendTx(ctx, tx, &store.BlockChangeLog{
		ID:              block.Hash,
		BlockNumber:     block.Number,
		BlockTimestamp:  block.Timestamp,
		UpdatedEntities: entityNames,
	}); err != nil {
		return fmt.Errorf("append block change log: %w", err)
	}

	if !o.cleanup.TrackingSuppressedFor(block.Number) {
		var rows []*store.EntityChangeLog
		for _, name := range entityNames {
			for _, id := range touched[name] {
				rows = append(rows, &store.EntityChangeLog{
					ID:          uuid.NewString(),
					BlockNumber: block.Number,
					BlockHash:   block.Hash,
					EntityName:  name,
					EntityID:    id,
				})
			}
		}
		if len(rows) > 0 {
			if err = o.entityLog.BulkAppendTx(ctx, tx, rows); err != nil {
				return fmt.Errorf("append entity change log: %w", err)
			}
		}
	}

	if err = o.checkpoints.SetTx(ctx, tx, &store.Checkpoint{
		Hash:      block.Hash,
		Number:    block.Number,
		Timestamp: block.Timestamp,
	}); err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (o *Orchestrator) splitStrategies() ([]strategy.Batchable, []strategy.Strategy) {
	var batchables []strategy.Batchable
	var sequential []strategy.Strategy
	for _, s := range o.strategies {
		if b, ok := s.(strategy.Batchable); ok {
			batchables = append(batchables, b)
		} else {
			sequential = append(sequential, s)
		}
	}
	return batchables, sequential
}

func (o *Orchestrator) gatherTouched() map[string][]string {
	touched := make(map[string][]string)
	for _, s := range o.strategies {
		reporter, ok := s.(strategy.ChangeReporter)
		if !ok {
			continue
		}
		for name, ids := range reporter.UpdatedEntities() {
			touched[name] = append(touched[name], ids...)
		}
	}
	return touched
}
