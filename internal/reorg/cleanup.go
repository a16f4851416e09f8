package reorg

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chainloom/subgraph-mirror/internal/alert"
	"github.com/chainloom/subgraph-mirror/internal/chain"
	"github.com/chainloom/subgraph-mirror/internal/metrics"
	"github.com/chainloom/subgraph-mirror/internal/schema"
	"github.com/chainloom/subgraph-mirror/internal/store"
	"github.com/chainloom/subgraph-mirror/internal/subgraph"
)

// DataSyncer is the slice of the syncer the recovery path needs: fetching
// replacement rows and writing them in dependency order.
type DataSyncer interface {
	CollectEntityData(ctx context.Context, entityNames []string, blockNumberFilter int64) (map[string][]subgraph.Row, error)
	CollectEntityDataByIDs(ctx context.Context, idsByEntity map[string][]string) (map[string][]subgraph.Row, error)
	ProcessEntityData(ctx context.Context, data map[string][]subgraph.Row, tx *sql.Tx) error
}

const (
	// ancestorScanWindow bounds the sparse scan: a true ancestor further
	// back than this many change-log rows forces a full rebuild.
	ancestorScanWindow = 200
	// rewindBuffer widens the rewind below the ancestor because near-tip
	// data can still shift.
	rewindBuffer = 50
	// safetyBuffer pads the change-log retention window.
	safetyBuffer = 100

	// maxExpansionDepth caps the transitive FK expansion. The schema graph
	// is validated acyclic, so hitting the cap means something is wrong;
	// recovery then degrades to a full rebuild.
	maxExpansionDepth = 10

	// rebuildTimeout bounds the heavy recovery paths (full rebuild,
	// wholesale truncate-and-resync).
	rebuildTimeout = 10 * time.Minute
)

// RetentionWindow is how many blocks of EntityChangeLog history the prune
// step keeps.
const RetentionWindow = ancestorScanWindow + rewindBuffer + safetyBuffer

// headerInvalidator is implemented by caching header readers. Checked by
// type assertion; a plain reader has nothing to drop.
type headerInvalidator interface {
	Invalidate(fromBlock int64)
}

// ancestor is the most recent (number, hash) still agreeing with on-chain
// history.
type ancestor struct {
	Number    int64
	Hash      string
	Timestamp int64
}

// Cleanup detects chain reorganizations against the stored checkpoint and
// repairs the mirror: selective rewind when a common ancestor is found
// within the scan window, full rebuild otherwise. At most one recovery runs
// at a time, enforced by the injected Lock.
type Cleanup struct {
	graph       *schema.Graph
	provider    subgraph.Provider
	sync        DataSyncer
	header      chain.HeaderReader
	entities    store.EntityRepository
	blocks      store.BlockChangeLogRepository
	entityLog   store.EntityChangeLogRepository
	checkpoints store.CheckpointRepository
	db          store.TxBeginner
	lock        *Lock
	alerter     alert.Alerter
	logger      *slog.Logger

	// suppressTrackingUntil tells the orchestrator to skip per-row tracking
	// while blocks up to this number are re-processed after a rewind,
	// so the change log is not re-polluted.
	suppressTrackingUntil atomic.Int64
}

func NewCleanup(
	graph *schema.Graph,
	provider subgraph.Provider,
	sync DataSyncer,
	header chain.HeaderReader,
	entities store.EntityRepository,
	blocks store.BlockChangeLogRepository,
	entityLog store.EntityChangeLogRepository,
	checkpoints store.CheckpointRepository,
	db store.TxBeginner,
	lock *Lock,
	alerter alert.Alerter,
	logger *slog.Logger,
) *Cleanup {
	if alerter == nil {
		alerter = &alert.NoopAlerter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleanup{
		graph:       graph,
		provider:    provider,
		sync:        sync,
		header:      header,
		entities:    entities,
		blocks:      blocks,
		entityLog:   entityLog,
		checkpoints: checkpoints,
		db:          db,
		lock:        lock,
		alerter:     alerter,
		logger:      logger.With("component", "reorg_cleanup", "provider", provider.Name),
	}
}

// InProgress reports whether a recovery is running; sibling strategies
// self-check this and skip the block.
func (c *Cleanup) InProgress() bool {
	return c.lock.Held()
}

// TrackingSuppressedFor reports whether per-row change tracking should be
// skipped for blockNumber (re-processing after a rewind).
func (c *Cleanup) TrackingSuppressedFor(blockNumber int64) bool {
	return blockNumber <= c.suppressTrackingUntil.Load()
}

// Run checks the stored checkpoint against the chain and recovers when they
// disagree. Returns whether a recovery ran. A held lock surfaces as
// ErrCleanupInProgress immediately; it is never queued behind the running
// recovery.
func (c *Cleanup) Run(ctx context.Context) (bool, error) {
	metrics.ReorgChecksTotal.Inc()

	latest, err := c.blocks.Latest(ctx)
	if err != nil {
		return false, fmt.Errorf("read checkpoint row: %w", err)
	}
	if latest == nil || latest.BlockNumber == 0 {
		// Sentinel: nothing processed yet, no reorg possible.
		return false, nil
	}

	// A cached header at the checkpoint height would echo the hash the
	// checkpoint was built from and mask the reorg until its TTL expires.
	c.invalidateHeaders(latest.BlockNumber)

	onchain, err := c.header.GetBlock(ctx, latest.BlockNumber)
	if err != nil {
		return false, fmt.Errorf("fetch block %d: %w", latest.BlockNumber, err)
	}
	if onchain != nil && strings.EqualFold(onchain.Hash, latest.ID) {
		return false, nil
	}

	if err := c.lock.Acquire(); err != nil {
		metrics.ReorgLockContention.Inc()
		return false, err
	}
	defer c.lock.Release()

	metrics.ReorgDetectedTotal.Inc()
	start := time.Now()
	defer func() {
		metrics.ReorgRecoveryLatency.Observe(time.Since(start).Seconds())
	}()

	actualHash := ""
	if onchain != nil {
		actualHash = onchain.Hash
	}
	c.logger.Warn("reorg detected: checkpoint hash mismatch",
		"block_number", latest.BlockNumber,
		"stored_hash", latest.ID,
		"onchain_hash", actualHash,
	)
	c.sendAlert(ctx, alert.TypeReorg, "Reorg detected",
		fmt.Sprintf("stored block %d hash %s no longer on chain (now %s)", latest.BlockNumber, latest.ID, actualHash))

	// The ancestor scan compares stored hashes against on-chain history;
	// pre-reorg headers cached below the checkpoint would bias it upward.
	c.invalidateHeaders(0)

	anc, err := c.findCommonAncestorSparse(ctx, latest.BlockNumber)
	if err != nil {
		c.sendAlert(ctx, alert.TypeRecoveryFailed, "Ancestor search failed", err.Error())
		return false, fmt.Errorf("ancestor search: %w", err)
	}

	if anc == nil {
		c.logger.Warn("no common ancestor within scan window, rebuilding mirror",
			"scan_window", ancestorScanWindow)
		if err := c.fullRebuild(ctx); err != nil {
			c.sendAlert(ctx, alert.TypeRecoveryFailed, "Full rebuild failed", err.Error())
			return false, fmt.Errorf("full rebuild: %w", err)
		}
		metrics.ReorgRecoveriesTotal.WithLabelValues("full_rebuild").Inc()
		return true, nil
	}

	if err := c.rewindTo(ctx, anc, latest.BlockNumber); err != nil {
		c.sendAlert(ctx, alert.TypeRecoveryFailed, "Selective rewind failed", err.Error())
		return false, fmt.Errorf("rewind to %d: %w", anc.Number, err)
	}
	return true, nil
}

// findCommonAncestorSparse locates the most recent BlockChangeLog row whose
// hash still matches on-chain history. The row at the stored number is
// checked first, then the most recent ancestorScanWindow rows newest first.
// Returns nil when nothing in the window matches.
func (c *Cleanup) findCommonAncestorSparse(ctx context.Context, storedNumber int64) (*ancestor, error) {
	exact, err := c.blocks.GetByNumber(ctx, storedNumber)
	if err != nil {
		return nil, err
	}
	if exact != nil {
		if match, blk, err := c.hashMatches(ctx, exact); err == nil && match {
			return &ancestor{Number: exact.BlockNumber, Hash: blk.Hash, Timestamp: blk.Timestamp}, nil
		} else if err != nil {
			return nil, err
		}
	}

	recent, err := c.blocks.Recent(ctx, ancestorScanWindow)
	if err != nil {
		return nil, err
	}
	for _, row := range recent {
		if row.BlockNumber >= storedNumber {
			continue
		}
		match, blk, err := c.hashMatches(ctx, &row)
		if err != nil {
			return nil, err
		}
		if match {
			return &ancestor{Number: row.BlockNumber, Hash: blk.Hash, Timestamp: blk.Timestamp}, nil
		}
	}
	return nil, nil
}

func (c *Cleanup) invalidateHeaders(fromBlock int64) {
	if inv, ok := c.header.(headerInvalidator); ok {
		inv.Invalidate(fromBlock)
	}
}

func (c *Cleanup) hashMatches(ctx context.Context, row *store.BlockChangeLog) (bool, *chain.Block, error) {
	blk, err := c.header.GetBlock(ctx, row.BlockNumber)
	if err != nil {
		return false, nil, fmt.Errorf("fetch block %d: %w", row.BlockNumber, err)
	}
	if blk == nil {
		return false, nil, nil
	}
	return strings.EqualFold(blk.Hash, row.ID), blk, nil
}

// rewindTo repairs the mirror back to the common ancestor. Replacement data
// is fetched before any delete; delete and re-insert share one transaction,
// so a crash at any point leaves either the pre-reorg or the corrected
// state, never a mix.
func (c *Cleanup) rewindTo(ctx context.Context, anc *ancestor, storedNumber int64) error {
	rewindFrom := anc.Number - rewindBuffer
	if rewindFrom < 0 {
		rewindFrom = 0
	}
	c.logger.Info("rewinding",
		"ancestor", anc.Number,
		"rewind_from", rewindFrom,
		"stored_number", storedNumber,
	)

	affected, err := c.blocks.UpdatedEntitiesInRange(ctx, rewindFrom, storedNumber)
	if err != nil {
		return fmt.Errorf("affected entities: %w", err)
	}
	affected = c.filterProviderEntities(affected)

	checkpoint := &store.Checkpoint{Hash: anc.Hash, Number: anc.Number, Timestamp: anc.Timestamp}

	if len(affected) == 0 {
		// Nothing mirrored changed in the window; only tracking needs repair.
		if err := c.inTx(ctx, func(tx *sql.Tx) error {
			return c.rewriteTracking(ctx, tx, rewindFrom, checkpoint)
		}); err != nil {
			return err
		}
		c.suppressTrackingUntil.Store(storedNumber)
		metrics.ReorgRecoveriesTotal.WithLabelValues("tracking_only").Inc()
		return nil
	}

	touched, err := c.entityLog.TouchedSince(ctx, affected, rewindFrom)
	if err != nil {
		return fmt.Errorf("touched ids: %w", err)
	}

	if len(touched) > 0 {
		if err := c.selectiveRewind(ctx, touched, rewindFrom, checkpoint); err != nil {
			return err
		}
		metrics.ReorgRecoveriesTotal.WithLabelValues("selective").Inc()
	} else {
		if err := c.truncateAndResync(ctx, affected, rewindFrom, checkpoint); err != nil {
			return err
		}
		metrics.ReorgRecoveriesTotal.WithLabelValues("truncate").Inc()
	}

	c.suppressTrackingUntil.Store(storedNumber)
	return nil
}

// selectiveRewind re-fetches exactly the touched rows plus every row that
// transitively references them, then swaps them in one transaction.
func (c *Cleanup) selectiveRewind(ctx context.Context, touched map[string][]string, rewindFrom int64, checkpoint *store.Checkpoint) error {
	expanded, err := c.expandChildren(ctx, touched)
	if err != nil {
		return fmt.Errorf("expand children: %w", err)
	}

	// Fetch replacement data before any mutation.
	fresh, err := c.sync.CollectEntityDataByIDs(ctx, expanded)
	if err != nil {
		return fmt.Errorf("fetch replacement data: %w", err)
	}

	return c.inTx(ctx, func(tx *sql.Tx) error {
		for _, name := range c.graph.DeleteOrder(keys(expanded)...) {
			es, ok := c.graph.Entity(name)
			if !ok {
				continue
			}
			if err := c.entities.DeleteByIDsTx(ctx, tx, es, expanded[name]); err != nil {
				return err
			}
		}
		if err := c.sync.ProcessEntityData(ctx, fresh, tx); err != nil {
			return err
		}
		return c.rewriteTracking(ctx, tx, rewindFrom, checkpoint)
	})
}

// truncateAndResync handles affected entities with no row-level tracking:
// wholesale truncate and resync from the rewind point.
func (c *Cleanup) truncateAndResync(ctx context.Context, affected []string, rewindFrom int64, checkpoint *store.Checkpoint) error {
	ctx, cancel := context.WithTimeout(ctx, rebuildTimeout)
	defer cancel()

	fresh, err := c.sync.CollectEntityData(ctx, affected, rewindFrom)
	if err != nil {
		return fmt.Errorf("fetch replacement data: %w", err)
	}

	return c.inTx(ctx, func(tx *sql.Tx) error {
		for _, name := range c.graph.DeleteOrder(affected...) {
			if err := c.entities.TruncateTx(ctx, tx, name); err != nil {
				return err
			}
		}
		if err := c.sync.ProcessEntityData(ctx, fresh, tx); err != nil {
			return err
		}
		return c.rewriteTracking(ctx, tx, rewindFrom, checkpoint)
	})
}

// fullRebuild refetches everything the provider serves and atomically
// replaces the mirror, resetting tracking to the sentinel.
func (c *Cleanup) fullRebuild(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, rebuildTimeout)
	defer cancel()

	entities := c.filterProviderEntities(c.provider.Entities)

	fresh, err := c.sync.CollectEntityData(ctx, entities, 0)
	if err != nil {
		return fmt.Errorf("fetch full dataset: %w", err)
	}

	c.sendAlert(ctx, alert.TypeFullRebuild, "Full mirror rebuild",
		fmt.Sprintf("rebuilding %d entity tables from scratch", len(entities)))

	err = c.inTx(ctx, func(tx *sql.Tx) error {
		for _, name := range c.graph.DeleteOrder(entities...) {
			if err := c.entities.TruncateTx(ctx, tx, name); err != nil {
				return err
			}
		}
		if err := c.blocks.TruncateTx(ctx, tx); err != nil {
			return err
		}
		if err := c.entityLog.TruncateTx(ctx, tx); err != nil {
			return err
		}
		if err := c.checkpoints.SetTx(ctx, tx, &store.Checkpoint{}); err != nil {
			return err
		}
		return c.sync.ProcessEntityData(ctx, fresh, tx)
	})
	if err != nil {
		return err
	}
	c.suppressTrackingUntil.Store(0)
	return nil
}

// expandChildren grows the touched id set with every row transitively
// referencing it. The visited set and depth cap guard against schema bugs;
// the validated graph is acyclic, so the loop terminates well before the cap.
func (c *Cleanup) expandChildren(ctx context.Context, touched map[string][]string) (map[string][]string, error) {
	expanded := make(map[string][]string, len(touched))
	seen := make(map[string]map[string]bool, len(touched))
	add := func(entity string, ids []string) []string {
		if seen[entity] == nil {
			seen[entity] = make(map[string]bool)
		}
		var fresh []string
		for _, id := range ids {
			if !seen[entity][id] {
				seen[entity][id] = true
				expanded[entity] = append(expanded[entity], id)
				fresh = append(fresh, id)
			}
		}
		return fresh
	}

	frontier := make(map[string][]string, len(touched))
	for entity, ids := range touched {
		frontier[entity] = add(entity, ids)
	}

	for depth := 0; len(frontier) > 0; depth++ {
		if depth >= maxExpansionDepth {
			return nil, fmt.Errorf("fk expansion exceeded depth %d", maxExpansionDepth)
		}
		next := make(map[string][]string)
		for _, parent := range sortedKeys(frontier) {
			parentIDs := frontier[parent]
			if len(parentIDs) == 0 {
				continue
			}
			for _, child := range c.graph.DirectChildren(parent) {
				es, ok := c.graph.Entity(child.Entity)
				if !ok {
					continue
				}
				childIDs, err := c.entities.ChildIDs(ctx, es, child.Column, parentIDs)
				if err != nil {
					return nil, err
				}
				if fresh := add(child.Entity, childIDs); len(fresh) > 0 {
					next[child.Entity] = append(next[child.Entity], fresh...)
				}
			}
		}
		frontier = next
	}
	return expanded, nil
}

// rewriteTracking repairs the bookkeeping tables inside the recovery
// transaction: change logs are cut back to the rewind point and the
// checkpoint moves to the ancestor.
func (c *Cleanup) rewriteTracking(ctx context.Context, tx *sql.Tx, rewindFrom int64, checkpoint *store.Checkpoint) error {
	if err := c.entityLog.DeleteFromTx(ctx, tx, rewindFrom); err != nil {
		return err
	}
	if err := c.blocks.DeleteAboveTx(ctx, tx, rewindFrom); err != nil {
		return err
	}
	return c.checkpoints.SetTx(ctx, tx, checkpoint)
}

// Prune drops EntityChangeLog rows outside the retention window. A no-op
// until the mirror has processed more blocks than the window.
func (c *Cleanup) Prune(ctx context.Context, currentBlock int64) error {
	cutoff := currentBlock - RetentionWindow
	if cutoff <= 0 {
		return nil
	}
	n, err := c.entityLog.PruneBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune change log: %w", err)
	}
	if n > 0 {
		metrics.ChangeLogPrunedRows.Add(float64(n))
		c.logger.Debug("pruned entity change log", "cutoff", cutoff, "rows", n)
	}
	return nil
}

func (c *Cleanup) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			c.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// filterProviderEntities keeps only this provider's non-tracking entities.
func (c *Cleanup) filterProviderEntities(names []string) []string {
	serves := make(map[string]bool, len(c.provider.Entities))
	for _, e := range c.provider.Entities {
		serves[e] = true
	}
	var out []string
	for _, name := range names {
		if store.TrackingTables[name] || !serves[name] || !c.graph.Has(name) {
			continue
		}
		out = append(out, name)
	}
	return out
}

func (c *Cleanup) sendAlert(ctx context.Context, typ alert.Type, title, message string) {
	if err := c.alerter.Send(ctx, alert.Alert{
		Type:    typ,
		Mirror:  c.provider.Name,
		Title:   title,
		Message: message,
	}); err != nil {
		c.logger.Warn("alert send failed", "type", typ, "error", err)
	}
}

func keys(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func sortedKeys(m map[string][]string) []string {
	out := keys(m)
	sort.Strings(out)
	return out
}
