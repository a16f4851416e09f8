package syncer

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/chainloom/subgraph-mirror/internal/metrics"
	"github.com/chainloom/subgraph-mirror/internal/schema"
	"github.com/chainloom/subgraph-mirror/internal/store"
	"github.com/chainloom/subgraph-mirror/internal/subgraph"
)

const (
	defaultIDChunkSize        = 100
	defaultMaxRequestsPerCall = 10

	// metadataEntity is persisted once per provider when declared in the
	// manifest.
	metadataEntity = "SubgraphMetadata"
)

// EntitySyncStatus tracks one entity's pagination cursor within a single
// collect call. Created per call, discarded after.
type EntitySyncStatus struct {
	EntityName      string
	LastProcessedID string
	IsComplete      bool
	TotalProcessed  int
}

// Syncer is the paginated fetch + upsert pipeline over one or more subgraph
// providers.
type Syncer struct {
	graph     *schema.Graph
	registry  *subgraph.Registry
	client    subgraph.Executor
	entities  store.EntityRepository
	logger    *slog.Logger

	idChunkSize        int
	maxRequestsPerCall int

	// metadataWritten remembers which providers already had their _meta
	// persisted; per-instance state, reset only with the process.
	mu              sync.Mutex
	metadataWritten map[string]bool
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithIDChunkSize sets how many ids one id_in query carries.
func WithIDChunkSize(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.idChunkSize = n
		}
	}
}

// WithMaxRequestsPerCall bounds how many id_in queries are combined into one
// HTTP call.
func WithMaxRequestsPerCall(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.maxRequestsPerCall = n
		}
	}
}

func New(
	graph *schema.Graph,
	registry *subgraph.Registry,
	client subgraph.Executor,
	entities store.EntityRepository,
	logger *slog.Logger,
	opts ...Option,
) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Syncer{
		graph:              graph,
		registry:           registry,
		client:             client,
		entities:           entities,
		logger:             logger.With("component", "syncer"),
		idChunkSize:        defaultIDChunkSize,
		maxRequestsPerCall: defaultMaxRequestsPerCall,
		metadataWritten:    make(map[string]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CollectEntityData pages through every requested entity until complete.
// blockNumberFilter > 0 restricts pages to rows changed at or after that
// block. Unknown entities and entities without a provider are logged and
// skipped. Fetch failures yield empty results for the affected entities and
// are never returned: the next poll re-derives cursors from persisted state.
func (s *Syncer) CollectEntityData(ctx context.Context, entityNames []string, blockNumberFilter int64) (map[string][]subgraph.Row, error) {
	byProvider := s.groupByProvider(entityNames)
	if len(byProvider) == 0 {
		return map[string][]subgraph.Row{}, nil
	}

	var mu sync.Mutex
	result := make(map[string][]subgraph.Row)

	g, gctx := errgroup.WithContext(ctx)
	for providerName, entities := range byProvider {
		provider, _ := s.registry.Provider(providerName)
		entities := entities
		g.Go(func() error {
			collected := s.collectFromProvider(gctx, provider, entities, blockNumberFilter)
			mu.Lock()
			for name, rows := range collected {
				result[name] = append(result[name], rows...)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// collectFromProvider runs the per-provider pagination loop: one page per
// still-incomplete entity per round, until every entity is complete.
func (s *Syncer) collectFromProvider(ctx context.Context, provider subgraph.Provider, entityNames []string, blockNumberFilter int64) map[string][]subgraph.Row {
	statuses := make([]*EntitySyncStatus, 0, len(entityNames))
	for _, name := range entityNames {
		statuses = append(statuses, &EntitySyncStatus{
			EntityName:      name,
			LastProcessedID: subgraph.CursorStart,
		})
	}

	result := make(map[string][]subgraph.Row, len(entityNames))
	pageSize := provider.MaxRowsPerRequest
	firstRound := true

	for {
		var requests []subgraph.Request
		var pending []*EntitySyncStatus
		for _, st := range statuses {
			if st.IsComplete {
				continue
			}
			req := subgraph.Request{
				Entity:         st.EntityName,
				First:          pageSize,
				IDGreaterThan:  st.LastProcessedID,
				ChangeBlockGTE: blockNumberFilter,
			}
			if firstRound && !s.metadataDone(provider.Name) {
				req.IncludeMeta = true
			}
			requests = append(requests, req)
			pending = append(pending, st)
		}
		if len(requests) == 0 {
			break
		}

		metrics.SyncerPagesFetched.WithLabelValues(provider.Name).Add(float64(len(requests)))
		data, meta, err := s.client.ExecuteRequests(ctx, provider.Endpoint, requests)
		if err != nil {
			// Swallowed: empty result, siblings progress; cursors are
			// re-derived from persisted state on the next poll.
			s.logger.Warn("collect page failed, yielding empty result",
				"provider", provider.Name,
				"entities", len(pending),
				"error", err,
			)
			metrics.SyncerFetchErrors.WithLabelValues(provider.Name).Inc()
			for _, st := range pending {
				st.IsComplete = true
			}
			continue
		}

		if meta != nil {
			s.persistMetadata(ctx, provider, meta)
		}
		firstRound = false

		for _, st := range pending {
			rows := data[st.EntityName]
			st.TotalProcessed += len(rows)
			metrics.SyncerRowsCollected.WithLabelValues(provider.Name, st.EntityName).Add(float64(len(rows)))
			if len(rows) > 0 {
				result[st.EntityName] = append(result[st.EntityName], rows...)
				cursor := rows[len(rows)-1].ID()
				if cursor == "" {
					// Without a cursor the next page would repeat this
					// one; stop paginating the malformed entity.
					s.logger.Warn("last row carries no id, stopping pagination",
						"provider", provider.Name,
						"entity", st.EntityName,
					)
					st.IsComplete = true
					continue
				}
				st.LastProcessedID = cursor
			}
			// A short page means the entity has no more rows to serve.
			if len(rows) < pageSize {
				st.IsComplete = true
			}
		}
	}
	return result
}

// CollectEntityDataByIDs re-fetches an explicit id set per entity, chunking
// ids and bounding how many chunks ride in one HTTP call.
func (s *Syncer) CollectEntityDataByIDs(ctx context.Context, idsByEntity map[string][]string) (map[string][]subgraph.Row, error) {
	type chunkReq struct {
		provider subgraph.Provider
		req      subgraph.Request
	}
	byEndpoint := make(map[string][]chunkReq)

	for entityName, ids := range idsByEntity {
		if len(ids) == 0 {
			continue
		}
		provider, ok := s.providerFor(entityName)
		if !ok {
			continue
		}
		for start := 0; start < len(ids); start += s.idChunkSize {
			end := start + s.idChunkSize
			if end > len(ids) {
				end = len(ids)
			}
			byEndpoint[provider.Endpoint] = append(byEndpoint[provider.Endpoint], chunkReq{
				provider: provider,
				req: subgraph.Request{
					Entity: entityName,
					First:  provider.MaxRowsPerRequest,
					IDIn:   ids[start:end],
				},
			})
		}
	}

	result := make(map[string][]subgraph.Row)
	for endpoint, chunks := range byEndpoint {
		for start := 0; start < len(chunks); start += s.maxRequestsPerCall {
			end := start + s.maxRequestsPerCall
			if end > len(chunks) {
				end = len(chunks)
			}
			requests := make([]subgraph.Request, 0, end-start)
			for _, c := range chunks[start:end] {
				requests = append(requests, c.req)
			}
			data, _, err := s.client.ExecuteRequests(ctx, endpoint, requests)
			if err != nil {
				return nil, fmt.Errorf("collect by ids: %w", err)
			}
			for name, rows := range data {
				result[name] = append(result[name], rows...)
			}
		}
	}
	return result, nil
}

// ProcessEntityData upserts every present entity in FK-safe order. All
// writes go through tx when it is non-nil.
func (s *Syncer) ProcessEntityData(ctx context.Context, data map[string][]subgraph.Row, tx *sql.Tx) error {
	present := make([]string, 0, len(data))
	for name, rows := range data {
		if len(rows) > 0 {
			present = append(present, name)
		}
	}
	for _, name := range s.graph.UpsertOrder(present...) {
		es, ok := s.graph.Entity(name)
		if !ok {
			continue
		}
		rows := data[name]
		if err := s.entities.UpsertTx(ctx, tx, es, rows); err != nil {
			return fmt.Errorf("process %s: %w", name, err)
		}
		metrics.SyncerRowsUpserted.WithLabelValues(name).Add(float64(len(rows)))
	}
	return nil
}

// SyncEntities collects then persists the requested entities.
func (s *Syncer) SyncEntities(ctx context.Context, entityNames []string, blockNumber int64) error {
	data, err := s.CollectEntityData(ctx, entityNames, blockNumber)
	if err != nil {
		return err
	}
	return s.ProcessEntityData(ctx, data, nil)
}

func (s *Syncer) groupByProvider(entityNames []string) map[string][]string {
	byProvider := make(map[string][]string)
	for _, name := range entityNames {
		if !s.graph.Has(name) {
			s.logger.Warn("unknown entity requested, skipping", "entity", name)
			continue
		}
		provider, ok := s.registry.ForEntity(name)
		if !ok {
			s.logger.Warn("entity has no provider, skipping", "entity", name)
			continue
		}
		byProvider[provider.Name] = append(byProvider[provider.Name], name)
	}
	return byProvider
}

func (s *Syncer) providerFor(entityName string) (subgraph.Provider, bool) {
	if !s.graph.Has(entityName) {
		s.logger.Warn("unknown entity requested, skipping", "entity", entityName)
		return subgraph.Provider{}, false
	}
	provider, ok := s.registry.ForEntity(entityName)
	if !ok {
		s.logger.Warn("entity has no provider, skipping", "entity", entityName)
	}
	return provider, ok
}

func (s *Syncer) metadataDone(providerName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadataWritten[providerName]
}

// persistMetadata writes the provider's _meta block once, best-effort: a
// failure is logged, never propagated.
func (s *Syncer) persistMetadata(ctx context.Context, provider subgraph.Provider, meta *subgraph.Meta) {
	s.mu.Lock()
	if s.metadataWritten[provider.Name] {
		s.mu.Unlock()
		return
	}
	s.metadataWritten[provider.Name] = true
	s.mu.Unlock()

	es, ok := s.graph.Entity(metadataEntity)
	if !ok {
		return
	}
	row := subgraph.Row{
		"id":             provider.Name,
		"blockNumber":    float64(meta.Block.Number),
		"blockHash":      meta.Block.Hash,
		"blockTimestamp": float64(meta.Block.Timestamp),
	}
	if err := s.entities.UpsertTx(ctx, nil, es, []subgraph.Row{row}); err != nil {
		s.logger.Warn("persist subgraph metadata failed",
			"provider", provider.Name,
			"error", err,
		)
	}
}
