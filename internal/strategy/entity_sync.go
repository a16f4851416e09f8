package strategy

import (
	"context"
	"sync"

	"github.com/chainloom/subgraph-mirror/internal/subgraph"
	"github.com/chainloom/subgraph-mirror/internal/syncer"
)

// EntitySync mirrors a fixed entity set each block. The batched path fetches
// one change-filtered page per entity; entities whose page came back full
// are finished through the syncer's pagination loop. Touched-row state is
// per-instance, injected nowhere else, so parallel instances and tests never
// share counters.
type EntitySync struct {
	name     string
	endpoint string
	entities []string
	sync     *syncer.Syncer
	pageSize int

	mu      sync.Mutex
	touched map[string][]string
}

func NewEntitySync(name, endpoint string, entities []string, pageSize int, s *syncer.Syncer) *EntitySync {
	return &EntitySync{
		name:     name,
		endpoint: endpoint,
		entities: append([]string(nil), entities...),
		sync:     s,
		pageSize: pageSize,
		touched:  make(map[string][]string),
	}
}

func (s *EntitySync) Name() string     { return s.name }
func (s *EntitySync) Endpoint() string { return s.endpoint }

// Execute is the unbatched path: full paginated sync of the entity set.
func (s *EntitySync) Execute(ctx context.Context, params Params) error {
	data, err := s.sync.CollectEntityData(ctx, s.entities, params.ChangedSince)
	if err != nil {
		return err
	}
	if err := s.sync.ProcessEntityData(ctx, data, nil); err != nil {
		return err
	}
	s.record(data)
	return nil
}

func (s *EntitySync) BatchQueries(_ context.Context, params Params) ([]subgraph.Request, error) {
	requests := make([]subgraph.Request, 0, len(s.entities))
	for _, entity := range s.entities {
		requests = append(requests, subgraph.Request{
			Entity:         entity,
			First:          s.pageSize,
			IDGreaterThan:  subgraph.CursorStart,
			ChangeBlockGTE: params.ChangedSince,
		})
	}
	return requests, nil
}

func (s *EntitySync) ProcessBatchResults(ctx context.Context, params Params, data map[string][]subgraph.Row) error {
	if err := s.sync.ProcessEntityData(ctx, data, nil); err != nil {
		return err
	}
	s.record(data)

	// A full first page means more rows exist beyond the batched fetch;
	// finish those entities through the ordinary pagination loop.
	var overflow []string
	for _, entity := range s.entities {
		if len(data[entity]) >= s.pageSize {
			overflow = append(overflow, entity)
		}
	}
	if len(overflow) == 0 {
		return nil
	}
	more, err := s.sync.CollectEntityData(ctx, overflow, params.ChangedSince)
	if err != nil {
		return err
	}
	if err := s.sync.ProcessEntityData(ctx, more, nil); err != nil {
		return err
	}
	s.record(more)
	return nil
}

// UpdatedEntities drains the touched-row tracker.
func (s *EntitySync) UpdatedEntities() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.touched
	s.touched = make(map[string][]string)
	return out
}

func (s *EntitySync) record(data map[string][]subgraph.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for entity, rows := range data {
		for _, row := range rows {
			if id := row.ID(); id != "" {
				s.touched[entity] = append(s.touched[entity], id)
			}
		}
	}
}
