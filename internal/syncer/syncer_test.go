package syncer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainloom/subgraph-mirror/internal/schema"
	"github.com/chainloom/subgraph-mirror/internal/store"
	"github.com/chainloom/subgraph-mirror/internal/subgraph"
)

func testGraph(t *testing.T) *schema.Graph {
	t.Helper()
	g, err := schema.Build([]schema.EntitySchema{
		{
			Name:       "Builder",
			PrimaryKey: []string{"id"},
			Columns: []schema.Column{
				{Name: "id", Type: schema.Scalar{Kind: schema.KindID}},
				{Name: "totalAllocation", Type: schema.Scalar{Kind: schema.KindBigInt}},
			},
		},
		{
			Name:       "BuilderState",
			PrimaryKey: []string{"id"},
			Columns: []schema.Column{
				{Name: "id", Type: schema.Scalar{Kind: schema.KindID}},
				{Name: "builder", Type: schema.Reference{Entity: "Builder"}},
			},
		},
		{
			Name:       "SubgraphMetadata",
			PrimaryKey: []string{"id"},
			Columns: []schema.Column{
				{Name: "id", Type: schema.Scalar{Kind: schema.KindID}},
				{Name: "blockNumber", Type: schema.Scalar{Kind: schema.KindBigInt}},
				{Name: "blockHash", Type: schema.Scalar{Kind: schema.KindString}},
				{Name: "blockTimestamp", Type: schema.Scalar{Kind: schema.KindBigInt}},
			},
		},
	})
	require.NoError(t, err)
	return g
}

func testRegistry(t *testing.T, pageSize int) *subgraph.Registry {
	t.Helper()
	r, err := subgraph.NewRegistry([]schema.ProviderDecl{
		{
			Name:              "collective",
			Endpoint:          "https://subgraph.local/collective",
			MaxRowsPerRequest: pageSize,
			Entities:          []string{"Builder", "BuilderState", "SubgraphMetadata"},
		},
	})
	require.NoError(t, err)
	return r
}

// pagedExecutor serves scripted pages per entity and records calls.
type pagedExecutor struct {
	pages map[string][][]subgraph.Row // entity -> pages, consumed in order
	meta  *subgraph.Meta
	calls []subgraph.Request
	err   error
}

func (f *pagedExecutor) ExecuteRequests(_ context.Context, _ string, requests []subgraph.Request) (map[string][]subgraph.Row, *subgraph.Meta, error) {
	f.calls = append(f.calls, requests...)
	if f.err != nil {
		return nil, nil, f.err
	}
	out := make(map[string][]subgraph.Row)
	var meta *subgraph.Meta
	for _, req := range requests {
		if req.IncludeMeta {
			meta = f.meta
		}
		pages := f.pages[req.Entity]
		if len(pages) == 0 {
			if _, ok := out[req.Entity]; !ok {
				out[req.Entity] = nil
			}
			continue
		}
		out[req.Entity] = append(out[req.Entity], pages[0]...)
		f.pages[req.Entity] = pages[1:]
	}
	return out, meta, nil
}

// memEntityRepo is an in-memory EntityRepository keyed by entity then id.
type memEntityRepo struct {
	tables    map[string]map[string]subgraph.Row
	upserts   []string // entity names in upsert call order
	upsertErr error
}

func newMemEntityRepo() *memEntityRepo {
	return &memEntityRepo{tables: make(map[string]map[string]subgraph.Row)}
}

func (m *memEntityRepo) UpsertTx(_ context.Context, _ *sql.Tx, es schema.EntitySchema, rows []subgraph.Row) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.upserts = append(m.upserts, es.Name)
	table := m.tables[es.Name]
	if table == nil {
		table = make(map[string]subgraph.Row)
		m.tables[es.Name] = table
	}
	for _, row := range rows {
		table[row.ID()] = row
	}
	return nil
}

func (m *memEntityRepo) DeleteByIDsTx(_ context.Context, _ *sql.Tx, es schema.EntitySchema, ids []string) error {
	for _, id := range ids {
		delete(m.tables[es.Name], id)
	}
	return nil
}

func (m *memEntityRepo) TruncateTx(_ context.Context, _ *sql.Tx, entityName string) error {
	m.tables[entityName] = make(map[string]subgraph.Row)
	return nil
}

func (m *memEntityRepo) ChildIDs(_ context.Context, child schema.EntitySchema, fkColumn string, parentIDs []string) ([]string, error) {
	parents := make(map[string]bool, len(parentIDs))
	for _, id := range parentIDs {
		parents[id] = true
	}
	var out []string
	for id, row := range m.tables[child.Name] {
		if fk, ok := row[fkColumn].(string); ok && parents[fk] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

var _ store.EntityRepository = (*memEntityRepo)(nil)

func rowsForIDs(ids ...string) []subgraph.Row {
	out := make([]subgraph.Row, len(ids))
	for i, id := range ids {
		out[i] = subgraph.Row{"id": id, "totalAllocation": "100"}
	}
	return out
}

func TestCollectEntityData_PaginationTerminates(t *testing.T) {
	// Page 1 returns exactly pageSize rows, page 2 returns zero: exactly
	// two fetches and the entity is complete.
	exec := &pagedExecutor{
		pages: map[string][][]subgraph.Row{
			"Builder": {rowsForIDs("0x01", "0x02"), nil},
		},
	}
	s := New(testGraph(t), testRegistry(t, 2), exec, newMemEntityRepo(), slog.Default())

	data, err := s.CollectEntityData(context.Background(), []string{"Builder"}, 0)
	require.NoError(t, err)
	require.Len(t, exec.calls, 2)
	assert.Len(t, data["Builder"], 2)

	// Cursor advanced to the last row of the first page.
	assert.Equal(t, subgraph.CursorStart, exec.calls[0].IDGreaterThan)
	assert.Equal(t, "0x02", exec.calls[1].IDGreaterThan)
}

func TestCollectEntityData_ShortPageCompletesInOneFetch(t *testing.T) {
	exec := &pagedExecutor{
		pages: map[string][][]subgraph.Row{
			"Builder": {rowsForIDs("0x01")},
		},
	}
	s := New(testGraph(t), testRegistry(t, 2), exec, newMemEntityRepo(), slog.Default())

	data, err := s.CollectEntityData(context.Background(), []string{"Builder"}, 0)
	require.NoError(t, err)
	assert.Len(t, exec.calls, 1)
	assert.Len(t, data["Builder"], 1)
}

func TestCollectEntityData_MissingCursorStopsPagination(t *testing.T) {
	// A full page whose last row has no id yields no cursor; paginating on
	// would refetch the same page forever.
	exec := &pagedExecutor{
		pages: map[string][][]subgraph.Row{
			"Builder": {{
				subgraph.Row{"id": "0x01", "totalAllocation": "100"},
				subgraph.Row{"totalAllocation": "7"},
			}},
		},
	}
	s := New(testGraph(t), testRegistry(t, 2), exec, newMemEntityRepo(), slog.Default())

	data, err := s.CollectEntityData(context.Background(), []string{"Builder"}, 0)
	require.NoError(t, err)
	assert.Len(t, exec.calls, 1)
	assert.Len(t, data["Builder"], 2)
}

func TestCollectEntityData_BlockNumberFilterPropagates(t *testing.T) {
	exec := &pagedExecutor{pages: map[string][][]subgraph.Row{}}
	s := New(testGraph(t), testRegistry(t, 2), exec, newMemEntityRepo(), slog.Default())

	_, err := s.CollectEntityData(context.Background(), []string{"Builder"}, 860)
	require.NoError(t, err)
	require.NotEmpty(t, exec.calls)
	assert.Equal(t, int64(860), exec.calls[0].ChangeBlockGTE)
}

func TestCollectEntityData_UnknownEntitySkipped(t *testing.T) {
	exec := &pagedExecutor{pages: map[string][][]subgraph.Row{}}
	s := New(testGraph(t), testRegistry(t, 2), exec, newMemEntityRepo(), slog.Default())

	data, err := s.CollectEntityData(context.Background(), []string{"Widget"}, 0)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Empty(t, exec.calls)
}

func TestCollectEntityData_FetchErrorYieldsEmptyResult(t *testing.T) {
	exec := &pagedExecutor{err: errors.New("http status 503: overloaded")}
	s := New(testGraph(t), testRegistry(t, 2), exec, newMemEntityRepo(), slog.Default())

	data, err := s.CollectEntityData(context.Background(), []string{"Builder", "BuilderState"}, 0)
	require.NoError(t, err, "fetch failures are swallowed, never returned")
	assert.Empty(t, data["Builder"])
	assert.Empty(t, data["BuilderState"])
}

func TestCollectEntityData_PersistsMetadataOncePerProvider(t *testing.T) {
	repo := newMemEntityRepo()
	exec := &pagedExecutor{
		pages: map[string][][]subgraph.Row{
			"Builder": {rowsForIDs("0x01")},
		},
		meta: &subgraph.Meta{Block: subgraph.MetaBlock{Number: 900, Hash: "0xabc", Timestamp: 1700}},
	}
	s := New(testGraph(t), testRegistry(t, 2), exec, repo, slog.Default())

	_, err := s.CollectEntityData(context.Background(), []string{"Builder"}, 0)
	require.NoError(t, err)

	meta := repo.tables["SubgraphMetadata"]["collective"]
	require.NotNil(t, meta)
	assert.Equal(t, "0xabc", meta["blockHash"])

	// Second collect must not request _meta again.
	exec.pages["Builder"] = [][]subgraph.Row{rowsForIDs("0x02")}
	exec.calls = nil
	_, err = s.CollectEntityData(context.Background(), []string{"Builder"}, 0)
	require.NoError(t, err)
	for _, req := range exec.calls {
		assert.False(t, req.IncludeMeta)
	}
}

func TestCollectEntityDataByIDs_ChunksAndBounds(t *testing.T) {
	exec := &pagedExecutor{
		pages: map[string][][]subgraph.Row{
			"Builder": {rowsForIDs("0x01"), rowsForIDs("0x02"), rowsForIDs("0x03")},
		},
	}
	s := New(testGraph(t), testRegistry(t, 10), exec, newMemEntityRepo(), slog.Default(),
		WithIDChunkSize(2), WithMaxRequestsPerCall(2))

	ids := []string{"0x01", "0x02", "0x03", "0x04", "0x05"}
	data, err := s.CollectEntityDataByIDs(context.Background(), map[string][]string{"Builder": ids})
	require.NoError(t, err)

	// 5 ids, chunk size 2 -> 3 id_in requests.
	require.Len(t, exec.calls, 3)
	var total int
	for _, req := range exec.calls {
		assert.NotEmpty(t, req.IDIn)
		assert.LessOrEqual(t, len(req.IDIn), 2)
		total += len(req.IDIn)
	}
	assert.Equal(t, 5, total)
	assert.Len(t, data["Builder"], 3)
}

func TestCollectEntityDataByIDs_ErrorPropagates(t *testing.T) {
	exec := &pagedExecutor{err: errors.New("boom")}
	s := New(testGraph(t), testRegistry(t, 10), exec, newMemEntityRepo(), slog.Default())

	_, err := s.CollectEntityDataByIDs(context.Background(), map[string][]string{"Builder": {"0x01"}})
	require.Error(t, err, "targeted re-fetch errors must surface to recovery")
}

func TestProcessEntityData_UpsertsInFKOrder(t *testing.T) {
	repo := newMemEntityRepo()
	s := New(testGraph(t), testRegistry(t, 2), &pagedExecutor{}, repo, slog.Default())

	data := map[string][]subgraph.Row{
		"BuilderState": {{"id": "0xs1", "builder": "0x01"}},
		"Builder":      {{"id": "0x01", "totalAllocation": "5"}},
	}
	require.NoError(t, s.ProcessEntityData(context.Background(), data, nil))
	assert.Equal(t, []string{"Builder", "BuilderState"}, repo.upserts)
}

func TestSyncEntities_Idempotent(t *testing.T) {
	repo := newMemEntityRepo()
	makeExec := func() *pagedExecutor {
		return &pagedExecutor{
			pages: map[string][][]subgraph.Row{
				"Builder": {rowsForIDs("0x01", "0x02"), nil},
			},
		}
	}
	s := New(testGraph(t), testRegistry(t, 2), makeExec(), repo, slog.Default())
	require.NoError(t, s.SyncEntities(context.Background(), []string{"Builder"}, 0))
	first := fmt.Sprintf("%v", repo.tables["Builder"])

	s2 := New(testGraph(t), testRegistry(t, 2), makeExec(), repo, slog.Default())
	require.NoError(t, s2.SyncEntities(context.Background(), []string{"Builder"}, 0))
	assert.Equal(t, first, fmt.Sprintf("%v", repo.tables["Builder"]), "replay with identical data leaves store unchanged")
}

func TestProcessEntityData_UpsertErrorPropagates(t *testing.T) {
	repo := newMemEntityRepo()
	repo.upsertErr = errors.New("pq: violates foreign key")
	s := New(testGraph(t), testRegistry(t, 2), &pagedExecutor{}, repo, slog.Default())

	err := s.ProcessEntityData(context.Background(), map[string][]subgraph.Row{
		"Builder": {{"id": "0x01"}},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "process Builder")
}
