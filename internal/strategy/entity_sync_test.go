package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainloom/subgraph-mirror/internal/subgraph"
)

func TestEntitySyncBatchQueriesFilterFromCheckpoint(t *testing.T) {
	s := NewEntitySync("collective_entity_sync", "https://subgraph.local", []string{"Builder", "BuilderState"}, 500, nil)

	// the head is at 105 but the mirror last recorded 100: the filter must
	// cover the gap, not just the head block
	reqs, err := s.BatchQueries(context.Background(), Params{BlockNumber: 105, ChangedSince: 101})
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	for _, req := range reqs {
		assert.Equal(t, int64(101), req.ChangeBlockGTE)
		assert.Equal(t, subgraph.CursorStart, req.IDGreaterThan)
		assert.Equal(t, 500, req.First)
	}
}
