package subgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainloom/subgraph-mirror/internal/schema"
)

func queryTestGraph(t *testing.T) *schema.Graph {
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
				{Name: "paused", Type: schema.Scalar{Kind: schema.KindBoolean}},
			},
		},
	})
	require.NoError(t, err)
	return g
}

func TestBuildDocumentRendersAliasedCollections(t *testing.T) {
	g := queryTestGraph(t)

	doc, aliases, err := BuildDocument(g, []Request{
		{Entity: "Builder", First: 3, IDGreaterThan: CursorStart},
		{Entity: "BuilderState", First: 10, ChangeBlockGTE: 850},
	})

	require.NoError(t, err)
	assert.Contains(t, doc, `q0: builders(first: 3, orderBy: id, where: {id_gt: "0x00"})`)
	assert.Contains(t, doc, "q1: builderStates(first: 10, orderBy: id, where: {_change_block: {number_gte: 850}})")
	assert.Equal(t, map[string]string{"q0": "Builder", "q1": "BuilderState"}, aliases)
	assert.NotContains(t, doc, "_meta", "meta block only requested explicitly")
}

func TestBuildDocumentSelectsReferenceIDs(t *testing.T) {
	g := queryTestGraph(t)

	doc, _, err := BuildDocument(g, []Request{{Entity: "BuilderState", First: 5}})

	require.NoError(t, err)
	assert.Contains(t, doc, "builder { id }")
	assert.Contains(t, doc, " paused ")
}

func TestBuildDocumentIDInFilter(t *testing.T) {
	g := queryTestGraph(t)

	doc, _, err := BuildDocument(g, []Request{
		{Entity: "Builder", First: 2, IDIn: []string{"0x1", "0x2"}},
	})

	require.NoError(t, err)
	assert.Contains(t, doc, `where: {id_in: ["0x1", "0x2"]}`)
}

func TestBuildDocumentMetaBlock(t *testing.T) {
	g := queryTestGraph(t)

	doc, _, err := BuildDocument(g, []Request{
		{Entity: "Builder", First: 1, IncludeMeta: true},
	})

	require.NoError(t, err)
	assert.Contains(t, doc, "_meta { block { number hash timestamp } }")
}

func TestBuildDocumentRejectsUnknownEntity(t *testing.T) {
	g := queryTestGraph(t)

	_, _, err := BuildDocument(g, []Request{{Entity: "Ghost", First: 1}})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown entity")
}

func TestBuildDocumentRejectsEmptyRequests(t *testing.T) {
	g := queryTestGraph(t)

	_, _, err := BuildDocument(g, nil)

	require.Error(t, err)
}

func TestCollectionName(t *testing.T) {
	cases := map[string]string{
		"Builder":         "builders",
		"BuilderState":    "builderStates",
		"GaugeFactory":    "gaugeFactories",
		"Epoch":           "epoches",
		"Box":             "boxes",
		"BackerToBuilder": "backerToBuilders",
	}
	for entity, want := range cases {
		assert.Equal(t, want, collectionName(entity), entity)
	}
}
