package subgraph

// Row is one entity instance as returned by the subgraph. Reference fields
// are flattened to the referenced entity's id.
type Row map[string]any

// ID returns the row's id field as a string, empty when absent.
func (r Row) ID() string {
	if v, ok := r["id"].(string); ok {
		return v
	}
	return ""
}

// Request describes one paginated entity query. The zero values of the
// filter fields mean "unset".
type Request struct {
	Entity string
	First  int

	// IDGreaterThan paginates by id cursor (where: {id_gt: ...}).
	IDGreaterThan string
	// IDIn fetches an explicit id set (where: {id_in: [...]}).
	IDIn []string
	// ChangeBlockGTE restricts to rows changed at or after the block
	// (where: {_change_block: {number_gte: N}}).
	ChangeBlockGTE int64

	// IncludeMeta adds a _meta selection to the combined document.
	IncludeMeta bool
}

// Meta is the subgraph's own indexing position, from the _meta selection.
type Meta struct {
	Block MetaBlock
}

// MetaBlock is the block the subgraph has indexed up to.
type MetaBlock struct {
	Number    int64
	Hash      string
	Timestamp int64
}

// CursorStart is the id pagination sentinel: every subgraph id collates
// after it.
const CursorStart = "0x00"
