package schema

// ScalarKind enumerates the scalar value kinds a subgraph column can carry.
type ScalarKind string

const (
	KindID         ScalarKind = "ID"
	KindString     ScalarKind = "String"
	KindInt        ScalarKind = "Int"
	KindBigInt     ScalarKind = "BigInt"
	KindBigDecimal ScalarKind = "BigDecimal"
	KindBoolean    ScalarKind = "Boolean"
	KindBytes      ScalarKind = "Bytes"
	KindTimestamp  ScalarKind = "Timestamp"
)

// ColumnType is the tagged union of column types: Scalar, Reference or ArrayOf.
type ColumnType interface {
	columnType()
}

// Scalar is a plain value column.
type Scalar struct {
	Kind ScalarKind
}

// Reference is a foreign-key column pointing at another entity's id.
type Reference struct {
	Entity string
}

// ArrayOf is a list column of scalar elements.
type ArrayOf struct {
	Elem ScalarKind
}

func (Scalar) columnType()    {}
func (Reference) columnType() {}
func (ArrayOf) columnType()   {}

// Column describes one column of a mirrored entity table.
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

// EntitySchema describes the shape of one mirrored entity table.
// Loaded at startup, immutable afterwards.
type EntitySchema struct {
	Name       string
	PrimaryKey []string
	Columns    []Column
}

// Column returns the named column and whether it exists.
func (e EntitySchema) Column(name string) (Column, bool) {
	for _, c := range e.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// IDColumn returns the first primary key column name, "id" when unset.
func (e EntitySchema) IDColumn() string {
	if len(e.PrimaryKey) > 0 {
		return e.PrimaryKey[0]
	}
	return "id"
}

// ChildRef identifies a referencing column on a child entity.
type ChildRef struct {
	Entity string
	Column string
}
