package subgraph

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/chainloom/subgraph-mirror/internal/schema"
)

// BuildDocument renders a combined GraphQL document for the given requests:
//
//	query BatchQuery { q0: builders(first: 1000, orderBy: id, where: {...}) { ... } }
//
// Each request gets an alias q<i> so the same entity can appear more than
// once with different filters. Selection sets are derived from the entity
// schemas; reference columns select the referenced id.
func BuildDocument(g *schema.Graph, requests []Request) (string, map[string]string, error) {
	if len(requests) == 0 {
		return "", nil, fmt.Errorf("subgraph: empty request set")
	}

	var sb strings.Builder
	sb.WriteString("query BatchQuery {")

	aliasToEntity := make(map[string]string, len(requests))
	meta := false
	for i, req := range requests {
		es, ok := g.Entity(req.Entity)
		if !ok {
			return "", nil, fmt.Errorf("subgraph: unknown entity %q", req.Entity)
		}
		alias := "q" + strconv.Itoa(i)
		aliasToEntity[alias] = req.Entity

		sb.WriteString(" ")
		sb.WriteString(alias)
		sb.WriteString(": ")
		sb.WriteString(collectionName(req.Entity))
		sb.WriteString("(")
		writeArguments(&sb, req)
		sb.WriteString(") ")
		writeSelection(&sb, es)

		if req.IncludeMeta {
			meta = true
		}
	}
	if meta {
		sb.WriteString(" _meta { block { number hash timestamp } }")
	}
	sb.WriteString(" }")
	return sb.String(), aliasToEntity, nil
}

func writeArguments(sb *strings.Builder, req Request) {
	fmt.Fprintf(sb, "first: %d, orderBy: id", req.First)

	var where []string
	if req.IDGreaterThan != "" {
		where = append(where, "id_gt: "+strconv.Quote(req.IDGreaterThan))
	}
	if len(req.IDIn) > 0 {
		quoted := make([]string, len(req.IDIn))
		for i, id := range req.IDIn {
			quoted[i] = strconv.Quote(id)
		}
		where = append(where, "id_in: ["+strings.Join(quoted, ", ")+"]")
	}
	if req.ChangeBlockGTE > 0 {
		where = append(where, fmt.Sprintf("_change_block: {number_gte: %d}", req.ChangeBlockGTE))
	}
	if len(where) > 0 {
		sb.WriteString(", where: {")
		sb.WriteString(strings.Join(where, ", "))
		sb.WriteString("}")
	}
}

func writeSelection(sb *strings.Builder, es schema.EntitySchema) {
	sb.WriteString("{")
	for _, col := range es.Columns {
		sb.WriteString(" ")
		sb.WriteString(col.Name)
		if _, ok := col.Type.(schema.Reference); ok {
			sb.WriteString(" { id }")
		}
	}
	sb.WriteString(" }")
}

// collectionName maps an entity name to its plural query field, following
// graph-node's convention: Builder -> builders, BuilderState -> builderStates.
func collectionName(entity string) string {
	runes := []rune(entity)
	runes[0] = unicode.ToLower(runes[0])
	name := string(runes)
	switch {
	case strings.HasSuffix(name, "s"), strings.HasSuffix(name, "x"), strings.HasSuffix(name, "ch"):
		return name + "es"
	case strings.HasSuffix(name, "y") && !strings.ContainsRune("aeiou", runes[len(runes)-2]):
		return name[:len(name)-1] + "ies"
	default:
		return name + "s"
	}
}
