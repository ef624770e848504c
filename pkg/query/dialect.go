package query

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/tile"
)

// Dialect renders bound values for one SQL engine.
type Dialect interface {
	// Name identifies the dialect in logs.
	Name() string

	// qualify prefixes a table name with the engine's catalog and schema.
	qualify(table string) string

	// bind renders one scalar value.
	bind(b *builder, v any) error

	// inSet renders a membership predicate of col over ids.
	inSet(b *builder, col string, ids []node.ID) error
}

// Postgres binds values as $n placeholders. It is used with SQLEngine.
var Postgres Dialect = postgresDialect{}

// Inline renders values as literals, for engines that only accept SQL text
// (DuckDB behind the mosaic HTTP protocol). Only finite numbers and
// digit-only ids are accepted, so no request text reaches the statement.
// catalog prefixes every table, e.g. "postgres_db.public".
func Inline(catalog string) Dialect {
	return inlineDialect{catalog: strings.TrimSuffix(catalog, ".")}
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) qualify(table string) string { return "public." + table }

func (postgresDialect) bind(b *builder, v any) error {
	b.args = append(b.args, v)
	fmt.Fprintf(&b.sb, "$%d", len(b.args))
	return nil
}

func (postgresDialect) inSet(b *builder, col string, ids []node.ID) error {
	for _, id := range ids {
		if !id.Valid() {
			return fmt.Errorf("query: %w: %q", node.ErrInvalidID, id)
		}
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	b.args = append(b.args, pq.Array(strs))
	fmt.Fprintf(&b.sb, "%s = ANY($%d::bigint[])", col, len(b.args))
	return nil
}

type inlineDialect struct {
	catalog string
}

func (inlineDialect) Name() string { return "inline" }

func (d inlineDialect) qualify(table string) string {
	if d.catalog == "" {
		return table
	}
	return d.catalog + "." + table
}

func (inlineDialect) bind(b *builder, v any) error {
	switch v := v.(type) {
	case int:
		b.sb.WriteString(strconv.Itoa(v))
	case int64:
		b.sb.WriteString(strconv.FormatInt(v, 10))
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("query: non-finite literal %v", v)
		}
		b.sb.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	case node.ID:
		if !v.Valid() {
			return fmt.Errorf("query: %w: %q", node.ErrInvalidID, v)
		}
		b.sb.WriteString(v.String())
	default:
		return fmt.Errorf("query: inline dialect cannot render %T", v)
	}
	return nil
}

func (d inlineDialect) inSet(b *builder, col string, ids []node.ID) error {
	if len(ids) == 0 {
		b.sb.WriteString("FALSE")
		return nil
	}
	b.sb.WriteString(col + " IN (")
	for i, id := range ids {
		if i > 0 {
			b.sb.WriteString(", ")
		}
		if err := d.bind(b, id); err != nil {
			return err
		}
	}
	b.sb.WriteString(")")
	return nil
}

// builder accumulates SQL text and arguments. The first error sticks.
type builder struct {
	d    Dialect
	sb   strings.Builder
	args []any
	err  error
}

func (b *builder) sql(s string) *builder {
	if b.err == nil {
		b.sb.WriteString(s)
	}
	return b
}

func (b *builder) val(v any) *builder {
	if b.err == nil {
		b.err = b.d.bind(b, v)
	}
	return b
}

func (b *builder) in(col string, ids []node.ID) *builder {
	if b.err == nil {
		b.err = b.d.inSet(b, col, ids)
	}
	return b
}

func (b *builder) statement() (Statement, error) {
	if b.err != nil {
		return Statement{}, b.err
	}
	return Statement{SQL: b.sb.String(), Args: b.args}, nil
}

var graphVersionRE = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidGraphVersion reports whether v can be used as a table suffix.
func ValidGraphVersion(v string) bool {
	return graphVersionRE.MatchString(v)
}

// Tables names the relations queried for one graph version.
type Tables struct {
	Nodes    string
	Consent  string
	Accounts string
}

// TablesFor returns the relation names of graphVersion.
func TablesFor(graphVersion string) (Tables, error) {
	if !ValidGraphVersion(graphVersion) {
		return Tables{}, fmt.Errorf("query: invalid graph version %q", graphVersion)
	}
	return Tables{
		Nodes:    "graph_nodes_" + graphVersion,
		Consent:  "consent_labels",
		Accounts: "public_accounts",
	}, nil
}

// Compile renders t for dialect d against tables.
func Compile(t Template, d Dialect, tables Tables) (Statement, error) {
	switch t := t.(type) {
	case TileQuery:
		return compileTile(t, d, tables)
	case BaseNodeQuery:
		if t.Public {
			return compilePublicBase(t, d, tables)
		}
		return compileAuthBase(t, d, tables)
	}
	return Statement{}, fmt.Errorf("query: unknown template %T", t)
}

const nodeColumns = "g.label, g.x, g.y, g.community, g.degree, g.tier, g.node_type"

func compileTile(q TileQuery, d Dialect, tables Tables) (Statement, error) {
	if err := q.Key.Validate(); err != nil {
		return Statement{}, err
	}
	if q.Limit <= 0 {
		return Statement{}, invalid("limit")
	}
	bounds := q.Key.Bounds()
	if tile.Degenerate(bounds) {
		return Statement{}, ErrEmptyTile
	}
	r, err := tile.Band(q.Ceiling, q.Key.Band)
	if err != nil {
		return Statement{}, err
	}
	if r.Empty() {
		return Statement{}, ErrEmptyTile
	}

	b := &builder{d: d}
	b.sql("SELECT " + nodeColumns + " FROM " + d.qualify(tables.Nodes) + " g").
		sql(fmt.Sprintf(" WHERE g.community != %d", excludedCommunity)).
		sql(" AND g.degree < ").val(r.Ceil - bandEpsilon).
		sql(" AND g.degree >= ").val(r.Floor).
		sql(" AND g.x BETWEEN ").val(bounds.Min.X()).sql(" AND ").val(bounds.Max.X()).
		sql(" AND g.y BETWEEN ").val(bounds.Min.Y()).sql(" AND ").val(bounds.Max.Y()).
		sql(" ORDER BY g.degree DESC LIMIT ").val(q.Limit)
	return b.statement()
}

func consentedExists(d Dialect, tables Tables) string {
	return "EXISTS (SELECT 1 FROM " + d.qualify(tables.Consent) +
		" u WHERE u.twitter_id = g.id AND u.consent_level <> 'no_consent')"
}

func compileAuthBase(q BaseNodeQuery, d Dialect, tables Tables) (Statement, error) {
	if q.Limit <= 0 {
		return Statement{}, invalid("limit")
	}
	if len(q.Network) > MaxNetwork {
		return Statement{}, fmt.Errorf("query: network of %d ids exceeds %d", len(q.Network), MaxNetwork)
	}
	nodes := d.qualify(tables.Nodes)
	consented := consentedExists(d, tables)

	b := &builder{d: d}
	b.sql("WITH ")
	degreeCeiling(b, nodes, q.Limit)
	b.sql(", consent_nodes AS (").
		sql("SELECT " + nodeColumns + ", pa.raw_description AS description, 0 AS priority").
		sql(" FROM " + nodes + " g").
		sql(" INNER JOIN " + d.qualify(tables.Consent) + " u ON g.id = u.twitter_id AND u.consent_level <> 'no_consent'").
		sql(" LEFT JOIN " + d.qualify(tables.Accounts) + " pa ON pa.twitter_id = u.twitter_id AND u.consent_level = 'all_consent'").
		sql(fmt.Sprintf(" WHERE g.community != %d", excludedCommunity)).
		sql("), network_nodes AS (").
		sql("SELECT " + nodeColumns + ", NULL AS description, 1 AS priority").
		sql(" FROM " + nodes + " g").
		sql(fmt.Sprintf(" WHERE g.community != %d AND ", excludedCommunity)).in("g.id", q.Network).
		sql(" AND NOT " + consented).
		sql("), other_nodes AS (").
		sql("SELECT " + nodeColumns + ", NULL AS description, 2 AS priority").
		sql(" FROM " + nodes + " g").
		sql(fmt.Sprintf(" WHERE g.community != %d AND NOT (", excludedCommunity)).in("g.id", q.Network).
		sql(") AND NOT " + consented).
		sql(") SELECT c.label, c.x, c.y, c.community, c.degree, c.tier, c.node_type, c.description, c.priority, dc.detail_degree_ceiling FROM (").
		sql("SELECT * FROM consent_nodes UNION ALL SELECT * FROM network_nodes UNION ALL SELECT * FROM other_nodes").
		sql(") c CROSS JOIN degree_ceiling dc ORDER BY c.priority ASC, c.degree DESC LIMIT ").val(q.Limit)
	return b.statement()
}

func compilePublicBase(q BaseNodeQuery, d Dialect, tables Tables) (Statement, error) {
	if q.Limit <= 0 {
		return Statement{}, invalid("limit")
	}
	nodes := d.qualify(tables.Nodes)
	consented := consentedExists(d, tables)

	b := &builder{d: d}
	b.sql("WITH ")
	degreeCeiling(b, nodes, q.Limit)
	b.sql(", consent_nodes AS (").
		sql("SELECT " + nodeColumns + ", 0 AS priority").
		sql(" FROM " + nodes + " g").
		sql(" INNER JOIN " + d.qualify(tables.Consent) + " u ON g.id = u.twitter_id AND u.consent_level <> 'no_consent'").
		sql(fmt.Sprintf(" WHERE g.community != %d", excludedCommunity)).
		sql("), other_nodes AS (").
		sql("SELECT " + nodeColumns + ", 2 AS priority").
		sql(" FROM " + nodes + " g").
		sql(fmt.Sprintf(" WHERE g.community != %d AND NOT ", excludedCommunity) + consented).
		sql(") SELECT c.label, c.x, c.y, c.community, c.degree, c.tier, c.node_type, dc.detail_degree_ceiling FROM (").
		sql("SELECT * FROM consent_nodes UNION ALL SELECT * FROM other_nodes").
		sql(") c CROSS JOIN degree_ceiling dc ORDER BY c.priority ASC, c.degree DESC LIMIT ").val(q.Limit)
	return b.statement()
}

// degreeCeiling renders the degree_ceiling CTE: the lowest degree among the
// limit highest-degree nodes, whatever the consent or network priority of
// the rows actually returned. Tile bands start below it.
func degreeCeiling(b *builder, nodes string, limit int) {
	b.sql("degree_ceiling AS (").
		sql("SELECT MIN(degree) AS detail_degree_ceiling FROM (").
		sql("SELECT degree FROM " + nodes).
		sql(fmt.Sprintf(" WHERE community != %d ORDER BY degree DESC LIMIT ", excludedCommunity)).val(limit).
		sql(") t)")
}
