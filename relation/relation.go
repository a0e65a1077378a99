// Package relation caches the per-oid Relation metadata the Replicator
// receives from pgoutput, and resolves each relation's primary key
// columns from the PostgreSQL catalog over a separate, non-replication
// connection (§4.2).
package relation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Column is one positional column of a cached Relation.
type Column struct {
	Name    string
	TypeOID uint32
}

// Relation is the immutable, per-oid metadata the replicator caches
// after receiving a pgoutput Relation message. It is replaced wholesale
// (never mutated) if the server re-sends a Relation for the same oid.
type Relation struct {
	OID               uint32
	Schema            string
	Table             string
	Columns           []Column
	PrimaryKeyColumns []string
}

// FullName returns "schema.table", eliding the schema when it is "public".
func (r *Relation) FullName() string {
	if r.Schema == "public" || r.Schema == "" {
		return r.Table
	}
	return r.Schema + "." + r.Table
}

// ColumnIndex returns the position of name within Columns, or -1.
func (r *Relation) ColumnIndex(name string) int {
	for i, c := range r.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// MetadataConnector opens the non-replication connection the Cache
// uses for catalog lookups. It is a func rather than an interface so
// tests can supply an in-memory fake without standing up pgx.
type MetadataConnector func(ctx context.Context) (*pgx.Conn, error)

// Cache holds the per-oid Relation cache and the per-(schema,table)
// primary key cache, and owns the metadata connection used to
// populate the latter.
type Cache struct {
	connect   MetadataConnector
	conn      *pgx.Conn
	relations map[uint32]*Relation
	pkColumns map[string][]string
}

// NewCache creates a Cache that lazily opens its metadata connection
// via connect on first use.
func NewCache(connect MetadataConnector) *Cache {
	return &Cache{
		connect:   connect,
		relations: make(map[uint32]*Relation),
		pkColumns: make(map[string][]string),
	}
}

// Get returns the cached Relation for oid, if any.
func (c *Cache) Get(oid uint32) (*Relation, bool) {
	r, ok := c.relations[oid]
	return r, ok
}

// Put resolves the primary key for (schema, table) and stores the
// Relation under oid, replacing and invalidating any prior entry for
// that oid (schema evolution: see §4.2, §4.3, §7 "Schema mismatch").
func (c *Cache) Put(ctx context.Context, oid uint32, schema, table string, columns []Column) (*Relation, error) {
	key := pkCacheKey(schema, table)
	if _, existed := c.relations[oid]; existed {
		delete(c.pkColumns, key)
	}

	pk, err := c.primaryKeyColumns(ctx, schema, table)
	if err != nil {
		return nil, err
	}

	r := &Relation{
		OID:               oid,
		Schema:            schema,
		Table:             table,
		Columns:           columns,
		PrimaryKeyColumns: pk,
	}
	c.relations[oid] = r
	return r, nil
}

// Close releases the metadata connection, if one is open.
func (c *Cache) Close(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(ctx)
	c.conn = nil
	return err
}

func pkCacheKey(schema, table string) string { return schema + "." + table }

// primaryKeyColumns implements the three-step discovery strategy from
// §4.2: the declared primary key, then the best unique index, then "no
// resolvable key". Results are cached per (schema, table) for the
// lifetime of the Cache.
func (c *Cache) primaryKeyColumns(ctx context.Context, schema, table string) ([]string, error) {
	key := pkCacheKey(schema, table)
	if cols, ok := c.pkColumns[key]; ok {
		return cols, nil
	}

	cols, err := c.withMetadataConn(ctx, func(conn *pgx.Conn) ([]string, error) {
		cols, err := queryPrimaryKeyConstraint(ctx, conn, schema, table)
		if err != nil {
			return nil, err
		}
		if len(cols) > 0 {
			return cols, nil
		}
		return queryBestUniqueIndex(ctx, conn, schema, table)
	})
	if err != nil {
		return nil, err
	}

	c.pkColumns[key] = cols
	return cols, nil
}

// withMetadataConn runs fn against the cached metadata connection,
// opening it on first use and reopening+retrying exactly once if fn
// fails because the connection went bad.
func (c *Cache) withMetadataConn(ctx context.Context, fn func(*pgx.Conn) ([]string, error)) ([]string, error) {
	if c.conn == nil {
		conn, err := c.connect(ctx)
		if err != nil {
			return nil, fmt.Errorf("open metadata connection: %w", err)
		}
		c.conn = conn
	}

	cols, err := fn(c.conn)
	if err == nil || !isConnectionBad(err) {
		return cols, err
	}

	_ = c.conn.Close(ctx)
	conn, dialErr := c.connect(ctx)
	if dialErr != nil {
		return nil, fmt.Errorf("reopen metadata connection: %w", dialErr)
	}
	c.conn = conn
	return fn(c.conn)
}

func isConnectionBad(err error) bool {
	if err == nil {
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return false
	}
	return true
}

const primaryKeyConstraintSQL = `
SELECT a.attname
FROM pg_constraint c
JOIN pg_class t ON t.oid = c.conrelid
JOIN pg_namespace n ON n.oid = t.relnamespace
JOIN unnest(c.conkey) WITH ORDINALITY AS k(attnum, ord) ON true
JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
WHERE c.contype = 'p' AND n.nspname = $1 AND t.relname = $2
ORDER BY k.ord`

func queryPrimaryKeyConstraint(ctx context.Context, conn *pgx.Conn, schema, table string) ([]string, error) {
	rows, err := conn.Query(ctx, primaryKeyConstraintSQL, schema, table)
	if err != nil {
		return nil, fmt.Errorf("query pg_constraint: %w", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan pg_constraint row: %w", err)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// queryBestUniqueIndex ranks every unique index on (schema, table) by
// "primary key index first, then index oid, then column ordinal" and
// returns the columns of the first index found, fully materialized
// before any filtering is applied.
const bestUniqueIndexSQL = `
SELECT i.indexrelid, a.attname
FROM pg_index i
JOIN pg_class t ON t.oid = i.indrelid
JOIN pg_namespace n ON n.oid = t.relnamespace
JOIN unnest(i.indkey) WITH ORDINALITY AS x(attnum, ordinality) ON true
JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = x.attnum
WHERE i.indisunique AND n.nspname = $1 AND t.relname = $2
ORDER BY i.indisprimary DESC, i.indexrelid, x.ordinality`

func queryBestUniqueIndex(ctx context.Context, conn *pgx.Conn, schema, table string) ([]string, error) {
	rows, err := conn.Query(ctx, bestUniqueIndexSQL, schema, table)
	if err != nil {
		return nil, fmt.Errorf("query pg_index: %w", err)
	}
	defer rows.Close()

	type indexRow struct {
		indexOID int64
		column   string
	}
	var all []indexRow
	for rows.Next() {
		var r indexRow
		if err := rows.Scan(&r.indexOID, &r.column); err != nil {
			return nil, fmt.Errorf("scan pg_index row: %w", err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}

	// Rows already arrive ordered by the winning index first and its
	// columns in ordinal order; take the leading run for indexOID[0].
	winner := all[0].indexOID
	var cols []string
	for _, r := range all {
		if r.indexOID != winner {
			break
		}
		cols = append(cols, r.column)
	}
	return cols, nil
}
