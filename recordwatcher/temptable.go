package recordwatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pgcdc/event"
)

// TempTableBackend spills a transaction's aggregation state to a
// session-temporary table instead of process memory, for transactions
// whose estimated WAL footprint crosses the 2 GiB threshold (§4.5).
// It holds a single pooled connection for the lifetime of the
// transaction, since temporary tables are scoped to the session that
// created them.
//
// The table's schema matches §4.5 exactly: a single table_name text
// column rather than separate schema/table columns, so a terminal
// event drained from this backend always carries its full "schema.table"
// (or bare "table") name on Table with Schema left empty — unlike
// MemoryBackend's terminal events, which retain the original split.
type TempTableBackend struct {
	pool *pgxpool.Pool

	conn      *pgxpool.Conn
	tableName string
}

// NewTempTableBackend builds a TempTableBackend that acquires its
// session connections from pool.
func NewTempTableBackend(pool *pgxpool.Pool) *TempTableBackend {
	return &TempTableBackend{pool: pool}
}

func (b *TempTableBackend) Begin(ctx context.Context, _ *event.BeginTransaction) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("recordwatcher: acquire temp-table session: %w", err)
	}
	b.conn = conn
	b.tableName = "temp_record_watcher_" + uuid.NewString()[:8]

	_, err = conn.Exec(ctx, fmt.Sprintf(`
		CREATE TEMPORARY TABLE %s (
			xid bigint NOT NULL,
			lsn bigint NOT NULL,
			action text NOT NULL,
			table_name text NOT NULL,
			primary_key jsonb NOT NULL,
			old jsonb,
			new jsonb,
			context jsonb,
			PRIMARY KEY (table_name, primary_key)
		)`, b.tableName))
	if err != nil {
		conn.Release()
		b.conn = nil
		return fmt.Errorf("recordwatcher: create temp table: %w", err)
	}
	return nil
}

// Apply loads whatever terminal state is already buffered for e's
// key, coalesces e into it with the same rule MemoryBackend uses, and
// upserts (or deletes, on erase) the result — keeping both backends'
// semantics identical while only one of them holds state in Go memory.
func (b *TempTableBackend) Apply(ctx context.Context, e event.Event) error {
	key, ok := rowKey(e)
	if !ok {
		return nil
	}
	pk := primaryKeyOf(e)
	pkBytes, err := json.Marshal([]any(pk))
	if err != nil {
		return fmt.Errorf("recordwatcher: marshal primary key: %w", err)
	}

	prior, err := b.loadRow(ctx, key.Table, pkBytes)
	if err != nil {
		return err
	}

	result, erase := coalesce(prior, e)
	if erase {
		_, err := b.conn.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE table_name = $1 AND primary_key = $2::jsonb`, b.tableName),
			key.Table, string(pkBytes))
		if err != nil {
			return fmt.Errorf("recordwatcher: delete erased row: %w", err)
		}
		return nil
	}

	action, old, new := rowFields(result)
	oldBytes, err := marshalRow(old)
	if err != nil {
		return fmt.Errorf("recordwatcher: marshal old row: %w", err)
	}
	newBytes, err := marshalRow(new)
	if err != nil {
		return fmt.Errorf("recordwatcher: marshal new row: %w", err)
	}
	ctxBytes, err := marshalContext(result)
	if err != nil {
		return fmt.Errorf("recordwatcher: marshal context: %w", err)
	}

	_, err = b.conn.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (xid, lsn, action, table_name, primary_key, old, new, context)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7::jsonb, $8::jsonb)
		ON CONFLICT (table_name, primary_key) DO UPDATE SET
			xid = EXCLUDED.xid,
			lsn = EXCLUDED.lsn,
			action = EXCLUDED.action,
			old = EXCLUDED.old,
			new = EXCLUDED.new,
			context = EXCLUDED.context`,
		b.tableName),
		result.XactID(), result.Position(), action, key.Table, string(pkBytes), string(oldBytes), string(newBytes), string(ctxBytes))
	if err != nil {
		return fmt.Errorf("recordwatcher: upsert temp row: %w", err)
	}
	return nil
}

func (b *TempTableBackend) loadRow(ctx context.Context, table string, pkBytes []byte) (event.Event, error) {
	row := b.conn.QueryRow(ctx, fmt.Sprintf(
		`SELECT xid, lsn, action, table_name, primary_key, old, new, context FROM %s WHERE table_name = $1 AND primary_key = $2::jsonb`,
		b.tableName), table, string(pkBytes))

	var xid, lsn int64
	var action, tableName string
	var pkJSON, oldJSON, newJSON, ctxJSON []byte
	if err := row.Scan(&xid, &lsn, &action, &tableName, &pkJSON, &oldJSON, &newJSON, &ctxJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("recordwatcher: load prior row: %w", err)
	}
	return rowToEvent(xid, lsn, action, tableName, pkJSON, oldJSON, newJSON, ctxJSON)
}

func (b *TempTableBackend) Drain(ctx context.Context) ([]event.Event, error) {
	defer b.release(ctx)

	rows, err := b.conn.Query(ctx, fmt.Sprintf(
		`SELECT xid, lsn, action, table_name, primary_key, old, new, context FROM %s`, b.tableName))
	if err != nil {
		return nil, fmt.Errorf("recordwatcher: drain temp table: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var xid, lsn int64
		var action, tableName string
		var pkJSON, oldJSON, newJSON, ctxJSON []byte
		if err := rows.Scan(&xid, &lsn, &action, &tableName, &pkJSON, &oldJSON, &newJSON, &ctxJSON); err != nil {
			return nil, fmt.Errorf("recordwatcher: scan temp row: %w", err)
		}
		e, err := rowToEvent(xid, lsn, action, tableName, pkJSON, oldJSON, newJSON, ctxJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *TempTableBackend) Rollback(ctx context.Context) error {
	b.release(ctx)
	return nil
}

func (b *TempTableBackend) release(ctx context.Context) {
	if b.conn == nil {
		return
	}
	// The session runs in autocommit mode, so the table lives until this
	// explicit drop, which runs after Drain and on Rollback alike.
	_, _ = b.conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", b.tableName))
	b.conn.Release()
	b.conn = nil
}

func rowFields(e event.Event) (action string, old, new event.DecodedRow) {
	switch ev := e.(type) {
	case *event.Insert:
		return "insert", nil, ev.New
	case *event.Update:
		return "update", ev.Old, ev.New
	case *event.Delete:
		return "delete", ev.Old, nil
	default:
		return "", nil, nil
	}
}

func primaryKeyOf(e event.Event) event.PrimaryKey {
	switch ev := e.(type) {
	case *event.Insert:
		return ev.PrimaryKey
	case *event.Update:
		return ev.PrimaryKey
	case *event.Delete:
		return ev.PrimaryKey
	default:
		return nil
	}
}

func marshalRow(row event.DecodedRow) ([]byte, error) {
	if row == nil {
		return []byte("null"), nil
	}
	return json.Marshal(row)
}

func marshalContext(e event.Event) ([]byte, error) {
	var ctx event.Context
	switch ev := e.(type) {
	case *event.Insert:
		ctx = ev.Context
	case *event.Update:
		ctx = ev.Context
	case *event.Delete:
		ctx = ev.Context
	}
	if ctx == nil {
		return []byte("null"), nil
	}
	return json.Marshal(ctx)
}

// rowToEvent rebuilds the terminal event.Event for one stored row.
func rowToEvent(xid, lsn int64, action, tableName string, pkJSON, oldJSON, newJSON, ctxJSON []byte) (event.Event, error) {
	pk, err := decodePrimaryKey(pkJSON)
	if err != nil {
		return nil, fmt.Errorf("recordwatcher: decode primary key: %w", err)
	}
	old, err := decodeRow(oldJSON)
	if err != nil {
		return nil, fmt.Errorf("recordwatcher: decode old row: %w", err)
	}
	new, err := decodeRow(newJSON)
	if err != nil {
		return nil, fmt.Errorf("recordwatcher: decode new row: %w", err)
	}
	ctx, err := decodeContext(ctxJSON)
	if err != nil {
		return nil, fmt.Errorf("recordwatcher: decode context: %w", err)
	}

	xactID, rowLSN := event.TransactionID(xid), event.LSN(lsn)
	switch action {
	case "insert":
		return &event.Insert{Xid: xactID, LSN: rowLSN, Context: ctx, Table: tableName, PrimaryKey: pk, New: new}, nil
	case "update":
		return &event.Update{Xid: xactID, LSN: rowLSN, Context: ctx, Table: tableName, PrimaryKey: pk, Old: old, New: new}, nil
	case "delete":
		return &event.Delete{Xid: xactID, LSN: rowLSN, Context: ctx, Table: tableName, PrimaryKey: pk, Old: old}, nil
	default:
		return nil, fmt.Errorf("recordwatcher: unknown action %q", action)
	}
}

func decodePrimaryKey(data []byte) (event.PrimaryKey, error) {
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	pk, _ := event.NewPrimaryKey(normalizeJSONInts(raw)...)
	return pk, nil
}

func decodeRow(data []byte) (event.DecodedRow, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var row map[string]any
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	return event.DecodedRow(row), nil
}

func decodeContext(data []byte) (event.Context, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var ctx map[string]any
	if err := json.Unmarshal(data, &ctx); err != nil {
		return nil, err
	}
	return event.Context(ctx), nil
}

// normalizeJSONInts converts float64 values json.Unmarshal produces
// for numeric primary-key components back to int64, matching the
// normalization the Replicator performs before a key ever reaches the
// aggregation engine.
func normalizeJSONInts(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		if f, ok := v.(float64); ok {
			out[i] = int64(f)
			continue
		}
		out[i] = v
	}
	return out
}
