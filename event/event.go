// Package event defines the immutable value types emitted by the
// replicator: the five row/transaction event kinds, log sequence
// numbers, and the diff helpers used to inspect a terminal event's
// changed columns.
package event

import (
	"fmt"
	"reflect"
	"time"
)

// LSN is a PostgreSQL log sequence number: a byte offset into the WAL.
type LSN uint64

// String renders the LSN in the server's canonical "%X/%X" form.
func (lsn LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(lsn>>32), uint32(lsn))
}

// TransactionID is the server-assigned xid of a replicated transaction.
type TransactionID uint32

// DecodedRow maps column name to its decoded native value, or nil.
type DecodedRow map[string]any

// Context is the free-form per-transaction annotation injected via
// pg_logical_emit_message and forwarded to every row event of that
// transaction (see the Replicator's context-switch handling).
type Context map[string]any

// PrimaryKey is a scalar value for single-column keys or an ordered
// tuple of scalars for composite keys. Construct with NewPrimaryKey,
// which enforces that every element is an int64 or a string.
type PrimaryKey []any

// NewPrimaryKey builds a PrimaryKey from ordered values, rejecting any
// value that is not an int64 or a string: events whose primary key
// cannot be resolved to only integers/strings are dropped.
func NewPrimaryKey(values ...any) (PrimaryKey, bool) {
	for _, v := range values {
		switch v.(type) {
		case int64, string:
		default:
			return nil, false
		}
	}
	return PrimaryKey(values), true
}

// IsComposite reports whether the key has more than one column.
func (pk PrimaryKey) IsComposite() bool { return len(pk) > 1 }

// Scalar returns the sole element of a single-column key. Callers must
// check IsComposite first; calling Scalar on a composite key panics.
func (pk PrimaryKey) Scalar() any {
	if len(pk) != 1 {
		panic("event: Scalar called on composite primary key")
	}
	return pk[0]
}

// String renders the key the way it would appear in a log line:
// a bare scalar, or a bracketed list such as "[2 200]" for composite keys.
func (pk PrimaryKey) String() string {
	if len(pk) == 1 {
		return fmt.Sprintf("%v", pk[0])
	}
	return fmt.Sprintf("%v", []any(pk))
}

// Equal reports whether two primary keys identify the same row.
func (pk PrimaryKey) Equal(other PrimaryKey) bool {
	if len(pk) != len(other) {
		return false
	}
	for i := range pk {
		if pk[i] != other[i] {
			return false
		}
	}
	return true
}

// Key is an opaque, comparable identifier for a (table, primary key)
// pair, used by the RecordWatcher aggregation engine as a map key.
type Key struct {
	Table string
	PK    string
}

// RowKey builds the aggregation key for a fully-qualified table name
// and primary key.
func RowKey(fullTable string, pk PrimaryKey) Key {
	return Key{Table: fullTable, PK: pk.String()}
}

// Event is the sealed tagged union of everything the Replicator and
// RecordWatcher hand to a Watcher. The concrete types below are its
// only implementations; switch exhaustively on the concrete type
// rather than adding methods to this interface.
type Event interface {
	// XactID returns the transaction this event belongs to.
	XactID() TransactionID
	// Position returns the LSN this event is associated with.
	Position() LSN
	isEvent()
}

// BeginTransaction opens a transaction's event sequence.
type BeginTransaction struct {
	Xid       TransactionID
	LSN       LSN
	FinalLSN  LSN
	Timestamp time.Time
}

func (e *BeginTransaction) XactID() TransactionID { return e.Xid }
func (e *BeginTransaction) Position() LSN         { return e.LSN }
func (e *BeginTransaction) isEvent()              {}

// EstimatedSize approximates the transaction's WAL footprint in bytes.
// It is intentionally signed: a non-monotonic final_lsn yields a
// negative or zero size, which the aggregation engine treats the same
// as any value under the 2 GiB threshold.
func (e *BeginTransaction) EstimatedSize() int64 {
	return int64(e.FinalLSN) - int64(e.LSN)
}

// CommitTransaction closes a transaction's event sequence.
type CommitTransaction struct {
	Xid       TransactionID
	LSN       LSN
	Context   Context
	Timestamp time.Time
}

func (e *CommitTransaction) XactID() TransactionID { return e.Xid }
func (e *CommitTransaction) Position() LSN         { return e.LSN }
func (e *CommitTransaction) isEvent()              {}

// Insert is a committed row insertion.
type Insert struct {
	Xid        TransactionID
	LSN        LSN
	Context    Context
	Schema     string
	Table      string
	PrimaryKey PrimaryKey
	New        DecodedRow
}

func (e *Insert) XactID() TransactionID { return e.Xid }
func (e *Insert) Position() LSN         { return e.LSN }
func (e *Insert) isEvent()              {}

// FullTable returns "schema.table", or bare "table" when the schema is "public".
func (e *Insert) FullTable() string { return fullTable(e.Schema, e.Table) }

// Attribute returns the new value of column k.
func (e *Insert) Attribute(k string) any { return e.New[k] }

// Diff reports every column as a (nil, new) pair.
func (e *Insert) Diff() map[string][2]any { return insertDiff(e.New) }

// Update is a committed row modification.
type Update struct {
	Xid        TransactionID
	LSN        LSN
	Context    Context
	Schema     string
	Table      string
	PrimaryKey PrimaryKey
	Old        DecodedRow
	New        DecodedRow
}

func (e *Update) XactID() TransactionID { return e.Xid }
func (e *Update) Position() LSN         { return e.LSN }
func (e *Update) isEvent()              {}

func (e *Update) FullTable() string { return fullTable(e.Schema, e.Table) }

// Attribute returns the new value of column k.
func (e *Update) Attribute(k string) any { return e.New[k] }

// AttributeWas returns the pre-image value of column k.
func (e *Update) AttributeWas(k string) any { return e.Old[k] }

// Diff reports the (old, new) pair for every column whose value changed.
func (e *Update) Diff() map[string][2]any { return updateDiff(e.Old, e.New) }

// ChangedAttribute reports whether column k differs between Old and New.
func (e *Update) ChangedAttribute(k string) bool {
	_, changed := e.Diff()[k]
	return changed
}

// Delete is a committed row removal.
type Delete struct {
	Xid        TransactionID
	LSN        LSN
	Context    Context
	Schema     string
	Table      string
	PrimaryKey PrimaryKey
	Old        DecodedRow
}

func (e *Delete) XactID() TransactionID { return e.Xid }
func (e *Delete) Position() LSN         { return e.LSN }
func (e *Delete) isEvent()              {}

func (e *Delete) FullTable() string { return fullTable(e.Schema, e.Table) }

// AttributeWas returns the pre-image value of column k.
func (e *Delete) AttributeWas(k string) any { return e.Old[k] }

// Diff reports every column as an (old, nil) pair.
func (e *Delete) Diff() map[string][2]any { return deleteDiff(e.Old) }

func fullTable(schema, table string) string {
	if schema == "public" || schema == "" {
		return table
	}
	return schema + "." + table
}

func insertDiff(new DecodedRow) map[string][2]any {
	out := make(map[string][2]any, len(new))
	for k, v := range new {
		out[k] = [2]any{nil, v}
	}
	return out
}

func deleteDiff(old DecodedRow) map[string][2]any {
	out := make(map[string][2]any, len(old))
	for k, v := range old {
		out[k] = [2]any{v, nil}
	}
	return out
}

func updateDiff(old, new DecodedRow) map[string][2]any {
	out := make(map[string][2]any)
	for k, nv := range new {
		ov, existed := old[k]
		if !existed || !valuesEqual(ov, nv) {
			out[k] = [2]any{ov, nv}
		}
	}
	return out
}

func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
