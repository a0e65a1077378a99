package replicator

import (
	"context"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"

	"pgcdc/decode"
	"pgcdc/event"
	"pgcdc/relation"
)

func testRelation() *relation.Relation {
	return &relation.Relation{
		OID:    1,
		Schema: "public",
		Table:  "widgets",
		Columns: []relation.Column{
			{Name: "id", TypeOID: pgtype.Int4OID},
			{Name: "name", TypeOID: pgtype.TextOID},
		},
		PrimaryKeyColumns: []string{"id"},
	}
}

func tupleData(cols ...pglogrepl.TupleDataColumn) *pglogrepl.TupleData {
	out := make([]*pglogrepl.TupleDataColumn, len(cols))
	for i := range cols {
		c := cols[i]
		out[i] = &c
	}
	return &pglogrepl.TupleData{Columns: out}
}

func TestDecodeTupleMarksUnresolvedToastColumns(t *testing.T) {
	r := &Replicator{decode: decode.NewMap()}
	tuple := tupleData(
		pglogrepl.TupleDataColumn{DataType: 't', Data: []byte("7")},
		pglogrepl.TupleDataColumn{DataType: 'u'},
	)

	row, unresolved, err := r.decodeTuple(testRelation(), tuple, nil)
	if err != nil {
		t.Fatalf("decodeTuple: %v", err)
	}
	if row["id"] != int32(7) {
		t.Fatalf("expected id=7, got %v", row["id"])
	}
	if len(unresolved) != 1 || unresolved[0] != "name" {
		t.Fatalf("expected name to be unresolved, got %v", unresolved)
	}
}

func TestResolveUnresolvedFillsFromCompanionTuple(t *testing.T) {
	old := event.DecodedRow{"id": int32(7), "name": "before"}
	new := event.DecodedRow{"id": int32(7)}

	resolveUnresolved(new, old, []string{"name"})

	if new["name"] != "before" {
		t.Fatalf("expected unresolved column filled from old tuple, got %v", new["name"])
	}
}

func TestResolvePrimaryKeyNormalizesIntegerWidths(t *testing.T) {
	r := &Replicator{}
	rel := testRelation()
	row := event.DecodedRow{"id": int32(42), "name": "x"}

	pk, ok := r.resolvePrimaryKey(rel, row)
	if !ok {
		t.Fatalf("expected primary key to resolve")
	}
	if pk.Scalar() != int64(42) {
		t.Fatalf("expected normalized int64(42), got %#v", pk.Scalar())
	}
}

func TestResolvePrimaryKeyMissingColumnFails(t *testing.T) {
	r := &Replicator{}
	rel := testRelation()
	row := event.DecodedRow{"name": "x"}

	if _, ok := r.resolvePrimaryKey(rel, row); ok {
		t.Fatalf("expected resolution to fail when the pk column is absent")
	}
}

func TestHandleLogicalMessageLivenessPingAcksWithoutContext(t *testing.T) {
	r := &Replicator{watcher: alwaysValidWatcher{}}
	ackNow, err := r.handleLogicalMessage(context.Background(), &pglogrepl.LogicalDecodingMessage{Prefix: livenessMessagePrefix})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ackNow {
		t.Fatalf("expected liveness ping to request an immediate ack")
	}
	if r.txCtx != nil {
		t.Fatalf("liveness ping must not populate transaction context")
	}
}

func TestHandleLogicalMessageAcceptedPrefixReplacesTxCtx(t *testing.T) {
	r := &Replicator{watcher: alwaysValidWatcher{}}
	_, err := r.handleLogicalMessage(context.Background(), &pglogrepl.LogicalDecodingMessage{Prefix: "test_context", Content: []byte(`{"name":"c1"}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.txCtx["name"] != "c1" {
		t.Fatalf("expected name=c1 in tx context, got %#v", r.txCtx)
	}

	_, err = r.handleLogicalMessage(context.Background(), &pglogrepl.LogicalDecodingMessage{Prefix: "test_context", Content: []byte(`{"name":"c2"}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.txCtx) != 1 || r.txCtx["name"] != "c2" {
		t.Fatalf("expected context to be replaced wholesale, got %#v", r.txCtx)
	}
}

func TestHandleLogicalMessageRejectedPrefixDropsMessage(t *testing.T) {
	r := &Replicator{watcher: neverValidWatcher{}}
	_, err := r.handleLogicalMessage(context.Background(), &pglogrepl.LogicalDecodingMessage{Prefix: "test_context", Content: []byte(`{"name":"c1"}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.txCtx != nil {
		t.Fatalf("expected rejected prefix to leave tx context untouched, got %#v", r.txCtx)
	}
}

func TestHandleLogicalMessageMalformedJSONKeepsPriorContext(t *testing.T) {
	r := &Replicator{watcher: alwaysValidWatcher{}, txCtx: event.Context{"name": "c1"}}
	_, err := r.handleLogicalMessage(context.Background(), &pglogrepl.LogicalDecodingMessage{Prefix: "test_context", Content: []byte("not json")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.txCtx["name"] != "c1" {
		t.Fatalf("expected prior context to survive a malformed message, got %#v", r.txCtx)
	}
}

type alwaysValidWatcher struct{}

func (alwaysValidWatcher) OnEvent(context.Context, event.Event) error { return nil }
func (alwaysValidWatcher) ShouldWatchTable(string) bool                { return true }
func (alwaysValidWatcher) ValidContextPrefix(string) bool              { return true }

type neverValidWatcher struct{}

func (neverValidWatcher) OnEvent(context.Context, event.Event) error { return nil }
func (neverValidWatcher) ShouldWatchTable(string) bool                { return true }
func (neverValidWatcher) ValidContextPrefix(string) bool              { return false }
