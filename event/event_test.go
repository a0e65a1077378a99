package event

import "testing"

func TestInsertDiff(t *testing.T) {
	e := &Insert{New: DecodedRow{"id": int64(1), "name": "a"}}
	diff := e.Diff()
	if diff["name"][0] != nil || diff["name"][1] != "a" {
		t.Fatalf("unexpected diff for name: %v", diff["name"])
	}
}

func TestUpdateDiffOnlyChangedColumns(t *testing.T) {
	e := &Update{
		Old: DecodedRow{"id": int64(1), "name": "a", "age": int64(10)},
		New: DecodedRow{"id": int64(1), "name": "b", "age": int64(10)},
	}
	diff := e.Diff()
	if _, ok := diff["age"]; ok {
		t.Fatalf("age did not change, should not appear in diff")
	}
	if diff["name"][0] != "a" || diff["name"][1] != "b" {
		t.Fatalf("unexpected name diff: %v", diff["name"])
	}
	if !e.ChangedAttribute("name") || e.ChangedAttribute("age") {
		t.Fatalf("ChangedAttribute mismatch")
	}
}

func TestDeleteDiff(t *testing.T) {
	e := &Delete{Old: DecodedRow{"id": int64(1)}}
	diff := e.Diff()
	if diff["id"][0] != int64(1) || diff["id"][1] != nil {
		t.Fatalf("unexpected delete diff: %v", diff["id"])
	}
}

func TestPrimaryKeyScalarVsComposite(t *testing.T) {
	pk, ok := NewPrimaryKey(int64(42))
	if !ok || pk.IsComposite() || pk.Scalar() != int64(42) {
		t.Fatalf("expected scalar pk, got %v", pk)
	}

	composite, ok := NewPrimaryKey(int64(2), int64(200))
	if !ok || !composite.IsComposite() {
		t.Fatalf("expected composite pk, got %v", composite)
	}

	if _, ok := NewPrimaryKey(3.14); ok {
		t.Fatalf("float primary key should be rejected")
	}
}

func TestBeginTransactionEstimatedSize(t *testing.T) {
	b := &BeginTransaction{LSN: 100, FinalLSN: 50}
	if size := b.EstimatedSize(); size >= 0 {
		t.Fatalf("expected negative estimated size for non-monotonic lsn, got %d", size)
	}
}

func TestFullTablePublicSchemaElided(t *testing.T) {
	i := &Insert{Schema: "public", Table: "records"}
	if got := i.FullTable(); got != "records" {
		t.Fatalf("expected bare table name, got %q", got)
	}
	i2 := &Insert{Schema: "alternate", Table: "records"}
	if got := i2.FullTable(); got != "alternate.records" {
		t.Fatalf("expected schema-qualified name, got %q", got)
	}
}
