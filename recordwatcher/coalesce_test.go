package recordwatcher

import (
	"testing"

	"pgcdc/event"
)

func TestCoalesceInsertThenUpdateStaysInsertWithLatestData(t *testing.T) {
	ins := &event.Insert{Table: "widgets", New: event.DecodedRow{"name": "OriginalName"}}
	upd := &event.Update{Table: "widgets", Old: event.DecodedRow{"name": "OriginalName"}, New: event.DecodedRow{"name": "UpdatedName"}}

	result, erase := coalesce(ins, upd)
	if erase {
		t.Fatalf("expected no erase")
	}
	got, ok := result.(*event.Insert)
	if !ok {
		t.Fatalf("expected *event.Insert, got %T", result)
	}
	if got.New["name"] != "UpdatedName" {
		t.Fatalf("expected latest name, got %v", got.New["name"])
	}
}

func TestCoalesceInsertThenDeleteErases(t *testing.T) {
	ins := &event.Insert{Table: "widgets", New: event.DecodedRow{"name": "x"}}
	del := &event.Delete{Table: "widgets", Old: event.DecodedRow{"name": "x"}}

	_, erase := coalesce(ins, del)
	if !erase {
		t.Fatalf("expected insert+delete to erase the key")
	}
}

func TestCoalesceUpdateThenDeleteKeepsOriginalOld(t *testing.T) {
	upd := &event.Update{Table: "widgets", Old: event.DecodedRow{"name": "OriginalName"}, New: event.DecodedRow{"name": "UpdatedName"}}
	del := &event.Delete{Table: "widgets", Old: event.DecodedRow{"name": "UpdatedName"}}

	result, erase := coalesce(upd, del)
	if erase {
		t.Fatalf("expected no erase")
	}
	got, ok := result.(*event.Delete)
	if !ok {
		t.Fatalf("expected *event.Delete, got %T", result)
	}
	if got.Old["name"] != "OriginalName" {
		t.Fatalf("expected original pre-image preserved, got %v", got.Old["name"])
	}
}

func TestCoalesceUpdateThenUpdateKeepsOriginalOldAndLatestNew(t *testing.T) {
	first := &event.Update{Table: "widgets", Old: event.DecodedRow{"qty": int64(10)}, New: event.DecodedRow{"qty": int64(20)}}
	second := &event.Update{Table: "widgets", Old: event.DecodedRow{"qty": int64(20)}, New: event.DecodedRow{"qty": int64(30)}}

	result, erase := coalesce(first, second)
	if erase {
		t.Fatalf("expected no erase")
	}
	got := result.(*event.Update)
	if got.Old["qty"] != int64(10) || got.New["qty"] != int64(30) {
		t.Fatalf("expected old=10,new=30, got old=%v new=%v", got.Old["qty"], got.New["qty"])
	}
}

func TestCoalesceDeleteThenDeleteIsIdempotent(t *testing.T) {
	first := &event.Delete{Table: "widgets", Old: event.DecodedRow{"name": "x"}}
	second := &event.Delete{Table: "widgets", Old: event.DecodedRow{"name": "stale"}}

	result, erase := coalesce(first, second)
	if erase {
		t.Fatalf("expected no erase")
	}
	if result != event.Event(first) {
		t.Fatalf("expected the original delete to be kept unchanged")
	}
}

func TestCoalesceNoPriorReturnsIncomingUnchanged(t *testing.T) {
	ins := &event.Insert{Table: "widgets", New: event.DecodedRow{"name": "x"}}
	result, erase := coalesce(nil, ins)
	if erase {
		t.Fatalf("expected no erase")
	}
	if result != event.Event(ins) {
		t.Fatalf("expected the incoming event returned unchanged")
	}
}
