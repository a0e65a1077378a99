package recordwatcher

import "pgcdc/event"

// coalesce applies the aggregation engine's coalescing law (§4.5) to a
// key's prior terminal event and an incoming row event, returning the
// new terminal event for that key. erase reports that the key should
// be removed from the backend entirely (an insert erased by a delete
// within the same transaction never surfaces to the watcher).
func coalesce(prior event.Event, incoming event.Event) (result event.Event, erase bool) {
	if prior == nil {
		return incoming, false
	}

	switch p := prior.(type) {
	case *event.Insert:
		switch n := incoming.(type) {
		case *event.Insert:
			return n, false
		case *event.Update:
			return &event.Insert{
				Xid: n.Xid, LSN: n.LSN, Context: n.Context,
				Schema: n.Schema, Table: n.Table, PrimaryKey: n.PrimaryKey,
				New: n.New,
			}, false
		case *event.Delete:
			return nil, true
		}

	case *event.Update:
		switch n := incoming.(type) {
		case *event.Insert:
			// Shouldn't occur on a well-formed stream; last-write-wins.
			return n, false
		case *event.Update:
			return &event.Update{
				Xid: n.Xid, LSN: n.LSN, Context: n.Context,
				Schema: n.Schema, Table: n.Table, PrimaryKey: n.PrimaryKey,
				Old: p.Old, New: n.New,
			}, false
		case *event.Delete:
			return &event.Delete{
				Xid: n.Xid, LSN: n.LSN, Context: n.Context,
				Schema: n.Schema, Table: n.Table, PrimaryKey: n.PrimaryKey,
				Old: p.Old,
			}, false
		}

	case *event.Delete:
		switch n := incoming.(type) {
		case *event.Insert:
			return n, false
		case *event.Update:
			// The row was deleted and a later statement in the same
			// transaction produced an Update for the same key; there is
			// no earlier surviving image to preserve, so the incoming
			// Update's own old image (typically empty/key-only) is kept
			// as-is.
			return n, false
		case *event.Delete:
			return p, false
		}
	}

	return incoming, false
}
