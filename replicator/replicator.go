// Package replicator drives a single PostgreSQL logical replication
// slot and turns its pgoutput stream into the event.Event sequence a
// watcher.Watcher consumes (§4.3).
package replicator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/sirupsen/logrus"

	"pgcdc/decode"
	"pgcdc/event"
	"pgcdc/relation"
	"pgcdc/watcher"
)

// livenessMessagePrefix marks a liveness ping emitted by a runner, to
// be acknowledged with a standby status update but never handed to the
// watcher (§4.7).
const livenessMessagePrefix = "wal_ping"

// Replicator owns the replication connection, the relation.Cache used
// for catalog lookups over a second ordinary connection, and the
// column decoder map, and drives a single watcher.Watcher.
type Replicator struct {
	config  Config
	watcher watcher.Watcher
	cache   *relation.Cache
	decode  *decode.Map
	log     *logrus.Logger

	conn *pgconn.PgConn

	// txCtx accumulates the logical-message context for the
	// in-progress transaction, reset on every Begin.
	txCtx event.Context
	// txXid is the xid of the in-progress transaction, captured from
	// its BeginMessage; CommitMessage does not carry it back.
	txXid event.TransactionID
}

// New builds a Replicator. connectMetadata opens the non-replication
// connection relation.Cache uses for primary-key discovery.
func New(cfg Config, w watcher.Watcher, connectMetadata relation.MetadataConnector, log *logrus.Logger) (*Replicator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Replicator{
		config:  cfg,
		watcher: w,
		cache:   relation.NewCache(connectMetadata),
		decode:  decode.NewMap(),
		log:     log,
	}, nil
}

// Run connects, ensures the slot exists, starts replication at the
// slot's confirmed flush position and blocks in the receive
// loop until ctx is cancelled or an unrecoverable error occurs (§4.3).
// The watcher's own errors abort the stream and are returned unwrapped.
func (r *Replicator) Run(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, r.config.ReplicationDSN)
	if err != nil {
		return fmt.Errorf("replicator: connect: %w", err)
	}
	r.conn = conn
	defer r.conn.Close(context.Background())
	defer r.cache.Close(context.Background())

	if err := r.ensureSlot(ctx); err != nil {
		return fmt.Errorf("replicator: ensure slot: %w", err)
	}

	sysident, err := pglogrepl.IdentifySystem(ctx, r.conn)
	if err != nil {
		return fmt.Errorf("replicator: identify system: %w", err)
	}

	pluginArgs := []string{
		fmt.Sprintf("proto_version '%s'", r.config.ProtocolVersion),
		fmt.Sprintf("publication_names '%s'", strings.Join(r.config.Publications, ",")),
		"messages 'true'",
	}
	// Start position 0/0 lets the server resume from the slot's
	// confirmed flush position.
	if err := pglogrepl.StartReplication(ctx, r.conn, r.config.SlotName, 0, pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs}); err != nil {
		return fmt.Errorf("replicator: start replication: %w", err)
	}
	r.log.WithFields(logrus.Fields{"slot": r.config.SlotName, "lsn": event.LSN(sysident.XLogPos).String()}).Info("replicator: streaming started")

	return r.receiveLoop(ctx, 0)
}

func (r *Replicator) ensureSlot(ctx context.Context) error {
	_, err := pglogrepl.CreateReplicationSlot(ctx, r.conn, r.config.SlotName, "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{Temporary: r.config.TemporarySlot})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return err
	}
	return nil
}

// receiveLoop is the heart of §4.3: it parses each pgoutput message,
// maintains relation and transaction-context state, emits decoded
// events to the watcher, and acknowledges progress with periodic and
// on-demand standby status updates.
func (r *Replicator) receiveLoop(ctx context.Context, startLSN pglogrepl.LSN) error {
	clientXLogPos := startLSN
	var lastWritten pglogrepl.LSN
	nextStandbyDeadline := time.Now().Add(r.config.StandbyMessageTimeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if time.Now().After(nextStandbyDeadline) {
			if err := r.sendStandbyStatus(ctx, clientXLogPos, lastWritten); err != nil {
				return fmt.Errorf("replicator: send standby status: %w", err)
			}
			nextStandbyDeadline = time.Now().Add(r.config.StandbyMessageTimeout)
		}

		msgCtx, cancel := context.WithDeadline(ctx, nextStandbyDeadline)
		rawMsg, err := r.conn.ReceiveMessage(msgCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("replicator: receive message: %w", err)
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("replicator: server error: %s", errMsg.Message)
		}

		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok || len(copyData.Data) == 0 {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("replicator: parse keepalive: %w", err)
			}
			if pkm.ServerWALEnd > clientXLogPos {
				clientXLogPos = pkm.ServerWALEnd
			}
			if pkm.ReplyRequested {
				if err := r.sendStandbyStatus(ctx, clientXLogPos, lastWritten); err != nil {
					return fmt.Errorf("replicator: send standby status: %w", err)
				}
				nextStandbyDeadline = time.Now().Add(r.config.StandbyMessageTimeout)
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("replicator: parse xlog data: %w", err)
			}
			ackNow, err := r.handleWALData(ctx, xld)
			if err != nil {
				return err
			}
			if xld.WALStart > clientXLogPos {
				clientXLogPos = xld.WALStart
			}
			lastWritten = clientXLogPos
			if ackNow {
				if err := r.sendStandbyStatus(ctx, clientXLogPos, lastWritten); err != nil {
					return fmt.Errorf("replicator: send standby status: %w", err)
				}
				nextStandbyDeadline = time.Now().Add(r.config.StandbyMessageTimeout)
			}
		}
	}
}

func (r *Replicator) sendStandbyStatus(ctx context.Context, pos, written pglogrepl.LSN) error {
	return pglogrepl.SendStandbyStatusUpdate(ctx, r.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: written,
		WALFlushPosition: pos,
		WALApplyPosition: pos,
	})
}

// handleWALData decodes one pgoutput logical message and dispatches it
// to the watcher. ackNow reports whether the caller should immediately
// send a standby status update rather than waiting for the next
// timeout (true on a liveness ping and on commit, per §4.3/§4.7).
func (r *Replicator) handleWALData(ctx context.Context, xld pglogrepl.XLogData) (ackNow bool, err error) {
	msg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		return false, fmt.Errorf("replicator: parse logical message: %w", err)
	}

	switch m := msg.(type) {
	case *pglogrepl.RelationMessage:
		cols := make([]relation.Column, len(m.Columns))
		for i, c := range m.Columns {
			cols[i] = relation.Column{Name: c.Name, TypeOID: c.DataType}
		}
		if _, err := r.cache.Put(ctx, m.RelationID, m.Namespace, m.RelationName, cols); err != nil {
			return false, fmt.Errorf("replicator: cache relation %s.%s: %w", m.Namespace, m.RelationName, err)
		}
		return false, nil

	case *pglogrepl.BeginMessage:
		r.txCtx = nil
		r.txXid = event.TransactionID(m.Xid)
		return false, r.dispatch(ctx, &event.BeginTransaction{
			Xid:       r.txXid,
			LSN:       event.LSN(xld.WALStart),
			FinalLSN:  event.LSN(m.FinalLSN),
			Timestamp: m.CommitTime,
		})

	case *pglogrepl.CommitMessage:
		err := r.dispatch(ctx, &event.CommitTransaction{
			Xid:       r.txXid,
			LSN:       event.LSN(xld.WALStart),
			Context:   r.txCtx,
			Timestamp: m.CommitTime,
		})
		r.txCtx = nil
		r.txXid = 0
		return true, err

	case *pglogrepl.LogicalDecodingMessage:
		return r.handleLogicalMessage(ctx, m)

	case *pglogrepl.InsertMessage:
		return false, r.handleInsert(ctx, xld.WALStart, m)

	case *pglogrepl.UpdateMessage:
		return false, r.handleUpdate(ctx, xld.WALStart, m)

	case *pglogrepl.DeleteMessage:
		return false, r.handleDelete(ctx, xld.WALStart, m)

	default:
		return false, nil
	}
}

// handleLogicalMessage implements the two logical-message behaviors of
// §4.3/§4.7: a liveness ping is acknowledged and dropped; anything else
// is offered to the watcher's ValidContextPrefix, and if accepted its
// content is parsed as a JSON object and replaces the transaction
// context wholesale. A JSON parse failure drops the message and keeps
// the prior context; everything else is ignored.
func (r *Replicator) handleLogicalMessage(_ context.Context, m *pglogrepl.LogicalDecodingMessage) (ackNow bool, err error) {
	if m.Prefix == livenessMessagePrefix {
		return true, nil
	}
	if !r.watcher.ValidContextPrefix(m.Prefix) {
		return false, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal(m.Content, &decoded); err != nil {
		return false, nil
	}
	r.txCtx = event.Context(decoded)
	return false, nil
}

func (r *Replicator) handleInsert(ctx context.Context, lsn pglogrepl.LSN, m *pglogrepl.InsertMessage) error {
	rel, ok := r.cache.Get(m.RelationID)
	if !ok {
		return fmt.Errorf("replicator: insert references unknown relation %d", m.RelationID)
	}
	if !r.watcher.ShouldWatchTable(rel.FullName()) {
		return nil
	}

	new, _, err := r.decodeTuple(rel, m.Tuple, nil)
	if err != nil {
		return fmt.Errorf("replicator: decode insert tuple for %s: %w", rel.FullName(), err)
	}
	pk, ok := r.resolvePrimaryKey(rel, new)
	if !ok {
		return nil
	}

	return r.dispatch(ctx, &event.Insert{
		Xid:        r.txXid,
		LSN:        event.LSN(lsn),
		Context:    r.txCtx,
		Schema:     rel.Schema,
		Table:      rel.Table,
		PrimaryKey: pk,
		New:        new,
	})
}

func (r *Replicator) handleUpdate(ctx context.Context, lsn pglogrepl.LSN, m *pglogrepl.UpdateMessage) error {
	rel, ok := r.cache.Get(m.RelationID)
	if !ok {
		return fmt.Errorf("replicator: update references unknown relation %d", m.RelationID)
	}
	if !r.watcher.ShouldWatchTable(rel.FullName()) {
		return nil
	}

	var oldUnresolved, newUnresolved []string
	var old event.DecodedRow
	var err error
	if m.OldTuple != nil {
		old, oldUnresolved, err = r.decodeTuple(rel, m.OldTuple, nil)
		if err != nil {
			return fmt.Errorf("replicator: decode old tuple for %s: %w", rel.FullName(), err)
		}
	}
	new, newUnresolved, err := r.decodeTuple(rel, m.NewTuple, nil)
	if err != nil {
		return fmt.Errorf("replicator: decode new tuple for %s: %w", rel.FullName(), err)
	}
	resolveUnresolved(new, old, newUnresolved)
	resolveUnresolved(old, new, oldUnresolved)

	pk, ok := r.resolvePrimaryKey(rel, new)
	if !ok {
		pk, ok = r.resolvePrimaryKey(rel, old)
		if !ok {
			return nil
		}
	}

	return r.dispatch(ctx, &event.Update{
		Xid:        r.txXid,
		LSN:        event.LSN(lsn),
		Context:    r.txCtx,
		Schema:     rel.Schema,
		Table:      rel.Table,
		PrimaryKey: pk,
		Old:        old,
		New:        new,
	})
}

func (r *Replicator) handleDelete(ctx context.Context, lsn pglogrepl.LSN, m *pglogrepl.DeleteMessage) error {
	rel, ok := r.cache.Get(m.RelationID)
	if !ok {
		return fmt.Errorf("replicator: delete references unknown relation %d", m.RelationID)
	}
	if !r.watcher.ShouldWatchTable(rel.FullName()) {
		return nil
	}

	old, _, err := r.decodeTuple(rel, m.OldTuple, nil)
	if err != nil {
		return fmt.Errorf("replicator: decode old tuple for %s: %w", rel.FullName(), err)
	}
	pk, ok := r.resolvePrimaryKey(rel, old)
	if !ok {
		return nil
	}

	return r.dispatch(ctx, &event.Delete{
		Xid:        r.txXid,
		LSN:        event.LSN(lsn),
		Context:    r.txCtx,
		Schema:     rel.Schema,
		Table:      rel.Table,
		PrimaryKey: pk,
		Old:        old,
	})
}

// decodeTuple converts a pgoutput TupleData into a DecodedRow. A
// REPLICA IDENTITY FULL old tuple never carries 'u' markers, but an
// unchanged-toast marker can appear in either the old or the new
// tuple depending on which image the plugin considered unchanged;
// unresolved collects the column names this tuple left unresolved so
// the caller can fill them in from the other tuple (see resolveUnresolved).
func (r *Replicator) decodeTuple(rel *relation.Relation, tuple *pglogrepl.TupleData, _ any) (event.DecodedRow, []string, error) {
	if tuple == nil {
		return nil, nil, nil
	}
	row := make(event.DecodedRow, len(tuple.Columns))
	var unresolved []string
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name
		switch col.DataType {
		case 'n':
			row[name] = nil
		case 'u':
			unresolved = append(unresolved, name)
		case 't':
			v, err := r.decode.Decode(rel.Columns[i].TypeOID, col.Data)
			if err != nil {
				return nil, nil, fmt.Errorf("column %s: %w", name, err)
			}
			row[name] = v
		}
	}
	return row, unresolved, nil
}

// resolveUnresolved fills dst's unresolved columns from src, the
// companion tuple of the same Update. If src has no value either
// (e.g. REPLICA IDENTITY DEFAULT omitted an unchanged PK column from
// the old tuple too) the column is simply left absent from dst.
func resolveUnresolved(dst, src event.DecodedRow, unresolved []string) {
	if dst == nil || src == nil {
		return
	}
	for _, name := range unresolved {
		if v, ok := src[name]; ok {
			dst[name] = v
		}
	}
}

// resolvePrimaryKey builds the event.PrimaryKey for row using rel's
// cached primary-key columns, normalizing every decoded integer width
// to int64 (§4.2's "PK values are normalized to int64 or string").
func (r *Replicator) resolvePrimaryKey(rel *relation.Relation, row event.DecodedRow) (event.PrimaryKey, bool) {
	if len(rel.PrimaryKeyColumns) == 0 || row == nil {
		return nil, false
	}
	values := make([]any, len(rel.PrimaryKeyColumns))
	for i, col := range rel.PrimaryKeyColumns {
		v, ok := row[col]
		if !ok {
			return nil, false
		}
		values[i] = normalizePK(v)
	}
	return event.NewPrimaryKey(values...)
}

func normalizePK(v any) any {
	switch x := v.(type) {
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case string:
		return x
	default:
		return v
	}
}

// dispatch hands e to the watcher with the receive loop's ctx.
func (r *Replicator) dispatch(ctx context.Context, e event.Event) error {
	return r.watcher.OnEvent(ctx, e)
}
