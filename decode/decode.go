// Package decode maps PostgreSQL built-in type OIDs to pure
// bytes-to-native-value decoders for the text-format column images
// carried in pgoutput Insert/Update/Delete tuples.
//
// pgoutput never sends binary-format column data: every non-null,
// non-TOAST-unchanged column arrives as its ordinary text output
// representation. That means most of this package's job is choosing,
// per type, whether that text is the right native Go representation
// already (true for booleans once the single 't'/'f' byte is mapped to
// a bool, for numerics run through strconv, or for any type left "as
// strings") or needs further parsing (timestamps, arrays, JSON).
package decode

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Decoder converts a column's text-format bytes into a native value.
type Decoder func(data []byte) (any, error)

// Map resolves a type OID to the Decoder that should be used for it,
// falling back to the string decoder for anything it does not recognize.
type Map struct {
	pg       *pgtype.Map
	decoders map[uint32]Decoder
}

// NewMap builds a Map with decoders registered for every OID the
// column decoder component is required to support.
func NewMap() *Map {
	m := &Map{pg: pgtype.NewMap(), decoders: make(map[uint32]Decoder, 64)}
	m.registerBuiltins()
	return m
}

// Decode converts the text-format bytes for column type oid into a
// native value. A nil data slice (SQL NULL) always yields a nil value
// without invoking any decoder; an unrecognized OID falls back to the
// plain string decoder instead of failing.
func (m *Map) Decode(oid uint32, data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}
	if dec, ok := m.decoders[oid]; ok {
		return dec(data)
	}
	if dec, ok := m.arrayDecoder(oid); ok {
		m.decoders[oid] = dec
		return dec(data)
	}
	return decodeString(data)
}

func (m *Map) registerBuiltins() {
	str := Decoder(decodeString)
	for _, oid := range []uint32{
		pgtype.TextOID, pgtype.VarcharOID, pgtype.BPCharOID, pgtype.QCharOID,
		pgtype.NameOID, pgtype.XMLOID, pgtype.UUIDOID,
		pgtype.TimeOID, pgtype.TimetzOID, pgtype.IntervalOID,
		pgtype.BitOID, pgtype.VarbitOID,
		pgtype.PointOID, pgtype.LineOID, pgtype.LsegOID, pgtype.BoxOID,
		pgtype.PathOID, pgtype.PolygonOID, pgtype.CircleOID,
		pgtype.NumericOID,
	} {
		m.decoders[oid] = str
	}
	// money, tsvector, tsquery, and pg_lsn have no exported OID constant
	// in every pgtype version; these numeric OIDs are stable.
	for _, oid := range []uint32{790 /* money */, 3614 /* tsvector */, 3615 /* tsquery */, 3220 /* pg_lsn */} {
		m.decoders[oid] = str
	}

	for _, oid := range []uint32{pgtype.BoolOID} {
		m.decoders[oid] = decodeBool
	}
	for _, oid := range []uint32{pgtype.ByteaOID} {
		m.decoders[oid] = decodeBytea
	}
	for _, oid := range []uint32{pgtype.Int2OID} {
		m.decoders[oid] = decodeSignedInt(16)
	}
	for _, oid := range []uint32{pgtype.Int4OID} {
		m.decoders[oid] = decodeSignedInt(32)
	}
	for _, oid := range []uint32{pgtype.Int8OID} {
		m.decoders[oid] = decodeSignedInt(64)
	}
	for _, oid := range []uint32{pgtype.OIDOID, pgtype.XIDOID, pgtype.CIDOID} {
		m.decoders[oid] = decodeUnsignedInt(32)
	}
	m.decoders[5069] = decodeUnsignedInt(64) // xid8
	for _, oid := range []uint32{pgtype.Float4OID} {
		m.decoders[oid] = decodeFloat(32)
	}
	for _, oid := range []uint32{pgtype.Float8OID} {
		m.decoders[oid] = decodeFloat(64)
	}
	for _, oid := range []uint32{pgtype.JSONOID, pgtype.JSONBOID} {
		m.decoders[oid] = decodeJSON
	}
	for _, oid := range []uint32{pgtype.InetOID, pgtype.CIDROID} {
		m.decoders[oid] = decodeString
	}
	for _, oid := range []uint32{pgtype.DateOID} {
		m.decoders[oid] = decodeDate
	}
	for _, oid := range []uint32{pgtype.TimestampOID} {
		m.decoders[oid] = decodeTimestamp(false)
	}
	for _, oid := range []uint32{pgtype.TimestamptzOID} {
		m.decoders[oid] = decodeTimestamp(true)
	}
	// reg* OID aliases: stored as a uint32 OID, but the text form
	// a session with default settings emits is the resolved object
	// name. Prefer the integer when it parses; otherwise surface the
	// name rather than erroring.
	for _, oid := range []uint32{
		2205 /* regclass */, 2202 /* regprocedure */, 2203, /* regoper */
		2204 /* regoperator */, 4096 /* regrole */, 4089, /* regnamespace */
	} {
		m.decoders[oid] = decodeRegLike
	}
}

func decodeString(data []byte) (any, error) {
	return string(data), nil
}

func decodeBool(data []byte) (any, error) {
	if len(data) == 0 {
		return false, nil
	}
	return data[0] == 't', nil
}

// decodeBytea decodes the PostgreSQL hex bytea text representation, a
// "\x" prefix followed by an even number of hex digits.
func decodeBytea(data []byte) (any, error) {
	s := strings.TrimPrefix(string(data), `\x`)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode bytea: %w", err)
	}
	return b, nil
}

func decodeSignedInt(bits int) Decoder {
	return func(data []byte) (any, error) {
		v, err := strconv.ParseInt(string(data), 10, bits)
		if err != nil {
			return nil, fmt.Errorf("decode int%d: %w", bits, err)
		}
		switch bits {
		case 16:
			return int16(v), nil
		case 32:
			return int32(v), nil
		default:
			return v, nil
		}
	}
}

func decodeUnsignedInt(bits int) Decoder {
	return func(data []byte) (any, error) {
		v, err := strconv.ParseUint(string(data), 10, bits)
		if err != nil {
			return nil, fmt.Errorf("decode uint%d: %w", bits, err)
		}
		if bits == 32 {
			return uint32(v), nil
		}
		return v, nil
	}
}

func decodeFloat(bits int) Decoder {
	return func(data []byte) (any, error) {
		v, err := strconv.ParseFloat(string(data), bits)
		if err != nil {
			return nil, fmt.Errorf("decode float%d: %w", bits, err)
		}
		if bits == 32 {
			return float32(v), nil
		}
		return v, nil
	}
}

func decodeJSON(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return v, nil
}

func decodeRegLike(data []byte) (any, error) {
	if v, err := strconv.ParseUint(string(data), 10, 32); err == nil {
		return uint32(v), nil
	}
	return string(data), nil
}

var dateLayouts = []string{"2006-01-02"}

func decodeDate(data []byte) (any, error) {
	s := string(data)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return s, nil
}

// timestampLayouts covers the DateStyle=ISO output PostgreSQL uses by
// default, with and without fractional seconds, with and without an
// explicit zone offset.
var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05-07",
	"2006-01-02 15:04:05",
}

func decodeTimestamp(_ bool) Decoder {
	return func(data []byte) (any, error) {
		s := string(data)
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		// Unparseable (e.g. "infinity", a BC year): surface the raw text
		// rather than failing the whole decode.
		return s, nil
	}
}

// arrayDecoder builds a Decoder for array type oid (Decode caches it)
// by looking up its element type through the underlying pgtype registry
// and recursively applying this Map's rules to each element.
func (m *Map) arrayDecoder(oid uint32) (Decoder, bool) {
	dt, ok := m.pg.TypeForOID(oid)
	if !ok {
		return nil, false
	}
	arrCodec, ok := dt.Codec.(*pgtype.ArrayCodec)
	if !ok {
		return nil, false
	}
	elemOID := arrCodec.ElementType.OID
	return func(data []byte) (any, error) {
		elems, err := splitPGArrayText(string(data))
		if err != nil {
			return nil, err
		}
		out := make([]any, len(elems))
		for i, raw := range elems {
			if raw == nil {
				out[i] = nil
				continue
			}
			v, err := m.Decode(elemOID, raw)
			if err != nil {
				return nil, fmt.Errorf("decode array element %d: %w", i, err)
			}
			out[i] = v
		}
		return out, nil
	}, true
}

// splitPGArrayText splits a PostgreSQL array literal such as
// {1,2,NULL} or {"a,b","c"} into its top-level elements. A nil entry
// in the result represents the unquoted literal NULL. This handles
// one-dimensional arrays, which covers every _type the column decoder
// is asked to support; nested/multi-dimensional arrays are not a
// target of this decoder.
func splitPGArrayText(s string) ([][]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		return nil, fmt.Errorf("decode array: malformed literal %q", s)
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return [][]byte{}, nil
	}

	var out [][]byte
	var cur strings.Builder
	inQuotes := false
	quoted := false
	escaped := false

	flush := func() {
		field := cur.String()
		cur.Reset()
		wasQuoted := quoted
		quoted = false
		if !wasQuoted && (field == "NULL" || field == "") {
			out = append(out, nil)
			return
		}
		out = append(out, []byte(field))
	}

	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			inQuotes = !inQuotes
			quoted = true
		case c == ',' && !inQuotes:
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out, nil
}
