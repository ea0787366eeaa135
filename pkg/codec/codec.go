// Package codec turns application values into wire-safe cache strings and back.
//
// One storage slot can hold three shapes, told apart on decode purely by
// their form:
//
//   - a decimal integer, stored verbatim;
//   - a string of at most Threshold bytes, stored verbatim;
//   - a wrapped item: MagicPrefix followed by the base64 form of a BSON
//     Record carrying the key, a type tag, the value, the store time and TTL.
//
// Integers and short strings carry no metadata and therefore never expire,
// whatever TTL they were stored with. A wrapped item is always longer than
// Threshold bytes: its serialized record is padded with filler bytes up to
// Threshold before encoding, so a short record can never be mistaken for a
// plain string.
//
// Example:
//
//	wire, err := codec.Encode("user:1", map[string]any{"name": "ada"}, time.Hour)
//	if err != nil {
//		log.Fatal(err)
//	}
//	entry, err := codec.Decode(wire)
//	if err != nil {
//		log.Fatal(err)
//	}
//	value, err := entry.Value(time.Now())
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Wire format constants. Changing any of them breaks compatibility with
// values already stored.
const (
	// Threshold is the largest byte length stored as a plain string.
	Threshold = 128
	// MagicPrefix marks a wrapped item.
	MagicPrefix = "#cw1:"
	// Filler pads short serialized records up to Threshold bytes.
	Filler byte = ' '
)

var integerPattern = regexp.MustCompile(`^-?[0-9]+$`)

// TypeTag names the runtime type of a wrapped value.
type TypeTag string

// Supported type tags.
const (
	TypeBool      TypeTag = "bool"
	TypeInt       TypeTag = "int"
	TypeFloat     TypeTag = "float"
	TypeString    TypeTag = "string"
	TypeNull      TypeTag = "null"
	TypeAggregate TypeTag = "aggregate"
)

// Record is the metadata envelope of a wrapped item. Scalars travel in
// Value; aggregates travel JSON-encoded in Serialized.
type Record struct {
	Value      any     `bson:"value"`
	Key        string  `bson:"key"`
	Type       TypeTag `bson:"type"`
	Serialized []byte  `bson:"serialized,omitempty"`
	StoredAt   int64   `bson:"stored_at"`
	TTL        int64   `bson:"ttl"`
}

// StoredTime returns the store time of the record.
func (r *Record) StoredTime() time.Time {
	return time.Unix(r.StoredAt, 0)
}

// Expired reports whether the record's TTL has elapsed at now. A record with
// a TTL of zero or less never expires; otherwise it is expired once its age
// reaches the TTL.
func (r *Record) Expired(now time.Time) bool {
	if r.TTL <= 0 {
		return false
	}
	return now.Unix()-r.StoredAt >= r.TTL
}

// Kind identifies which wire shape a decoded entry had.
type Kind uint8

// Entry kinds.
const (
	KindInteger Kind = iota // plain decimal integer
	KindString              // plain string, or foreign data without the prefix
	KindWrapped             // wrapped item with a Record
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindString:
		return "string"
	case KindWrapped:
		return "wrapped"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Entry is a decoded wire value. Exactly one of Int, Str or Record is
// meaningful, selected by Kind.
type Entry struct {
	Record *Record
	Str    string
	Int    int64
	Kind   Kind
}

// Value returns the application value held by the entry. Plain integers and
// strings are returned directly; wrapped items go through Materialize.
func (e Entry) Value(now time.Time) (any, error) {
	switch e.Kind {
	case KindInteger:
		return e.Int, nil
	case KindString:
		return e.Str, nil
	default:
		return Materialize(e.Record, now)
	}
}

// Codec encodes and decodes cache values using an injectable clock.
// The zero value uses time.Now.
type Codec struct {
	Now func() time.Time
}

var defaultCodec = Codec{}

func (c Codec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Encode is Codec.Encode with the wall clock.
func Encode(key string, v any, ttl time.Duration) (string, error) {
	return defaultCodec.Encode(key, v, ttl)
}

// Decode is Codec.Decode.
func Decode(wire string) (Entry, error) {
	return defaultCodec.Decode(wire)
}

// Encode converts v into its wire form.
//
// Strings of at most Threshold bytes and integers are returned as is and the
// TTL is ignored for them. Everything else is wrapped in a Record stamped
// with the current time and the TTL in whole seconds. Values whose kind
// cannot be serialized (functions, channels, complex numbers) fail with
// *ValueError.
//
// Example:
//
//	wire, _ := codec.Encode("n", 42, time.Minute) // "42", never expires
//	wire, _ = codec.Encode("s", "short", 0)       // "short"
//	wire, _ = codec.Encode("cfg", cfg, time.Hour) // "#cw1:..."
func (c Codec) Encode(key string, v any, ttl time.Duration) (string, error) {
	if s, ok := v.(string); ok && len(s) <= Threshold {
		return s, nil
	}
	if n, ok := integerValue(v); ok {
		return strconv.FormatInt(n, 10), nil
	}

	rec, err := newRecord(key, v)
	if err != nil {
		return "", err
	}
	rec.StoredAt = c.now().Unix()
	rec.TTL = int64(ttl / time.Second)

	data, err := bson.Marshal(rec)
	if err != nil {
		return "", &ValueError{Type: typeName(v), Err: err}
	}
	if len(data) < Threshold {
		data = append(data, bytes.Repeat([]byte{Filler}, Threshold-len(data))...)
	}

	return MagicPrefix + base64.StdEncoding.EncodeToString(data), nil
}

// Decode classifies a wire string and, for wrapped items, unpacks its Record.
// It does not check expiry; see Materialize.
func (c Codec) Decode(wire string) (Entry, error) {
	if integerPattern.MatchString(wire) {
		if n, err := strconv.ParseInt(wire, 10, 64); err == nil {
			return Entry{Kind: KindInteger, Int: n}, nil
		}
	}
	if len(wire) <= Threshold || !strings.HasPrefix(wire, MagicPrefix) {
		return Entry{Kind: KindString, Str: wire}, nil
	}

	data, err := base64.StdEncoding.DecodeString(wire[len(MagicPrefix):])
	if err != nil {
		return Entry{}, &DecodeError{Err: err}
	}
	data = bytes.TrimRight(data, string(Filler))

	var rec Record
	if err := bson.Unmarshal(data, &rec); err != nil {
		return Entry{}, &DecodeError{Err: err}
	}
	if rec.Type == "" {
		return Entry{}, &DecodeError{Err: fmt.Errorf("record has no type tag")}
	}
	return Entry{Kind: KindWrapped, Record: &rec}, nil
}

// Materialize returns the value held by a wrapped record, failing with
// *ItemExpiredError when its TTL has elapsed at now.
//
// Aggregates are decoded into map[string]any or []any, with integral
// numbers as int64 and the rest as float64. An aggregate that fails to
// decode, or decodes to an empty value, fails with *DecodeError.
func Materialize(rec *Record, now time.Time) (any, error) {
	if rec == nil {
		return nil, &DecodeError{Err: fmt.Errorf("nil record")}
	}
	if rec.Expired(now) {
		return nil, &ItemExpiredError{Key: rec.Key, StoredAt: rec.StoredTime(), TTL: time.Duration(rec.TTL) * time.Second}
	}

	switch rec.Type {
	case TypeAggregate:
		out, err := decodeAggregate(rec.Serialized)
		if err != nil {
			return nil, &DecodeError{Err: err}
		}
		if isEmpty(out) {
			return nil, &DecodeError{Err: fmt.Errorf("aggregate decoded to an empty value")}
		}
		return out, nil
	case TypeBool, TypeInt, TypeFloat, TypeString, TypeNull:
		return rec.Value, nil
	default:
		return nil, &DecodeError{Err: fmt.Errorf("unknown type tag %q", rec.Type)}
	}
}

// Unmarshal decodes an aggregate record into dst, a pointer to the caller's
// type. Scalar records are assigned through a JSON round trip so that dst may
// be any compatible type.
func Unmarshal(rec *Record, now time.Time, dst any) error {
	if rec == nil {
		return &DecodeError{Err: fmt.Errorf("nil record")}
	}
	if rec.Expired(now) {
		return &ItemExpiredError{Key: rec.Key, StoredAt: rec.StoredTime(), TTL: time.Duration(rec.TTL) * time.Second}
	}

	payload := rec.Serialized
	if rec.Type != TypeAggregate {
		var err error
		if payload, err = json.Marshal(rec.Value); err != nil {
			return &DecodeError{Err: err}
		}
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return &DecodeError{Err: err}
	}
	return nil
}

func decodeAggregate(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return normalizeNumbers(out), nil
}

// normalizeNumbers replaces every json.Number in v, in place.
func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		for k, e := range val {
			val[k] = normalizeNumbers(e)
		}
	case []any:
		for i, e := range val {
			val[i] = normalizeNumbers(e)
		}
	}
	return v
}

func newRecord(key string, v any) (*Record, error) {
	rec := &Record{Key: key}

	switch val := v.(type) {
	case nil:
		rec.Type = TypeNull
		return rec, nil
	case bool:
		rec.Type, rec.Value = TypeBool, val
		return rec, nil
	case float32:
		rec.Type, rec.Value = TypeFloat, float64(val)
		return rec, nil
	case float64:
		rec.Type, rec.Value = TypeFloat, val
		return rec, nil
	case string:
		rec.Type, rec.Value = TypeString, val
		return rec, nil
	case uint, uint64:
		// Unsigned values beyond the int64 range are the only integers that
		// reach this point.
		rec.Type, rec.Value = TypeString, fmt.Sprint(val)
		return rec, nil
	}

	// Named scalar types such as `type Status string`.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		rec.Type, rec.Value = TypeBool, rv.Bool()
		return rec, nil
	case reflect.Uint, reflect.Uint64:
		rec.Type, rec.Value = TypeString, strconv.FormatUint(rv.Uint(), 10)
		return rec, nil
	case reflect.Float32, reflect.Float64:
		rec.Type, rec.Value = TypeFloat, rv.Float()
		return rec, nil
	case reflect.String:
		rec.Type, rec.Value = TypeString, rv.String()
		return rec, nil
	}

	if !isAggregate(rv.Type()) {
		return nil, &ValueError{Type: typeName(v)}
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice:
		if rv.IsNil() {
			rec.Type = TypeNull
			return rec, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &ValueError{Type: typeName(v), Err: err}
	}
	rec.Type, rec.Serialized = TypeAggregate, data
	return rec, nil
}

func integerValue(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint:
		if uint64(n) <= 1<<63-1 {
			return int64(n), true
		}
	case uint64:
		if n <= 1<<63-1 {
			return int64(n), true
		}
	default:
		// Named integer types such as `type Count int`.
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return rv.Int(), true
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
			if u := rv.Uint(); u <= 1<<63-1 {
				return int64(u), true
			}
		}
	}
	return 0, false
}

func isAggregate(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return true
	default:
		return false
	}
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(val) == 0
	case []any:
		return len(val) == 0
	case string:
		return val == ""
	case bool:
		return !val
	case float64:
		return val == 0
	default:
		return false
	}
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}
