// Package txn defines the transaction event record that flows through the
// feature engine.
//
// An Event is a plain value: copying it copies everything, and nothing in the
// engine mutates one after it has been constructed. Optional attributes use
// the database/sql null types so that "absent" survives storage round trips
// without being coerced to a default. Defaults are applied only when features
// are assembled.
package txn

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Field names of the flat record form used by API payloads, CSV replay files
// and the Redis backend.
const (
	FieldTxnID     = "trans_num"
	FieldEntity    = "cc_num"
	FieldTimestamp = "unix_time"
	FieldAmount    = "amt"
	FieldLat       = "lat"
	FieldLong      = "long"
	FieldMerchLat  = "merch_lat"
	FieldMerchLong = "merch_long"
	FieldMerchant  = "merchant"
	FieldCategory  = "category"
	FieldTransDate = "trans_date"
	FieldTransTime = "trans_time"
	FieldDOB       = "dob"
	FieldGender    = "gender"
	FieldCityPop   = "city_pop"
)

// Event is one transaction. Empty strings mean the attribute is unknown.
type Event struct {
	TxnID     string // external identity, used for idempotent commits
	Entity    string // account / card identifier
	Timestamp int64  // seconds since epoch

	Amount    sql.NullFloat64
	Lat       sql.NullFloat64
	Long      sql.NullFloat64
	MerchLat  sql.NullFloat64
	MerchLong sql.NullFloat64

	Merchant  string
	Category  string
	TransDate string
	TransTime string
	DOB       string
	Gender    string
	CityPop   sql.NullInt64
}

// Float returns a present optional float.
func Float(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}

// Int returns a present optional integer.
func Int(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: true}
}

// FromMap builds an Event from a loosely typed record. Values may be JSON
// numbers, numeric strings or plain strings; empty or unparsable values are
// treated as absent. A missing or unparsable timestamp becomes 0.
func FromMap(m map[string]any) Event {
	ev := Event{
		TxnID:     str(m[FieldTxnID]),
		Entity:    str(m[FieldEntity]),
		Merchant:  str(m[FieldMerchant]),
		Category:  str(m[FieldCategory]),
		TransDate: str(m[FieldTransDate]),
		TransTime: str(m[FieldTransTime]),
		DOB:       str(m[FieldDOB]),
		Gender:    str(m[FieldGender]),
		Amount:    float(m[FieldAmount]),
		Lat:       float(m[FieldLat]),
		Long:      float(m[FieldLong]),
		MerchLat:  float(m[FieldMerchLat]),
		MerchLong: float(m[FieldMerchLong]),
		CityPop:   integer(m[FieldCityPop]),
	}
	if ts := integer(m[FieldTimestamp]); ts.Valid {
		ev.Timestamp = ts.Int64
	}
	return ev
}

// FromStrings builds an Event from a CSV-style record.
func FromStrings(fields map[string]string) Event {
	m := make(map[string]any, len(fields))
	for k, v := range fields {
		m[k] = v
	}
	return FromMap(m)
}

// Map returns the flat record form. Absent attributes map to nil.
func (e Event) Map() map[string]any {
	return map[string]any{
		FieldTxnID:     nullableString(e.TxnID),
		FieldEntity:    e.Entity,
		FieldTimestamp: e.Timestamp,
		FieldAmount:    nullableFloat(e.Amount),
		FieldLat:       nullableFloat(e.Lat),
		FieldLong:      nullableFloat(e.Long),
		FieldMerchLat:  nullableFloat(e.MerchLat),
		FieldMerchLong: nullableFloat(e.MerchLong),
		FieldMerchant:  nullableString(e.Merchant),
		FieldCategory:  nullableString(e.Category),
		FieldTransDate: nullableString(e.TransDate),
		FieldTransTime: nullableString(e.TransTime),
		FieldDOB:       nullableString(e.DOB),
		FieldGender:    nullableString(e.Gender),
		FieldCityPop:   nullableInt(e.CityPop),
	}
}

// MarshalJSON encodes the flat record form.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Map())
}

// UnmarshalJSON decodes a flat record leniently (see FromMap).
func (e *Event) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	*e = FromMap(m)
	return nil
}

func str(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

func float(v any) sql.NullFloat64 {
	var (
		f   float64
		err error
	)
	switch x := v.(type) {
	case nil:
		return sql.NullFloat64{}
	case float64:
		f = x
	case int64:
		f = float64(x)
	case int:
		f = float64(x)
	case json.Number:
		f, err = x.Float64()
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return sql.NullFloat64{}
		}
		f, err = strconv.ParseFloat(s, 64)
	default:
		return sql.NullFloat64{}
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return sql.NullFloat64{}
	}
	return Float(f)
}

// integer truncates through float so that "1325376018.0" parses.
func integer(v any) sql.NullInt64 {
	switch x := v.(type) {
	case int64:
		return Int(x)
	case int:
		return Int(int64(x))
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i)
		}
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
			return Int(i)
		}
	}
	f := float(v)
	if !f.Valid || math.Abs(f.Float64) > math.MaxInt64/2 {
		return sql.NullInt64{}
	}
	return Int(int64(f.Float64))
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableFloat(f sql.NullFloat64) any {
	if !f.Valid {
		return nil
	}
	return f.Float64
}

func nullableInt(i sql.NullInt64) any {
	if !i.Valid {
		return nil
	}
	return i.Int64
}
