package qipc

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// kdb type codes. Negative codes are atoms, positive codes vectors; the
// special codes (table, dict, error) share one namespace.
const (
	typeMixed     int8 = 0
	typeBool      int8 = 1
	typeGUID      int8 = 2
	typeByte      int8 = 4
	typeShort     int8 = 5
	typeInt       int8 = 6
	typeLong      int8 = 7
	typeReal      int8 = 8
	typeFloat     int8 = 9
	typeChar      int8 = 10
	typeSymbol    int8 = 11
	typeTimestamp int8 = 12
	typeMonth     int8 = 13
	typeDate      int8 = 14
	typeDatetime  int8 = 15
	typeTimespan  int8 = 16
	typeMinute    int8 = 17
	typeSecond    int8 = 18
	typeTime      int8 = 19
	typeTable     int8 = 98
	typeDict      int8 = 99
	typeLambda    int8 = 100
	typeUnary     int8 = 101
	typeError     int8 = -128
)

// Epoch is the zero point of all kdb temporal types, 2000-01-01T00:00:00Z.
var Epoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// millisPerDay converts between the wire's float-day datetimes and the
// integer millisecond ticks Temporal carries.
const millisPerDay = 86400000

// Symbol is a kdb symbol atom (`name). It is distinct from string, which
// maps to a kdb char vector.
type Symbol string

// TemporalType identifies which database-native temporal representation a
// Temporal carries.
type TemporalType int8

// Temporal type codes, matching the kdb atom codes.
const (
	Timestamp TemporalType = 12 // nanoseconds since Epoch
	Month     TemporalType = 13 // months since Epoch
	Date      TemporalType = 14 // days since Epoch
	Datetime  TemporalType = 15 // milliseconds since Epoch (float days on the wire)
	Timespan  TemporalType = 16 // nanoseconds
	Minute    TemporalType = 17 // minutes
	Second    TemporalType = 18 // seconds
	Time      TemporalType = 19 // milliseconds since midnight
)

// String returns the q name of the temporal type.
func (t TemporalType) String() string {
	switch t {
	case Timestamp:
		return "timestamp"
	case Month:
		return "month"
	case Date:
		return "date"
	case Datetime:
		return "datetime"
	case Timespan:
		return "timespan"
	case Minute:
		return "minute"
	case Second:
		return "second"
	case Time:
		return "time"
	default:
		return fmt.Sprintf("TemporalType(%d)", int8(t))
	}
}

// Temporal is a database-native date/time/duration scalar, kept in raw tick
// form. Ticks follow the unit documented on each TemporalType constant;
// Datetime is normalized from wire-format float days to integer
// milliseconds at decode so all Temporals are integer-backed.
type Temporal struct {
	Type  TemporalType
	Ticks int64
}

// IsInterval reports whether the value represents an elapsed span rather
// than a point on the calendar.
func (t Temporal) IsInterval() bool {
	switch t.Type {
	case Timespan, Minute, Second, Time:
		return true
	default:
		return false
	}
}

// IsNull reports whether the value is the kdb null of its type.
func (t Temporal) IsNull() bool {
	switch t.Type {
	case Timestamp, Timespan, Datetime:
		return t.Ticks == math.MinInt64
	default:
		return t.Ticks == math.MinInt32
	}
}

// Time converts a calendar-class value to time.Time in UTC. The result for
// interval-class or null values is meaningless; callers check IsInterval
// and IsNull first.
func (t Temporal) Time() time.Time {
	switch t.Type {
	case Timestamp:
		return Epoch.Add(time.Duration(t.Ticks) * time.Nanosecond)
	case Month:
		return Epoch.AddDate(0, int(t.Ticks), 0)
	case Date:
		return Epoch.AddDate(0, 0, int(t.Ticks))
	case Datetime:
		return Epoch.Add(time.Duration(t.Ticks) * time.Millisecond)
	default:
		return time.Time{}
	}
}

// Duration converts an interval-class value to time.Duration. The result
// for calendar-class values is meaningless.
func (t Temporal) Duration() time.Duration {
	switch t.Type {
	case Timespan:
		return time.Duration(t.Ticks) * time.Nanosecond
	case Minute:
		return time.Duration(t.Ticks) * time.Minute
	case Second:
		return time.Duration(t.Ticks) * time.Second
	case Time:
		return time.Duration(t.Ticks) * time.Millisecond
	default:
		return 0
	}
}

// Dict is an association as returned by the server: Keys and Vals are
// parallel vectors (or, for keyed tables, two Tables).
type Dict struct {
	Keys any
	Vals any
}

// SymbolKeys returns the keys as strings when the key vector is a symbol
// vector, which covers the introspection dictionaries this module consumes.
func (d Dict) SymbolKeys() ([]string, bool) {
	syms, ok := d.Keys.([]Symbol)
	if !ok {
		return nil, false
	}
	keys := make([]string, len(syms))
	for i, s := range syms {
		keys[i] = string(s)
	}
	return keys, true
}

// Table is a column-oriented tabular value: Data[i] is the column vector
// named by Cols[i].
type Table struct {
	Cols []string
	Data []any
}

// Col returns the column vector with the given name.
func (t Table) Col(name string) (any, bool) {
	for i, c := range t.Cols {
		if c == name {
			return t.Data[i], true
		}
	}
	return nil, false
}

// Len returns the number of rows, taken from the first column. An empty or
// column-less table has zero rows.
func (t Table) Len() int {
	if len(t.Data) == 0 {
		return 0
	}
	return vectorLen(t.Data[0])
}

// vectorLen returns the element count of any decoded vector form.
func vectorLen(v any) int {
	switch vec := v.(type) {
	case []bool:
		return len(vec)
	case []byte:
		return len(vec)
	case []int16:
		return len(vec)
	case []int32:
		return len(vec)
	case []int64:
		return len(vec)
	case []float32:
		return len(vec)
	case []float64:
		return len(vec)
	case string:
		return len(vec)
	case []Symbol:
		return len(vec)
	case []Temporal:
		return len(vec)
	case []uuid.UUID:
		return len(vec)
	case []any:
		return len(vec)
	default:
		return 0
	}
}

// Lambda is a server-side function value: its defining namespace and
// source text. It is opaque to this module; it exists so that reading a
// variable bound to a function does not fail the decode.
type Lambda struct {
	Namespace string
	Body      string
}

// Error is an evaluation error reported by the server, e.g. 'type or
// 'myfile.q. The leading quote follows the q convention for signals.
type Error struct {
	Msg string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return "'" + e.Msg
}
