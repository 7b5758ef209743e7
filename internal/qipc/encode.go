package qipc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// MsgType distinguishes the three kdb message kinds.
type MsgType byte

const (
	MsgAsync    MsgType = 0
	MsgSync     MsgType = 1
	MsgResponse MsgType = 2
)

// EncodeMessage serializes v as one complete wire message of the given
// type: the 8-byte little-endian header followed by the object body.
// Messages are never compressed on the way out; requests are small and the
// peer is local.
func EncodeMessage(t MsgType, v any) ([]byte, error) {
	var body bytes.Buffer
	if err := encodeValue(&body, v); err != nil {
		return nil, err
	}
	total := 8 + body.Len()
	msg := make([]byte, 8, total)
	msg[0] = 1 // little-endian
	msg[1] = byte(t)
	binary.LittleEndian.PutUint32(msg[4:8], uint32(total))
	return append(msg, body.Bytes()...), nil
}

// requestValue builds the payload object for a sync request: a bare
// expression travels as a char vector, an expression with arguments as a
// mixed list with the expression first.
func requestValue(expr string, args []any) any {
	if len(args) == 0 {
		return expr
	}
	parts := make([]any, 0, len(args)+1)
	parts = append(parts, expr)
	return append(parts, args...)
}

func putU16(b *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.Write(tmp[:])
}

func putU32(b *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}

func putU64(b *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.Write(tmp[:])
}

// tag converts a signed type code to its wire byte. The conversion has to
// go through a parameter: a constant conversion of a negative atom code to
// byte overflows and is rejected at compile time.
func tag(t int8) byte {
	return byte(t)
}

// putVectorHeader writes a vector type code, a zero attribute byte, and the
// element count.
func putVectorHeader(b *bytes.Buffer, t int8, n int) {
	b.WriteByte(byte(t))
	b.WriteByte(0)
	putU32(b, uint32(n))
}

func putSymbol(b *bytes.Buffer, s string) {
	b.WriteString(s)
	b.WriteByte(0)
}

// encodeValue serializes one Go value into its kdb object form. The
// supported surface covers everything this module sends: evaluation
// arguments, set values, and the test server's canned responses.
func encodeValue(b *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		// Generic null (::).
		b.WriteByte(byte(typeUnary))
		b.WriteByte(0)
	case bool:
		b.WriteByte(tag(-typeBool))
		if x {
			b.WriteByte(1)
		} else {
			b.WriteByte(0)
		}
	case uuid.UUID:
		b.WriteByte(tag(-typeGUID))
		b.Write(x[:])
	case byte:
		b.WriteByte(tag(-typeByte))
		b.WriteByte(x)
	case int16:
		b.WriteByte(tag(-typeShort))
		putU16(b, uint16(x))
	case int32:
		b.WriteByte(tag(-typeInt))
		putU32(b, uint32(x))
	case int:
		b.WriteByte(tag(-typeLong))
		putU64(b, uint64(int64(x)))
	case int64:
		b.WriteByte(tag(-typeLong))
		putU64(b, uint64(x))
	case float32:
		b.WriteByte(tag(-typeReal))
		putU32(b, math.Float32bits(x))
	case float64:
		b.WriteByte(tag(-typeFloat))
		putU64(b, math.Float64bits(x))
	case string:
		putVectorHeader(b, typeChar, len(x))
		b.WriteString(x)
	case Symbol:
		b.WriteByte(tag(-typeSymbol))
		putSymbol(b, string(x))
	case time.Time:
		b.WriteByte(tag(-typeTimestamp))
		putU64(b, uint64(x.Sub(Epoch).Nanoseconds()))
	case time.Duration:
		b.WriteByte(tag(-typeTimespan))
		putU64(b, uint64(x.Nanoseconds()))
	case Temporal:
		return encodeTemporal(b, x)
	case []bool:
		putVectorHeader(b, typeBool, len(x))
		for _, e := range x {
			if e {
				b.WriteByte(1)
			} else {
				b.WriteByte(0)
			}
		}
	case []byte:
		putVectorHeader(b, typeByte, len(x))
		b.Write(x)
	case []int16:
		putVectorHeader(b, typeShort, len(x))
		for _, e := range x {
			putU16(b, uint16(e))
		}
	case []int32:
		putVectorHeader(b, typeInt, len(x))
		for _, e := range x {
			putU32(b, uint32(e))
		}
	case []int64:
		putVectorHeader(b, typeLong, len(x))
		for _, e := range x {
			putU64(b, uint64(e))
		}
	case []float32:
		putVectorHeader(b, typeReal, len(x))
		for _, e := range x {
			putU32(b, math.Float32bits(e))
		}
	case []float64:
		putVectorHeader(b, typeFloat, len(x))
		for _, e := range x {
			putU64(b, math.Float64bits(e))
		}
	case []Symbol:
		putVectorHeader(b, typeSymbol, len(x))
		for _, e := range x {
			putSymbol(b, string(e))
		}
	case []uuid.UUID:
		putVectorHeader(b, typeGUID, len(x))
		for _, e := range x {
			b.Write(e[:])
		}
	case []time.Time:
		putVectorHeader(b, typeTimestamp, len(x))
		for _, e := range x {
			putU64(b, uint64(e.Sub(Epoch).Nanoseconds()))
		}
	case []time.Duration:
		putVectorHeader(b, typeTimespan, len(x))
		for _, e := range x {
			putU64(b, uint64(e.Nanoseconds()))
		}
	case []Temporal:
		return encodeTemporalVector(b, x)
	case []string:
		// Strings are char vectors, so a []string is a mixed list of them.
		putVectorHeader(b, typeMixed, len(x))
		for _, e := range x {
			if err := encodeValue(b, e); err != nil {
				return err
			}
		}
	case []any:
		putVectorHeader(b, typeMixed, len(x))
		for _, e := range x {
			if err := encodeValue(b, e); err != nil {
				return err
			}
		}
	case Dict:
		b.WriteByte(byte(typeDict))
		if err := encodeValue(b, x.Keys); err != nil {
			return err
		}
		if err := encodeValue(b, x.Vals); err != nil {
			return err
		}
	case Table:
		return encodeTable(b, x)
	case *Error:
		b.WriteByte(tag(typeError))
		putSymbol(b, x.Msg)
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}

func encodeTemporal(b *bytes.Buffer, t Temporal) error {
	b.WriteByte(byte(-int8(t.Type)))
	switch t.Type {
	case Timestamp, Timespan:
		putU64(b, uint64(t.Ticks))
	case Datetime:
		days := math.NaN()
		if !t.IsNull() {
			days = float64(t.Ticks) / float64(millisPerDay)
		}
		putU64(b, math.Float64bits(days))
	case Month, Date, Minute, Second, Time:
		putU32(b, uint32(int32(t.Ticks)))
	default:
		return fmt.Errorf("unsupported temporal type %v", t.Type)
	}
	return nil
}

func encodeTemporalVector(b *bytes.Buffer, ts []Temporal) error {
	if len(ts) == 0 {
		return fmt.Errorf("cannot encode an empty temporal vector: element type unknown")
	}
	tt := ts[0].Type
	for _, t := range ts {
		if t.Type != tt {
			return fmt.Errorf("mixed temporal vector: %v and %v", tt, t.Type)
		}
	}
	putVectorHeader(b, int8(tt), len(ts))
	for _, t := range ts {
		switch tt {
		case Timestamp, Timespan:
			putU64(b, uint64(t.Ticks))
		case Datetime:
			days := math.NaN()
			if !t.IsNull() {
				days = float64(t.Ticks) / float64(millisPerDay)
			}
			putU64(b, math.Float64bits(days))
		default:
			putU32(b, uint32(int32(t.Ticks)))
		}
	}
	return nil
}

func encodeTable(b *bytes.Buffer, t Table) error {
	if len(t.Cols) != len(t.Data) {
		return fmt.Errorf("table has %d column names but %d column vectors", len(t.Cols), len(t.Data))
	}
	b.WriteByte(byte(typeTable))
	b.WriteByte(0) // attributes
	b.WriteByte(byte(typeDict))
	names := make([]Symbol, len(t.Cols))
	for i, c := range t.Cols {
		names[i] = Symbol(c)
	}
	if err := encodeValue(b, names); err != nil {
		return err
	}
	return encodeValue(b, t.Data)
}
