package qipc

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"
)

// Wire-level guards. A local analytic session never legitimately exceeds
// these; hitting one means a corrupt or hostile stream.
const (
	maxMessageSize = 1 << 30
	maxVectorLen   = 1 << 28
)

// DecodeMessage reads one complete message from r and returns its type and
// decoded payload. A server-side evaluation failure decodes into a non-nil
// *Error returned as the error value.
func DecodeMessage(r io.Reader) (MsgType, any, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}
	if hdr[0] != 1 {
		return 0, nil, fmt.Errorf("unsupported big-endian peer")
	}
	size := binary.LittleEndian.Uint32(hdr[4:8])
	if size < 9 || size > maxMessageSize {
		return 0, nil, fmt.Errorf("message size %d out of range", size)
	}
	body := make([]byte, size-8)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}

	if hdr[2] == 1 {
		if len(body) < 4 {
			return 0, nil, fmt.Errorf("compressed body too short: %d bytes", len(body))
		}
		usize := binary.LittleEndian.Uint32(body[:4])
		if usize < 9 || usize > maxMessageSize {
			return 0, nil, fmt.Errorf("uncompressed size %d out of range", usize)
		}
		payload, err := decompress(body[4:], int(usize))
		if err != nil {
			return 0, nil, fmt.Errorf("decompress: %w", err)
		}
		body = payload
	}

	d := &decoder{buf: body}
	v, err := d.value()
	if err != nil {
		return 0, nil, err
	}
	return MsgType(hdr[1]), v, nil
}

// decoder is a cursor over one message body.
type decoder struct {
	buf []byte
	off int
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || len(d.buf)-d.off < n {
		return nil, io.ErrUnexpectedEOF
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) u8() (byte, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) i8() (int8, error) {
	b, err := d.u8()
	return int8(b), err
}

func (d *decoder) i16() (int16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(b)), nil
}

func (d *decoder) i32() (int32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (d *decoder) i64() (int64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func (d *decoder) f32() (float32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

func (d *decoder) f64() (float64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

// sym reads a NUL-terminated string.
func (d *decoder) sym() (string, error) {
	for i := d.off; i < len(d.buf); i++ {
		if d.buf[i] == 0 {
			s := string(d.buf[d.off:i])
			d.off = i + 1
			return s, nil
		}
	}
	return "", io.ErrUnexpectedEOF
}

// vectorHeader reads the attribute byte and element count of a vector.
func (d *decoder) vectorHeader() (int, error) {
	if _, err := d.u8(); err != nil { // attributes, ignored
		return 0, err
	}
	n, err := d.i32()
	if err != nil {
		return 0, err
	}
	if n < 0 || n > maxVectorLen {
		return 0, fmt.Errorf("vector length %d out of range", n)
	}
	return int(n), nil
}

func (d *decoder) value() (any, error) {
	t, err := d.i8()
	if err != nil {
		return nil, fmt.Errorf("read type: %w", err)
	}

	switch {
	case t == typeError:
		msg, err := d.sym()
		if err != nil {
			return nil, fmt.Errorf("read error atom: %w", err)
		}
		return nil, &Error{Msg: msg}
	case t < 0:
		v, err := d.atom(-t)
		if err != nil {
			return nil, fmt.Errorf("decode atom type %d: %w", t, err)
		}
		return v, nil
	case t == typeMixed:
		n, err := d.vectorHeader()
		if err != nil {
			return nil, fmt.Errorf("decode list header: %w", err)
		}
		items := make([]any, n)
		for i := range items {
			if items[i], err = d.value(); err != nil {
				return nil, err
			}
		}
		return items, nil
	case t <= typeTime:
		v, err := d.vector(t)
		if err != nil {
			return nil, fmt.Errorf("decode vector type %d: %w", t, err)
		}
		return v, nil
	case t == typeTable:
		return d.table()
	case t == typeDict:
		keys, err := d.value()
		if err != nil {
			return nil, err
		}
		vals, err := d.value()
		if err != nil {
			return nil, err
		}
		return Dict{Keys: keys, Vals: vals}, nil
	case t == typeLambda:
		ns, err := d.sym()
		if err != nil {
			return nil, fmt.Errorf("decode lambda namespace: %w", err)
		}
		body, err := d.value()
		if err != nil {
			return nil, err
		}
		src, ok := body.(string)
		if !ok {
			return nil, fmt.Errorf("lambda body has type %T, want char vector", body)
		}
		return Lambda{Namespace: ns, Body: src}, nil
	case t == typeUnary:
		b, err := d.u8()
		if err != nil {
			return nil, err
		}
		if b != 0 {
			return nil, fmt.Errorf("unsupported unary primitive %d", b)
		}
		return nil, nil // generic null (::)
	default:
		return nil, fmt.Errorf("unsupported object type %d", t)
	}
}

func (d *decoder) atom(t int8) (any, error) {
	switch t {
	case typeBool:
		b, err := d.u8()
		return b != 0, err
	case typeGUID:
		b, err := d.take(16)
		if err != nil {
			return nil, err
		}
		var u uuid.UUID
		copy(u[:], b)
		return u, nil
	case typeByte:
		return d.u8()
	case typeShort:
		return d.i16()
	case typeInt:
		return d.i32()
	case typeLong:
		return d.i64()
	case typeReal:
		return d.f32()
	case typeFloat:
		return d.f64()
	case typeChar:
		return d.u8()
	case typeSymbol:
		s, err := d.sym()
		return Symbol(s), err
	case typeTimestamp, typeTimespan:
		v, err := d.i64()
		return Temporal{Type: TemporalType(t), Ticks: v}, err
	case typeDatetime:
		days, err := d.f64()
		return Temporal{Type: Datetime, Ticks: datetimeTicks(days)}, err
	case typeMonth, typeDate, typeMinute, typeSecond, typeTime:
		v, err := d.i32()
		return Temporal{Type: TemporalType(t), Ticks: int64(v)}, err
	default:
		return nil, fmt.Errorf("unknown atom type %d", t)
	}
}

func (d *decoder) vector(t int8) (any, error) {
	n, err := d.vectorHeader()
	if err != nil {
		return nil, err
	}

	switch t {
	case typeBool:
		b, err := d.take(n)
		if err != nil {
			return nil, err
		}
		out := make([]bool, n)
		for i, e := range b {
			out[i] = e != 0
		}
		return out, nil
	case typeGUID:
		b, err := d.take(16 * n)
		if err != nil {
			return nil, err
		}
		out := make([]uuid.UUID, n)
		for i := range out {
			copy(out[i][:], b[16*i:])
		}
		return out, nil
	case typeByte:
		b, err := d.take(n)
		if err != nil {
			return nil, err
		}
		out := make([]byte, n)
		copy(out, b)
		return out, nil
	case typeShort:
		out := make([]int16, n)
		for i := range out {
			if out[i], err = d.i16(); err != nil {
				return nil, err
			}
		}
		return out, nil
	case typeInt:
		out := make([]int32, n)
		for i := range out {
			if out[i], err = d.i32(); err != nil {
				return nil, err
			}
		}
		return out, nil
	case typeLong:
		out := make([]int64, n)
		for i := range out {
			if out[i], err = d.i64(); err != nil {
				return nil, err
			}
		}
		return out, nil
	case typeReal:
		out := make([]float32, n)
		for i := range out {
			if out[i], err = d.f32(); err != nil {
				return nil, err
			}
		}
		return out, nil
	case typeFloat:
		out := make([]float64, n)
		for i := range out {
			if out[i], err = d.f64(); err != nil {
				return nil, err
			}
		}
		return out, nil
	case typeChar:
		b, err := d.take(n)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case typeSymbol:
		out := make([]Symbol, n)
		for i := range out {
			s, err := d.sym()
			if err != nil {
				return nil, err
			}
			out[i] = Symbol(s)
		}
		return out, nil
	case typeTimestamp, typeTimespan:
		out := make([]Temporal, n)
		for i := range out {
			v, err := d.i64()
			if err != nil {
				return nil, err
			}
			out[i] = Temporal{Type: TemporalType(t), Ticks: v}
		}
		return out, nil
	case typeDatetime:
		out := make([]Temporal, n)
		for i := range out {
			days, err := d.f64()
			if err != nil {
				return nil, err
			}
			out[i] = Temporal{Type: Datetime, Ticks: datetimeTicks(days)}
		}
		return out, nil
	case typeMonth, typeDate, typeMinute, typeSecond, typeTime:
		out := make([]Temporal, n)
		for i := range out {
			v, err := d.i32()
			if err != nil {
				return nil, err
			}
			out[i] = Temporal{Type: TemporalType(t), Ticks: int64(v)}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown vector type %d", t)
	}
}

func (d *decoder) table() (any, error) {
	if _, err := d.u8(); err != nil { // attributes, ignored
		return nil, fmt.Errorf("decode table attributes: %w", err)
	}
	t, err := d.i8()
	if err != nil {
		return nil, fmt.Errorf("decode table dict: %w", err)
	}
	if t != typeDict {
		return nil, fmt.Errorf("table carries object type %d, want dict", t)
	}
	keys, err := d.value()
	if err != nil {
		return nil, err
	}
	names, ok := keys.([]Symbol)
	if !ok {
		return nil, fmt.Errorf("table column names have type %T, want symbol vector", keys)
	}
	vals, err := d.value()
	if err != nil {
		return nil, err
	}
	data, ok := vals.([]any)
	if !ok {
		return nil, fmt.Errorf("table columns have type %T, want list", vals)
	}
	if len(names) != len(data) {
		return nil, fmt.Errorf("table has %d column names but %d columns", len(names), len(data))
	}
	cols := make([]string, len(names))
	for i, s := range names {
		cols[i] = string(s)
	}
	return Table{Cols: cols, Data: data}, nil
}

// datetimeTicks converts wire-format float days since Epoch to integer
// milliseconds, mapping NaN (the datetime null) to the int64 null.
func datetimeTicks(days float64) int64 {
	if math.IsNaN(days) {
		return math.MinInt64
	}
	return int64(math.Round(days * float64(millisPerDay)))
}

// decompress expands a compressed message body. src holds the compressed
// bytes that follow the uncompressed-size field, dstLen is that size
// (which, like the wire size, counts the 8-byte message header). The
// returned slice is the decompressed payload without the header bytes.
//
// The scheme is the byte-oriented LZ variant every kdb peer speaks: a flag
// byte governs the next eight steps, each step either copying a literal
// byte or re-reading a short run located via a 256-slot hash of adjacent
// byte pairs.
func decompress(src []byte, dstLen int) ([]byte, error) {
	if dstLen < 8 {
		return nil, fmt.Errorf("uncompressed length %d too small", dstLen)
	}
	dst := make([]byte, dstLen)
	var aa [256]int
	var f, n, r int
	s, p, d := 8, 8, 0

	for s < dstLen {
		i := 0
		for ; i < 8 && s < dstLen; i++ {
			if i == 0 {
				if d >= len(src) {
					return nil, io.ErrUnexpectedEOF
				}
				f = int(src[d])
				d++
			}
			if f&(1<<i) != 0 {
				if d+1 >= len(src) {
					return nil, io.ErrUnexpectedEOF
				}
				r = aa[src[d]]
				d++
				if r+1 >= dstLen || s+1 >= dstLen {
					return nil, fmt.Errorf("run copy out of bounds")
				}
				dst[s] = dst[r]
				dst[s+1] = dst[r+1]
				s += 2
				r += 2
				n = int(src[d])
				d++
				if s+n > dstLen || r+n > dstLen {
					return nil, fmt.Errorf("run length %d out of bounds", n)
				}
				for m := 0; m < n; m++ {
					dst[s+m] = dst[r+m]
				}
			} else {
				if d >= len(src) {
					return nil, io.ErrUnexpectedEOF
				}
				dst[s] = src[d]
				s++
				d++
			}
			for p < s-1 {
				aa[dst[p]^dst[p+1]] = p
				p++
			}
			if f&(1<<i) != 0 {
				s += n
				p = s
			}
		}
	}
	return dst[8:], nil
}
