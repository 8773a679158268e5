package message

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/musclereflect/muscle/internal/muserr"
)

// ProtocolVersion is the fixed magic that opens every flattened Message,
// identifying this wire encoding to a peer with no external schema.
const ProtocolVersion uint32 = 0x4d53434c // "MSCL"

// maxReasonablePayload guards Unflatten against a corrupt or hostile length
// header trying to make us allocate gigabytes from a four-byte field.
const maxReasonablePayload = 256 << 20

// FlattenedSize returns the exact byte length Flatten will produce, without
// performing the encode.
func (m *Message) FlattenedSize() uint32 {
	size := uint32(4 + 4 + 4) // version + what + num_fields
	for _, name := range m.names {
		f := m.fields[name]
		size += 4 + uint32(len(name)+1) // name length + NUL-terminated name
		size += 4 + 4                   // type_code + item_payload_length
		size += itemPayloadSize(f)
	}
	return size
}

func itemPayloadSize(f *Field) uint32 {
	switch f.Type {
	case TypeBool, TypeInt8, TypeUint8:
		return uint32(f.count())
	case TypeInt16, TypeUint16:
		return uint32(f.count() * 2)
	case TypeInt32, TypeUint32, TypeFloat32:
		return uint32(f.count() * 4)
	case TypeInt64, TypeUint64, TypeFloat64, TypePoint:
		return uint32(f.count() * 8)
	case TypeRect:
		return uint32(f.count() * 16)
	case TypeString:
		size := uint32(4)
		for _, s := range f.Strings {
			size += uint32(len(s) + 1)
		}
		return size
	case TypeBlob:
		size := uint32(4 + 4) // tag + count
		for _, b := range f.Blobs {
			size += 4 + uint32(len(b))
		}
		return size
	case TypeMessage:
		size := uint32(4)
		for _, sub := range f.Messages {
			size += 4 + sub.FlattenedSize()
		}
		return size
	default:
		return 0
	}
}

// Flatten performs an allocation-free-at-the-field-level encode into the
// wire layout described in spec §4.1: little-endian integers, IEEE-754
// floats as their little-endian bit pattern, NUL-terminated names/strings.
func (m *Message) Flatten() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, m.FlattenedSize()))
	var u32 [4]byte

	putU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(u32[:], v)
		buf.Write(u32[:])
	}

	putU32(ProtocolVersion)
	putU32(m.What)
	putU32(uint32(len(m.names)))

	for _, name := range m.names {
		f := m.fields[name]
		putU32(uint32(len(name) + 1))
		buf.WriteString(name)
		buf.WriteByte(0)
		putU32(uint32(f.Type))
		putU32(itemPayloadSize(f))
		writeItemPayload(buf, f)
	}

	return buf.Bytes()
}

func writeItemPayload(buf *bytes.Buffer, f *Field) {
	var u64 [8]byte
	putU16 := func(v uint16) { binary.LittleEndian.PutUint16(u64[:2], v); buf.Write(u64[:2]) }
	putU32 := func(v uint32) { binary.LittleEndian.PutUint32(u64[:4], v); buf.Write(u64[:4]) }
	putU64 := func(v uint64) { binary.LittleEndian.PutUint64(u64[:8], v); buf.Write(u64[:8]) }

	switch f.Type {
	case TypeBool:
		for _, v := range f.Bools {
			if v {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		}
	case TypeInt8:
		for _, v := range f.Int8s {
			buf.WriteByte(byte(v))
		}
	case TypeUint8:
		buf.Write(f.Uint8s)
	case TypeInt16:
		for _, v := range f.Int16s {
			putU16(uint16(v))
		}
	case TypeUint16:
		for _, v := range f.Uint16s {
			putU16(v)
		}
	case TypeInt32:
		for _, v := range f.Int32s {
			putU32(uint32(v))
		}
	case TypeUint32:
		for _, v := range f.Uint32s {
			putU32(v)
		}
	case TypeInt64:
		for _, v := range f.Int64s {
			putU64(uint64(v))
		}
	case TypeUint64:
		for _, v := range f.Uint64s {
			putU64(v)
		}
	case TypeFloat32:
		for _, v := range f.Float32s {
			putU32(math.Float32bits(v))
		}
	case TypeFloat64:
		for _, v := range f.Float64s {
			putU64(math.Float64bits(v))
		}
	case TypePoint:
		for _, p := range f.Points {
			putU32(math.Float32bits(p.X))
			putU32(math.Float32bits(p.Y))
		}
	case TypeRect:
		for _, r := range f.Rects {
			putU32(math.Float32bits(r.Left))
			putU32(math.Float32bits(r.Top))
			putU32(math.Float32bits(r.Right))
			putU32(math.Float32bits(r.Bottom))
		}
	case TypeString:
		putU32(uint32(len(f.Strings)))
		for _, s := range f.Strings {
			buf.WriteString(s)
			buf.WriteByte(0)
		}
	case TypeBlob:
		putU32(f.BlobTag)
		putU32(uint32(len(f.Blobs)))
		for _, b := range f.Blobs {
			putU32(uint32(len(b)))
			buf.Write(b)
		}
	case TypeMessage:
		putU32(uint32(len(f.Messages)))
		for _, sub := range f.Messages {
			sub := sub
			subBytes := sub.Flatten()
			putU32(uint32(len(subBytes)))
			buf.Write(subBytes)
		}
	}
}

// Unflatten decodes bytes produced by Flatten, returning muserr.BadData on
// any malformed, truncated, negative, or implausibly large length header.
func Unflatten(data []byte) (*Message, error) {
	r := &reader{data: data}

	version, ok := r.u32()
	if !ok || version != ProtocolVersion {
		return nil, fmt.Errorf("unflatten: %w: bad protocol version", muserr.BadData)
	}
	what, ok := r.u32()
	if !ok {
		return nil, fmt.Errorf("unflatten: %w: truncated header", muserr.BadData)
	}
	numFields, ok := r.u32()
	if !ok || numFields > uint32(len(data)) {
		return nil, fmt.Errorf("unflatten: %w: bad field count", muserr.BadData)
	}

	m := New(what)
	for i := uint32(0); i < numFields; i++ {
		nameLen, ok := r.u32()
		if !ok || nameLen == 0 || nameLen > maxReasonablePayload {
			return nil, fmt.Errorf("unflatten: %w: bad name length", muserr.BadData)
		}
		nameBytes, ok := r.bytes(int(nameLen))
		if !ok || nameBytes[len(nameBytes)-1] != 0 {
			return nil, fmt.Errorf("unflatten: %w: bad name bytes", muserr.BadData)
		}
		name := string(nameBytes[:len(nameBytes)-1])

		typeCode, ok := r.u32()
		if !ok {
			return nil, fmt.Errorf("unflatten: %w: truncated type code", muserr.BadData)
		}
		payloadLen, ok := r.u32()
		if !ok || payloadLen > maxReasonablePayload {
			return nil, fmt.Errorf("unflatten: %w: bad payload length", muserr.BadData)
		}
		payload, ok := r.bytes(int(payloadLen))
		if !ok {
			return nil, fmt.Errorf("unflatten: %w: truncated payload", muserr.BadData)
		}

		f, err := readItemPayload(FieldType(typeCode), payload)
		if err != nil {
			return nil, err
		}
		m.AddField(name, f)
	}

	return m, nil
}

func readItemPayload(typ FieldType, payload []byte) (*Field, error) {
	r := &reader{data: payload}
	f := &Field{Type: typ}

	badData := func() (*Field, error) {
		return nil, fmt.Errorf("unflatten: %w: malformed item payload", muserr.BadData)
	}

	switch typ {
	case TypeBool:
		for r.remaining() > 0 {
			b, _ := r.byte()
			f.Bools = append(f.Bools, b != 0)
		}
	case TypeInt8:
		for r.remaining() > 0 {
			b, _ := r.byte()
			f.Int8s = append(f.Int8s, int8(b))
		}
	case TypeUint8:
		f.Uint8s = append(f.Uint8s, payload...)
	case TypeInt16:
		if len(payload)%2 != 0 {
			return badData()
		}
		for r.remaining() > 0 {
			v, _ := r.u16()
			f.Int16s = append(f.Int16s, int16(v))
		}
	case TypeUint16:
		if len(payload)%2 != 0 {
			return badData()
		}
		for r.remaining() > 0 {
			v, _ := r.u16()
			f.Uint16s = append(f.Uint16s, v)
		}
	case TypeInt32:
		if len(payload)%4 != 0 {
			return badData()
		}
		for r.remaining() > 0 {
			v, _ := r.u32()
			f.Int32s = append(f.Int32s, int32(v))
		}
	case TypeUint32:
		if len(payload)%4 != 0 {
			return badData()
		}
		for r.remaining() > 0 {
			v, _ := r.u32()
			f.Uint32s = append(f.Uint32s, v)
		}
	case TypeInt64:
		if len(payload)%8 != 0 {
			return badData()
		}
		for r.remaining() > 0 {
			v, _ := r.u64()
			f.Int64s = append(f.Int64s, int64(v))
		}
	case TypeUint64:
		if len(payload)%8 != 0 {
			return badData()
		}
		for r.remaining() > 0 {
			v, _ := r.u64()
			f.Uint64s = append(f.Uint64s, v)
		}
	case TypeFloat32:
		if len(payload)%4 != 0 {
			return badData()
		}
		for r.remaining() > 0 {
			v, _ := r.u32()
			f.Float32s = append(f.Float32s, math.Float32frombits(v))
		}
	case TypeFloat64:
		if len(payload)%8 != 0 {
			return badData()
		}
		for r.remaining() > 0 {
			v, _ := r.u64()
			f.Float64s = append(f.Float64s, math.Float64frombits(v))
		}
	case TypePoint:
		if len(payload)%8 != 0 {
			return badData()
		}
		for r.remaining() > 0 {
			x, _ := r.u32()
			y, _ := r.u32()
			f.Points = append(f.Points, Point{X: math.Float32frombits(x), Y: math.Float32frombits(y)})
		}
	case TypeRect:
		if len(payload)%16 != 0 {
			return badData()
		}
		for r.remaining() > 0 {
			l, _ := r.u32()
			t, _ := r.u32()
			rr, _ := r.u32()
			b, _ := r.u32()
			f.Rects = append(f.Rects, Rect{
				Left: math.Float32frombits(l), Top: math.Float32frombits(t),
				Right: math.Float32frombits(rr), Bottom: math.Float32frombits(b),
			})
		}
	case TypeString:
		count, ok := r.u32()
		if !ok {
			return badData()
		}
		for i := uint32(0); i < count; i++ {
			s, ok := r.nulString()
			if !ok {
				return badData()
			}
			f.Strings = append(f.Strings, s)
		}
	case TypeBlob:
		tag, ok := r.u32()
		if !ok {
			return badData()
		}
		f.BlobTag = tag
		count, ok := r.u32()
		if !ok {
			return badData()
		}
		for i := uint32(0); i < count; i++ {
			length, ok := r.u32()
			if !ok || length > maxReasonablePayload {
				return badData()
			}
			b, ok := r.bytes(int(length))
			if !ok {
				return badData()
			}
			f.Blobs = append(f.Blobs, append([]byte(nil), b...))
		}
	case TypeMessage:
		count, ok := r.u32()
		if !ok {
			return badData()
		}
		for i := uint32(0); i < count; i++ {
			length, ok := r.u32()
			if !ok || length > maxReasonablePayload {
				return badData()
			}
			b, ok := r.bytes(int(length))
			if !ok {
				return badData()
			}
			sub, err := Unflatten(b)
			if err != nil {
				return nil, err
			}
			f.Messages = append(f.Messages, sub)
		}
	default:
		return nil, fmt.Errorf("unflatten: %w: unknown type code %d", muserr.BadData, typ)
	}

	return f, nil
}

// reader is a small cursor over a byte slice, bounds-checked on every read
// so Unflatten never panics on truncated or adversarial input.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) remaining() int { return len(r.data) - r.pos }

func (r *reader) byte() (byte, bool) {
	if r.remaining() < 1 {
		return 0, false
	}
	b := r.data[r.pos]
	r.pos++
	return b, true
}

func (r *reader) bytes(n int) ([]byte, bool) {
	if n < 0 || r.remaining() < n {
		return nil, false
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, true
}

func (r *reader) u16() (uint16, bool) {
	b, ok := r.bytes(2)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b), true
}

func (r *reader) u32() (uint32, bool) {
	b, ok := r.bytes(4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func (r *reader) u64() (uint64, bool) {
	b, ok := r.bytes(8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

func (r *reader) nulString() (string, bool) {
	start := r.pos
	for r.pos < len(r.data) {
		if r.data[r.pos] == 0 {
			s := string(r.data[start:r.pos])
			r.pos++
			return s, true
		}
		r.pos++
	}
	return "", false
}
