// Package message implements the MUSCLE typed dictionary: a self-describing
// key to value(s) mapping used both as wire payload and as the datum stored
// at a DataNode. It is the one place in this codebase where a bespoke binary
// codec is justified over a third-party serialization library — the wire
// layout is fixed byte-for-byte by the protocol, not a generic marshal task.
package message

import "github.com/musclereflect/muscle/internal/muserr"

// FieldType identifies the element type stored in one Field. Values mirror
// the type codes carried on the wire (see flatten.go).
type FieldType uint32

const (
	TypeBool FieldType = 1 + iota
	TypeInt8
	TypeUint8
	TypeInt16
	TypeUint16
	TypeInt32
	TypeUint32
	TypeInt64
	TypeUint64
	TypeFloat32
	TypeFloat64
	TypePoint
	TypeRect
	TypeString
	TypeMessage
	TypeBlob
)

// Point is a 2D float pair, as used for screen/UI coordinates in payloads.
type Point struct {
	X, Y float32
}

// Rect is a 4-float axis-aligned rectangle (left, top, right, bottom).
type Rect struct {
	Left, Top, Right, Bottom float32
}

// Field holds every element of one named field. Only the slice matching
// Type is populated; the rest stay nil. Within one field all elements share
// a type and an empty field (len 0) is legal.
type Field struct {
	Type FieldType

	Bools    []bool
	Int8s    []int8
	Uint8s   []uint8
	Int16s   []int16
	Uint16s  []uint16
	Int32s   []int32
	Uint32s  []uint32
	Int64s   []int64
	Uint64s  []uint64
	Float32s []float32
	Float64s []float64
	Points   []Point
	Rects    []Rect
	Strings  []string
	Messages []*Message
	Blobs    [][]byte

	// BlobTag is the caller-defined type code carried alongside opaque
	// blob data (only meaningful when Type == TypeBlob).
	BlobTag uint32
}

func (f *Field) count() int {
	switch f.Type {
	case TypeBool:
		return len(f.Bools)
	case TypeInt8:
		return len(f.Int8s)
	case TypeUint8:
		return len(f.Uint8s)
	case TypeInt16:
		return len(f.Int16s)
	case TypeUint16:
		return len(f.Uint16s)
	case TypeInt32:
		return len(f.Int32s)
	case TypeUint32:
		return len(f.Uint32s)
	case TypeInt64:
		return len(f.Int64s)
	case TypeUint64:
		return len(f.Uint64s)
	case TypeFloat32:
		return len(f.Float32s)
	case TypeFloat64:
		return len(f.Float64s)
	case TypePoint:
		return len(f.Points)
	case TypeRect:
		return len(f.Rects)
	case TypeString:
		return len(f.Strings)
	case TypeMessage:
		return len(f.Messages)
	case TypeBlob:
		return len(f.Blobs)
	default:
		return 0
	}
}

// Message is a what-code plus an ordered field dictionary. Field order as
// seen by AddField is preserved across Flatten/Unflatten.
type Message struct {
	What   uint32
	names  []string
	fields map[string]*Field
}

// New creates an empty Message with the given what-code.
func New(what uint32) *Message {
	return &Message{What: what, fields: make(map[string]*Field)}
}

// AddField installs or replaces a named field. Replacing an existing field
// keeps its original position in field order.
func (m *Message) AddField(name string, f *Field) {
	if m.fields == nil {
		m.fields = make(map[string]*Field)
	}
	if _, exists := m.fields[name]; !exists {
		m.names = append(m.names, name)
	}
	m.fields[name] = f
}

// RemoveField deletes a field by name. Returns muserr.DataNotFound if absent.
func (m *Message) RemoveField(name string) error {
	if _, ok := m.fields[name]; !ok {
		return muserr.DataNotFound
	}
	delete(m.fields, name)
	for i, n := range m.names {
		if n == name {
			m.names = append(m.names[:i], m.names[i+1:]...)
			break
		}
	}
	return nil
}

// GetField returns the field by name, checked against the expected type.
// Returns muserr.DataNotFound if the name is absent, muserr.BadData if the
// type doesn't match what's stored.
func (m *Message) GetField(name string, want FieldType) (*Field, error) {
	f, ok := m.fields[name]
	if !ok {
		return nil, muserr.DataNotFound
	}
	if f.Type != want {
		return nil, muserr.BadData
	}
	return f, nil
}

// FieldNames returns field names in insertion order.
func (m *Message) FieldNames() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

// NumFields reports how many fields this Message carries.
func (m *Message) NumFields() int {
	return len(m.names)
}

// Convenience setters, the idiomatic entry points callers use instead of
// building a Field by hand.

func (m *Message) SetBools(name string, v ...bool) { m.AddField(name, &Field{Type: TypeBool, Bools: v}) }
func (m *Message) SetInt32s(name string, v ...int32) {
	m.AddField(name, &Field{Type: TypeInt32, Int32s: v})
}
func (m *Message) SetInt64s(name string, v ...int64) {
	m.AddField(name, &Field{Type: TypeInt64, Int64s: v})
}
func (m *Message) SetUint32s(name string, v ...uint32) {
	m.AddField(name, &Field{Type: TypeUint32, Uint32s: v})
}
func (m *Message) SetFloat64s(name string, v ...float64) {
	m.AddField(name, &Field{Type: TypeFloat64, Float64s: v})
}
func (m *Message) SetStrings(name string, v ...string) {
	m.AddField(name, &Field{Type: TypeString, Strings: v})
}
func (m *Message) SetString(name, v string) { m.SetStrings(name, v) }
func (m *Message) SetMessages(name string, v ...*Message) {
	m.AddField(name, &Field{Type: TypeMessage, Messages: v})
}
func (m *Message) SetBlob(name string, tag uint32, data []byte) {
	m.AddField(name, &Field{Type: TypeBlob, BlobTag: tag, Blobs: [][]byte{data}})
}

// GetString returns the first string in a string field.
func (m *Message) GetString(name string) (string, error) {
	f, err := m.GetField(name, TypeString)
	if err != nil {
		return "", err
	}
	if len(f.Strings) == 0 {
		return "", muserr.DataNotFound
	}
	return f.Strings[0], nil
}

// GetInt32 returns the first int32 in an int32 field.
func (m *Message) GetInt32(name string) (int32, error) {
	f, err := m.GetField(name, TypeInt32)
	if err != nil {
		return 0, err
	}
	if len(f.Int32s) == 0 {
		return 0, muserr.DataNotFound
	}
	return f.Int32s[0], nil
}

// Clone makes a deep copy. Used when callers need to retain an "old
// payload" snapshot across a mutation (spec §4.4 update-old-payload flag).
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := New(m.What)
	for _, name := range m.names {
		f := m.fields[name]
		clone.AddField(name, f.clone())
	}
	return clone
}

func (f *Field) clone() *Field {
	c := &Field{Type: f.Type, BlobTag: f.BlobTag}
	c.Bools = append(c.Bools, f.Bools...)
	c.Int8s = append(c.Int8s, f.Int8s...)
	c.Uint8s = append(c.Uint8s, f.Uint8s...)
	c.Int16s = append(c.Int16s, f.Int16s...)
	c.Uint16s = append(c.Uint16s, f.Uint16s...)
	c.Int32s = append(c.Int32s, f.Int32s...)
	c.Uint32s = append(c.Uint32s, f.Uint32s...)
	c.Int64s = append(c.Int64s, f.Int64s...)
	c.Uint64s = append(c.Uint64s, f.Uint64s...)
	c.Float32s = append(c.Float32s, f.Float32s...)
	c.Float64s = append(c.Float64s, f.Float64s...)
	c.Points = append(c.Points, f.Points...)
	c.Rects = append(c.Rects, f.Rects...)
	c.Strings = append(c.Strings, f.Strings...)
	c.Blobs = make([][]byte, len(f.Blobs))
	for i, b := range f.Blobs {
		c.Blobs[i] = append([]byte(nil), b...)
	}
	c.Messages = make([]*Message, len(f.Messages))
	for i, sub := range f.Messages {
		c.Messages[i] = sub.Clone()
	}
	return c
}

// Equal reports deep, order-sensitive equality — used by the codec's
// round-trip property test (spec §8.1).
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.What != other.What || len(m.names) != len(other.names) {
		return false
	}
	for i, name := range m.names {
		if other.names[i] != name {
			return false
		}
		if !m.fields[name].equal(other.fields[name]) {
			return false
		}
	}
	return true
}

func (f *Field) equal(o *Field) bool {
	if f == nil || o == nil {
		return f == o
	}
	if f.Type != o.Type || f.count() != o.count() {
		return false
	}
	switch f.Type {
	case TypeBool:
		return slicesEqual(f.Bools, o.Bools)
	case TypeInt8:
		return slicesEqual(f.Int8s, o.Int8s)
	case TypeUint8:
		return slicesEqual(f.Uint8s, o.Uint8s)
	case TypeInt16:
		return slicesEqual(f.Int16s, o.Int16s)
	case TypeUint16:
		return slicesEqual(f.Uint16s, o.Uint16s)
	case TypeInt32:
		return slicesEqual(f.Int32s, o.Int32s)
	case TypeUint32:
		return slicesEqual(f.Uint32s, o.Uint32s)
	case TypeInt64:
		return slicesEqual(f.Int64s, o.Int64s)
	case TypeUint64:
		return slicesEqual(f.Uint64s, o.Uint64s)
	case TypeFloat32:
		return slicesEqual(f.Float32s, o.Float32s)
	case TypeFloat64:
		return slicesEqual(f.Float64s, o.Float64s)
	case TypePoint:
		return slicesEqual(f.Points, o.Points)
	case TypeRect:
		return slicesEqual(f.Rects, o.Rects)
	case TypeString:
		return slicesEqual(f.Strings, o.Strings)
	case TypeBlob:
		if f.BlobTag != o.BlobTag || len(f.Blobs) != len(o.Blobs) {
			return false
		}
		for i := range f.Blobs {
			if !bytesEqual(f.Blobs[i], o.Blobs[i]) {
				return false
			}
		}
		return true
	case TypeMessage:
		if len(f.Messages) != len(o.Messages) {
			return false
		}
		for i := range f.Messages {
			if !f.Messages[i].Equal(o.Messages[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func slicesEqual[T comparable](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
