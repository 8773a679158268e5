package message

// Checksum computes the 32-bit non-cryptographic, order-dependent rolling
// sum over the what-code, field names and typed payloads (spec §4.1).
// Int16, uint16, float32, point and rect fields contribute only their
// element count, not their values. It is used for tree-diff hints
// (DataNode.cachedChecksum) and test assertions, never for integrity
// against tampering.
func (m *Message) Checksum() uint32 {
	var sum uint32
	sum = rollBytes(sum, []byte{byte(m.What), byte(m.What >> 8), byte(m.What >> 16), byte(m.What >> 24)})
	for _, name := range m.names {
		sum = rollBytes(sum, []byte(name))
		sum = rollField(sum, m.fields[name])
	}
	return sum
}

func rollBytes(sum uint32, data []byte) uint32 {
	for _, b := range data {
		sum = (sum<<1 | sum>>31) + uint32(b)
	}
	return sum
}

func rollField(sum uint32, f *Field) uint32 {
	sum = (sum<<1 | sum>>31) + uint32(f.Type)
	switch f.Type {
	case TypeBool:
		for _, v := range f.Bools {
			b := byte(0)
			if v {
				b = 1
			}
			sum = rollBytes(sum, []byte{b})
		}
	case TypeInt8:
		for _, v := range f.Int8s {
			sum = rollBytes(sum, []byte{byte(v)})
		}
	case TypeUint8:
		sum = rollBytes(sum, f.Uint8s)
	case TypeInt32:
		for _, v := range f.Int32s {
			sum = rollBytes(sum, u32Bytes(uint32(v)))
		}
	case TypeUint32:
		for _, v := range f.Uint32s {
			sum = rollBytes(sum, u32Bytes(v))
		}
	case TypeInt64:
		for _, v := range f.Int64s {
			sum = rollBytes(sum, u64Bytes(uint64(v)))
		}
	case TypeUint64:
		for _, v := range f.Uint64s {
			sum = rollBytes(sum, u64Bytes(v))
		}
	case TypeFloat64:
		for _, v := range f.Float64s {
			sum = rollBytes(sum, u64Bytes(uint64(int64(v*1e9))))
		}
	case TypeString:
		for _, s := range f.Strings {
			sum = rollBytes(sum, []byte(s))
		}
	case TypeBlob:
		sum = rollBytes(sum, u32Bytes(f.BlobTag))
		for _, b := range f.Blobs {
			sum = rollBytes(sum, b)
		}
	case TypeMessage:
		for _, sub := range f.Messages {
			sum = (sum<<1 | sum>>31) + sub.Checksum()
		}
	default:
		sum = (sum<<1 | sum>>31) + uint32(f.count())
	}
	return sum
}

func u32Bytes(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func u64Bytes(v uint64) []byte {
	return []byte{
		byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
		byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56),
	}
}
