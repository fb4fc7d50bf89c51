package fmp4

import "encoding/binary"

// Minimal ISO-BMFF box building. Boxes are assembled bottom-up as byte
// slices; sizes are always the 32-bit compact form, which is ample for
// segment-sized payloads.

func box(typ string, payloads ...[]byte) []byte {
	size := 8
	for _, p := range payloads {
		size += len(p)
	}
	out := make([]byte, 8, size)
	binary.BigEndian.PutUint32(out, uint32(size))
	copy(out[4:], typ)
	for _, p := range payloads {
		out = append(out, p...)
	}
	return out
}

func fullBox(typ string, version byte, flags uint32, payloads ...[]byte) []byte {
	header := []byte{version, byte(flags >> 16), byte(flags >> 8), byte(flags)}
	return box(typ, append([][]byte{header}, payloads...)...)
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// fixed1616 encodes a 16.16 fixed-point value.
func fixed1616(v int) []byte {
	return u32(uint32(v) << 16)
}

func concat(parts ...[]byte) []byte {
	size := 0
	for _, p := range parts {
		size += len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
