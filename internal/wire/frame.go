// Package wire decodes Confluent-framed Protobuf messages into generic values.
//
// A framed message is:
//
//	byte 0      magic, always 0
//	bytes 1..4  schema ID, big-endian
//	varints     message-index path: a zigzag count, then that many zigzag
//	            indexes; a count of 0 stands for the path [0]
//	rest        the Protobuf payload
package wire

import (
	"encoding/binary"

	"protosink/internal/domain"
)

const (
	magicByte = 0x0
	// maxIndexDepth bounds the message-index path length.
	maxIndexDepth = 64
)

// Frame is a parsed framed message.
type Frame struct {
	SchemaID int32
	Indexes  []int
	Payload  []byte
}

// ParseFrame splits raw into its header fields and payload. The payload
// aliases raw.
func ParseFrame(raw []byte) (Frame, error) {
	if len(raw) < 5 {
		return Frame{}, domain.ErrMalformed("message is %d bytes, shorter than the 5-byte header", len(raw))
	}
	if raw[0] != magicByte {
		return Frame{}, domain.ErrMalformed("unknown magic byte 0x%02x", raw[0])
	}
	id := int32(binary.BigEndian.Uint32(raw[1:5]))
	rest := raw[5:]

	count, n := binary.Varint(rest)
	if n <= 0 {
		return Frame{}, domain.ErrMalformed("truncated message-index count")
	}
	rest = rest[n:]
	if count == 0 {
		return Frame{SchemaID: id, Indexes: []int{0}, Payload: rest}, nil
	}
	if count < 0 || count > maxIndexDepth {
		return Frame{}, domain.ErrMalformed("invalid message-index count %d", count)
	}

	indexes := make([]int, count)
	for i := range indexes {
		idx, n := binary.Varint(rest)
		if n <= 0 {
			return Frame{}, domain.ErrMalformed("truncated message index %d of %d", i+1, count)
		}
		if idx < 0 {
			return Frame{}, domain.ErrMalformed("negative message index %d", idx)
		}
		indexes[i] = int(idx)
		rest = rest[n:]
	}
	return Frame{SchemaID: id, Indexes: indexes, Payload: rest}, nil
}

// AppendFrame appends the header for schemaID and indexes, then payload.
func AppendFrame(dst []byte, schemaID int32, indexes []int, payload []byte) []byte {
	dst = append(dst, magicByte)
	dst = binary.BigEndian.AppendUint32(dst, uint32(schemaID))
	if len(indexes) == 0 || (len(indexes) == 1 && indexes[0] == 0) {
		dst = binary.AppendVarint(dst, 0)
	} else {
		dst = binary.AppendVarint(dst, int64(len(indexes)))
		for _, idx := range indexes {
			dst = binary.AppendVarint(dst, int64(idx))
		}
	}
	return append(dst, payload...)
}
