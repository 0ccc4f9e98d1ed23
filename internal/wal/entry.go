package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"time"

	"github.com/golang/snappy"
)

// Op is the operation recorded by an Entry.
type Op uint8

const (
	OpPut    Op = 0x01
	OpDelete Op = 0x02
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Codec says how an entry payload is stored inside its frame.
type Codec uint8

const (
	CodecRaw    Codec = 0
	CodecSnappy Codec = 1
)

// ErrCorruptFrame is returned when a frame fails its bounds or checksum checks.
var ErrCorruptFrame = errors.New("corrupt wal frame")

// Entry is a single logged operation. Puts carry the full value so replay is
// idempotent and last-write-wins per key.
type Entry struct {
	Sequence  uint64
	Op        Op
	Key       string
	Value     []byte
	Weight    float64
	ShardID   int
	Timestamp time.Time
}

// entryHeaderSize covers seq, op, shard, timestamp and weight.
const entryHeaderSize = 8 + 1 + 4 + 8 + 8

// frameOverhead covers the checksum and codec byte in front of the payload.
const frameOverhead = 4 + 1

func (e *Entry) encodedSize() int {
	return entryHeaderSize + 4 + len(e.Key) + 4 + len(e.Value)
}

// appendPayload appends the uncompressed payload of e to dst.
func (e *Entry) appendPayload(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, e.Sequence)
	dst = append(dst, byte(e.Op))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(e.ShardID))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(e.Timestamp.UnixNano()))
	dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(e.Weight))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(e.Key)))
	dst = append(dst, e.Key...)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(e.Value)))
	dst = append(dst, e.Value...)
	return dst
}

// MarshalBinary encodes e as [crc32][codec][payload] using the raw codec.
func (e *Entry) MarshalBinary() ([]byte, error) {
	return e.encode(nil, CodecRaw), nil
}

// encode appends the serialized entry to dst.
func (e *Entry) encode(dst []byte, codec Codec) []byte {
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0, byte(codec))

	switch codec {
	case CodecSnappy:
		raw := e.appendPayload(make([]byte, 0, e.encodedSize()))
		dst = append(dst, snappy.Encode(nil, raw)...)
	default:
		dst = e.appendPayload(dst)
	}

	sum := crc32.ChecksumIEEE(dst[start+4:])
	binary.LittleEndian.PutUint32(dst[start:], sum)
	return dst
}

// UnmarshalBinary decodes a serialized entry, verifying its checksum.
func (e *Entry) UnmarshalBinary(b []byte) error {
	if len(b) < frameOverhead {
		return fmt.Errorf("%w: %d byte frame", ErrCorruptFrame, len(b))
	}
	if crc32.ChecksumIEEE(b[4:]) != binary.LittleEndian.Uint32(b) {
		return fmt.Errorf("%w: checksum mismatch", ErrCorruptFrame)
	}

	payload := b[frameOverhead:]
	switch Codec(b[4]) {
	case CodecRaw:
	case CodecSnappy:
		raw, err := snappy.Decode(nil, payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptFrame, err)
		}
		payload = raw
	default:
		return fmt.Errorf("%w: unknown codec %d", ErrCorruptFrame, b[4])
	}
	return e.decodePayload(payload)
}

func (e *Entry) decodePayload(b []byte) error {
	if len(b) < entryHeaderSize+4 {
		return fmt.Errorf("%w: short payload", ErrCorruptFrame)
	}
	e.Sequence = binary.LittleEndian.Uint64(b[0:8])
	e.Op = Op(b[8])
	e.ShardID = int(binary.LittleEndian.Uint32(b[9:13]))
	e.Timestamp = time.Unix(0, int64(binary.LittleEndian.Uint64(b[13:21])))
	e.Weight = math.Float64frombits(binary.LittleEndian.Uint64(b[21:29]))
	if e.Op != OpPut && e.Op != OpDelete {
		return fmt.Errorf("%w: unknown op %d", ErrCorruptFrame, e.Op)
	}

	i := entryHeaderSize
	klen := int(binary.LittleEndian.Uint32(b[i:]))
	i += 4
	if klen > len(b)-i-4 {
		return fmt.Errorf("%w: key length %d out of bounds", ErrCorruptFrame, klen)
	}
	e.Key = string(b[i : i+klen])
	i += klen

	vlen := int(binary.LittleEndian.Uint32(b[i:]))
	i += 4
	if vlen != len(b)-i {
		return fmt.Errorf("%w: value length %d out of bounds", ErrCorruptFrame, vlen)
	}
	e.Value = nil
	if e.Op == OpPut {
		e.Value = make([]byte, vlen)
		copy(e.Value, b[i:])
	}
	return nil
}
