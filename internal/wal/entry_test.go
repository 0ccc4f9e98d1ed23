package wal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntry_RoundTrip(t *testing.T) {
	ts := time.Unix(1700000000, 123456789)
	tests := []struct {
		name  string
		entry Entry
		codec Codec
	}{
		{
			name:  "put raw",
			entry: Entry{Sequence: 1, Op: OpPut, Key: "user:1", Value: []byte(`{"n":1}`), Weight: 0.5, ShardID: 3, Timestamp: ts},
			codec: CodecRaw,
		},
		{
			name:  "put snappy",
			entry: Entry{Sequence: 42, Op: OpPut, Key: "k", Value: []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), Weight: 1, ShardID: 15, Timestamp: ts},
			codec: CodecSnappy,
		},
		{
			name:  "empty value",
			entry: Entry{Sequence: 7, Op: OpPut, Key: "empty", Value: []byte{}, Timestamp: ts},
			codec: CodecRaw,
		},
		{
			name:  "delete",
			entry: Entry{Sequence: 9, Op: OpDelete, Key: "gone", ShardID: 2, Timestamp: ts},
			codec: CodecSnappy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.entry.encode(nil, tt.codec)

			var got Entry
			require.NoError(t, got.UnmarshalBinary(b))
			assert.Equal(t, tt.entry.Sequence, got.Sequence)
			assert.Equal(t, tt.entry.Op, got.Op)
			assert.Equal(t, tt.entry.Key, got.Key)
			assert.Equal(t, tt.entry.Weight, got.Weight)
			assert.Equal(t, tt.entry.ShardID, got.ShardID)
			assert.True(t, tt.entry.Timestamp.Equal(got.Timestamp))
			if tt.entry.Op == OpPut {
				assert.Equal(t, tt.entry.Value, got.Value)
			} else {
				assert.Nil(t, got.Value)
			}
		})
	}
}

func TestEntry_UnmarshalCorrupt(t *testing.T) {
	e := Entry{Sequence: 1, Op: OpPut, Key: "key", Value: []byte("value")}
	good, err := e.MarshalBinary()
	require.NoError(t, err)

	flip := func(i int) []byte {
		b := append([]byte(nil), good...)
		b[i] ^= 0xff
		return b
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", good[:3]},
		{"checksum", flip(0)},
		{"payload bit flip", flip(len(good) - 1)},
		{"truncated payload", good[:len(good)-2]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Entry
			err := got.UnmarshalBinary(tt.data)
			assert.ErrorIs(t, err, ErrCorruptFrame)
			assert.True(t, IsCorruption(err))
		})
	}
}

func TestOp_String(t *testing.T) {
	assert.Equal(t, "put", OpPut.String())
	assert.Equal(t, "delete", OpDelete.String())
	assert.Equal(t, "op(9)", Op(9).String())
}
