package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	// batchHeaderSize is [entry_count u32][batch_timestamp u64].
	batchHeaderSize = 4 + 8
	// frameHeaderSize is the [length u32] in front of each serialized entry.
	frameHeaderSize = 4

	// MaxFrameSize bounds a single serialized entry.
	MaxFrameSize = 64 << 20
	// MaxBatchEntries bounds the entry count read from a batch header.
	MaxBatchEntries = 1 << 20

	readBufLen  = 64 << 10
	writeBufLen = 128 << 10
)

var bufPool sync.Pool

// SegmentWriter writes batch-framed entries to an underlying writer. Each
// batch goes out in a single Write call.
type SegmentWriter struct {
	w     io.Writer
	codec Codec
	size  int64
}

// NewSegmentWriter returns a writer that encodes entries with codec.
func NewSegmentWriter(w io.Writer, codec Codec) *SegmentWriter {
	return &SegmentWriter{w: w, codec: codec}
}

// WriteBatch encodes entries as one batch stamped with ts and writes it.
func (w *SegmentWriter) WriteBatch(entries []Entry, ts time.Time) (int, error) {
	buf := getBuf(writeBufLen)
	defer putBuf(buf)

	b := AppendBatch(buf[:0], entries, ts, w.codec)
	n, err := w.w.Write(b)
	w.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("error writing to WAL: %w", err)
	}
	return n, nil
}

// Size returns the number of bytes written so far.
func (w *SegmentWriter) Size() int64 { return w.size }

// AppendBatch appends the encoded batch to dst.
func AppendBatch(dst []byte, entries []Entry, ts time.Time, codec Codec) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(entries)))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(ts.UnixNano()))
	for i := range entries {
		lenAt := len(dst)
		dst = append(dst, 0, 0, 0, 0)
		dst = entries[i].encode(dst, codec)
		binary.LittleEndian.PutUint32(dst[lenAt:], uint32(len(dst)-lenAt-frameHeaderSize))
	}
	return dst
}

// Batch is one decoded batch frame.
type Batch struct {
	Offset    int64 // Byte offset of the batch header in the file
	Timestamp time.Time
	Count     int // Entry count from the header
	Entries   []Entry
	Skipped   int // Frames in this batch that failed to decode
}

// SegmentReader scans batches forward. A frame whose length is intact but
// whose contents fail to decode is skipped and the scan continues. A batch
// that is cut short ends the scan; its frames are counted as skipped.
type SegmentReader struct {
	r      *bufio.Reader
	offset int64
	valid  int64

	batch   Batch
	skipped int
	err     error
	done    bool
}

// NewSegmentReader returns a reader positioned at the start of r.
func NewSegmentReader(r io.Reader) *SegmentReader {
	return &SegmentReader{r: bufio.NewReaderSize(r, readBufLen)}
}

// Next reads the next complete batch. It returns false at the end of the
// data or at the first structurally broken batch.
func (r *SegmentReader) Next() bool {
	if r.done {
		return false
	}

	var hdr [batchHeaderSize]byte
	n, err := io.ReadFull(r.r, hdr[:])
	if err == io.EOF {
		r.done = true
		return false
	}
	if err != nil {
		r.fail(fmt.Errorf("%w: batch header truncated after %d bytes", ErrCorruptFrame, n), 1)
		return false
	}

	count := binary.LittleEndian.Uint32(hdr[0:4])
	if count > MaxBatchEntries {
		r.fail(fmt.Errorf("%w: batch entry count %d out of bounds", ErrCorruptFrame, count), 1)
		return false
	}

	batch := Batch{
		Offset:    r.offset,
		Timestamp: time.Unix(0, int64(binary.LittleEndian.Uint64(hdr[4:12]))),
		Count:     int(count),
	}
	pos := r.offset + batchHeaderSize

	var lenBuf [frameHeaderSize]byte
	for i := 0; i < int(count); i++ {
		if _, err := io.ReadFull(r.r, lenBuf[:]); err != nil {
			r.fail(fmt.Errorf("%w: frame %d length truncated", ErrCorruptFrame, i), int(count)-i+len(batch.Entries))
			return false
		}
		length := binary.LittleEndian.Uint32(lenBuf[:])
		if length < frameOverhead || length > MaxFrameSize {
			r.fail(fmt.Errorf("%w: frame %d length %d out of bounds", ErrCorruptFrame, i, length), int(count)-i+len(batch.Entries))
			return false
		}

		data := getBuf(int(length))
		if _, err := io.ReadFull(r.r, data); err != nil {
			putBuf(data)
			r.fail(fmt.Errorf("%w: frame %d truncated", ErrCorruptFrame, i), int(count)-i+len(batch.Entries))
			return false
		}
		pos += frameHeaderSize + int64(length)

		var e Entry
		err := e.UnmarshalBinary(data)
		putBuf(data)
		if err != nil {
			batch.Skipped++
			r.skipped++
			continue
		}
		batch.Entries = append(batch.Entries, e)
	}

	r.offset = pos
	r.valid = pos
	r.batch = batch
	return true
}

// fail ends the scan, counting n frames as skipped.
func (r *SegmentReader) fail(err error, n int) {
	r.err = err
	r.skipped += n
	r.done = true
}

// Batch returns the batch read by the last successful Next.
func (r *SegmentReader) Batch() Batch { return r.batch }

// Skipped returns the number of frames skipped so far.
func (r *SegmentReader) Skipped() int { return r.skipped }

// ValidOffset is the end of the last complete batch. Anything past it is a
// torn write.
func (r *SegmentReader) ValidOffset() int64 { return r.valid }

// Err returns the corruption that ended the scan, if any.
func (r *SegmentReader) Err() error { return r.err }

// IsCorruption reports whether err came from a malformed frame.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorruptFrame)
}

// getBuf returns a buffer with length size from the buffer pool.
func getBuf(size int) []byte {
	x := bufPool.Get()
	if x == nil {
		return make([]byte, size)
	}
	buf := x.([]byte)
	if cap(buf) < size {
		return make([]byte, size)
	}
	return buf[:size]
}

// putBuf returns a buffer to the pool.
func putBuf(buf []byte) {
	bufPool.Put(buf) //nolint:staticcheck
}
