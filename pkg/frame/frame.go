// Package frame implements a cursor-based byte buffer used to encode and
// decode USB wire structures (CBW/CSW, SCSI CDBs, hub descriptors).
//
// A Buffer wraps a caller-owned slice and never reallocates it. It tracks a
// position, a limit and a mark, with 0 <= mark <= position <= limit <=
// capacity holding at all times. Every put/get either transfers its full
// width and advances the position, or fails and leaves the position alone.
package frame

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrUnderflow is returned by reads that would pass the limit.
	ErrUnderflow = errors.New("buffer underflow")
	// ErrOverflow is returned by writes that would pass the limit.
	ErrOverflow = errors.New("buffer overflow")
	// ErrBounds is returned by SetPosition/SetLimit when the new value
	// would break the mark/position/limit/capacity ordering.
	ErrBounds = errors.New("buffer bounds violated")
	// ErrWideWrite is returned by every PutUint64 call. 64-bit values can
	// be read, but never written.
	ErrWideWrite = fmt.Errorf("64-bit write: %w", errors.ErrUnsupported)
)

type Buffer struct {
	b     []byte
	pos   int
	limit int
	mark  int
	order binary.ByteOrder
}

// New wraps b. The buffer starts little-endian, with the limit at len(b).
func New(b []byte) *Buffer {
	return &Buffer{
		b:     b,
		limit: len(b),
		order: binary.LittleEndian,
	}
}

// SetOrder changes the byte order used by subsequent multi-byte operations.
func (f *Buffer) SetOrder(o binary.ByteOrder) {
	f.order = o
}

func (f *Buffer) Order() binary.ByteOrder {
	return f.order
}

func (f *Buffer) Capacity() int  { return len(f.b) }
func (f *Buffer) Position() int  { return f.pos }
func (f *Buffer) Limit() int     { return f.limit }
func (f *Buffer) Remaining() int { return f.limit - f.pos }

func (f *Buffer) SetPosition(pos int) error {
	if pos < f.mark || pos > f.limit {
		return fmt.Errorf("position %d outside [%d, %d]: %w", pos, f.mark, f.limit, ErrBounds)
	}
	f.pos = pos
	return nil
}

func (f *Buffer) SetLimit(limit int) error {
	if limit < f.pos || limit > len(f.b) {
		return fmt.Errorf("limit %d outside [%d, %d]: %w", limit, f.pos, len(f.b), ErrBounds)
	}
	f.limit = limit
	return nil
}

// Mark records the current position so Reset can return to it.
func (f *Buffer) Mark() {
	f.mark = f.pos
}

// Reset moves the position back to the mark.
func (f *Buffer) Reset() {
	f.pos = f.mark
}

// Rewind zeroes both the position and the mark, keeping the limit.
func (f *Buffer) Rewind() {
	f.mark = 0
	f.pos = 0
}

// Flip switches the buffer from writing to reading: the limit becomes the
// current position, then the buffer is rewound.
func (f *Buffer) Flip() {
	f.limit = f.pos
	f.Rewind()
}

// Clear makes the whole backing slice writable again.
func (f *Buffer) Clear() {
	f.limit = len(f.b)
	f.Rewind()
}

// Skip advances the position by n bytes without touching them.
func (f *Buffer) Skip(n int) error {
	if n < 0 || f.Remaining() < n {
		return fmt.Errorf("skip %d, %d remaining: %w", n, f.Remaining(), ErrUnderflow)
	}
	f.pos += n
	return nil
}

// Bytes returns the unread window [position, limit). It aliases the backing
// slice.
func (f *Buffer) Bytes() []byte {
	return f.b[f.pos:f.limit]
}

// Written returns everything before the position.
func (f *Buffer) Written() []byte {
	return f.b[:f.pos]
}

// Dump returns a hex dump of [0, limit) for debug logging.
func (f *Buffer) Dump() string {
	return hex.Dump(f.b[:f.limit])
}

func (f *Buffer) claim(n int, fail error) ([]byte, error) {
	if f.Remaining() < n {
		return nil, fmt.Errorf("need %d bytes, %d remaining: %w", n, f.Remaining(), fail)
	}
	s := f.b[f.pos : f.pos+n]
	f.pos += n
	return s, nil
}

func (f *Buffer) PutUint8(v uint8) error {
	s, err := f.claim(1, ErrOverflow)
	if err != nil {
		return err
	}
	s[0] = v
	return nil
}

func (f *Buffer) PutUint16(v uint16) error {
	s, err := f.claim(2, ErrOverflow)
	if err != nil {
		return err
	}
	f.order.PutUint16(s, v)
	return nil
}

func (f *Buffer) PutUint32(v uint32) error {
	s, err := f.claim(4, ErrOverflow)
	if err != nil {
		return err
	}
	f.order.PutUint32(s, v)
	return nil
}

// PutUint64 always fails with ErrWideWrite and leaves the buffer untouched.
func (f *Buffer) PutUint64(v uint64) error {
	return fmt.Errorf("put %#x: %w", v, ErrWideWrite)
}

// Put copies all of p into the buffer.
func (f *Buffer) Put(p []byte) error {
	s, err := f.claim(len(p), ErrOverflow)
	if err != nil {
		return err
	}
	copy(s, p)
	return nil
}

// Zero writes n zero bytes.
func (f *Buffer) Zero(n int) error {
	s, err := f.claim(n, ErrOverflow)
	if err != nil {
		return err
	}
	clear(s)
	return nil
}

func (f *Buffer) GetUint8() (uint8, error) {
	s, err := f.claim(1, ErrUnderflow)
	if err != nil {
		return 0, err
	}
	return s[0], nil
}

func (f *Buffer) GetUint16() (uint16, error) {
	s, err := f.claim(2, ErrUnderflow)
	if err != nil {
		return 0, err
	}
	return f.order.Uint16(s), nil
}

func (f *Buffer) GetUint32() (uint32, error) {
	s, err := f.claim(4, ErrUnderflow)
	if err != nil {
		return 0, err
	}
	return f.order.Uint32(s), nil
}

func (f *Buffer) GetUint64() (uint64, error) {
	s, err := f.claim(8, ErrUnderflow)
	if err != nil {
		return 0, err
	}
	return f.order.Uint64(s), nil
}

// Get fills dst completely.
func (f *Buffer) Get(dst []byte) error {
	s, err := f.claim(len(dst), ErrUnderflow)
	if err != nil {
		return err
	}
	copy(dst, s)
	return nil
}

// GetBytes returns the next n bytes. The result aliases the backing slice.
func (f *Buffer) GetBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative length %d: %w", n, ErrBounds)
	}
	return f.claim(n, ErrUnderflow)
}
