// Package usbms implements the host side of the USB Mass Storage Bulk-Only
// Transport and the SCSI commands carried over it.
package usbms

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/squilla/usbclass/pkg/frame"
)

const (
	CBWSignature uint32 = 0x43425355 // "USBC"
	CSWSignature uint32 = 0x53425355 // "USBS"

	CBWLength = 31
	CSWLength = 13

	// FlagDataIn marks a CBW whose data phase moves data to the host.
	FlagDataIn uint8 = 1 << 7

	MaxCBLength = 16
	MaxLUN      = 15
)

var (
	ErrInvalidCBW   = errors.New("invalid command block wrapper")
	ErrCBWSignature = errors.New("cbw signature invalid")
	ErrCSWSignature = errors.New("csw signature invalid")
	ErrCSWLength    = errors.New("csw length invalid")
)

// Status is the bCSWStatus field of a CSW.
type Status uint8

const (
	StatusPassed     Status = 0
	StatusFailed     Status = 1
	StatusPhaseError Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusPassed:
		return "passed"
	case StatusFailed:
		return "failed"
	case StatusPhaseError:
		return "phase error"
	}
	return fmt.Sprintf("status %d", uint8(s))
}

// CBW is a Command Block Wrapper together with the buffer its data phase
// reads from or writes into. A CBW is handed to the engine once and must
// not be reused until its status has been returned.
type CBW struct {
	Tag                uint32
	DataTransferLength uint32
	Flags              uint8
	LUN                uint8
	// CB is the command block, 1 to 16 bytes.
	CB []byte
	// Data backs the data phase and must hold DataTransferLength bytes.
	Data []byte

	reply chan *CSW
}

func (c *CBW) In() bool {
	return c.Flags&FlagDataIn != 0
}

// Validate checks the CBW against what the wire format and the data phase
// can carry.
func (c *CBW) Validate() error {
	if len(c.CB) < 1 || len(c.CB) > MaxCBLength {
		return fmt.Errorf("%w: command block length %d", ErrInvalidCBW, len(c.CB))
	}
	if c.LUN > MaxLUN {
		return fmt.Errorf("%w: lun %d", ErrInvalidCBW, c.LUN)
	}
	if uint64(len(c.Data)) < uint64(c.DataTransferLength) {
		return fmt.Errorf("%w: data buffer holds %d bytes, transfer is %d", ErrInvalidCBW, len(c.Data), c.DataTransferLength)
	}
	return nil
}

// MarshalTo writes the 31-byte wire form of c. The command block is zero
// padded to 16 bytes.
func (c *CBW) MarshalTo(f *frame.Buffer) error {
	if len(c.CB) > MaxCBLength {
		return fmt.Errorf("%w: command block length %d", ErrInvalidCBW, len(c.CB))
	}
	if c.LUN > MaxLUN {
		return fmt.Errorf("%w: lun %d", ErrInvalidCBW, c.LUN)
	}
	if f.Remaining() < CBWLength {
		return fmt.Errorf("cbw needs %d bytes: %w", CBWLength, frame.ErrOverflow)
	}
	f.SetOrder(binary.LittleEndian)
	f.PutUint32(CBWSignature)
	f.PutUint32(c.Tag)
	f.PutUint32(c.DataTransferLength)
	f.PutUint8(c.Flags)
	f.PutUint8(c.LUN)
	f.PutUint8(uint8(len(c.CB)))
	f.Put(c.CB)
	return f.Zero(MaxCBLength - len(c.CB))
}

// Bytes returns the wire form of c.
func (c *CBW) Bytes() ([]byte, error) {
	b := make([]byte, CBWLength)
	if err := c.MarshalTo(frame.New(b)); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *CBW) String() string {
	dir := "OUT"
	if c.In() {
		dir = "IN"
	}
	op := -1
	if len(c.CB) > 0 {
		op = int(c.CB[0])
	}
	return fmt.Sprintf("CBW{tag %d, lun %d, %s %d bytes, op %#02x}", c.Tag, c.LUN, dir, c.DataTransferLength, op)
}

// ParseCBW decodes a 31-byte CBW packet. The result has no data buffer.
func ParseCBW(b []byte) (*CBW, error) {
	if len(b) != CBWLength {
		return nil, fmt.Errorf("%w: cbw length %d", ErrInvalidCBW, len(b))
	}
	f := frame.New(b)
	sig, _ := f.GetUint32()
	if sig != CBWSignature {
		return nil, fmt.Errorf("%w: %#08x", ErrCBWSignature, sig)
	}
	var c CBW
	c.Tag, _ = f.GetUint32()
	c.DataTransferLength, _ = f.GetUint32()
	c.Flags, _ = f.GetUint8()
	lun, _ := f.GetUint8()
	c.LUN = lun & 0x1f
	n, _ := f.GetUint8()
	if n < 1 || n > MaxCBLength {
		return nil, fmt.Errorf("%w: command block length %d", ErrInvalidCBW, n)
	}
	cb, err := f.GetBytes(int(n))
	if err != nil {
		return nil, err
	}
	c.CB = append([]byte(nil), cb...)
	return &c, nil
}

// CSW is a Command Status Wrapper.
type CSW struct {
	Tag         uint32
	DataResidue uint32
	Status      Status
}

func (c *CSW) MarshalTo(f *frame.Buffer) error {
	if f.Remaining() < CSWLength {
		return fmt.Errorf("csw needs %d bytes: %w", CSWLength, frame.ErrOverflow)
	}
	f.SetOrder(binary.LittleEndian)
	f.PutUint32(CSWSignature)
	f.PutUint32(c.Tag)
	f.PutUint32(c.DataResidue)
	return f.PutUint8(uint8(c.Status))
}

func (c *CSW) Bytes() []byte {
	b := make([]byte, CSWLength)
	c.MarshalTo(frame.New(b))
	return b
}

func (c *CSW) String() string {
	return fmt.Sprintf("CSW{tag %d, residue %d, %s}", c.Tag, c.DataResidue, c.Status)
}

// ParseCSW decodes a 13-byte CSW packet. A bad signature yields an error,
// never a partially filled CSW.
func ParseCSW(b []byte) (*CSW, error) {
	if len(b) != CSWLength {
		return nil, fmt.Errorf("%w: got %d bytes", ErrCSWLength, len(b))
	}
	f := frame.New(b)
	sig, _ := f.GetUint32()
	if sig != CSWSignature {
		return nil, fmt.Errorf("%w: %#08x", ErrCSWSignature, sig)
	}
	var c CSW
	c.Tag, _ = f.GetUint32()
	c.DataResidue, _ = f.GetUint32()
	st, _ := f.GetUint8()
	c.Status = Status(st)
	return &c, nil
}
