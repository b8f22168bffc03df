package usbms

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"howett.net/plist"

	"github.com/squilla/usbclass/pkg/frame"
)

// CheckCondition turns the outcome of a command into an error. A failed
// status is resolved with REQUEST SENSE.
func (s *SCSI) CheckCondition(st Status, err error) error {
	if err != nil {
		return err
	}
	switch st {
	case StatusPassed:
		return nil
	case StatusPhaseError:
		return ErrPhase
	}
	sense, err := s.Sense()
	if err != nil {
		return fmt.Errorf("%w, and sense unavailable: %w", ErrCommandFailed, err)
	}
	if err := sense.Err(); err != nil {
		return err
	}
	return ErrCommandFailed
}

// Sense runs REQUEST SENSE and decodes the result.
func (s *SCSI) Sense() (*SenseData, error) {
	buf := make([]byte, SenseLength)
	st, err := s.RequestSense(SenseLength, 0, buf)
	if err != nil {
		return nil, err
	}
	if st != StatusPassed {
		return nil, fmt.Errorf("request sense: %s", st)
	}
	return ParseSense(buf)
}

// InquiryData is the decoded standard INQUIRY response.
type InquiryData struct {
	PeripheralType uint8
	Removable      bool
	Version        uint8
	Vendor         string
	Product        string
	Revision       string
}

const InquiryLength = 36

func ParseInquiry(b []byte) (*InquiryData, error) {
	if len(b) < InquiryLength {
		return nil, fmt.Errorf("inquiry data too short: %d bytes", len(b))
	}
	return &InquiryData{
		PeripheralType: b[0] & 0x1f,
		Removable:      b[1]&0x80 != 0,
		Version:        b[2],
		Vendor:         strings.TrimSpace(string(b[8:16])),
		Product:        strings.TrimSpace(string(b[16:32])),
		Revision:       strings.TrimSpace(string(b[32:36])),
	}, nil
}

func (s *SCSI) StandardInquiry() (*InquiryData, error) {
	buf := make([]byte, InquiryLength)
	if err := s.CheckCondition(s.Inquiry(false, 0, InquiryLength, 0, buf)); err != nil {
		return nil, fmt.Errorf("inquiry: %w", err)
	}
	return ParseInquiry(buf)
}

// InquiryVPD returns the payload of a Vital Product Data page.
func (s *SCSI) InquiryVPD(page uint8, allocation uint16) ([]byte, error) {
	data := make([]byte, allocation)
	if err := s.CheckCondition(s.Inquiry(true, page, allocation, 0, data)); err != nil {
		return nil, fmt.Errorf("inquiry VPD %#02x: %w", page, err)
	}
	f := frame.New(data)
	f.SetOrder(binary.BigEndian)
	f.Skip(1)
	code, _ := f.GetUint8()
	length, err := f.GetUint16()
	if err != nil {
		return nil, err
	}
	if code != page {
		return nil, fmt.Errorf("invalid response: page %#02x, want %#02x", code, page)
	}
	payload, err := f.GetBytes(min(int(length), f.Remaining()))
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// Serial returns the unit serial number from VPD page 0x80.
func (s *SCSI) Serial() (string, error) {
	b, err := s.InquiryVPD(0x80, 0xfc)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bytes.TrimRight(b, "\x00"))), nil
}

// CapacityData is the decoded READ CAPACITY(10) response.
type CapacityData struct {
	LastLBA     uint32
	BlockLength uint32
}

func (c *CapacityData) Blocks() uint64 {
	return uint64(c.LastLBA) + 1
}

func (c *CapacityData) Bytes() uint64 {
	return c.Blocks() * uint64(c.BlockLength)
}

func ParseCapacity(b []byte) (*CapacityData, error) {
	f := frame.New(b)
	f.SetOrder(binary.BigEndian)
	last, err := f.GetUint32()
	if err != nil {
		return nil, fmt.Errorf("capacity data: %w", err)
	}
	bl, err := f.GetUint32()
	if err != nil {
		return nil, fmt.Errorf("capacity data: %w", err)
	}
	return &CapacityData{LastLBA: last, BlockLength: bl}, nil
}

// Capacity reads the capacity of the unit and adopts its block length for
// subsequent READ(10)/WRITE(10) commands.
func (s *SCSI) Capacity() (*CapacityData, error) {
	buf := make([]byte, ReadCapacityLength)
	if err := s.CheckCondition(s.ReadCapacity(false, 0, false, 0, buf)); err != nil {
		return nil, fmt.Errorf("read capacity: %w", err)
	}
	c, err := ParseCapacity(buf)
	if err != nil {
		return nil, err
	}
	if c.BlockLength == 0 {
		return nil, fmt.Errorf("device reports zero block length")
	}
	s.BlockLength = c.BlockLength
	return c, nil
}

// Report describes a logical unit.
type Report struct {
	Vendor       string `plist:"Vendor"`
	Product      string `plist:"Product"`
	Revision     string `plist:"Revision"`
	SerialNumber string `plist:"SerialNumber,omitempty"`
	Removable    bool   `plist:"Removable"`
	LUN          int    `plist:"LUN"`
	MaxLUN       int    `plist:"MaxLUN"`
	BlockLength  int    `plist:"BlockLength"`
	Blocks       uint64 `plist:"Blocks"`
	WriteProtect bool   `plist:"WriteProtect"`
}

// Report gathers INQUIRY, serial number, capacity and write protection of
// the unit. The serial number is optional.
func (s *SCSI) Report() (*Report, error) {
	inq, err := s.StandardInquiry()
	if err != nil {
		return nil, err
	}
	c, err := s.Capacity()
	if err != nil {
		return nil, err
	}
	r := &Report{
		Vendor:      inq.Vendor,
		Product:     inq.Product,
		Revision:    inq.Revision,
		Removable:   inq.Removable,
		LUN:         int(s.LUN),
		BlockLength: int(c.BlockLength),
		Blocks:      c.Blocks(),
	}
	if l, ok := s.e.(interface{ MaxLUN() uint8 }); ok {
		r.MaxLUN = int(l.MaxLUN())
	}
	if serial, err := s.Serial(); err == nil {
		r.SerialNumber = serial
	}
	mode := make([]byte, 4)
	if err := s.CheckCondition(s.ModeSense6(true, 0x3f, 0, 4, 0, mode)); err == nil {
		r.WriteProtect = mode[2]&0x80 != 0
	}
	return r, nil
}

// Plist returns the report as an XML property list.
func (r *Report) Plist() ([]byte, error) {
	return plist.MarshalIndent(r, plist.XMLFormat, "\t")
}
