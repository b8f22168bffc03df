package usbms

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/squilla/usbclass/pkg/frame"
)

// OperationCode, DataTransferDirection and CommandDataBuffer are borrowed from
// https://github.com/monogon-dev/monogon/blob/main/metropolis/pkg/scsi/scsi.go
//
// Copyright 2023 The Monogon Project Authors.
// SPDX-License-Identifier: Apache-2.0

type OperationCode uint8

const (
	TestUnitReadyOp OperationCode = 0x00
	RequestSenseOp  OperationCode = 0x03
	InquiryOp       OperationCode = 0x12
	ModeSense6Op    OperationCode = 0x1a
	ReadCapacityOp  OperationCode = 0x25
	Read10Op        OperationCode = 0x28
	Write10Op       OperationCode = 0x2a
)

type DataTransferDirection uint8

const (
	DataTransferNone DataTransferDirection = iota
	DataTransferToDevice
	DataTransferFromDevice
)

// CommandDataBuffer represents a command
type CommandDataBuffer struct {
	OperationCode OperationCode
	// Request contains the bytes between the operation code and the
	// control byte.
	Request []byte
	// Control contains common CDB metadata
	Control uint8
	// DataTransferDirection contains the direction of the data phase.
	DataTransferDirection DataTransferDirection
	// Data backs the data phase. Commands reading from the device fill it
	// in place.
	Data []byte
}

// Bytes returns the raw CDB to be sent to the device. The CDB size follows
// from the operation code group.
func (c *CommandDataBuffer) Bytes() ([]byte, error) {
	var size int
	switch {
	case c.OperationCode < 0x20:
		size = 6
	case c.OperationCode < 0x60:
		size = 10
	case c.OperationCode < 0x7e:
		return nil, errors.New("OperationCode is reserved")
	case c.OperationCode <= 0x7f:
		return nil, errors.New("variable length CDBs are unimplemented")
	case c.OperationCode < 0xa0:
		size = 16
	case c.OperationCode < 0xc0:
		size = 12
	default:
		return nil, fmt.Errorf("unable to encode CDB for vendor OperationCode %#02x", uint8(c.OperationCode))
	}
	if want := size - 2; len(c.Request) != want {
		return nil, fmt.Errorf("CDB%d request size is %d bytes, needs to be %d bytes", size, len(c.Request), want)
	}
	out := make([]byte, size)
	out[0] = uint8(c.OperationCode)
	copy(out[1:], c.Request)
	out[size-1] = c.Control
	return out, nil
}

// Executor runs one BOT exchange to completion. *Engine implements it.
type Executor interface {
	ExecuteCommandBlock(cbw *CBW) (*CSW, error)
}

// RWFlags are the option bits of READ(10) and WRITE(10).
type RWFlags struct {
	// DPO: disable page out.
	DPO bool
	// FUA: force unit access.
	FUA bool
	// EBP: erase by-pass. WRITE(10) only.
	EBP bool
	// RelAddr: LBA is relative.
	RelAddr bool
}

func bit(v bool, n uint) uint8 {
	if v {
		return 1 << n
	}
	return 0
}

// SCSI issues SCSI commands to one logical unit through an Executor.
// Commands may be issued concurrently, each with its own CDB and tag, but
// LUN and BlockLength must not change while commands are in flight.
type SCSI struct {
	e Executor
	// LUN is addressed both in the CBW and in byte 1 of each CDB.
	LUN uint8
	// BlockLength sizes READ(10)/WRITE(10) data phases.
	BlockLength uint32

	tag atomic.Uint32
}

func NewSCSI(e Executor, lun uint8, blockLength uint32) *SCSI {
	return &SCSI{e: e, LUN: lun, BlockLength: blockLength}
}

func (s *SCSI) lunBits() uint8 {
	return (s.LUN << 5) & 0xe0
}

func request(n int) (*frame.Buffer, []byte) {
	b := make([]byte, n)
	f := frame.New(b)
	f.SetOrder(binary.BigEndian)
	return f, b
}

// Exchange runs a raw command with the given data phase length and
// returns the device's CSW.
func (s *SCSI) Exchange(c *CommandDataBuffer, length uint32) (*CSW, error) {
	cb, err := c.Bytes()
	if err != nil {
		return nil, fmt.Errorf("building CDB failed: %w", err)
	}
	cbw := &CBW{
		Tag:                s.tag.Add(1),
		DataTransferLength: length,
		LUN:                s.LUN,
		CB:                 cb,
		Data:               c.Data,
	}
	switch c.DataTransferDirection {
	case DataTransferFromDevice:
		cbw.Flags = FlagDataIn
	case DataTransferToDevice, DataTransferNone:
	default:
		return nil, fmt.Errorf("DataTransferDirection must be to or from device or none")
	}
	csw, err := s.e.ExecuteCommandBlock(cbw)
	if err != nil {
		return nil, err
	}
	if glog.V(2) {
		glog.Infof("SCSI: %v -> %v", cbw, csw)
	}
	return csw, nil
}

func (s *SCSI) run(c *CommandDataBuffer, length uint32) (Status, error) {
	csw, err := s.Exchange(c, length)
	if err != nil {
		return StatusPhaseError, err
	}
	return csw.Status, nil
}

func (s *SCSI) TestUnitReady(control uint8) (Status, error) {
	return s.run(&CommandDataBuffer{
		OperationCode: TestUnitReadyOp,
		Request:       []byte{s.lunBits(), 0, 0, 0},
		Control:       control,
	}, 0)
}

func (s *SCSI) RequestSense(alloc, control uint8, buf []byte) (Status, error) {
	return s.run(&CommandDataBuffer{
		OperationCode:         RequestSenseOp,
		Request:               []byte{s.lunBits(), 0, 0, alloc},
		Control:               control,
		DataTransferDirection: DataTransferFromDevice,
		Data:                  buf,
	}, uint32(alloc))
}

func (s *SCSI) Inquiry(evpd bool, page uint8, alloc uint16, control uint8, buf []byte) (Status, error) {
	f, req := request(4)
	f.PutUint8(s.lunBits() | bit(evpd, 0))
	f.PutUint8(page)
	f.PutUint16(alloc)
	return s.run(&CommandDataBuffer{
		OperationCode:         InquiryOp,
		Request:               req,
		Control:               control,
		DataTransferDirection: DataTransferFromDevice,
		Data:                  buf,
	}, uint32(alloc))
}

func (s *SCSI) ModeSense6(dbd bool, page, pageControl, alloc, control uint8, buf []byte) (Status, error) {
	return s.run(&CommandDataBuffer{
		OperationCode: ModeSense6Op,
		Request: []byte{
			s.lunBits() | bit(dbd, 3),
			(pageControl<<6)&0xc0 | page&0x3f,
			0,
			alloc,
		},
		Control:               control,
		DataTransferDirection: DataTransferFromDevice,
		Data:                  buf,
	}, uint32(alloc))
}

// ReadCapacityLength is the size of the READ CAPACITY(10) response.
const ReadCapacityLength = 8

func (s *SCSI) ReadCapacity(relAddr bool, lba uint32, pmi bool, control uint8, buf []byte) (Status, error) {
	f, req := request(8)
	f.PutUint8(s.lunBits() | bit(relAddr, 0))
	f.PutUint32(lba)
	f.Zero(2)
	f.PutUint8(bit(pmi, 0))
	return s.run(&CommandDataBuffer{
		OperationCode:         ReadCapacityOp,
		Request:               req,
		Control:               control,
		DataTransferDirection: DataTransferFromDevice,
		Data:                  buf,
	}, ReadCapacityLength)
}

func (s *SCSI) rw10(op OperationCode, flags RWFlags, lba uint32, blocks uint16, control uint8, buf []byte) (Status, error) {
	dir := DataTransferFromDevice
	b1 := s.lunBits() | bit(flags.DPO, 4) | bit(flags.FUA, 3) | bit(flags.RelAddr, 0)
	if op == Write10Op {
		dir = DataTransferToDevice
		b1 |= bit(flags.EBP, 2)
	}
	f, req := request(8)
	f.PutUint8(b1)
	f.PutUint32(lba)
	f.PutUint8(0)
	f.PutUint16(blocks)
	return s.run(&CommandDataBuffer{
		OperationCode:         op,
		Request:               req,
		Control:               control,
		DataTransferDirection: dir,
		Data:                  buf,
	}, uint32(blocks)*s.BlockLength)
}

// Read10 reads blocks logical blocks starting at lba into buf, which must
// hold blocks*BlockLength bytes.
func (s *SCSI) Read10(flags RWFlags, lba uint32, blocks uint16, control uint8, buf []byte) (Status, error) {
	return s.rw10(Read10Op, flags, lba, blocks, control, buf)
}

// Write10 writes blocks logical blocks from buf starting at lba.
func (s *SCSI) Write10(flags RWFlags, lba uint32, blocks uint16, control uint8, buf []byte) (Status, error) {
	return s.rw10(Write10Op, flags, lba, blocks, control, buf)
}
