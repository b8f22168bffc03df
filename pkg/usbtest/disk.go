package usbtest

import (
	"encoding/binary"
	"sync"
)

// Sense keys reported by Disk.
const (
	senseNotReady       = 0x02
	senseIllegalRequest = 0x05
)

// Disk is a Handler backend answering the small SCSI block command set a
// BOT host needs: TEST UNIT READY, REQUEST SENSE, INQUIRY (standard, VPD
// 0x00 and 0x80), MODE SENSE(6), READ CAPACITY(10), READ(10), WRITE(10).
type Disk struct {
	mu        sync.Mutex
	BlockSize int
	Data      []byte

	Vendor   string
	Product  string
	Revision string
	Serial   string

	NotReady  bool
	ReadOnly  bool
	Commands  int
	senseKey  uint8
	senseASC  uint8
	senseASCQ uint8
}

func NewDisk(blocks, blockSize int) *Disk {
	return &Disk{
		BlockSize: blockSize,
		Data:      make([]byte, blocks*blockSize),
		Vendor:    "SQUILLA",
		Product:   "Fake Disk",
		Revision:  "0001",
		Serial:    "000000000001",
	}
}

// Device wraps d into a fake BOT device.
func (d *Disk) Device() *MassStorage {
	return NewMassStorage(d.Handle)
}

func (d *Disk) fail(c *Command, key, asc, ascq uint8) (uint8, uint32) {
	d.senseKey, d.senseASC, d.senseASCQ = key, asc, ascq
	return 1, uint32(len(c.Data))
}

// reply copies src into the command buffer and returns the residue.
func reply(c *Command, src []byte) (uint8, uint32) {
	n := copy(c.Data, src)
	return 0, uint32(len(c.Data) - n)
}

func padded(s string, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	return b
}

func (d *Disk) Handle(c *Command) (uint8, uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Commands++

	cb := c.CB
	switch cb[0] {
	case 0x00:
		if d.NotReady {
			return d.fail(c, senseNotReady, 0x3a, 0x00)
		}
		return 0, 0
	case 0x03:
		sense := make([]byte, 18)
		sense[0] = 0x70
		sense[2] = d.senseKey
		sense[7] = 10
		sense[12] = d.senseASC
		sense[13] = d.senseASCQ
		d.senseKey, d.senseASC, d.senseASCQ = 0, 0, 0
		return reply(c, sense)
	case 0x12:
		return d.inquiry(c)
	case 0x1a:
		hdr := []byte{3, 0, 0, 0}
		if d.ReadOnly {
			hdr[2] = 0x80
		}
		return reply(c, hdr)
	case 0x25:
		capacity := make([]byte, 8)
		binary.BigEndian.PutUint32(capacity[0:4], uint32(len(d.Data)/d.BlockSize-1))
		binary.BigEndian.PutUint32(capacity[4:8], uint32(d.BlockSize))
		return reply(c, capacity)
	case 0x28, 0x2a:
		return d.readWrite(c)
	}
	return d.fail(c, senseIllegalRequest, 0x20, 0x00)
}

func (d *Disk) inquiry(c *Command) (uint8, uint32) {
	cb := c.CB
	if cb[1]&0x01 == 0 {
		std := make([]byte, 36)
		std[1] = 0x80
		std[2] = 0x04
		std[3] = 0x02
		std[4] = 31
		copy(std[8:16], padded(d.Vendor, 8))
		copy(std[16:32], padded(d.Product, 16))
		copy(std[32:36], padded(d.Revision, 4))
		return reply(c, std)
	}
	var page []byte
	switch cb[2] {
	case 0x00:
		page = []byte{0x00, 0x80}
	case 0x80:
		page = []byte(d.Serial)
	default:
		return d.fail(c, senseIllegalRequest, 0x24, 0x00)
	}
	hdr := []byte{0x00, cb[2], 0, 0}
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(page)))
	return reply(c, append(hdr, page...))
}

func (d *Disk) readWrite(c *Command) (uint8, uint32) {
	cb := c.CB
	lba := int(binary.BigEndian.Uint32(cb[2:6]))
	blocks := int(binary.BigEndian.Uint16(cb[7:9]))
	start, end := lba*d.BlockSize, (lba+blocks)*d.BlockSize
	if end > len(d.Data) {
		return d.fail(c, senseIllegalRequest, 0x21, 0x00)
	}
	if cb[0] == 0x28 {
		return reply(c, d.Data[start:end])
	}
	if d.ReadOnly {
		return d.fail(c, 0x07, 0x27, 0x00)
	}
	n := copy(d.Data[start:end], c.Data)
	return 0, uint32(end - start - n)
}
