package usbms

import (
	"fmt"
	"io"
)

// maxTransferBlocks bounds a single READ(10)/WRITE(10).
const maxTransferBlocks = 128

// ReadBlocks reads len(buf)/BlockLength blocks starting at lba, resolving
// failures through REQUEST SENSE.
func (s *SCSI) ReadBlocks(lba uint32, buf []byte) error {
	n, err := s.blockCount(buf)
	if err != nil {
		return err
	}
	if err := s.CheckCondition(s.Read10(RWFlags{}, lba, n, 0, buf)); err != nil {
		return fmt.Errorf("read of lba %d failed: %w", lba, err)
	}
	return nil
}

// WriteBlocks is the WRITE(10) counterpart of ReadBlocks.
func (s *SCSI) WriteBlocks(lba uint32, buf []byte) error {
	n, err := s.blockCount(buf)
	if err != nil {
		return err
	}
	if err := s.CheckCondition(s.Write10(RWFlags{}, lba, n, 0, buf)); err != nil {
		return fmt.Errorf("write of lba %d failed: %w", lba, err)
	}
	return nil
}

func (s *SCSI) blockCount(buf []byte) (uint16, error) {
	bl := int(s.BlockLength)
	if bl == 0 || len(buf)%bl != 0 || len(buf)/bl > 0xffff {
		return 0, fmt.Errorf("buffer of %d bytes is not a whole number of %d byte blocks", len(buf), bl)
	}
	return uint16(len(buf) / bl), nil
}

// BlockDevice exposes a logical unit as io.ReaderAt and io.WriterAt.
// Offsets and lengths must be multiples of the block length.
type BlockDevice struct {
	s        *SCSI
	capacity *CapacityData
}

// OpenBlockDevice reads the capacity of the unit behind s.
func OpenBlockDevice(s *SCSI) (*BlockDevice, error) {
	c, err := s.Capacity()
	if err != nil {
		return nil, err
	}
	return &BlockDevice{s: s, capacity: c}, nil
}

func (b *BlockDevice) BlockLength() int { return int(b.capacity.BlockLength) }
func (b *BlockDevice) Size() int64      { return int64(b.capacity.Bytes()) }

func (b *BlockDevice) span(p []byte, off int64) (uint32, int, error) {
	bl := int64(b.capacity.BlockLength)
	if off%bl != 0 || int64(len(p))%bl != 0 {
		return 0, 0, fmt.Errorf("offset %d and length %d must be multiples of %d", off, len(p), bl)
	}
	if off < 0 || off >= b.Size() {
		return 0, 0, io.EOF
	}
	blocks := int64(len(p)) / bl
	if rest := (b.Size() - off) / bl; blocks > rest {
		blocks = rest
	}
	return uint32(off / bl), int(blocks), nil
}

func (b *BlockDevice) ReadAt(p []byte, off int64) (int, error) {
	lba, blocks, err := b.span(p, off)
	if err != nil {
		return 0, err
	}
	bl := b.BlockLength()
	done := 0
	for blocks > 0 {
		n := min(blocks, maxTransferBlocks)
		chunk := p[done : done+n*bl]
		if err := b.s.ReadBlocks(lba, chunk); err != nil {
			return done, err
		}
		done += len(chunk)
		lba += uint32(n)
		blocks -= n
	}
	if done < len(p) {
		return done, io.EOF
	}
	return done, nil
}

func (b *BlockDevice) WriteAt(p []byte, off int64) (int, error) {
	lba, blocks, err := b.span(p, off)
	if err != nil {
		return 0, err
	}
	bl := b.BlockLength()
	if blocks*bl < len(p) {
		return 0, fmt.Errorf("write of %d bytes at %d passes end of device", len(p), off)
	}
	done := 0
	for blocks > 0 {
		n := min(blocks, maxTransferBlocks)
		chunk := p[done : done+n*bl]
		if err := b.s.WriteBlocks(lba, chunk); err != nil {
			return done, err
		}
		done += len(chunk)
		lba += uint32(n)
		blocks -= n
	}
	return done, nil
}
