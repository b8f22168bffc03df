package usbms

import (
	"errors"
	"fmt"
)

type SenseKey uint8

const (
	SenseNoSense SenseKey = iota
	SenseRecoveredError
	SenseNotReady
	SenseMediumError
	SenseHardwareError
	SenseIllegalRequest
	SenseUnitAttention
	SenseDataProtect
	SenseBlankCheck
	SenseVendorSpecific
	SenseCopyAborted
	SenseAbortedCommand
	_
	SenseVolumeOverflow
	SenseMiscompare
)

func (k SenseKey) String() string {
	switch k {
	case SenseNoSense:
		return "NO SENSE"
	case SenseRecoveredError:
		return "RECOVERED ERROR"
	case SenseNotReady:
		return "NOT READY"
	case SenseMediumError:
		return "MEDIUM ERROR"
	case SenseHardwareError:
		return "HARDWARE ERROR"
	case SenseIllegalRequest:
		return "ILLEGAL REQUEST"
	case SenseUnitAttention:
		return "UNIT ATTENTION"
	case SenseDataProtect:
		return "DATA PROTECT"
	case SenseBlankCheck:
		return "BLANK CHECK"
	case SenseVendorSpecific:
		return "VENDOR SPECIFIC"
	case SenseCopyAborted:
		return "COPY ABORTED"
	case SenseAbortedCommand:
		return "ABORTED COMMAND"
	case SenseVolumeOverflow:
		return "VOLUME OVERFLOW"
	case SenseMiscompare:
		return "MISCOMPARE"
	}
	return fmt.Sprintf("sense key %#x", uint8(k))
}

var (
	ErrNotReady         = errors.New("unit not ready")
	ErrMediumNotPresent = errors.New("medium not present")
	ErrWriteProtected   = errors.New("medium write protected")
	ErrLBAOutOfRange    = errors.New("logical block address out of range")
	ErrInvalidCommand   = errors.New("invalid command operation code")
	ErrInvalidField     = errors.New("invalid field in CDB")
	ErrMediumChanged    = errors.New("medium may have changed")
	ErrDeviceReset      = errors.New("device reset occurred")
	ErrMediumError      = errors.New("medium error")
	ErrHardwareError    = errors.New("hardware error")
	ErrAborted          = errors.New("command aborted")
	ErrPhase            = errors.New("phase error")
	ErrCommandFailed    = errors.New("command failed")
)

type senseCode struct {
	code      byte // additional sense code (asc)
	qualifier byte // additional sense code qualifier (ascq)
}

// SenseLength is the allocation length used for fixed format sense data.
const SenseLength = 18

// SenseData is decoded fixed format sense data.
type SenseData struct {
	ResponseCode uint8
	Key          SenseKey
	ASC          uint8
	ASCQ         uint8
	Information  uint32
	EOM          bool
	ILI          bool
}

// ParseSense decodes fixed format (0x70/0x71) sense data.
func ParseSense(b []byte) (*SenseData, error) {
	if len(b) < 14 {
		return nil, fmt.Errorf("sense data too short: %d bytes", len(b))
	}
	rc := b[0] & 0x7f
	if rc != 0x70 && rc != 0x71 {
		return nil, fmt.Errorf("unsupported sense response code %#02x", rc)
	}
	return &SenseData{
		ResponseCode: rc,
		Key:          SenseKey(b[2] & 0x0f),
		EOM:          b[2]&0x40 != 0,
		ILI:          b[2]&0x20 != 0,
		Information:  uint32(b[3])<<24 | uint32(b[4])<<16 | uint32(b[5])<<8 | uint32(b[6]),
		ASC:          b[12],
		ASCQ:         b[13],
	}, nil
}

func (s *SenseData) String() string {
	return fmt.Sprintf("%s, ASC %#02x, ASCQ %#02x", s.Key, s.ASC, s.ASCQ)
}

// Err maps the sense data to an error, or nil if it reports no condition.
func (s *SenseData) Err() error {
	var known map[senseCode]error
	switch s.Key {
	case SenseNoSense, SenseRecoveredError:
		return nil
	case SenseNotReady:
		known = map[senseCode]error{
			{0x04, 0x01}: ErrNotReady,
			{0x3a, 0x00}: ErrMediumNotPresent,
		}
		if err, ok := known[senseCode{s.ASC, s.ASCQ}]; ok {
			return err
		}
		return fmt.Errorf("%w: %v", ErrNotReady, s)
	case SenseMediumError:
		return fmt.Errorf("%w: %v", ErrMediumError, s)
	case SenseHardwareError:
		return fmt.Errorf("%w: %v", ErrHardwareError, s)
	case SenseIllegalRequest:
		known = map[senseCode]error{
			{0x20, 0x00}: ErrInvalidCommand,
			{0x21, 0x00}: ErrLBAOutOfRange,
			{0x24, 0x00}: ErrInvalidField,
		}
	case SenseUnitAttention:
		known = map[senseCode]error{
			{0x28, 0x00}: ErrMediumChanged,
			{0x29, 0x00}: ErrDeviceReset,
		}
	case SenseDataProtect:
		return fmt.Errorf("%w: %v", ErrWriteProtected, s)
	case SenseAbortedCommand:
		return fmt.Errorf("%w: %v", ErrAborted, s)
	}
	if err, ok := known[senseCode{s.ASC, s.ASCQ}]; ok {
		return err
	}
	return fmt.Errorf("%w: %v", ErrCommandFailed, s)
}
