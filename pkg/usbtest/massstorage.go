package usbtest

import (
	"fmt"
	"sync"

	"github.com/squilla/usbclass/pkg/devices"
	"github.com/squilla/usbclass/pkg/frame"
)

const (
	cbwSignature = 0x43425355
	cswSignature = 0x53425355
	cbwLength    = 31
	cswLength    = 13
)

// Command is one SCSI command as seen by the fake device.
type Command struct {
	LUN uint8
	CB  []byte
	In  bool
	// Data is the host's payload for OUT commands, and a zeroed buffer of
	// the declared length to fill for IN commands.
	Data []byte
}

// Handler executes a command and returns the CSW status and data residue.
type Handler func(c *Command) (status uint8, residue uint32)

// Faults are consumed one occurrence at a time by the fake device.
type Faults struct {
	// StatusStalls fails that many status transfers with a stall.
	StatusStalls int
	// DataStalls stalls that many data phases; the command then fails.
	DataStalls int
	// BadSignatures corrupts the signature of that many CSWs.
	BadSignatures int
	// TagMismatches returns that many CSWs with the wrong tag.
	TagMismatches int
	// PhaseErrors reports that many commands as phase errors.
	PhaseErrors int
	// MaxLUNStall makes GET MAX LUN stall, as some single-LUN devices do.
	MaxLUNStall bool
}

type phase int

const (
	phaseCommand phase = iota
	phaseDataIn
	phaseDataOut
	phaseStatus
)

type pending struct {
	tag     uint32
	length  uint32
	in      bool
	lun     uint8
	cb      []byte
	status  uint8
	residue uint32
}

// MassStorage simulates the device side of the Bulk-Only Transport. It
// models endpoint halts: a stalled endpoint keeps stalling until the host
// clears it.
type MassStorage struct {
	Recorder

	In        uint8
	Out       uint8
	Interface uint16
	MaxLUN    uint8
	Handler   Handler

	mu     sync.Mutex
	faults Faults
	phase  phase
	cur    pending
	halted map[uint8]bool
	resets int
}

var _ devices.Transport = &MassStorage{}

// NewMassStorage returns a device with bulk IN 0x81 and bulk OUT 0x02 on
// interface 0.
func NewMassStorage(h Handler) *MassStorage {
	return &MassStorage{
		In:      0x81,
		Out:     0x02,
		Handler: h,
		halted:  make(map[uint8]bool),
	}
}

// Descriptor returns the interface descriptor a host would see.
func (m *MassStorage) Descriptor() devices.Interface {
	return devices.Interface{
		Number:   int(m.Interface),
		Class:    devices.ClassMassStorage,
		SubClass: 0x06,
		Protocol: 0x50,
		Endpoints: []devices.Endpoint{
			{Address: m.In, Type: devices.TransferBulk, MaxPacketSize: 512},
			{Address: m.Out, Type: devices.TransferBulk, MaxPacketSize: 512},
		},
	}
}

func (m *MassStorage) Inject(f Faults) {
	m.mu.Lock()
	m.faults = f
	m.mu.Unlock()
}

// Resets returns how many mass-storage resets the host issued.
func (m *MassStorage) Resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

func (m *MassStorage) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	m.record(Call{Kind: CallControl, RType: rType, Request: request, Value: val, Index: idx, Length: len(data)})
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case rType == 0xa1 && request == 0xfe:
		if m.faults.MaxLUNStall || idx != m.Interface || len(data) < 1 {
			return 0, devices.ErrStall
		}
		data[0] = m.MaxLUN
		return 1, nil
	case rType == 0x21 && request == 0xff:
		if idx != m.Interface {
			return 0, devices.ErrStall
		}
		m.resets++
		m.phase = phaseCommand
		return 0, nil
	case rType == 0x02 && request == devices.RequestClearFeature && val == devices.FeatureEndpointHalt:
		m.halted[uint8(idx)] = false
		return 0, nil
	}
	return 0, devices.ErrStall
}

func (m *MassStorage) ClearHalt(ep uint8) error {
	m.record(Call{Kind: CallClearHalt, Endpoint: ep})
	m.mu.Lock()
	m.halted[ep] = false
	m.mu.Unlock()
	return nil
}

func (m *MassStorage) Interrupt(ep uint8, data []byte) (int, error) {
	m.record(Call{Kind: CallInterrupt, Endpoint: ep, Length: len(data)})
	return 0, devices.ErrStall
}

func (m *MassStorage) Bulk(ep uint8, data []byte) (int, error) {
	m.record(Call{Kind: CallBulk, Endpoint: ep, Length: len(data)})
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.halted[ep] {
		return 0, devices.ErrStall
	}
	switch ep {
	case m.Out:
		return m.bulkOut(data)
	case m.In:
		return m.bulkIn(data)
	}
	return 0, fmt.Errorf("endpoint %#02x: %w", ep, devices.ErrNoDevice)
}

func (m *MassStorage) stall(ep uint8) (int, error) {
	m.halted[ep] = true
	return 0, devices.ErrStall
}

func (m *MassStorage) bulkOut(data []byte) (int, error) {
	switch m.phase {
	case phaseCommand:
		c, ok := parseCBW(data)
		if !ok {
			m.halted[m.In] = true
			return m.stall(m.Out)
		}
		m.cur = c
		switch {
		case c.length == 0:
			m.execute(nil)
			m.phase = phaseStatus
		case c.in:
			m.phase = phaseDataIn
		default:
			m.phase = phaseDataOut
		}
		return len(data), nil
	case phaseDataOut:
		m.phase = phaseStatus
		if m.faults.DataStalls > 0 {
			m.faults.DataStalls--
			m.cur.status, m.cur.residue = 1, m.cur.length
			return m.stall(m.Out)
		}
		n := min(len(data), int(m.cur.length))
		m.execute(append([]byte(nil), data[:n]...))
		return n, nil
	}
	return m.stall(m.Out)
}

func (m *MassStorage) bulkIn(data []byte) (int, error) {
	switch m.phase {
	case phaseDataIn:
		m.phase = phaseStatus
		if m.faults.DataStalls > 0 {
			m.faults.DataStalls--
			m.cur.status, m.cur.residue = 1, m.cur.length
			return m.stall(m.In)
		}
		buf := make([]byte, m.cur.length)
		m.execute(buf)
		valid := int(m.cur.length - min(m.cur.residue, m.cur.length))
		return copy(data, buf[:valid]), nil
	case phaseStatus:
		if m.faults.StatusStalls > 0 {
			m.faults.StatusStalls--
			return m.stall(m.In)
		}
		if len(data) < cswLength {
			return m.stall(m.In)
		}
		m.phase = phaseCommand
		return cswLength, m.writeCSW(data[:cswLength])
	}
	return m.stall(m.In)
}

func (m *MassStorage) execute(data []byte) {
	if m.Handler == nil {
		return
	}
	m.cur.status, m.cur.residue = m.Handler(&Command{
		LUN:  m.cur.lun,
		CB:   m.cur.cb,
		In:   m.cur.in,
		Data: data,
	})
}

func (m *MassStorage) writeCSW(b []byte) error {
	sig := uint32(cswSignature)
	if m.faults.BadSignatures > 0 {
		m.faults.BadSignatures--
		sig = 0xdeadbeef
	}
	tag := m.cur.tag
	if m.faults.TagMismatches > 0 {
		m.faults.TagMismatches--
		tag++
	}
	status := m.cur.status
	if m.faults.PhaseErrors > 0 {
		m.faults.PhaseErrors--
		status = 2
	}
	f := frame.New(b)
	f.PutUint32(sig)
	f.PutUint32(tag)
	f.PutUint32(m.cur.residue)
	return f.PutUint8(status)
}

func parseCBW(b []byte) (pending, bool) {
	if len(b) != cbwLength {
		return pending{}, false
	}
	f := frame.New(b)
	sig, _ := f.GetUint32()
	if sig != cbwSignature {
		return pending{}, false
	}
	var p pending
	p.tag, _ = f.GetUint32()
	p.length, _ = f.GetUint32()
	flags, _ := f.GetUint8()
	p.in = flags&0x80 != 0
	p.lun, _ = f.GetUint8()
	p.lun &= 0x0f
	cbLen, _ := f.GetUint8()
	if cbLen < 1 || cbLen > 16 {
		return pending{}, false
	}
	cb, _ := f.GetBytes(int(cbLen))
	p.cb = append([]byte(nil), cb...)
	return p, true
}
