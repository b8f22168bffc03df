// Package usbtest provides in-memory devices.Transport implementations for
// exercising class drivers without hardware.
package usbtest

import (
	"fmt"
	"sync"

	"github.com/squilla/usbclass/pkg/devices"
)

type CallKind int

const (
	CallControl CallKind = iota
	CallBulk
	CallInterrupt
	CallClearHalt
)

func (k CallKind) String() string {
	switch k {
	case CallControl:
		return "control"
	case CallBulk:
		return "bulk"
	case CallInterrupt:
		return "interrupt"
	case CallClearHalt:
		return "clear-halt"
	}
	return "UNKNOWN"
}

// Call is one recorded transport invocation.
type Call struct {
	Kind     CallKind
	RType    uint8
	Request  uint8
	Value    uint16
	Index    uint16
	Endpoint uint8
	Length   int
}

func (c Call) String() string {
	switch c.Kind {
	case CallControl:
		return fmt.Sprintf("control(%#02x, %#02x, %#04x, %#04x, %d)", c.RType, c.Request, c.Value, c.Index, c.Length)
	case CallClearHalt:
		return fmt.Sprintf("clear-halt(%#02x)", c.Endpoint)
	}
	return fmt.Sprintf("%s(%#02x, %d)", c.Kind, c.Endpoint, c.Length)
}

// Recorder keeps an ordered, goroutine-safe log of calls.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *Recorder) record(c Call) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

// Calls returns a copy of everything recorded so far.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Transport is a scripted devices.Transport. Each On* hook is optional; a
// missing hook makes the transfer fail with devices.ErrStall.
type Transport struct {
	Recorder

	OnControl   func(rType, request uint8, val, idx uint16, data []byte) (int, error)
	OnBulk      func(ep uint8, data []byte) (int, error)
	OnInterrupt func(ep uint8, data []byte) (int, error)
	OnClearHalt func(ep uint8) error
}

var _ devices.Transport = &Transport{}

func (t *Transport) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	t.record(Call{Kind: CallControl, RType: rType, Request: request, Value: val, Index: idx, Length: len(data)})
	if t.OnControl == nil {
		return 0, devices.ErrStall
	}
	return t.OnControl(rType, request, val, idx, data)
}

func (t *Transport) Bulk(ep uint8, data []byte) (int, error) {
	t.record(Call{Kind: CallBulk, Endpoint: ep, Length: len(data)})
	if t.OnBulk == nil {
		return 0, devices.ErrStall
	}
	return t.OnBulk(ep, data)
}

func (t *Transport) Interrupt(ep uint8, data []byte) (int, error) {
	t.record(Call{Kind: CallInterrupt, Endpoint: ep, Length: len(data)})
	if t.OnInterrupt == nil {
		return 0, devices.ErrStall
	}
	return t.OnInterrupt(ep, data)
}

func (t *Transport) ClearHalt(ep uint8) error {
	t.record(Call{Kind: CallClearHalt, Endpoint: ep})
	if t.OnClearHalt == nil {
		return nil
	}
	return t.OnClearHalt(ep)
}
