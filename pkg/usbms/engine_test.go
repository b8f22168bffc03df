package usbms

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/squilla/usbclass/pkg/devices"
	"github.com/squilla/usbclass/pkg/queue"
	"github.com/squilla/usbclass/pkg/usbtest"
)

type transitions struct {
	mu   sync.Mutex
	seen []State
}

func (tr *transitions) observe(_, to State) {
	tr.mu.Lock()
	tr.seen = append(tr.seen, to)
	tr.mu.Unlock()
}

func (tr *transitions) states() []State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]State(nil), tr.seen...)
}

// startEngine runs an engine over t until the test ends.
func startEngine(t *testing.T, tr devices.Transport) (*Engine, *transitions) {
	t.Helper()
	e := NewEngine(tr, 0, Endpoints{In: 0x81, Out: 0x02}, queue.DefaultCapacity)
	seen := &transitions{}
	e.observe = seen.observe
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned %v", err)
		}
	})
	return e, seen
}

func testUnitReady(tag uint32) *CBW {
	return &CBW{Tag: tag, CB: []byte{0, 0, 0, 0, 0, 0}}
}

func TestExchangeNoData(t *testing.T) {
	dev := usbtest.NewDisk(16, 512).Device()
	e, seen := startEngine(t, dev)

	csw, err := e.ExecuteCommandBlock(testUnitReady(42))
	if err != nil {
		t.Fatalf("ExecuteCommandBlock() failed: %v", err)
	}
	if csw.Tag != 42 || csw.Status != StatusPassed {
		t.Errorf("got %v", csw)
	}
	// The reply is sent before the engine leaves DONE.
	want := []State{StateCommandTransport, StateStatusTransport1st, StateDone}
	if got := seen.states(); len(got) < len(want) || !slices.Equal(got[:len(want)], want) {
		t.Errorf("transitions %v, want %v", got, want)
	}
}

func TestStatusRetrySucceeds(t *testing.T) {
	dev := usbtest.NewDisk(16, 512).Device()
	dev.Inject(usbtest.Faults{StatusStalls: 1})
	e, seen := startEngine(t, dev)

	csw, err := e.ExecuteCommandBlock(testUnitReady(7))
	if err != nil {
		t.Fatalf("ExecuteCommandBlock() failed: %v", err)
	}
	if csw.Tag != 7 || csw.Status != StatusPassed {
		t.Errorf("got %v", csw)
	}
	states := seen.states()
	if !slices.Contains(states, StateStatusTransport2nd) {
		t.Errorf("never retried status: %v", states)
	}
	if slices.Contains(states, StateResetRecovery) {
		t.Errorf("entered reset recovery: %v", states)
	}
	if got := dev.Resets(); got != 0 {
		t.Errorf("device saw %d resets", got)
	}

	var halts []uint8
	for _, c := range dev.Calls() {
		if c.Kind == usbtest.CallClearHalt {
			halts = append(halts, c.Endpoint)
		}
	}
	if want := []uint8{0x81}; !slices.Equal(halts, want) {
		t.Errorf("cleared halts on %x, want %x", halts, want)
	}
}

func TestStatusFailsTwice(t *testing.T) {
	dev := usbtest.NewDisk(16, 512).Device()
	dev.Inject(usbtest.Faults{StatusStalls: 2})
	e, seen := startEngine(t, dev)

	csw, err := e.ExecuteCommandBlock(testUnitReady(9))
	if err != nil {
		t.Fatalf("ExecuteCommandBlock() failed: %v", err)
	}
	if csw.Tag != 9 || csw.Status != StatusPhaseError {
		t.Errorf("got %v, want phase error for tag 9", csw)
	}
	if !slices.Contains(seen.states(), StateResetRecovery) {
		t.Errorf("no reset recovery: %v", seen.states())
	}

	// Recovery order: reset, then clear IN, then clear OUT.
	calls := dev.Calls()
	reset := slices.IndexFunc(calls, func(c usbtest.Call) bool {
		return c.Kind == usbtest.CallControl && c.Request == RequestMassStorageReset
	})
	if reset < 0 || reset+2 >= len(calls) {
		t.Fatalf("no mass storage reset in %v", calls)
	}
	if r := calls[reset]; r.RType != 0x21 || r.Index != 0 || r.Length != 0 {
		t.Errorf("reset request %v", r)
	}
	if c := calls[reset+1]; c.Kind != usbtest.CallClearHalt || c.Endpoint != 0x81 {
		t.Errorf("after reset: %v, want clear-halt(0x81)", c)
	}
	if c := calls[reset+2]; c.Kind != usbtest.CallClearHalt || c.Endpoint != 0x02 {
		t.Errorf("after clearing IN: %v, want clear-halt(0x02)", c)
	}

	// The device must be usable again.
	csw, err = e.ExecuteCommandBlock(testUnitReady(10))
	if err != nil || csw.Status != StatusPassed || csw.Tag != 10 {
		t.Errorf("command after recovery: %v, %v", csw, err)
	}
}

func TestCommandTransportFailure(t *testing.T) {
	var mu sync.Mutex
	stallOut := true
	var tag uint32
	tr := &usbtest.Transport{
		OnControl: func(rType, request uint8, val, idx uint16, data []byte) (int, error) {
			return 0, nil
		},
		OnBulk: func(ep uint8, data []byte) (int, error) {
			mu.Lock()
			defer mu.Unlock()
			switch {
			case ep == 0x02 && stallOut:
				return 0, devices.ErrStall
			case ep == 0x02:
				cbw, err := ParseCBW(data)
				if err != nil {
					return 0, err
				}
				tag = cbw.Tag
				return len(data), nil
			case ep == 0x81 && len(data) == CSWLength:
				return copy(data, (&CSW{Tag: tag, Status: StatusPassed}).Bytes()), nil
			}
			return 0, devices.ErrStall
		},
	}
	e, seen := startEngine(t, tr)

	buf := make([]byte, 512)
	cbw := &CBW{Tag: 7, DataTransferLength: 512, Flags: FlagDataIn, CB: make([]byte, 10), Data: buf}
	cbw.CB[0] = byte(Read10Op)
	csw, err := e.ExecuteCommandBlock(cbw)
	if err != nil {
		t.Fatalf("ExecuteCommandBlock() failed: %v", err)
	}
	want := CSW{Tag: 7, DataResidue: 512, Status: StatusPhaseError}
	if *csw != want {
		t.Errorf("got %v, want %v", csw, &want)
	}
	states := seen.states()
	if wantStates := []State{StateCommandTransport, StateResetRecovery}; len(states) < 2 || !slices.Equal(states[:2], wantStates) {
		t.Errorf("transitions %v, want prefix %v", states, wantStates)
	}

	// No data or status phase follows a failed CBW; recovery does.
	var recovery []usbtest.Call
	for _, c := range tr.Calls() {
		if c.Kind == usbtest.CallBulk && c.Endpoint == 0x81 {
			t.Errorf("unexpected IN transfer %v", c)
		}
		if c.Kind == usbtest.CallClearHalt || (c.Kind == usbtest.CallControl && c.Request == RequestMassStorageReset) {
			recovery = append(recovery, c)
		}
	}
	wantRecovery := []usbtest.Call{
		{Kind: usbtest.CallControl, RType: 0x21, Request: RequestMassStorageReset},
		{Kind: usbtest.CallClearHalt, Endpoint: 0x81},
		{Kind: usbtest.CallClearHalt, Endpoint: 0x02},
	}
	if !slices.Equal(recovery, wantRecovery) {
		t.Errorf("recovery %v, want %v", recovery, wantRecovery)
	}

	mu.Lock()
	stallOut = false
	mu.Unlock()
	csw, err = e.ExecuteCommandBlock(testUnitReady(8))
	if err != nil || csw.Tag != 8 || csw.Status != StatusPassed {
		t.Errorf("command after recovery: %v, %v", csw, err)
	}
}

func TestInvalidCSWRecovers(t *testing.T) {
	for _, tc := range []struct {
		name   string
		faults usbtest.Faults
	}{
		{"signature", usbtest.Faults{BadSignatures: 1}},
		{"tag", usbtest.Faults{TagMismatches: 1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dev := usbtest.NewDisk(16, 512).Device()
			dev.Inject(tc.faults)
			e, _ := startEngine(t, dev)

			csw, err := e.ExecuteCommandBlock(testUnitReady(3))
			if err != nil {
				t.Fatalf("ExecuteCommandBlock() failed: %v", err)
			}
			if csw.Tag != 3 || csw.Status != StatusPhaseError {
				t.Errorf("got %v", csw)
			}
			if got := dev.Resets(); got != 1 {
				t.Errorf("device saw %d resets, want 1", got)
			}
		})
	}
}

func TestDevicePhaseError(t *testing.T) {
	dev := usbtest.NewDisk(16, 512).Device()
	dev.Inject(usbtest.Faults{PhaseErrors: 1})
	e, _ := startEngine(t, dev)

	buf := make([]byte, 512)
	cbw := &CBW{Tag: 5, DataTransferLength: 512, Flags: FlagDataIn, CB: []byte{0x28, 0, 0, 0, 0, 0, 0, 0, 1, 0}, Data: buf}
	csw, err := e.ExecuteCommandBlock(cbw)
	if err != nil {
		t.Fatalf("ExecuteCommandBlock() failed: %v", err)
	}
	if csw.Tag != 5 || csw.Status != StatusPhaseError {
		t.Errorf("got %v", csw)
	}
	if got := dev.Resets(); got != 1 {
		t.Errorf("device saw %d resets, want 1", got)
	}
}

func TestDataStall(t *testing.T) {
	dev := usbtest.NewDisk(16, 512).Device()
	dev.Inject(usbtest.Faults{DataStalls: 1})
	e, seen := startEngine(t, dev)

	buf := make([]byte, 512)
	cbw := &CBW{Tag: 11, DataTransferLength: 512, Flags: FlagDataIn, CB: []byte{0x28, 0, 0, 0, 0, 0, 0, 0, 1, 0}, Data: buf}
	csw, err := e.ExecuteCommandBlock(cbw)
	if err != nil {
		t.Fatalf("ExecuteCommandBlock() failed: %v", err)
	}
	if csw.Status != StatusFailed || csw.DataResidue != 512 {
		t.Errorf("got %v, want failed with full residue", csw)
	}
	if slices.Contains(seen.states(), StateResetRecovery) {
		t.Errorf("data stall caused reset recovery")
	}
}

// A scripted transport answering one READ(10) of a single 512 byte block.
func TestRead10EndToEnd(t *testing.T) {
	pattern := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 128)
	var tag uint32
	tr := &usbtest.Transport{
		OnControl: func(rType, request uint8, val, idx uint16, data []byte) (int, error) {
			data[0] = 0
			return 1, nil
		},
		OnBulk: func(ep uint8, data []byte) (int, error) {
			switch {
			case ep == 0x02:
				cbw, err := ParseCBW(data)
				if err != nil {
					return 0, err
				}
				tag = cbw.Tag
				return len(data), nil
			case ep == 0x81 && len(data) == 512:
				return copy(data, pattern), nil
			case ep == 0x81 && len(data) == CSWLength:
				return copy(data, (&CSW{Tag: tag, Status: StatusPassed}).Bytes()), nil
			}
			return 0, devices.ErrStall
		},
	}
	e, _ := startEngine(t, tr)
	s := NewSCSI(e, 0, 512)

	buf := make([]byte, 512)
	st, err := s.Read10(RWFlags{}, 0, 1, 0, buf)
	if err != nil {
		t.Fatalf("Read10() failed: %v", err)
	}
	if st != StatusPassed {
		t.Errorf("status %s", st)
	}
	if !bytes.Equal(buf, pattern) {
		t.Errorf("buffer not filled from IN data")
	}

	var bulk []usbtest.Call
	for _, c := range tr.Calls() {
		if c.Kind == usbtest.CallBulk {
			bulk = append(bulk, c)
		}
	}
	want := []usbtest.Call{
		{Kind: usbtest.CallBulk, Endpoint: 0x02, Length: CBWLength},
		{Kind: usbtest.CallBulk, Endpoint: 0x81, Length: 512},
		{Kind: usbtest.CallBulk, Endpoint: 0x81, Length: CSWLength},
	}
	if !slices.Equal(bulk, want) {
		t.Errorf("bulk calls %v, want %v", bulk, want)
	}
}

func TestAsyncFIFO(t *testing.T) {
	dev := usbtest.NewDisk(16, 512).Device()
	e, _ := startEngine(t, dev)

	for tag := uint32(1); tag <= 5; tag++ {
		if err := e.ExecuteCommandBlockAsync(testUnitReady(tag)); err != nil {
			t.Fatalf("ExecuteCommandBlockAsync(%d) failed: %v", tag, err)
		}
	}
	for tag := uint32(1); tag <= 5; tag++ {
		csw := e.WaitCommandStatusTimeout(5 * time.Second)
		if csw == nil {
			t.Fatalf("timed out waiting for tag %d", tag)
		}
		if csw.Tag != tag {
			t.Errorf("got tag %d, want %d", csw.Tag, tag)
		}
	}
	if csw := e.WaitCommandStatusTimeout(10 * time.Millisecond); csw != nil {
		t.Errorf("unexpected extra status %v", csw)
	}
}

func TestQueueFull(t *testing.T) {
	// Not running: nothing drains the queue.
	e := NewEngine(usbtest.NewDisk(1, 512).Device(), 0, Endpoints{In: 0x81, Out: 0x02}, queue.DefaultCapacity)
	for i := 0; i < queue.DefaultCapacity; i++ {
		if err := e.ExecuteCommandBlockAsync(testUnitReady(uint32(i))); err != nil {
			t.Fatalf("submission %d failed: %v", i, err)
		}
	}
	if err := e.ExecuteCommandBlockAsync(testUnitReady(99)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("submission past capacity returned %v", err)
	}
	if _, err := e.ExecuteCommandBlock(testUnitReady(100)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("synchronous submission past capacity returned %v", err)
	}
}

func TestInvalidCBWRejected(t *testing.T) {
	e := NewEngine(usbtest.NewDisk(1, 512).Device(), 0, Endpoints{In: 0x81, Out: 0x02}, 1)
	cbw := &CBW{Tag: 1, DataTransferLength: 512, Flags: FlagDataIn, CB: []byte{0x28}, Data: make([]byte, 16)}
	if _, err := e.ExecuteCommandBlock(cbw); !errors.Is(err, ErrInvalidCBW) {
		t.Fatalf("ExecuteCommandBlock() returned %v", err)
	}
}

func TestMaxLUN(t *testing.T) {
	dev := usbtest.NewDisk(1, 512).Device()
	dev.MaxLUN = 3
	e, _ := startEngine(t, dev)
	<-e.Ready()
	if got, want := e.MaxLUN(), uint8(3); got != want {
		t.Errorf("MaxLUN() = %d, want %d", got, want)
	}

	stalling := usbtest.NewDisk(1, 512).Device()
	stalling.Inject(usbtest.Faults{MaxLUNStall: true})
	e2, _ := startEngine(t, stalling)
	<-e2.Ready()
	if got := e2.MaxLUN(); got != 0 {
		t.Errorf("MaxLUN() after stall = %d, want 0", got)
	}
	csw, err := e2.ExecuteCommandBlock(testUnitReady(1))
	if err != nil || csw.Status != StatusPassed {
		t.Errorf("command after GET MAX LUN stall: %v, %v", csw, err)
	}
}

func TestStopped(t *testing.T) {
	e := NewEngine(usbtest.NewDisk(1, 512).Device(), 0, Endpoints{In: 0x81, Out: 0x02}, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	cancel()
	<-done
	if _, err := e.ExecuteCommandBlock(testUnitReady(1)); !errors.Is(err, ErrStopped) {
		t.Fatalf("ExecuteCommandBlock() on stopped engine returned %v", err)
	}
}

func TestConcurrentCallers(t *testing.T) {
	dev := usbtest.NewDisk(64, 512).Device()
	e, _ := startEngine(t, dev)
	s := NewSCSI(e, 0, 512)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buf := bytes.Repeat([]byte{byte(i)}, 512)
			if st, err := s.Write10(RWFlags{}, uint32(i), 1, 0, buf); err != nil || st != StatusPassed {
				t.Errorf("Write10(%d) = %v, %v", i, st, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		buf := make([]byte, 512)
		if st, err := s.Read10(RWFlags{}, uint32(i), 1, 0, buf); err != nil || st != StatusPassed {
			t.Fatalf("Read10(%d) = %v, %v", i, st, err)
		}
		if buf[0] != byte(i) || buf[511] != byte(i) {
			t.Errorf("block %d holds %#x", i, buf[0])
		}
	}
}
