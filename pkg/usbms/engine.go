package usbms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/squilla/usbclass/pkg/devices"
	"github.com/squilla/usbclass/pkg/frame"
	"github.com/squilla/usbclass/pkg/metrics"
	"github.com/squilla/usbclass/pkg/queue"
)

// Mass storage class requests.
const (
	RequestGetMaxLUN         uint8 = 0xfe
	RequestMassStorageReset  uint8 = 0xff
	requestTypeClassIfaceIn        = devices.RequestDirIn | devices.RequestTypeClass | devices.RecipientInterface
	requestTypeClassIfaceOut       = devices.RequestDirOut | devices.RequestTypeClass | devices.RecipientInterface
)

var (
	ErrQueueFull = errors.New("command queue full")
	ErrStopped   = errors.New("engine stopped")
)

// Endpoints are the bulk endpoint addresses of a BOT interface.
type Endpoints struct {
	In  uint8
	Out uint8
}

// Engine drives one Bulk-Only Transport interface. A single worker (Run)
// takes CBWs from a bounded command queue and runs each exchange to
// completion, so at most one exchange is on the wire at a time and
// commands are served in submission order.
type Engine struct {
	t     devices.Transport
	iface uint16
	ep    Endpoints

	commands *queue.Bounded[*CBW]
	statuses *queue.Bounded[*CSW]

	mu     sync.Mutex
	state  State
	maxLUN uint8

	ready   chan struct{}
	stopped chan struct{}

	// Worker-owned exchange state.
	cur     *CBW
	csw     *CSW
	started time.Time
	cbwBuf  [CBWLength]byte
	cswBuf  [CSWLength]byte

	observe func(from, to State)
}

// NewEngine returns an engine for the BOT interface number iface. Both
// queues hold capacity entries.
func NewEngine(t devices.Transport, iface int, ep Endpoints, capacity int) *Engine {
	return &Engine{
		t:        t,
		iface:    uint16(iface),
		ep:       ep,
		commands: queue.New[*CBW](capacity),
		statuses: queue.New[*CSW](capacity),
		ready:    make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// MaxLUN returns the highest LUN reported by the device. It is only
// meaningful once Ready is closed.
func (e *Engine) MaxLUN() uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxLUN
}

// Ready is closed once the engine has queried the device's LUN count.
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

func (e *Engine) submit(cbw *CBW) error {
	if err := cbw.Validate(); err != nil {
		glog.Errorf("BOT: rejecting %v: %v", cbw, err)
		return err
	}
	if err := e.commands.TryEnqueue(cbw); err != nil {
		metrics.Metrics.BOTQueueRejected.Inc()
		glog.Errorf("BOT: rejecting %v: queue holds %d commands", cbw, e.commands.Cap())
		return fmt.Errorf("%w: %d pending", ErrQueueFull, e.commands.Len())
	}
	return nil
}

// ExecuteCommandBlock queues cbw and waits for its CSW. It returns an error
// only if the CBW was rejected or the engine stopped; device and protocol
// failures come back as a CSW with a failed or phase-error status.
//
// There is no timeout on the wait: a wedged transport blocks the caller.
func (e *Engine) ExecuteCommandBlock(cbw *CBW) (*CSW, error) {
	cbw.reply = make(chan *CSW, 1)
	if err := e.submit(cbw); err != nil {
		cbw.reply = nil
		return nil, err
	}
	select {
	case csw := <-cbw.reply:
		return csw, nil
	case <-e.stopped:
		// The worker may have answered just before stopping.
		select {
		case csw := <-cbw.reply:
			return csw, nil
		default:
		}
		return nil, ErrStopped
	}
}

// ExecuteCommandBlockAsync queues cbw without waiting. Its CSW is published
// to the status queue, see WaitCommandStatus.
func (e *Engine) ExecuteCommandBlockAsync(cbw *CBW) error {
	cbw.reply = nil
	return e.submit(cbw)
}

// WaitCommandStatus blocks until a CSW of an asynchronously submitted
// command is available.
func (e *Engine) WaitCommandStatus() *CSW {
	return e.statuses.BlockingDequeue()
}

// WaitCommandStatusTimeout is WaitCommandStatus bounded by d. It returns
// nil on timeout.
func (e *Engine) WaitCommandStatusTimeout(d time.Duration) *CSW {
	csw, _ := e.statuses.BlockingDequeueTimeout(d)
	return csw
}

// Run serves queued commands until ctx is done. An exchange already on the
// wire is completed first. Run must only be called once.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)
	for {
		if err := e.step(ctx); err != nil {
			return err
		}
	}
}

func (e *Engine) step(ctx context.Context) error {
	state := e.State()
	var outcome Outcome
	switch state {
	case StateInit:
		e.queryMaxLUN()
		close(e.ready)
		outcome = OutcomeOK
	case StateCommandTransport:
		cbw, err := e.commands.DequeueContext(ctx)
		if err != nil {
			return err
		}
		e.cur, e.csw, e.started = cbw, nil, time.Now()
		outcome = e.sendCommand()
	case StateDataIn, StateDataOut:
		outcome = e.transferData(state)
	case StateStatusTransport1st, StateStatusTransport2nd:
		outcome = e.receiveStatus(state)
	case StateDone, StateResetRecovery:
		outcome = OutcomeOK
	}

	next, actions := Transition(state, outcome)
	if glog.V(2) {
		glog.Infof("BOT: %s (%s) -> %s %v", state, outcome, next, actions)
	}
	for _, a := range actions {
		e.perform(a, state)
	}
	e.mu.Lock()
	e.state = next
	e.mu.Unlock()
	metrics.Metrics.BOTTransitions.WithLabelValues(next.String()).Inc()
	if e.observe != nil {
		e.observe(state, next)
	}
	return nil
}

func (e *Engine) queryMaxLUN() {
	var b [1]byte
	n, err := e.t.Control(requestTypeClassIfaceIn, RequestGetMaxLUN, 0, e.iface, b[:])
	lun := b[0]
	switch {
	case err != nil:
		// Single-LUN devices may stall this request.
		glog.V(1).Infof("BOT: GET MAX LUN failed, assuming one LUN: %v", err)
		lun = 0
	case n < 1:
		glog.V(1).Infof("BOT: GET MAX LUN returned no data, assuming one LUN")
		lun = 0
	case lun > MaxLUN:
		glog.Warningf("BOT: device reports max LUN %d, using 0", lun)
		lun = 0
	}
	e.mu.Lock()
	e.maxLUN = lun
	e.mu.Unlock()
}

func (e *Engine) sendCommand() Outcome {
	f := frame.New(e.cbwBuf[:])
	if err := e.cur.MarshalTo(f); err != nil {
		// Validated on submission, so this is a bug.
		glog.Errorf("BOT: encoding %v: %v", e.cur, err)
		return OutcomeTransferFailed
	}
	if glog.V(3) {
		glog.Infof("BOT: CBW out\n%s", f.Dump())
	}
	if _, err := e.t.Bulk(e.ep.Out, e.cbwBuf[:]); err != nil {
		glog.Warningf("BOT: sending %v: %v", e.cur, err)
		return OutcomeTransferFailed
	}
	switch {
	case e.cur.DataTransferLength == 0:
		return OutcomeNoData
	case e.cur.In():
		return OutcomeDataIn
	}
	return OutcomeDataOut
}

func (e *Engine) transferData(state State) Outcome {
	ep := e.ep.Out
	if state == StateDataIn {
		ep = e.ep.In
	}
	data := e.cur.Data[:e.cur.DataTransferLength]
	n, err := e.t.Bulk(ep, data)
	if err != nil {
		glog.Warningf("BOT: %s of %v failed after %d bytes: %v", state, e.cur, n, err)
		return OutcomeTransferFailed
	}
	return OutcomeOK
}

func (e *Engine) receiveStatus(state State) Outcome {
	n, err := e.t.Bulk(e.ep.In, e.cswBuf[:])
	if err != nil {
		glog.Warningf("BOT: %s for tag %d failed: %v", state, e.cur.Tag, err)
		return OutcomeTransferFailed
	}
	if glog.V(3) {
		glog.Infof("BOT: CSW in\n%s", frame.New(e.cswBuf[:n]).Dump())
	}
	csw, err := ParseCSW(e.cswBuf[:n])
	if err != nil {
		glog.Warningf("BOT: %s for tag %d: %v", state, e.cur.Tag, err)
		return OutcomeInvalidCSW
	}
	if csw.Tag != e.cur.Tag {
		glog.Warningf("BOT: %s: tag mismatch: CSW %d != CBW %d", state, csw.Tag, e.cur.Tag)
		return OutcomeInvalidCSW
	}
	e.csw = csw
	if csw.Status == StatusPhaseError {
		return OutcomePhaseError
	}
	return OutcomeOK
}

func (e *Engine) perform(a Action, from State) {
	switch a {
	case ActionClearHaltIn:
		e.clearHalt(e.ep.In)
	case ActionClearHaltOut:
		e.clearHalt(e.ep.Out)
	case ActionMassStorageReset:
		metrics.Metrics.BOTRecoveries.WithLabelValues("reset").Inc()
		if _, err := e.t.Control(requestTypeClassIfaceOut, RequestMassStorageReset, 0, e.iface, nil); err != nil {
			glog.Warningf("BOT: mass storage reset failed: %v", err)
		}
	case ActionPublish:
		e.publish(from)
	}
}

func (e *Engine) clearHalt(ep uint8) {
	metrics.Metrics.BOTRecoveries.WithLabelValues("clear-halt").Inc()
	if err := e.t.ClearHalt(ep); err != nil {
		glog.Warningf("BOT: clear halt on %#02x failed: %v", ep, err)
	}
}

// publish hands the CSW of the current exchange to whoever waits for it.
// After reset recovery that is the device's own phase-error CSW if it had
// one, or a synthesized phase error covering the whole transfer.
func (e *Engine) publish(from State) {
	csw := e.csw
	if from == StateResetRecovery && (csw == nil || csw.Tag != e.cur.Tag) {
		csw = &CSW{
			Tag:         e.cur.Tag,
			DataResidue: e.cur.DataTransferLength,
			Status:      StatusPhaseError,
		}
	}
	metrics.Metrics.BOTCommands.WithLabelValues(csw.Status.String()).Inc()
	metrics.Metrics.BOTCommandDurationSeconds.WithLabelValues(csw.Status.String()).Observe(time.Since(e.started).Seconds())

	cbw := e.cur
	e.cur, e.csw = nil, nil
	if cbw.reply != nil {
		cbw.reply <- csw
		return
	}
	if err := e.statuses.TryEnqueue(csw); err != nil {
		glog.Errorf("BOT: dropping %v: status queue holds %d unread statuses", csw, e.statuses.Len())
	}
}
