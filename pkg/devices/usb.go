package devices

import (
	"errors"
	"fmt"
)

// Transport describes the synchronous transfer primitive that class drivers
// run on. Every call blocks until the host completes or fails the transfer.
// Endpoint direction is taken from bit 7 of the endpoint address.
type Transport interface {
	// Control sends a control request on the default pipe.
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)

	// Bulk runs one bulk transfer of len(data) bytes.
	Bulk(endpoint uint8, data []byte) (int, error)

	// Interrupt runs one interrupt IN transfer into data.
	Interrupt(endpoint uint8, data []byte) (int, error)

	// ClearHalt clears a stall condition on an endpoint.
	ClearHalt(endpoint uint8) error
}

var (
	ErrTimeout  = errors.New("USB timeout error")
	ErrStall    = errors.New("endpoint stalled")
	ErrNoDevice = errors.New("no such device")
)

// bmRequestType bits.
const (
	RequestDirOut uint8 = 0x00
	RequestDirIn  uint8 = 0x80

	RequestTypeStandard uint8 = 0x00
	RequestTypeClass    uint8 = 0x20
	RequestTypeVendor   uint8 = 0x40

	RecipientDevice    uint8 = 0x00
	RecipientInterface uint8 = 0x01
	RecipientEndpoint  uint8 = 0x02
	RecipientOther     uint8 = 0x03
)

// Standard request codes shared by the class protocols.
const (
	RequestGetStatus     uint8 = 0
	RequestClearFeature  uint8 = 1
	RequestSetFeature    uint8 = 3
	RequestGetDescriptor uint8 = 6
	RequestSetDescriptor uint8 = 7
)

const FeatureEndpointHalt uint16 = 0

// ClearEndpointHalt issues a standard CLEAR_FEATURE(ENDPOINT_HALT) on ep.
// Transports that have no native clear-halt call use this.
func ClearEndpointHalt(t Transport, ep uint8) error {
	_, err := t.Control(RequestDirOut|RequestTypeStandard|RecipientEndpoint, RequestClearFeature, FeatureEndpointHalt, uint16(ep), nil)
	if err != nil {
		return fmt.Errorf("clear halt on %#02x: %w", ep, err)
	}
	return nil
}
