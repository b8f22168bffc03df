package usbms

import (
	"bytes"
	"errors"
	"testing"
)

func TestCBWRoundTrip(t *testing.T) {
	for _, cbLen := range []int{1, 6, 10, 12, 16} {
		cb := make([]byte, cbLen)
		for i := range cb {
			cb[i] = byte(0xa0 + i)
		}
		in := &CBW{
			Tag:                0x11223344,
			DataTransferLength: 512,
			Flags:              FlagDataIn,
			LUN:                3,
			CB:                 cb,
		}
		b, err := in.Bytes()
		if err != nil {
			t.Fatalf("Bytes() failed: %v", err)
		}
		if got, want := len(b), CBWLength; got != want {
			t.Fatalf("len = %d, want %d", got, want)
		}
		if !bytes.Equal(b[:4], []byte("USBC")) {
			t.Errorf("signature bytes %x", b[:4])
		}
		out, err := ParseCBW(b)
		if err != nil {
			t.Fatalf("ParseCBW() failed: %v", err)
		}
		if out.Tag != in.Tag || out.DataTransferLength != in.DataTransferLength || out.Flags != in.Flags || out.LUN != in.LUN {
			t.Errorf("cb len %d: got %v, want %v", cbLen, out, in)
		}
		if !bytes.Equal(out.CB, cb) {
			t.Errorf("cb len %d: CB %x, want %x", cbLen, out.CB, cb)
		}
		for i := 15 + cbLen; i < CBWLength; i++ {
			if b[i] != 0 {
				t.Errorf("cb len %d: padding byte %d is %#x", cbLen, i, b[i])
			}
		}
	}
}

func TestCBWLayout(t *testing.T) {
	c := &CBW{Tag: 1, DataTransferLength: 0x200, Flags: FlagDataIn, LUN: 2, CB: []byte{0x28}}
	b, _ := c.Bytes()
	want := []byte{
		0x55, 0x53, 0x42, 0x43,
		0x01, 0x00, 0x00, 0x00,
		0x00, 0x02, 0x00, 0x00,
		0x80, 0x02, 0x01, 0x28,
	}
	if !bytes.Equal(b[:16], want) {
		t.Errorf("got %x, want %x", b[:16], want)
	}
}

func TestCBWTooLong(t *testing.T) {
	c := &CBW{CB: make([]byte, 17)}
	if _, err := c.Bytes(); !errors.Is(err, ErrInvalidCBW) {
		t.Fatalf("Bytes() with 17 byte CB returned %v", err)
	}
}

func TestCBWLUN(t *testing.T) {
	for _, lun := range []uint8{0, 1, 7, MaxLUN} {
		b, err := (&CBW{LUN: lun, CB: []byte{0x00}}).Bytes()
		if err != nil {
			t.Fatalf("lun %d: Bytes() failed: %v", lun, err)
		}
		if got := b[13]; got != lun {
			t.Errorf("lun %d: wire byte %#02x", lun, got)
		}
		c, err := ParseCBW(b)
		if err != nil {
			t.Fatalf("lun %d: ParseCBW() failed: %v", lun, err)
		}
		if c.LUN != lun {
			t.Errorf("lun %d: parsed %d", lun, c.LUN)
		}
	}

	for _, lun := range []uint8{16, 20, 31, 0xff} {
		if _, err := (&CBW{LUN: lun, CB: []byte{0x00}}).Bytes(); !errors.Is(err, ErrInvalidCBW) {
			t.Errorf("lun %d: Bytes() returned %v", lun, err)
		}
	}

	// All five wire bits are decoded.
	b, _ := (&CBW{CB: []byte{0x00}}).Bytes()
	b[13] = 0xf4
	c, err := ParseCBW(b)
	if err != nil {
		t.Fatalf("ParseCBW() failed: %v", err)
	}
	if got, want := c.LUN, uint8(0x14); got != want {
		t.Errorf("LUN = %d, want %d", got, want)
	}
}

func TestCSWParse(t *testing.T) {
	raw := []byte{
		0x55, 0x53, 0x42, 0x53,
		0x07, 0x00, 0x00, 0x00,
		0x10, 0x00, 0x00, 0x00,
		0x01,
	}
	c, err := ParseCSW(raw)
	if err != nil {
		t.Fatalf("ParseCSW() failed: %v", err)
	}
	if c.Tag != 7 || c.DataResidue != 16 || c.Status != StatusFailed {
		t.Errorf("got %v", c)
	}
	if got := c.Bytes(); !bytes.Equal(got, raw) {
		t.Errorf("re-encoded %x, want %x", got, raw)
	}

	bad := append([]byte(nil), raw...)
	bad[3] = 'C'
	if c, err := ParseCSW(bad); !errors.Is(err, ErrCSWSignature) || c != nil {
		t.Errorf("bad signature: got %v, %v", c, err)
	}
	if _, err := ParseCSW(raw[:12]); !errors.Is(err, ErrCSWLength) {
		t.Errorf("short CSW: got %v", err)
	}
}

func TestCBWValidate(t *testing.T) {
	for i, tc := range []struct {
		cbw  CBW
		fail bool
	}{
		{CBW{CB: []byte{0}}, false},
		{CBW{CB: nil}, true},
		{CBW{CB: make([]byte, 17)}, true},
		{CBW{CB: []byte{0}, LUN: 16}, true},
		{CBW{CB: []byte{0x28}, DataTransferLength: 512, Data: make([]byte, 511)}, true},
		{CBW{CB: []byte{0x28}, DataTransferLength: 512, Data: make([]byte, 512)}, false},
	} {
		err := tc.cbw.Validate()
		if got := err != nil; got != tc.fail {
			t.Errorf("%d: Validate() = %v, want failure %v", i, err, tc.fail)
		}
		if err != nil && !errors.Is(err, ErrInvalidCBW) {
			t.Errorf("%d: error %v does not wrap ErrInvalidCBW", i, err)
		}
	}
}
