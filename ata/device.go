package ata

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bobuhiro11/goata/portio"
)

// Type is the classification returned by ProbeType.
type Type int

const (
	TypeUnknown Type = iota
	TypePATA
	TypePATAPI
	TypeSATA
	TypeSATAPI
)

func (t Type) String() string {
	switch t {
	case TypePATA:
		return "PATA"
	case TypePATAPI:
		return "PATAPI"
	case TypeSATA:
		return "SATA"
	case TypeSATAPI:
		return "SATAPI"
	default:
		return "unknown"
	}
}

// Device is one PATA channel owned by a Registry. The base ports never
// change after InitDevice; Sectors and LBA48 are filled in by the
// identify handshake.
type Device struct {
	bus  uint16
	ctrl uint16

	// Registry-owned list link. Atomic so the interrupt hook and the
	// error sweep can walk the list without taking a lock.
	next atomic.Pointer[Device]

	io          portio.Bus
	yield       func()
	pollTimeout time.Duration

	// awaiting is set by an issuer about to wait and cleared by the
	// issuer on observed readiness, by the interrupt hook, or by the
	// error sweep. It is touched from interrupt context, so it is an
	// atomic flag, never guarded by mu.
	awaiting atomic.Bool

	// mu serializes register programming and the whole multi-sector
	// transfer: at most one command is in flight per device.
	mu sync.Mutex

	Sectors uint32
	LBA48   bool
}

func (d *Device) BusPort() uint16 {
	return d.bus
}

func (d *Device) CtrlPort() uint16 {
	return d.ctrl
}

func (d *Device) status() byte {
	return d.io.Inb(d.bus + RegStatus)
}

func (d *Device) hasErr() bool {
	return d.status()&StatusERR != 0
}

func (d *Device) isReady() bool {
	return d.status()&StatusRDY != 0
}

func (d *Device) command(cmd byte) {
	d.io.Outb(d.bus+RegCommand, cmd)
}

func (d *Device) selectDrive(slave bool) {
	sel := byte(selectMaster)
	if slave {
		sel = selectSlave
	}

	d.io.Outb(d.bus+RegDrive, sel)
}

// pollStatus busy-waits until the status register satisfies done,
// yielding between reads. The deadline bounds the loop against
// non-responding hardware.
func (d *Device) pollStatus(done func(byte) bool) (byte, error) {
	deadline := time.Now().Add(d.pollTimeout)

	for {
		s := d.status()
		if done(s) {
			return s, nil
		}

		if time.Now().After(deadline) {
			return s, ErrTimeout
		}

		d.yield()
	}
}

// waitReady is the interrupt-assisted wait used between sectors of a
// transfer. It raises the awaiting flag, then yields until either the
// device reads ready or the flag is cleared from outside (interrupt
// hook or error sweep). Readiness observed directly also ends the
// wait, so a lost interrupt cannot park the caller past readiness.
func (d *Device) waitReady() error {
	deadline := time.Now().Add(d.pollTimeout)

	d.awaiting.Store(true)

	for d.awaiting.Load() && !d.isReady() {
		if time.Now().After(deadline) {
			d.awaiting.Store(false)

			return ErrTimeout
		}

		d.yield()
	}

	d.awaiting.Store(false)

	return nil
}

// Reset pulses the software-reset bit in the device-control register,
// forcing the channel back to a known state. The type probe relies on
// the signature this latches into the cylinder registers.
func (d *Device) Reset() {
	if d == nil {
		return
	}

	port := d.ctrl + CtrlDeviceControl

	v := d.io.Inb(port)
	d.io.Outb(port, v|CtrlSRST)
	d.io.Outb(port, v&^CtrlSRST)
}

// ProbeType resets the channel and classifies the selected drive by
// the signature left in the cylinder registers. Only the exact pairs
// below are recognized; anything else is TypeUnknown.
func (d *Device) ProbeType(slave bool) Type {
	if d == nil {
		return TypeUnknown
	}

	d.Reset()
	d.selectDrive(slave)

	// Four discard reads of the alternate status register, ~400ns of
	// settling time after the drive select.
	for i := 0; i < 4; i++ {
		d.io.Inb(d.ctrl + CtrlAlternateStatus)
	}

	cl := d.io.Inb(d.bus + RegCylinderLow)
	ch := d.io.Inb(d.bus + RegCylinderHigh)

	switch {
	case cl == 0x00 && ch == 0x00:
		return TypePATA
	case cl == 0x14 && ch == 0xeb:
		return TypePATAPI
	case cl == 0x3c && ch == 0xc3:
		return TypeSATA
	case cl == 0x69 && ch == 0x96:
		return TypeSATAPI
	default:
		return TypeUnknown
	}
}
