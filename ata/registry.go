// Package ata is a PATA block driver speaking PIO: it identifies the
// drives on a channel and moves 512-byte sectors through the data
// port, one register access at a time. The surrounding kernel supplies
// the port accessors, invokes NotifyIRQ from the disk interrupt, and
// ticks SweepErrors periodically.
package ata

import (
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bobuhiro11/goata/portio"
)

// maxDevices bounds the device pool, matching the 32-slot record cache
// the driver allocates from.
const maxDevices = 32

// DefaultPollTimeout bounds every busy-wait and interrupt-assisted
// wait in the driver. Real drives answer in microseconds; this only
// exists so dead hardware surfaces as ErrTimeout instead of a hang.
const DefaultPollTimeout = 5 * time.Second

// Registry owns the list of successfully initialized devices and the
// device pool they are allocated from. Callers get one injected
// instead of reaching for process-global state, so a simulated bus can
// stand in for hardware.
type Registry struct {
	io          portio.Bus
	yield       func()
	pollTimeout time.Duration

	// head of the append-only device list. Atomic pointer so NotifyIRQ
	// and SweepErrors can walk it without blocking.
	head atomic.Pointer[Device]

	mu   sync.Mutex
	free []*Device
}

type Option func(*Registry)

// WithYield replaces the cooperative-yield primitive used inside wait
// loops. The default hands the processor back to the Go scheduler.
func WithYield(yield func()) Option {
	return func(r *Registry) {
		r.yield = yield
	}
}

// WithPollTimeout bounds how long any single wait on the hardware may
// last before it fails with ErrTimeout.
func WithPollTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.pollTimeout = d
	}
}

func NewRegistry(bus portio.Bus, opts ...Option) *Registry {
	r := &Registry{
		io:          bus,
		yield:       runtime.Gosched,
		pollTimeout: DefaultPollTimeout,
	}

	r.free = make([]*Device, 0, maxDevices)
	for i := 0; i < maxDevices; i++ {
		r.free = append(r.free, &Device{})
	}

	return r
}

// Init probes the fixed primary channel. Further controllers would
// come from PCI discovery, which is out of scope here; a caller that
// knows the secondary channel is wired can call InitDevice directly.
func (r *Registry) Init() (*Device, error) {
	return r.InitDevice(PrimaryBus, PrimaryCtrl)
}

// InitDevice allocates a device record for the given channel, runs the
// floating-bus check and the identify handshake, and links the record
// into the registry. On any failure the record goes back to the pool
// and the error is returned as-is; nothing is retried.
func (r *Registry) InitDevice(busPort, ctrlPort uint16) (*Device, error) {
	dev := r.alloc()
	if dev == nil {
		return nil, ErrInitFailure
	}

	dev.bus = busPort
	dev.ctrl = ctrlPort
	dev.io = r.io
	dev.yield = r.yield
	dev.pollTimeout = r.pollTimeout

	// A floating bus reads all-ones. Bail out before touching any
	// other register.
	if dev.status() == 0xff {
		r.release(dev)

		return nil, ErrFloatingBus
	}

	var ident [256]uint16
	if err := dev.identify(false, &ident); err != nil {
		r.release(dev)

		return nil, err
	}

	dev.Sectors = lba28Sectors(&ident)
	dev.LBA48 = supportsLBA48(&ident)

	if dev.Sectors != 0 {
		log.Printf("ata: LBA28 sectors: %d", dev.Sectors)
	}

	if dev.LBA48 {
		log.Printf("ata: LBA48 supported")
	}

	log.Printf("ata: disk size: %d bytes", uint64(dev.Sectors)*SectorSize)

	r.link(dev)

	return dev, nil
}

// identify runs the IDENTIFY handshake on the selected drive and fills
// ident with the 256-word identification block.
func (d *Device) identify(slave bool, ident *[256]uint16) error {
	d.selectDrive(slave)
	d.io.Outb(d.bus+RegSectorCount, 0x0)
	d.io.Outb(d.bus+RegSectorNumber, 0x0)
	d.io.Outb(d.bus+RegCylinderLow, 0x0)
	d.io.Outb(d.bus+RegCylinderHigh, 0x0)
	d.command(CmdIdentify)

	// A drive that is not there never raises a status bit.
	if d.status() == 0 {
		return fmt.Errorf("%w: no response to IDENTIFY", ErrIdentifyFailure)
	}

	if _, err := d.pollStatus(func(s byte) bool {
		return s&StatusBSY == 0
	}); err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	// ATAPI and SATA drives leave their signature in the cylinder
	// registers; a plain ATA drive leaves zeros.
	if d.io.Inb(d.bus+RegCylinderLow) != 0 || d.io.Inb(d.bus+RegCylinderHigh) != 0 {
		return fmt.Errorf("%w: non-ATA signature", ErrIdentifyFailure)
	}

	s, err := d.pollStatus(func(s byte) bool {
		return s&(StatusERR|StatusDRQ) != 0
	})
	if err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	// Some ATAPI drives abort without raising ERR; those fall through
	// to the signature check above on real hardware.
	if s&StatusERR != 0 {
		return fmt.Errorf("%w: drive reported error", ErrIdentifyFailure)
	}

	for i := 0; i < len(ident); i++ {
		ident[i] = d.io.Inw(d.bus + RegData)
	}

	return nil
}

// lba28Sectors is the little-endian 32-bit value at word offset 60.
func lba28Sectors(ident *[256]uint16) uint32 {
	return uint32(ident[60]) | uint32(ident[61])<<16
}

// supportsLBA48 is bit 10 of word 83.
func supportsLBA48(ident *[256]uint16) bool {
	return ident[83]&(1<<10) != 0
}

// NotifyIRQ is the hook the kernel invokes from the disk interrupt. It
// must never block: it walks the lock-free device list and clears the
// awaiting flag for every device whose status shows the command phase
// is over. Reading the status register also acknowledges the drive's
// pending interrupt. Which channel actually raised a shared line is
// not identified here.
// TODO: disambiguate the signalling channel once more than one
// controller is probed.
func (r *Registry) NotifyIRQ() {
	for d := r.head.Load(); d != nil; d = d.next.Load() {
		if !d.awaiting.Load() {
			continue
		}

		if d.status()&StatusBSY == 0 {
			d.awaiting.Store(false)
		}
	}
}

// SweepErrors is the periodic forward-progress backstop: any device
// still awaiting completion whose drive reports an error gets its flag
// cleared, so a lost or misrouted interrupt cannot block an issuer
// forever. The issuer re-reads the status and surfaces ErrTransfer.
func (r *Registry) SweepErrors() {
	for d := r.head.Load(); d != nil; d = d.next.Load() {
		if d.awaiting.Load() && d.hasErr() {
			d.awaiting.Store(false)
		}
	}
}

// Devices returns the registered devices in initialization order.
func (r *Registry) Devices() []*Device {
	var devs []*Device

	for d := r.head.Load(); d != nil; d = d.next.Load() {
		devs = append(devs, d)
	}

	return devs
}

func (r *Registry) alloc() *Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.free) == 0 {
		return nil
	}

	dev := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]

	return dev
}

func (r *Registry) release(dev *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev.bus = 0
	dev.ctrl = 0
	dev.io = nil
	dev.yield = nil
	dev.pollTimeout = 0
	dev.awaiting.Store(false)
	dev.Sectors = 0
	dev.LBA48 = false

	r.free = append(r.free, dev)
}

// link appends dev to the device list. Appends are serialized by mu;
// the atomic stores publish the node to the lock-free walkers.
func (r *Registry) link(dev *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	last := r.head.Load()
	if last == nil {
		r.head.Store(dev)

		return
	}

	for last.next.Load() != nil {
		last = last.next.Load()
	}

	last.next.Store(dev)
}
