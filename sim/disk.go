// Package sim models one PATA channel at register level, so the
// driver's protocol state machine can run without hardware. The model
// covers the identify handshake, 28-bit LBA PIO reads and writes,
// cache flush, software reset signatures, floating-bus mode, and
// per-sector fault injection.
package sim

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/bobuhiro11/goata/ata"
	"github.com/bobuhiro11/goata/portio"
)

var _ portio.Bus = (*Disk)(nil)

const (
	stateIdle = iota
	stateIdentify
	stateRead
	stateWrite
)

type Disk struct {
	mu sync.Mutex

	base uint16
	ctrl uint16

	data     []byte
	identify [256]uint16

	// signature latched into the cylinder registers by a software
	// reset; (0,0) is a plain ATA drive.
	sigLow  byte
	sigHigh byte

	presentMaster bool
	presentSlave  bool
	floating      bool

	sectorCount byte
	lbaLow      byte
	lbaMid      byte
	lbaHigh     byte
	drive       byte
	status      byte
	errreg      byte

	state     int
	cur       uint32 // current LBA
	remaining int
	idx       int // sector index within the transfer
	off       int // byte offset within the current sector
	wordIdx   int // identify word cursor
	sector    [ata.SectorSize]byte

	// fault injection: before sector failAt of a transfer, the drive
	// raises failStatus instead of serving data. -1 disables.
	failAt     int
	failStatus byte

	// stallIdentify parks IDENTIFY at stallStatus without ever
	// reaching the data phase.
	stallIdentify bool
	stallStatus   byte

	writeOps   int
	flushes    int
	overlapped bool

	path string

	// Called whenever the drive would raise its interrupt line.
	irqCallback func()
}

// New returns an in-memory disk of the given capacity on the primary
// channel, with both master and slave selects answering. irqCallback
// may be nil.
func New(sectors int, irqCallback func()) *Disk {
	d := &Disk{
		base:          ata.PrimaryBus,
		ctrl:          ata.PrimaryCtrl,
		data:          make([]byte, sectors*ata.SectorSize),
		presentMaster: true,
		presentSlave:  true,
		status:        ata.StatusRDY,
		failAt:        -1,
		irqCallback:   irqCallback,
	}

	d.identify = defaultIdentify(uint32(sectors), false)

	return d
}

// NewFromFile loads path as the disk contents, padding a partial last
// sector with zeros. CACHE_FLUSH writes the contents back.
func NewFromFile(path string, irqCallback func()) (*Disk, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("disk image: %w", err)
	}

	sectors := (len(raw) + ata.SectorSize - 1) / ata.SectorSize
	if sectors == 0 {
		return nil, fmt.Errorf("disk image %q: %w", path, os.ErrInvalid)
	}

	d := New(sectors, irqCallback)
	copy(d.data, raw)
	d.path = path

	return d, nil
}

func defaultIdentify(sectors uint32, lba48 bool) [256]uint16 {
	var w [256]uint16

	w[60] = uint16(sectors)
	w[61] = uint16(sectors >> 16)

	if lba48 {
		w[83] |= 1 << 10
	}

	// Model number, words 27-46, byte-swapped ASCII per the ATA spec.
	model := "GOATA SIM DISK"
	for i := 0; i < 20; i++ {
		hi, lo := byte(' '), byte(' ')
		if 2*i < len(model) {
			hi = model[2*i]
		}

		if 2*i+1 < len(model) {
			lo = model[2*i+1]
		}

		w[27+i] = uint16(hi)<<8 | uint16(lo)
	}

	return w
}

// SetPorts moves the channel, e.g. to the secondary pair.
func (d *Disk) SetPorts(base, ctrl uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.base = base
	d.ctrl = ctrl
}

// SetFloating makes every read return all-ones, as an unconnected bus
// does.
func (d *Disk) SetFloating(floating bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.floating = floating
}

// SetPresent controls which drive selects answer at all. An absent
// selected drive reads status zero.
func (d *Disk) SetPresent(master, slave bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.presentMaster = master
	d.presentSlave = slave
}

// SetSignature sets the cylinder-register pair latched by a software
// reset. Non-zero pairs also make IDENTIFY fail the way packet and
// SATA devices do.
func (d *Disk) SetSignature(low, high byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sigLow = low
	d.sigHigh = high
}

// SetIdentify replaces the 256-word identification block.
func (d *Disk) SetIdentify(words [256]uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.identify = words
}

// FailAt makes the next transfers raise status instead of serving
// sector index n (0-based within the transfer). A status without RDY
// or ERR models a drive that went silent. Pass n < 0 to disable.
func (d *Disk) FailAt(n int, status byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.failAt = n
	d.failStatus = status
}

// StallIdentify makes IDENTIFY park the drive at the given status,
// modelling hardware that never finishes the handshake.
func (d *Disk) StallIdentify(status byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stallIdentify = true
	d.stallStatus = status
}

// WriteOps counts every register write the driver has issued.
func (d *Disk) WriteOps() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.writeOps
}

// Flushes counts CACHE_FLUSH commands.
func (d *Disk) Flushes() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.flushes
}

// Overlapped reports whether a command arrived while another one was
// still mid-transfer, which a correctly locked driver never does.
func (d *Disk) Overlapped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.overlapped
}

// Bytes returns the raw disk contents, for test assertions.
func (d *Disk) Bytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]byte, len(d.data))
	copy(out, d.data)

	return out
}

func (d *Disk) selectedPresent() bool {
	if d.drive&0x10 != 0 {
		return d.presentSlave
	}

	return d.presentMaster
}

func (d *Disk) Inb(port uint16) byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.floating {
		return 0xff
	}

	if port == d.ctrl+ata.CtrlAlternateStatus {
		if !d.selectedPresent() {
			return 0
		}

		return d.status
	}

	if !d.selectedPresent() {
		return 0
	}

	switch port - d.base {
	case ata.RegError:
		return d.errreg
	case ata.RegSectorCount:
		return d.sectorCount
	case ata.RegSectorNumber:
		return d.lbaLow
	case ata.RegCylinderLow:
		return d.lbaMid
	case ata.RegCylinderHigh:
		return d.lbaHigh
	case ata.RegDrive:
		return d.drive
	case ata.RegStatus:
		return d.status
	default:
		return 0
	}
}

func (d *Disk) Outb(port uint16, v byte) {
	d.mu.Lock()

	d.writeOps++

	if d.floating {
		d.mu.Unlock()

		return
	}

	raise := false

	if port == d.ctrl+ata.CtrlDeviceControl {
		if v&ata.CtrlSRST != 0 {
			d.reset()
		}

		d.mu.Unlock()

		return
	}

	switch port - d.base {
	case ata.RegFeatures:
		// PIO mode only, features are ignored.
	case ata.RegSectorCount:
		d.sectorCount = v
	case ata.RegSectorNumber:
		d.lbaLow = v
	case ata.RegCylinderLow:
		d.lbaMid = v
	case ata.RegCylinderHigh:
		d.lbaHigh = v
	case ata.RegDrive:
		d.drive = v
	case ata.RegCommand:
		raise = d.execute(v)
	}

	d.mu.Unlock()

	if raise && d.irqCallback != nil {
		d.irqCallback()
	}
}

func (d *Disk) Inw(port uint16) uint16 {
	d.mu.Lock()

	if d.floating {
		d.mu.Unlock()

		return 0xffff
	}

	if port-d.base != ata.RegData {
		v := uint16(d.inbLocked(port))
		d.mu.Unlock()

		return v
	}

	var w uint16

	raise := false

	switch d.state {
	case stateIdentify:
		w = d.identify[d.wordIdx]
		d.wordIdx++

		if d.wordIdx == len(d.identify) {
			d.state = stateIdle
			d.status = ata.StatusRDY
		}
	case stateRead:
		w = binary.LittleEndian.Uint16(d.sector[d.off:])
		d.off += 2

		if d.off == ata.SectorSize {
			raise = d.nextReadSector()
		}
	}

	d.mu.Unlock()

	if raise && d.irqCallback != nil {
		d.irqCallback()
	}

	return w
}

func (d *Disk) Outw(port uint16, v uint16) {
	d.mu.Lock()

	d.writeOps++

	if d.floating || port-d.base != ata.RegData || d.state != stateWrite {
		d.mu.Unlock()

		return
	}

	binary.LittleEndian.PutUint16(d.sector[d.off:], v)
	d.off += 2

	raise := false
	if d.off == ata.SectorSize {
		raise = d.commitWriteSector()
	}

	d.mu.Unlock()

	if raise && d.irqCallback != nil {
		d.irqCallback()
	}
}

// inbLocked serves non-data word-sized reads; callers hold mu.
func (d *Disk) inbLocked(port uint16) byte {
	if port == d.ctrl+ata.CtrlAlternateStatus || port-d.base == ata.RegStatus {
		return d.status
	}

	return 0
}

func (d *Disk) reset() {
	d.state = stateIdle
	d.status = ata.StatusRDY
	d.errreg = 0
	d.sectorCount = 1
	d.lbaLow = 1
	d.lbaMid = d.sigLow
	d.lbaHigh = d.sigHigh
	d.off = 0
	d.wordIdx = 0
}

func (d *Disk) latchedLBA() uint32 {
	return uint32(d.lbaLow) |
		uint32(d.lbaMid)<<8 |
		uint32(d.lbaHigh)<<16 |
		uint32(d.drive&0x0f)<<24
}

// execute starts a command. The return value reports whether the
// drive raises its interrupt line.
func (d *Disk) execute(cmd byte) bool {
	if d.state != stateIdle {
		d.overlapped = true
	}

	if !d.selectedPresent() {
		d.status = 0

		return false
	}

	switch cmd {
	case ata.CmdIdentify:
		if d.stallIdentify {
			d.status = d.stallStatus

			return false
		}

		// Non-ATA drives abort IDENTIFY with their signature in the
		// cylinder registers.
		if d.sigLow != 0 || d.sigHigh != 0 {
			d.lbaMid = d.sigLow
			d.lbaHigh = d.sigHigh
			d.status = ata.StatusRDY | ata.StatusERR
			d.errreg = ata.ErrABRT

			return false
		}

		d.state = stateIdentify
		d.wordIdx = 0
		d.status = ata.StatusRDY | ata.StatusDRQ

		return false
	case ata.CmdReadSectors:
		d.beginTransfer()

		if d.faulted() {
			return false
		}

		return d.loadReadSector()
	case ata.CmdWriteSectors:
		d.beginTransfer()

		if d.faulted() {
			return false
		}

		d.state = stateWrite
		d.off = 0
		d.status = ata.StatusRDY | ata.StatusDRQ

		return false
	case ata.CmdCacheFlush:
		d.flushes++
		d.flush()
		d.status = ata.StatusRDY

		return true
	default:
		d.status = ata.StatusRDY | ata.StatusERR
		d.errreg = ata.ErrABRT

		return false
	}
}

func (d *Disk) beginTransfer() {
	d.cur = d.latchedLBA()
	d.remaining = int(d.sectorCount)

	if d.remaining == 0 {
		d.remaining = 256
	}

	d.idx = 0
	d.errreg = 0
}

// faulted applies the injected fault if the transfer has reached the
// configured sector. No interrupt accompanies the failure.
func (d *Disk) faulted() bool {
	if d.failAt < 0 || d.idx != d.failAt {
		return false
	}

	d.state = stateIdle
	d.status = d.failStatus
	d.errreg = ata.ErrABRT

	return true
}

func (d *Disk) loadReadSector() bool {
	off := uint64(d.cur) * ata.SectorSize
	if off+ata.SectorSize > uint64(len(d.data)) {
		d.state = stateIdle
		d.status = ata.StatusRDY | ata.StatusERR
		d.errreg = ata.ErrIDNF

		return false
	}

	copy(d.sector[:], d.data[off:off+ata.SectorSize])
	d.state = stateRead
	d.off = 0
	d.status = ata.StatusRDY | ata.StatusDRQ

	return true
}

func (d *Disk) nextReadSector() bool {
	d.idx++
	d.cur++
	d.remaining--

	if d.remaining == 0 {
		d.state = stateIdle
		d.status = ata.StatusRDY

		return false
	}

	if d.faulted() {
		return false
	}

	return d.loadReadSector()
}

func (d *Disk) commitWriteSector() bool {
	off := uint64(d.cur) * ata.SectorSize
	if off+ata.SectorSize > uint64(len(d.data)) {
		d.state = stateIdle
		d.status = ata.StatusRDY | ata.StatusERR
		d.errreg = ata.ErrIDNF

		return false
	}

	copy(d.data[off:off+ata.SectorSize], d.sector[:])
	d.idx++
	d.cur++
	d.remaining--
	d.off = 0

	if d.remaining == 0 {
		d.state = stateIdle
		d.status = ata.StatusRDY

		return true
	}

	if d.faulted() {
		return false
	}

	d.status = ata.StatusRDY | ata.StatusDRQ

	return true
}

func (d *Disk) flush() {
	if d.path == "" {
		return
	}

	if err := os.WriteFile(d.path, d.data, 0o644); err != nil {
		log.Printf("sim: flush %s: %v", d.path, err)
	}
}
