package ata

// Channel base ports. Only the primary channel is probed by Init;
// InitDevice accepts the secondary pair for callers that know it is
// wired.
const (
	PrimaryBus    = 0x1f0
	PrimaryCtrl   = 0x3f6
	SecondaryBus  = 0x170
	SecondaryCtrl = 0x376
)

// Command-block register offsets, relative to the channel base port.
const (
	RegData         = 0x0
	RegError        = 0x1
	RegFeatures     = 0x1
	RegSectorCount  = 0x2
	RegSectorNumber = 0x3
	RegCylinderLow  = 0x4
	RegCylinderHigh = 0x5
	RegDrive        = 0x6
	RegStatus       = 0x7
	RegCommand      = 0x7
)

// Control-block register offsets, relative to the control base port.
const (
	CtrlAlternateStatus = 0x0
	CtrlDeviceControl   = 0x0
	CtrlDriveAddress    = 0x1
)

// Status register bits.
const (
	StatusERR = 1 << 0
	StatusIDX = 1 << 1
	StatusCOR = 1 << 2
	StatusDRQ = 1 << 3
	StatusSRV = 1 << 4
	StatusDF  = 1 << 5
	StatusRDY = 1 << 6
	StatusBSY = 1 << 7
)

// Error register bits.
const (
	ErrAMNF  = 1 << 0
	ErrTKZNF = 1 << 1
	ErrABRT  = 1 << 2
	ErrMCR   = 1 << 3
	ErrIDNF  = 1 << 4
	ErrMC    = 1 << 5
	ErrUNC   = 1 << 6
	ErrBBK   = 1 << 7
)

const (
	CmdIdentify     = 0xec
	CmdReadSectors  = 0x20
	CmdWriteSectors = 0x30
	CmdCacheFlush   = 0xe7
)

// DeviceControl bits.
const (
	CtrlNIEN = 1 << 1
	CtrlSRST = 1 << 2
)

// SectorSize is fixed at 512 bytes; larger logical sectors are out of
// scope for PIO mode.
const SectorSize = 0x200

// Drive-select encodings. Identify and the type probe use the plain
// master/slave selects; transfers use the LBA bases with the low four
// LBA bits OR'd in.
const (
	selectMaster = 0xa0
	selectSlave  = 0xb0

	lbaReadBase  = 0xe0
	lbaWriteBase = 0xf0
	slaveBit     = 0x10
)
