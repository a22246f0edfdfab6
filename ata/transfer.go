package ata

import (
	"encoding/binary"
	"fmt"
)

const wordsPerSector = SectorSize / 2

// Read transfers sectors [lba, lba+sectors) from the selected drive
// into buf using 28-bit LBA PIO. sectors must be in [1,255] and buf
// must hold sectors*SectorSize bytes. On ErrTransfer, sectors
// completed before the failure are valid in buf; the rest of buf is
// undefined.
func (d *Device) Read(slave bool, lba uint32, buf []byte, sectors int) error {
	return d.transfer(slave, lba, buf, sectors, false)
}

// Write transfers sectors*SectorSize bytes from buf to the selected
// drive, then issues CACHE_FLUSH so a success return means the data
// reached the medium. On ErrTransfer, sectors written before the
// failure are durable only up to the drive's write cache; the rest of
// the target region is undefined.
func (d *Device) Write(slave bool, lba uint32, buf []byte, sectors int) error {
	return d.transfer(slave, lba, buf, sectors, true)
}

func (d *Device) transfer(slave bool, lba uint32, buf []byte, sectors int, write bool) error {
	// Everything is validated before any register is touched.
	if d == nil {
		return fmt.Errorf("%w: nil device", ErrInvalidArgument)
	}

	if buf == nil {
		return fmt.Errorf("%w: nil buffer", ErrInvalidArgument)
	}

	if sectors < 1 || sectors > 0xff {
		return fmt.Errorf("%w: sector count %d outside [1,255]", ErrInvalidArgument, sectors)
	}

	if lba > 0x0fffffff {
		return fmt.Errorf("%w: LBA %#x exceeds 28 bits", ErrInvalidArgument, lba)
	}

	if len(buf) < sectors*SectorSize {
		return fmt.Errorf("%w: buffer %d bytes, need %d",
			ErrInvalidArgument, len(buf), sectors*SectorSize)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	mode := byte(lbaReadBase)
	if write {
		mode = lbaWriteBase
	}

	if slave {
		mode |= slaveBit
	}

	d.io.Outb(d.bus+RegDrive, mode|byte(lba>>24)&0x0f)
	d.io.Outb(d.bus+RegSectorCount, byte(sectors))
	d.io.Outb(d.bus+RegSectorNumber, byte(lba))
	d.io.Outb(d.bus+RegCylinderLow, byte(lba>>8))
	d.io.Outb(d.bus+RegCylinderHigh, byte(lba>>16))

	if write {
		d.command(CmdWriteSectors)
	} else {
		d.command(CmdReadSectors)
	}

	for i := 0; i < sectors; i++ {
		if err := d.waitReady(); err != nil {
			return fmt.Errorf("sector %d of %d: %w", i, sectors, err)
		}

		// The sweep or the interrupt may have ended the wait on an
		// error; abort here, leaving sectors [0,i) completed.
		if d.hasErr() {
			return fmt.Errorf("%w: sector %d of %d", ErrTransfer, i, sectors)
		}

		off := i * SectorSize

		if write {
			for j := 0; j < wordsPerSector; j++ {
				d.io.Outw(d.bus+RegData, binary.LittleEndian.Uint16(buf[off+2*j:]))
			}
		} else {
			for j := 0; j < wordsPerSector; j++ {
				binary.LittleEndian.PutUint16(buf[off+2*j:], d.io.Inw(d.bus+RegData))
			}
		}
	}

	if write {
		d.command(CmdCacheFlush)
	}

	return nil
}
