package flag

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/bobuhiro11/goata/ata"
	"github.com/bobuhiro11/goata/portio"
	"github.com/bobuhiro11/goata/sim"
	"github.com/pkg/profile"
)

func (s *RunCMD) Run() error {
	if s.CPUProfile {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	var (
		disk *sim.Disk
		reg  *ata.Registry
		err  error
	)

	irq := func() { reg.NotifyIRQ() }

	if s.Disk != "" {
		if disk, err = diskFromImage(s.Disk, s.Size, irq); err != nil {
			return err
		}
	} else {
		size, err := ParseSize(s.Size, "m")
		if err != nil {
			return err
		}

		disk = sim.New(size/ata.SectorSize, irq)
	}

	reg = ata.NewRegistry(disk)

	// The error sweep normally runs off a kernel timer tick.
	sweep := time.NewTicker(10 * time.Millisecond)
	defer sweep.Stop()

	go func() {
		for range sweep.C {
			reg.SweepErrors()
		}
	}()

	dev, err := reg.Init()
	if err != nil {
		return err
	}

	fmt.Printf("device type: %s\n", dev.ProbeType(s.Slave))
	fmt.Printf("capacity: %d sectors, LBA48: %v\n", dev.Sectors, dev.LBA48)

	return verify(dev, s.Slave, uint32(s.LBA), s.Count)
}

// verify writes a patterned region and reads it back.
func verify(dev *ata.Device, slave bool, lba uint32, sectors int) error {
	out := make([]byte, sectors*ata.SectorSize)
	for i := range out {
		out[i] = byte(i)
	}

	if err := dev.Write(slave, lba, out, sectors); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	in := make([]byte, sectors*ata.SectorSize)
	if err := dev.Read(slave, lba, in, sectors); err != nil {
		return fmt.Errorf("read: %w", err)
	}

	if !bytes.Equal(out, in) {
		return fmt.Errorf("read back %d sectors at LBA %d: %w", sectors, lba, ata.ErrTransfer)
	}

	fmt.Printf("verified %d sectors at LBA %d\n", sectors, lba)

	return nil
}

// diskFromImage opens an image-backed simulated disk, creating the
// image first when it does not exist yet.
func diskFromImage(path, size string, irq func()) (*sim.Disk, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		n, err := ParseSize(size, "m")
		if err != nil {
			return nil, err
		}

		if err := os.WriteFile(path, make([]byte, n), 0o644); err != nil {
			return nil, err
		}
	}

	return sim.NewFromFile(path, irq)
}

func (p *ProbeCMD) Run() error {
	port, err := portio.OpenDevPort()
	if err != nil {
		return err
	}
	defer port.Close()

	reg := ata.NewRegistry(port)

	dev, err := reg.Init()
	if err != nil {
		return err
	}

	log.Printf("primary channel: %s, %d sectors, LBA48: %v",
		dev.ProbeType(false), dev.Sectors, dev.LBA48)

	return nil
}
