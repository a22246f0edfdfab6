package ata_test

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bobuhiro11/goata/ata"
	"github.com/bobuhiro11/goata/sim"
)

// newDevice initializes a registry and one device against a simulated
// disk, with the disk's interrupt line wired to the registry hook.
func newDevice(t *testing.T, sectors int, opts ...ata.Option) (*sim.Disk, *ata.Registry, *ata.Device) {
	t.Helper()

	var reg *ata.Registry

	d := sim.New(sectors, func() { reg.NotifyIRQ() })
	reg = ata.NewRegistry(d, opts...)

	dev, err := reg.Init()
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	return d, reg, dev
}

func pattern(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i)
	}

	return buf
}

func TestInitFloatingBus(t *testing.T) {
	t.Parallel()

	d := sim.New(64, nil)
	d.SetFloating(true)

	_, err := ata.NewRegistry(d).Init()
	if !errors.Is(err, ata.ErrFloatingBus) {
		t.Fatalf("expected: %v, actual: %v", ata.ErrFloatingBus, err)
	}

	if n := d.WriteOps(); n != 0 {
		t.Fatalf("expected no register writes after floating bus, actual: %d", n)
	}
}

func TestInitAbsentDevice(t *testing.T) {
	t.Parallel()

	d := sim.New(64, nil)
	d.SetPresent(false, false)

	_, err := ata.NewRegistry(d).Init()
	if !errors.Is(err, ata.ErrIdentifyFailure) {
		t.Fatalf("expected: %v, actual: %v", ata.ErrIdentifyFailure, err)
	}
}

func TestInitNonATASignature(t *testing.T) {
	t.Parallel()

	d := sim.New(64, nil)
	d.SetSignature(0x14, 0xeb)

	_, err := ata.NewRegistry(d).Init()
	if !errors.Is(err, ata.ErrIdentifyFailure) {
		t.Fatalf("expected: %v, actual: %v", ata.ErrIdentifyFailure, err)
	}
}

func TestIdentifyExtraction(t *testing.T) {
	t.Parallel()

	var words [256]uint16

	words[60] = 0x5678
	words[61] = 0x0034
	words[83] = 1 << 10

	d := sim.New(64, nil)
	d.SetIdentify(words)

	dev, err := ata.NewRegistry(d).Init()
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	if expected := uint32(0x00345678); dev.Sectors != expected {
		t.Fatalf("expected: %#x sectors, actual: %#x", expected, dev.Sectors)
	}

	if !dev.LBA48 {
		t.Fatalf("expected LBA48 support from word 83 bit 10")
	}
}

func TestProbeTypeTable(t *testing.T) {
	t.Parallel()

	d, _, dev := newDevice(t, 64)

	for _, tc := range []struct {
		cl, ch   byte
		expected ata.Type
	}{
		{0x00, 0x00, ata.TypePATA},
		{0x14, 0xeb, ata.TypePATAPI},
		{0x3c, 0xc3, ata.TypeSATA},
		{0x69, 0x96, ata.TypeSATAPI},
		{0x01, 0x02, ata.TypeUnknown},
		{0x14, 0x00, ata.TypeUnknown},
		{0x00, 0xeb, ata.TypeUnknown},
	} {
		d.SetSignature(tc.cl, tc.ch)

		if actual := dev.ProbeType(false); actual != tc.expected {
			t.Fatalf("signature (%#x,%#x): expected: %v, actual: %v",
				tc.cl, tc.ch, tc.expected, actual)
		}
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	t.Parallel()

	d, _, dev := newDevice(t, 128)

	for _, tc := range []struct {
		slave   bool
		lba     uint32
		sectors int
	}{
		{false, 0, 1},
		{false, 5, 3},
		{true, 17, 2},
		{false, 100, 8},
	} {
		out := pattern(tc.sectors*ata.SectorSize, byte(tc.lba))

		if err := dev.Write(tc.slave, tc.lba, out, tc.sectors); err != nil {
			t.Fatalf("write: %v", err)
		}

		in := make([]byte, tc.sectors*ata.SectorSize)
		if err := dev.Read(tc.slave, tc.lba, in, tc.sectors); err != nil {
			t.Fatalf("read: %v", err)
		}

		if !bytes.Equal(out, in) {
			t.Fatalf("round trip mismatch at LBA %d, %d sectors", tc.lba, tc.sectors)
		}
	}

	if expected, actual := 4, d.Flushes(); expected != actual {
		t.Fatalf("expected: %d cache flushes, actual: %d", expected, actual)
	}
}

func TestPartialFailureKeepsCompletedSectors(t *testing.T) {
	t.Parallel()

	d, _, dev := newDevice(t, 64)

	out := pattern(4*ata.SectorSize, 0x11)
	if err := dev.Write(false, 0, out, 4); err != nil {
		t.Fatalf("write: %v", err)
	}

	d.FailAt(2, ata.StatusRDY|ata.StatusERR)

	in := make([]byte, 4*ata.SectorSize)

	err := dev.Read(false, 0, in, 4)
	if !errors.Is(err, ata.ErrTransfer) {
		t.Fatalf("expected: %v, actual: %v", ata.ErrTransfer, err)
	}

	// Sectors before the failure point are valid; the rest of the
	// buffer is undefined by contract, so only the prefix is checked.
	if !bytes.Equal(out[:2*ata.SectorSize], in[:2*ata.SectorSize]) {
		t.Fatalf("sectors completed before the failure must remain valid")
	}
}

func TestWriteFailureSkipsCacheFlush(t *testing.T) {
	t.Parallel()

	d, _, dev := newDevice(t, 64)
	d.FailAt(1, ata.StatusRDY|ata.StatusERR)

	err := dev.Write(false, 0, pattern(2*ata.SectorSize, 0), 2)
	if !errors.Is(err, ata.ErrTransfer) {
		t.Fatalf("expected: %v, actual: %v", ata.ErrTransfer, err)
	}

	if n := d.Flushes(); n != 0 {
		t.Fatalf("expected no cache flush after a failed write, actual: %d", n)
	}
}

func TestBoundaryRejection(t *testing.T) {
	t.Parallel()

	d, _, dev := newDevice(t, 64)

	buf := make([]byte, 256*ata.SectorSize)
	before := d.WriteOps()

	for _, sectors := range []int{0, 256} {
		if err := dev.Read(false, 0, buf, sectors); !errors.Is(err, ata.ErrInvalidArgument) {
			t.Fatalf("sectors=%d: expected: %v, actual: %v",
				sectors, ata.ErrInvalidArgument, err)
		}

		if err := dev.Write(false, 0, buf, sectors); !errors.Is(err, ata.ErrInvalidArgument) {
			t.Fatalf("sectors=%d: expected: %v, actual: %v",
				sectors, ata.ErrInvalidArgument, err)
		}
	}

	if after := d.WriteOps(); after != before {
		t.Fatalf("expected no register writes for rejected arguments, actual: %d", after-before)
	}
}

func TestInvalidArguments(t *testing.T) {
	t.Parallel()

	d, _, dev := newDevice(t, 64)

	before := d.WriteOps()

	if err := dev.Read(false, 0, nil, 1); !errors.Is(err, ata.ErrInvalidArgument) {
		t.Fatalf("nil buffer: expected: %v, actual: %v", ata.ErrInvalidArgument, err)
	}

	short := make([]byte, ata.SectorSize-1)
	if err := dev.Read(false, 0, short, 1); !errors.Is(err, ata.ErrInvalidArgument) {
		t.Fatalf("short buffer: expected: %v, actual: %v", ata.ErrInvalidArgument, err)
	}

	buf := make([]byte, ata.SectorSize)
	if err := dev.Read(false, 1<<28, buf, 1); !errors.Is(err, ata.ErrInvalidArgument) {
		t.Fatalf("29-bit LBA: expected: %v, actual: %v", ata.ErrInvalidArgument, err)
	}

	if after := d.WriteOps(); after != before {
		t.Fatalf("expected no register writes for rejected arguments, actual: %d", after-before)
	}
}

func TestMutualExclusion(t *testing.T) {
	t.Parallel()

	d, _, dev := newDevice(t, 256)

	a := pattern(8*ata.SectorSize, 0xa0)
	b := pattern(8*ata.SectorSize, 0x0b)

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()

		if err := dev.Write(false, 0, a, 8); err != nil {
			t.Errorf("write a: %v", err)
		}
	}()

	go func() {
		defer wg.Done()

		if err := dev.Write(false, 64, b, 8); err != nil {
			t.Errorf("write b: %v", err)
		}
	}()

	wg.Wait()

	if d.Overlapped() {
		t.Fatalf("register programming sequences interleaved")
	}

	in := make([]byte, 8*ata.SectorSize)

	if err := dev.Read(false, 0, in, 8); err != nil {
		t.Fatalf("read a: %v", err)
	}

	if !bytes.Equal(a, in) {
		t.Fatalf("transfer a corrupted by concurrent transfer b")
	}

	if err := dev.Read(false, 64, in, 8); err != nil {
		t.Fatalf("read b: %v", err)
	}

	if !bytes.Equal(b, in) {
		t.Fatalf("transfer b corrupted by concurrent transfer a")
	}
}

func TestSweepUnblocksOnError(t *testing.T) {
	t.Parallel()

	// The drive raises ERR without RDY and never interrupts: only the
	// periodic sweep can end the wait.
	d, reg, dev := newDevice(t, 64)
	d.FailAt(0, ata.StatusERR)

	errCh := make(chan error, 1)

	go func() {
		buf := make([]byte, ata.SectorSize)
		errCh <- dev.Read(false, 0, buf, 1)
	}()

	deadline := time.After(5 * time.Second)

	for {
		select {
		case err := <-errCh:
			if !errors.Is(err, ata.ErrTransfer) {
				t.Fatalf("expected: %v, actual: %v", ata.ErrTransfer, err)
			}

			return
		case <-deadline:
			t.Fatal("transfer still blocked after sweeping")
		default:
			reg.SweepErrors()
			time.Sleep(time.Millisecond)
		}
	}
}

func TestWaitTimeout(t *testing.T) {
	t.Parallel()

	// Status all-zero: no readiness, no error, no interrupt. The
	// bounded wait must surface ErrTimeout on its own.
	d, _, dev := newDevice(t, 64, ata.WithPollTimeout(20*time.Millisecond))
	d.FailAt(0, 0)

	buf := make([]byte, ata.SectorSize)

	if err := dev.Read(false, 0, buf, 1); !errors.Is(err, ata.ErrTimeout) {
		t.Fatalf("expected: %v, actual: %v", ata.ErrTimeout, err)
	}
}

func TestIdentifyTimeout(t *testing.T) {
	t.Parallel()

	// A drive stuck busy must bound the identify handshake too.
	d := sim.New(64, nil)
	d.StallIdentify(ata.StatusBSY)

	reg := ata.NewRegistry(d, ata.WithPollTimeout(20*time.Millisecond))

	if _, err := reg.Init(); !errors.Is(err, ata.ErrTimeout) {
		t.Fatalf("expected: %v, actual: %v", ata.ErrTimeout, err)
	}
}

func TestPoolExhaustion(t *testing.T) {
	t.Parallel()

	d := sim.New(64, nil)
	reg := ata.NewRegistry(d)

	for i := 0; i < 32; i++ {
		if _, err := reg.Init(); err != nil {
			t.Fatalf("init %d: %v", i, err)
		}
	}

	if _, err := reg.Init(); !errors.Is(err, ata.ErrInitFailure) {
		t.Fatalf("expected: %v, actual: %v", ata.ErrInitFailure, err)
	}

	if expected, actual := 32, len(reg.Devices()); expected != actual {
		t.Fatalf("expected: %d registered devices, actual: %d", expected, actual)
	}
}

func TestSecondaryChannel(t *testing.T) {
	t.Parallel()

	var reg *ata.Registry

	d := sim.New(64, func() { reg.NotifyIRQ() })
	d.SetPorts(ata.SecondaryBus, ata.SecondaryCtrl)
	reg = ata.NewRegistry(d)

	dev, err := reg.InitDevice(ata.SecondaryBus, ata.SecondaryCtrl)
	if err != nil {
		t.Fatalf("init secondary: %v", err)
	}

	out := pattern(ata.SectorSize, 0x42)
	if err := dev.Write(false, 3, out, 1); err != nil {
		t.Fatalf("write: %v", err)
	}

	in := make([]byte, ata.SectorSize)
	if err := dev.Read(false, 3, in, 1); err != nil {
		t.Fatalf("read: %v", err)
	}

	if !bytes.Equal(out, in) {
		t.Fatalf("round trip mismatch on secondary channel")
	}
}
