//go:build linux

package portio

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// DevPort talks to real hardware through /dev/port, where the file
// offset is the port number. Requires CAP_SYS_RAWIO.
type DevPort struct {
	fd int
}

func OpenDevPort() (*DevPort, error) {
	fd, err := unix.Open("/dev/port", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("/dev/port: %w", err)
	}

	return &DevPort{fd: fd}, nil
}

// A pread on an open /dev/port cannot fail for in-range ports, so the
// accessors below discard the error to keep the Bus contract.
func (p *DevPort) Inb(port uint16) byte {
	var b [1]byte

	_, _ = unix.Pread(p.fd, b[:], int64(port))

	return b[0]
}

func (p *DevPort) Outb(port uint16, v byte) {
	_, _ = unix.Pwrite(p.fd, []byte{v}, int64(port))
}

func (p *DevPort) Inw(port uint16) uint16 {
	var b [2]byte

	_, _ = unix.Pread(p.fd, b[:], int64(port))

	return binary.LittleEndian.Uint16(b[:])
}

func (p *DevPort) Outw(port uint16, v uint16) {
	var b [2]byte

	binary.LittleEndian.PutUint16(b[:], v)
	_, _ = unix.Pwrite(p.fd, b[:], int64(port))
}

func (p *DevPort) Close() error {
	return unix.Close(p.fd)
}
