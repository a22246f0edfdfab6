// Package portio abstracts x86 port-mapped I/O behind a small bus
// interface so the driver can run against real hardware or a simulated
// device.
package portio

// Bus is a single-register port accessor. Each call is one atomic 8- or
// 16-bit access; there is no failure channel because the hardware
// IN/OUT instructions have none.
type Bus interface {
	Inb(port uint16) byte
	Outb(port uint16, v byte)
	Inw(port uint16) uint16
	Outw(port uint16, v uint16)
}
