package ata

import "errors"

var (
	// ErrInitFailure is returned when the device pool is exhausted.
	ErrInitFailure = errors.New("device pool exhausted")

	// ErrFloatingBus means the status register read back all-ones:
	// nothing is electrically present on the channel.
	ErrFloatingBus = errors.New("floating bus, no device attached")

	// ErrIdentifyFailure covers a silent device, a non-ATA signature,
	// and a device-reported error during IDENTIFY.
	ErrIdentifyFailure = errors.New("identify failed")

	// ErrInvalidArgument is returned before any register is touched.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTransfer is a device-reported error mid-transfer. Sectors
	// completed before the failure are valid; sectors from the failure
	// point onward are undefined. Nothing is retried internally.
	ErrTransfer = errors.New("device reported error during transfer")

	// ErrTimeout is the bounded-wait error for a device that never
	// becomes ready.
	ErrTimeout = errors.New("timed out waiting for device")
)
