package flag

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
)

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

type CLI struct {
	Run   RunCMD   `cmd:"" help:"Exercise the driver against a simulated disk."`
	Probe ProbeCMD `cmd:"" help:"Probe the primary channel on real hardware via /dev/port."`
}

type RunCMD struct {
	Disk       string `short:"d" default:"" help:"Disk image path. Empty runs in memory."`
	Size       string `short:"s" default:"16M" help:"Disk size as number[gGmMkK], for in-memory runs."`
	LBA        int    `short:"l" default:"0" help:"First sector of the verification pass."`
	Count      int    `short:"n" default:"8" help:"Sectors per verification transfer."`
	Slave      bool   `help:"Address the slave drive select."`
	CPUProfile bool   `short:"P" help:"Write a CPU profile of the transfer loop."`
}

type ProbeCMD struct{}

func Parse() error {
	c := CLI{}

	programName := "goata"
	programDesc := "goata is a PATA PIO block driver with a register-level simulated channel"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	err := ctx.Run()

	return err
}
