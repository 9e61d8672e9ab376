package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func infof(format string, args ...interface{}) {
	fmt.Fprintf(stdout, format, args...)
}

func warnf(format string, args ...interface{}) {
	color.New(color.FgYellow).Fprintf(stderr, "Warning: "+format, args...)
}

func errorf(format string, args ...interface{}) {
	color.New(color.FgRed, color.Bold).Fprintf(stderr, "Error: "+format, args...)
}

func heading(format string, args ...interface{}) {
	color.New(color.FgCyan, color.Bold).Fprintf(stdout, format, args...)
}

func field(name string, format string, args ...interface{}) {
	magenta := color.New(color.FgMagenta).SprintFunc()
	fmt.Fprintf(stdout, "  %s %s\n", magenta(name+":"), fmt.Sprintf(format, args...))
}

// flashVendors maps JEDEC manufacturer IDs to names
var flashVendors = map[uint8]string{
	0x01: "Infineon (Spansion)",
	0x1f: "Adesto",
	0x20: "Numonyx",
	0x9d: "ISSI",
	0xbf: "Microchip (SST)",
	0xc2: "Macronix",
	0xc8: "GigaDevice",
	0xef: "Winbond",
}

func vendorName(id uint8) string {
	if name, ok := flashVendors[id]; ok {
		return name
	}
	return fmt.Sprintf("Unknown (0x%02x)", id)
}

// humanReadableSize scales a byte count to the largest whole unit
func humanReadableSize(size uint64) (uint64, string) {
	if size < 1024 {
		return size, "B"
	}
	size /= 1024
	if size < 1024 {
		return size, "KiB"
	}
	size /= 1024
	if size < 1024 {
		return size, "MiB"
	}
	return size / 1024, "GiB"
}

func formatSize(size uint64) string {
	value, units := humanReadableSize(size)
	return fmt.Sprintf("%d %s", value, units)
}

// newProgress returns a byte progress bar. It is discarded when logging
// verbosely so the two do not interleave.
func newProgress(total int64, description string) *progressbar.ProgressBar {
	w := stderr
	if verbose {
		w = io.Discard
	}
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowBytes(true),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
	)
}
