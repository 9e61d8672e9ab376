package cmd

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/blackmagic-debug/bmpflash/pkg/bmp"
	"github.com/spf13/cobra"
)

// Process exit codes
const (
	exitOK          = 0
	exitFailure     = 1
	exitUnreachable = 2
)

// exitError carries the process exit code for a failed command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// unreachable marks failures to bring up the link to the probe
func unreachable(err error) error {
	return &exitError{code: exitUnreachable, err: err}
}

// exitCode maps a command error to the process exit code
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	return exitFailure
}

// Global flags
var (
	serialNumber  string
	verbose       bool
	transportName string
	portPath      string
	timeout       time.Duration
	maxPolls      int
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&serialNumber, "serial", "s", "", "use the probe whose serial number contains this string")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log every packet and Flash operation")
	flags.StringVar(&transportName, "transport", "usb", "how to reach the probe: usb, serial or simulator")
	flags.StringVar(&portPath, "port", "", "serial port of the probe's GDB server, implies --transport serial")
	flags.DurationVar(&timeout, "timeout", bmp.DefaultTimeout, "timeout for each transfer with the probe")
	flags.IntVar(&maxPolls, "max-polls", 0, "give up waiting for the Flash after this many status polls (0 waits forever)")
}

var rootCmd = &cobra.Command{
	Use:           "bmpflash",
	Short:         "Program the SPI Flash attached to a Black Magic Probe",
	Long:          "bmpflash reads, writes and provisions the SPI Flash on or attached to a Black Magic Probe, using the probe's remote protocol",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// printfLogger is what the library components log through
type printfLogger interface {
	Printf(string, ...interface{})
}

// debugLogger returns the logger handed to library components, nil unless
// --verbose was given
func debugLogger() printfLogger {
	if !verbose {
		return nil
	}
	return log.New(os.Stderr, "", 0)
}

// Execute runs the command line and exits with the resulting status
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		printError(err)
	}
	os.Exit(exitCode(err))
}

func printError(err error) {
	errorf("%s\n", err)
	if errors.Is(err, bmp.ErrAmbiguousProbe) {
		fmt.Fprintln(stderr, "Run 'bmpflash info' to list attached probes")
	}
}
