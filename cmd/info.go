package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/blackmagic-debug/bmpflash/pkg/bmp"
	"github.com/blackmagic-debug/bmpflash/pkg/spiflash"
	"github.com/spf13/cobra"
)

var infoOpts flashOptions

func init() {
	infoCmd.Flags().StringVarP(&infoOpts.bus, "bus", "b", "", "also identify the Flash on this SPI bus (internal or external)")
	rootCmd.AddCommand(infoCmd)
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "List attached probes, or identify the Flash on one",
	Long: "Lists the attached Black Magic Probes. With --bus the selected probe is " +
		"connected to and the Flash on that bus is identified.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if infoOpts.bus == "" {
			return listProbes()
		}
		return infoOpts.withFlash(func(*bmp.Probe, *spiflash.Flash) error { return nil })
	},
}

func listProbes() error {
	probes, err := discoverProbes()
	if err != nil {
		return err
	}
	if len(probes) == 0 {
		return bmp.ErrNoProbe
	}

	heading("Found %d Black Magic Probe(s):\n", len(probes))
	w := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "serial\tproduct\tlocation")
	for _, probe := range probes {
		serial := probe.Serial
		if serial == "" {
			serial = "<no serial number>"
		}
		location := probe.Port
		if location == "" {
			location = fmt.Sprintf("USB %d-%d", probe.BusNumber, probe.Address)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", serial, probe.Product, location)
	}
	return w.Flush()
}
