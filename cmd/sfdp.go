package cmd

import (
	"github.com/blackmagic-debug/bmpflash/pkg/bmp"
	"github.com/blackmagic-debug/bmpflash/pkg/sfdp"
	"github.com/blackmagic-debug/bmpflash/pkg/spiflash"
	"github.com/spf13/cobra"
)

var sfdpOpts flashOptions

func init() {
	sfdpCmd.Flags().StringVarP(&sfdpOpts.bus, "bus", "b", "external", "SPI bus the Flash is on (internal or external)")
	rootCmd.AddCommand(sfdpCmd)
}

var sfdpCmd = &cobra.Command{
	Use:   "sfdp",
	Short: "Display the SFDP information of a Flash",
	Long:  "Reads and displays the Serial Flash Discoverable Parameters of the Flash on the selected bus",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sfdpOpts.withFlash(func(probe *bmp.Probe, _ *spiflash.Flash) error {
			id, err := probe.IdentifyFlash()
			if err != nil {
				return err
			}
			desc, err := sfdp.NewReader(probe, id, &sfdp.Config{Logger: debugLogger()}).Describe()
			if err != nil {
				return err
			}
			printDescription(desc)
			return nil
		})
	},
}

func printDescription(desc *sfdp.Description) {
	if !desc.Header.Valid() {
		warnf("Flash has no SFDP data (magic read as %q)\n", desc.Header.Magic[:])
		return
	}

	heading("SFDP Header:\n")
	field("version", "%s", desc.Header.Version())
	field("parameter tables", "%d", desc.Header.TableCount())
	field("access protocol", "0x%02x", desc.Header.AccessProtocol)

	for i, table := range desc.Tables {
		heading("Parameter table %d:\n", i)
		field("type", "%s", table.Name())
		field("version", "%s", table.Version())
		field("length", "%d bytes", table.TableLength())
		field("address", "0x%06x", table.TablePointer)
	}

	if desc.Basic == nil {
		warnf("No basic parameter table found\n")
		return
	}
	basic := desc.Basic
	geometry := basic.Geometry()
	heading("Basic parameter table:\n")
	field("capacity", "%s", formatSize(basic.Density))
	field("program page size", "%d bytes", geometry.PageSize)
	field("sector erase opcode", "0x%02x", uint8(basic.SectorEraseOpcode))
	field("address bytes", "%s", basic.AddressMode)
	field("64 byte write granularity", "%t", basic.WriteGranularity64)
	for i, erase := range basic.EraseTypes {
		if !erase.Supported() {
			continue
		}
		field("erase type "+string(rune('1'+i)), "%s using opcode 0x%02x", formatSize(uint64(erase.Size())), uint8(erase.Opcode))
	}
	if basic.DeepPowerDown.Enter != 0 {
		field("deep power-down", "enter 0x%02x, exit 0x%02x",
			uint8(basic.DeepPowerDown.Enter), uint8(basic.DeepPowerDown.Exit))
	}
}
