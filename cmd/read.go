package cmd

import (
	"fmt"
	"os"

	"github.com/blackmagic-debug/bmpflash/pkg/bmp"
	"github.com/blackmagic-debug/bmpflash/pkg/spiflash"
	"github.com/spf13/cobra"
)

// transferBlock is the unit whole-device reads are performed in
const transferBlock = 4096

var (
	readOpts flashOptions
	readFile string
)

func init() {
	readCmd.Flags().StringVarP(&readOpts.bus, "bus", "b", "external", "SPI bus the Flash is on (internal or external)")
	readCmd.Flags().StringVarP(&readFile, "file", "f", "", "file to store the Flash contents in")
	readCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(readCmd)
}

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read the entire contents of a Flash into a file",
	Long:  "Reads the entire contents of the Flash on the selected bus into a file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return readOpts.withFlash(func(_ *bmp.Probe, flash *spiflash.Flash) error {
			return dumpFlash(flash, readFile)
		})
	},
}

func dumpFlash(flash *spiflash.Flash, path string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer out.Close()

	bar := newProgress(int64(flash.Capacity), "Reading")
	block := make([]byte, transferBlock)
	for address := uint64(0); address < flash.Capacity; address += transferBlock {
		chunk := block
		if remaining := flash.Capacity - address; remaining < transferBlock {
			chunk = block[:remaining]
		}
		if err := flash.ReadBlock(uint32(address), chunk); err != nil {
			return err
		}
		if _, err := out.Write(chunk); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		bar.Add(len(chunk))
	}
	bar.Finish()
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	infof("Read %s from Flash into %s\n", formatSize(flash.Capacity), path)
	return nil
}
