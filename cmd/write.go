package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/blackmagic-debug/bmpflash/pkg/bmp"
	"github.com/blackmagic-debug/bmpflash/pkg/spiflash"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
)

var (
	writeOpts   flashOptions
	writeFile   string
	assumeYes   bool
	writeVerify bool
	eraseAll    bool
)

func init() {
	writeCmd.Flags().StringVarP(&writeOpts.bus, "bus", "b", "external", "SPI bus the Flash is on (internal or external)")
	writeCmd.Flags().StringVarP(&writeFile, "file", "f", "", "file to write to the Flash")
	writeCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation before overwriting the Flash")
	writeCmd.Flags().BoolVar(&writeVerify, "verify", true, "read the Flash back and compare it with the file")
	writeCmd.Flags().BoolVar(&eraseAll, "erase-all", false, "erase the whole Flash first, clearing everything past the end of the file")
	writeCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(writeCmd)
}

var writeCmd = &cobra.Command{
	Use:   "write",
	Short: "Write a file to a Flash",
	Long: "Erases and programs the Flash on the selected bus with the contents of a file, " +
		"starting from address 0",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(writeFile)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", writeFile, err)
		}
		return writeOpts.withFlash(func(_ *bmp.Probe, flash *spiflash.Flash) error {
			if uint64(len(data)) > flash.Capacity {
				return fmt.Errorf("%s is %s, larger than the %s Flash", writeFile,
					formatSize(uint64(len(data))), formatSize(flash.Capacity))
			}
			if err := confirm(fmt.Sprintf("Overwrite the first %s of the Flash", formatSize(uint64(len(data))))); err != nil {
				return err
			}
			if eraseAll {
				infof("Erasing the whole Flash\n")
				if err := flash.EraseChip(); err != nil {
					return err
				}
			}
			if err := programFlash(flash, data); err != nil {
				return err
			}
			if writeVerify {
				return verifyFlash(flash, data)
			}
			return nil
		})
	},
}

// errAborted is returned when the user declines a confirmation
var errAborted = errors.New("aborted by user")

func confirm(question string) error {
	if assumeYes {
		return nil
	}
	if !interactive() {
		return fmt.Errorf("refusing to overwrite the Flash without confirmation, use --yes")
	}
	prompt := promptui.Prompt{
		Label:     question,
		IsConfirm: true,
	}
	if _, err := prompt.Run(); err != nil {
		return errAborted
	}
	return nil
}

// programFlash writes data from address 0 a sector at a time, padding the
// last sector with the erased value
func programFlash(flash *spiflash.Flash, data []byte) error {
	sector := int(flash.SectorSize)
	bar := newProgress(int64(len(data)), "Writing")
	block := make([]byte, sector)
	reader := bytes.NewReader(data)
	for address := 0; address < len(data); address += sector {
		n, err := io.ReadFull(reader, block)
		if err != nil && err != io.ErrUnexpectedEOF {
			return err
		}
		for i := n; i < sector; i++ {
			block[i] = 0xff
		}
		if err := flash.WriteBlock(uint32(address), block); err != nil {
			return err
		}
		bar.Add(n)
	}
	bar.Finish()
	infof("Wrote %s to Flash\n", formatSize(uint64(len(data))))
	return nil
}

// verifyFlash reads data's span of the Flash back and compares it
func verifyFlash(flash *spiflash.Flash, data []byte) error {
	bar := newProgress(int64(len(data)), "Verifying")
	block := make([]byte, transferBlock)
	for address := 0; address < len(data); address += transferBlock {
		want := data[address:]
		if len(want) > transferBlock {
			want = want[:transferBlock]
		}
		got := block[:len(want)]
		if err := flash.ReadBlock(uint32(address), got); err != nil {
			return err
		}
		if !bytes.Equal(got, want) {
			return fmt.Errorf("verification failed: Flash contents differ within the block at 0x%06x", address)
		}
		bar.Add(len(want))
	}
	bar.Finish()
	infof("Verified %s\n", formatSize(uint64(len(data))))
	return nil
}
