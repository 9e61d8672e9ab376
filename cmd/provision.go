package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/blackmagic-debug/bmpflash/pkg/bmp"
	"github.com/blackmagic-debug/bmpflash/pkg/provision"
	"github.com/blackmagic-debug/bmpflash/pkg/spiflash"
	"github.com/google/go-github/github"
	"github.com/spf13/cobra"
)

// Where --release fetches firmware from
const (
	firmwareOwner = "blackmagic-debug"
	firmwareRepo  = "blackmagic"
)

var (
	releaseTag      string
	assetName       string
	provisionVerify bool
)

func init() {
	provisionCmd.Flags().StringVarP(&releaseTag, "release", "r", "", "fetch the firmware from this GitHub release tag (\"latest\" for the newest)")
	provisionCmd.Flags().StringVarP(&assetName, "asset", "a", "", "name of the ELF asset to fetch from the release")
	provisionCmd.Flags().BoolVar(&provisionVerify, "verify", true, "read the Flash back and compare it with the image")
	rootCmd.AddCommand(provisionCmd)
}

var provisionCmd = &cobra.Command{
	Use:   "provision [firmware.elf]",
	Short: "Repack a firmware ELF onto the probe's internal Flash",
	Long: "Repacks the loadable sections of a firmware ELF file onto the probe's internal SPI Flash " +
		"behind a header page describing where each is to be loaded. The ELF file is either given " +
		"as an argument or fetched from a GitHub release of the probe firmware.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, cleanup, err := firmwarePath(args)
		if err != nil {
			return err
		}
		defer cleanup()

		img, err := provision.OpenImage(path)
		if err != nil {
			return err
		}
		defer img.Close()
		if err := provision.Validate(img); err != nil {
			return err
		}
		total, err := provision.PackedLength(img)
		if err != nil {
			return err
		}
		footprint, err := provision.Footprint(img)
		if err != nil {
			return err
		}

		opts := flashOptions{bus: bmp.BusInternal.String()}
		return opts.withFlash(func(_ *bmp.Probe, flash *spiflash.Flash) error {
			if flash.SectorSize != provision.BlockSize {
				return fmt.Errorf("the Flash erases in %s blocks, provisioning needs %s",
					formatSize(uint64(flash.SectorSize)), formatSize(provision.BlockSize))
			}
			if footprint > flash.Capacity {
				return fmt.Errorf("firmware needs %s, the Flash holds %s", formatSize(footprint), formatSize(flash.Capacity))
			}

			bar := newProgress(total, "Provisioning")
			repacker := provision.NewRepacker(flash, &provision.Config{Logger: debugLogger(), Progress: bar})
			header, err := repacker.Repack(img)
			if err != nil {
				return err
			}
			bar.Finish()
			for _, section := range header.Sections {
				infof("Section at +0x%06x (%d bytes) loads to 0x%08x\n", section.Offset, section.Length, section.FlashAddress)
			}

			if !provisionVerify {
				return nil
			}
			bar = newProgress(total, "Verifying")
			verifier := provision.NewRepacker(flash, &provision.Config{Logger: debugLogger(), Progress: bar})
			if err := verifier.Verify(img); err != nil {
				return err
			}
			bar.Finish()
			infof("Provisioned %d sections\n", len(header.Sections))
			return nil
		})
	},
}

// firmwarePath returns the ELF file to provision, downloading it first when
// --release is given. cleanup removes any downloaded file.
func firmwarePath(args []string) (string, func(), error) {
	nothing := func() {}
	switch {
	case releaseTag != "" && len(args) != 0:
		return "", nothing, fmt.Errorf("give either a firmware file or --release, not both")
	case releaseTag != "":
		return downloadFirmware(releaseTag, assetName)
	case len(args) == 0:
		return "", nothing, fmt.Errorf("a firmware file or --release is required")
	}
	return args[0], nothing, nil
}

func downloadFirmware(tag, name string) (string, func(), error) {
	nothing := func() {}
	if name == "" {
		return "", nothing, fmt.Errorf("--asset is required with --release")
	}

	client := github.NewClient(nil)
	var (
		release *github.RepositoryRelease
		err     error
	)
	if tag == "latest" {
		release, _, err = client.Repositories.GetLatestRelease(context.Background(), firmwareOwner, firmwareRepo)
	} else {
		release, _, err = client.Repositories.GetReleaseByTag(context.Background(), firmwareOwner, firmwareRepo, tag)
	}
	if err != nil {
		return "", nothing, fmt.Errorf("unable to fetch release with tag %s: %w", tag, err)
	}

	for _, asset := range release.Assets {
		if asset.GetName() != name {
			continue
		}
		infof("Downloading %s from release %s\n", name, release.GetTagName())
		resp, err := http.Get(asset.GetBrowserDownloadURL())
		if err != nil {
			return "", nothing, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", nothing, fmt.Errorf("downloading %s: %s", name, resp.Status)
		}

		out, err := os.CreateTemp("", "bmpflash-*.elf")
		if err != nil {
			return "", nothing, err
		}
		cleanup := func() { os.Remove(out.Name()) }
		bar := newProgress(int64(asset.GetSize()), "Downloading")
		_, err = io.Copy(io.MultiWriter(out, bar), resp.Body)
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			cleanup()
			return "", nothing, fmt.Errorf("downloading %s: %w", name, err)
		}
		bar.Finish()
		return out.Name(), cleanup, nil
	}
	return "", nothing, fmt.Errorf("no asset with name %s was found in release %s", name, release.GetTagName())
}
