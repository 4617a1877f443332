// Command fat2ext4 converts a FAT32 volume image to ext4 in place.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ofs2ext4/fat2ext4/internal/convert"
	"github.com/ofs2ext4/fat2ext4/internal/diskio"
)

func main() {
	var (
		force   bool
		verbose bool
	)

	root := &cobra.Command{
		Use:   "fat2ext4 <image>",
		Short: "Convert a FAT32 filesystem image to ext4 in place",
		Long: "fat2ext4 rewrites a FAT32 volume as ext4 without moving it to a new image: " +
			"every file's data stays at (or near) its original offset, and only the " +
			"boot sector, FAT tables, and directory structures are replaced with ext4 metadata.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConvert(args[0], force, verbose)
		},
		SilenceUsage: true,
	}

	root.Flags().BoolVarP(&force, "force", "f", false, "convert even if clusters dropped from the end of the volume hold live data")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every phase of the conversion")

	if err := root.Execute(); err != nil {
		status, ok := convert.StatusOf(err)
		if !ok {
			fmt.Fprintf(os.Stderr, "fat2ext4: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "fat2ext4: %v\n", status)
		os.Exit(status.Kind.ExitCode())
	}
}

func runConvert(path string, force, verbose bool) error {
	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}

	backend, err := diskio.OpenFile(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer backend.Close()

	opts := convert.Options{
		Force:     force,
		CreatedAt: time.Now().Unix(),
		Log:       log,
	}

	return convert.Run(backend.Bytes(), backend, opts)
}
