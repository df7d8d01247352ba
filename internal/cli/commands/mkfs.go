package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kernelfs/internal/blockdev"
	"kernelfs/internal/config"
	"kernelfs/internal/minix3"
	"kernelfs/internal/storage"
)

var mkfsCmd = &cobra.Command{
	Use:   "mkfs <path>",
	Short: "Create an empty filesystem image",
	Long: `Create an empty Minix V3 image, or an empty SQL data file with --type storage.

The image is created with --size bytes. With --inodes 0 the inode count is
derived from the size (one inode per three blocks).

Examples:
  kernelfs mkfs root.img
  kernelfs mkfs root.img --size 16777216 --inodes 4096
  kernelfs mkfs data.kfs --type storage`,
	Args: cobra.ExactArgs(1),
	RunE: runMkfs,
}

var (
	mkfsType   string
	mkfsSize   int64
	mkfsInodes uint32
	mkfsForce  bool
)

func init() {
	mkfsCmd.Flags().StringVarP(&mkfsType, "type", "t", config.TypeMinix3, "Filesystem type (minix3, storage)")
	mkfsCmd.Flags().Int64Var(&mkfsSize, "size", 4<<20, "Image size in bytes")
	mkfsCmd.Flags().Uint32Var(&mkfsInodes, "inodes", 0, "Number of inodes (0 = derived from size)")
	mkfsCmd.Flags().BoolVarP(&mkfsForce, "force", "f", false, "Overwrite an existing image")
	rootCmd.AddCommand(mkfsCmd)
}

func runMkfs(cmd *cobra.Command, args []string) error {
	path := args[0]
	if _, err := os.Stat(path); err == nil {
		if !mkfsForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := os.Remove(path); err != nil {
			return err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	switch mkfsType {
	case config.TypeMinix3:
		if mkfsSize < 16*minix3.DefaultBlockSize {
			return fmt.Errorf("--size must be at least %d bytes", 16*minix3.DefaultBlockSize)
		}
		dev, err := blockdev.CreateFile(path, mkfsSize)
		if err != nil {
			return err
		}
		defer dev.Close()
		if err := minix3.Format(dev, minix3.FormatOptions{Inodes: mkfsInodes}); err != nil {
			return err
		}
		if err := dev.Sync(); err != nil {
			return err
		}
	case config.TypeStorage:
		df, err := storage.Create(path)
		if err != nil {
			return err
		}
		if err := df.Close(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("cannot create a %q filesystem", mkfsType)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created %s filesystem at %s\n", mkfsType, path)
	return nil
}
