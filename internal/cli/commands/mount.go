// Copyright 2024 KernelFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"kernelfs/internal/blockdev"
	"kernelfs/internal/common"
	"kernelfs/internal/config"
	"kernelfs/internal/devfs"
	"kernelfs/internal/filesystem"
	"kernelfs/internal/minix3"
	"kernelfs/internal/storage"
	"kernelfs/internal/vfs"
)

var mountsCmd = &cobra.Command{
	Use:   "mounts",
	Short: "List the mount table",
	Long: `Mount every configured filesystem and print the resulting mount table.

Examples:
  kernelfs mounts
  kernelfs --image root.img mounts`,
	Args: cobra.NoArgs,
	RunE: runMounts,
}

var dfCmd = &cobra.Command{
	Use:   "df",
	Short: "Show inode and zone usage of mounted Minix V3 images",
	Args:  cobra.NoArgs,
	RunE:  runDf,
}

func init() {
	rootCmd.AddCommand(mountsCmd)
	rootCmd.AddCommand(dfCmd)
}

// mounted is the namespace assembled for one command.
type mounted struct {
	vfs      *vfs.VFS
	backends []filesystem.Filesystem
}

// mountTable returns the mounts to assemble: the --image override or the
// table from settings.yaml.
func mountTable() ([]config.MountSpec, error) {
	if imageFlag != "" {
		return []config.MountSpec{{Path: "/", Type: config.TypeMinix3, Source: imageFlag}}, nil
	}
	if settings == nil || len(settings.Mounts) == 0 {
		return nil, fmt.Errorf("no mounts configured: add a mount table to %s or pass --image", config.SettingsPath())
	}
	return settings.Mounts, nil
}

// resolveSource makes relative sources relative to the config directory.
// The --image path is taken as given.
func resolveSource(source string) string {
	if imageFlag != "" || filepath.IsAbs(source) {
		return source
	}
	return filepath.Join(config.ConfigDir(), source)
}

func cacheBlocks() int {
	if settings == nil {
		return 0
	}
	return settings.BlockCacheBlocks
}

// newBackend opens the filesystem named by spec. Minix images are opened
// read-only unless writable is set.
func newBackend(spec config.MountSpec, writable bool, console io.Writer) (filesystem.Filesystem, error) {
	switch spec.Type {
	case config.TypeMinix3:
		dev, err := blockdev.OpenFile(resolveSource(spec.Source), !writable)
		if err != nil {
			return nil, err
		}
		return minix3.New(dev, minix3.Options{CacheBlocks: cacheBlocks()}), nil
	case config.TypeDevFS:
		return devfs.New(devfs.Options{Console: console}), nil
	case config.TypeStorage:
		return storage.New(resolveSource(spec.Source), storage.Options{}), nil
	}
	return nil, fmt.Errorf("unknown filesystem type %q", spec.Type)
}

// mountAll mounts the table into v. Missing mount points are created when
// writable is set.
func mountAll(v *vfs.VFS, writable bool, console io.Writer) (*mounted, error) {
	specs, err := mountTable()
	if err != nil {
		return nil, err
	}
	m := &mounted{vfs: v}
	for _, spec := range specs {
		fs, err := newBackend(spec, writable, console)
		if err != nil {
			v.Close()
			return nil, fmt.Errorf("mount %s: %w", spec.Path, err)
		}
		path := common.Path(spec.Path)
		if spec.Path != "/" && writable {
			if _, err := v.Mkdir(path); err != nil && !errors.Is(err, common.ErrExists) {
				closeBackend(fs)
				v.Close()
				return nil, fmt.Errorf("mount %s: %w", spec.Path, err)
			}
		}
		if _, err := v.Mount(path, fs, vfs.MountOptions{Init: spec.InitOnMount(), Kind: spec.Type}); err != nil {
			closeBackend(fs)
			v.Close()
			return nil, fmt.Errorf("mount %s: %w", spec.Path, err)
		}
		m.backends = append(m.backends, fs)
	}
	if settings != nil && settings.IndexOnMount {
		if err := v.Index(); err != nil {
			log.Warnf("[VFS] index after mount failed: %v", err)
		}
	}
	return m, nil
}

func closeBackend(fs filesystem.Filesystem) {
	if c, ok := fs.(io.Closer); ok {
		c.Close()
	}
}

// openVFS assembles a private namespace for one command.
func openVFS(cmd *cobra.Command, writable bool) (*mounted, error) {
	return mountAll(vfs.New(), writable, cmd.OutOrStdout())
}

func (m *mounted) Close() error {
	return m.vfs.Close()
}

func runMounts(cmd *cobra.Command, args []string) error {
	m, err := openVFS(cmd, false)
	if err != nil {
		return err
	}
	defer m.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-4s %-8s %-10s %-36s %s\n", "ID", "TYPE", "ROOT", "UUID", "PATH")
	for _, info := range m.vfs.Mounts() {
		fmt.Fprintf(out, "%-4d %-8s %-10s %-36s %s\n", info.ID, info.Kind, info.Root, info.UUID, info.Path)
	}
	return nil
}

func runDf(cmd *cobra.Command, args []string) error {
	m, err := openVFS(cmd, false)
	if err != nil {
		return err
	}
	defer m.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-20s %12s %12s\n", "PATH", "INODES", "ZONES")
	infos := m.vfs.Mounts()
	for i, fs := range m.backends {
		mfs, ok := fs.(*minix3.FS)
		if !ok {
			continue
		}
		usage, err := mfs.Usage()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%-20s %12s %12s\n", infos[i].Path,
			fmt.Sprintf("%d/%d", usage.InodesUsed, usage.InodesTotal),
			fmt.Sprintf("%d/%d", usage.ZonesUsed, usage.ZonesTotal))
	}
	return nil
}
