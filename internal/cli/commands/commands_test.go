package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kernelfs/internal/config"
	"kernelfs/internal/filesystem"
)

// resetFlags restores every flag to its default; cobra keeps flag values
// between Execute calls.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// runCLI executes kernelfs with args and returns everything written to
// stdout and stderr.
func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	settings = nil

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runCLI(t, "", args...)
	require.NoError(t, err, "kernelfs %s: %s", strings.Join(args, " "), out)
	return out
}

// newImage creates a 1 MiB Minix image and returns its path.
func newImage(t *testing.T) string {
	t.Helper()
	t.Setenv(config.EnvConfigDir, t.TempDir())
	img := filepath.Join(t.TempDir(), "root.img")
	out := mustRun(t, "mkfs", img, "--size", "1048576", "--inodes", "256")
	require.Contains(t, out, "Created minix3 filesystem")
	return img
}

func TestFileCommands(t *testing.T) {
	img := newImage(t)

	mustRun(t, "--image", img, "mkdir", "-p", "/etc/init.d")
	mustRun(t, "--image", img, "write", "/etc/motd", "hello")
	mustRun(t, "--image", img, "write", "--append", "/etc/motd", " world")
	_, err := runCLI(t, "from stdin\n", "--image", img, "write", "/etc/issue")
	require.NoError(t, err)

	assert.Equal(t, "hello world", mustRun(t, "--image", img, "cat", "/etc/motd"))
	assert.Equal(t, "from stdin\n", mustRun(t, "--image", img, "cat", "etc/issue"))

	out := mustRun(t, "--image", img, "ls", "/etc")
	assert.Contains(t, out, "init.d")
	assert.Contains(t, out, "motd")
	assert.NotContains(t, out, " ..\n")
	assert.Contains(t, mustRun(t, "--image", img, "ls", "-a", "/etc"), " ..\n")

	out = mustRun(t, "--image", img, "stat", "/etc/motd")
	assert.Contains(t, out, "Size: 11")
	assert.Contains(t, out, "Type: file")

	_, err = runCLI(t, "", "--image", img, "mkdir", "/etc")
	assert.Error(t, err)

	_, err = runCLI(t, "", "--image", img, "rmdir", "/etc")
	assert.Error(t, err, "directory not empty")

	mustRun(t, "--image", img, "rm", "/etc/motd", "/etc/issue")
	_, err = runCLI(t, "", "--image", img, "cat", "/etc/motd")
	assert.Error(t, err)
	mustRun(t, "--image", img, "rmdir", "/etc/init.d", "/etc")
	assert.NotContains(t, mustRun(t, "--image", img, "ls"), "etc")
}

func TestTreeIgnore(t *testing.T) {
	img := newImage(t)
	mustRun(t, "--image", img, "mkdir", "-p", "/src/pkg", "/tmp")
	mustRun(t, "--image", img, "write", "/src/main.go", "package main")
	mustRun(t, "--image", img, "write", "/src/main.o", "\x7fELF")
	mustRun(t, "--image", img, "write", "/src/pkg/lib.go", "package pkg")
	mustRun(t, "--image", img, "write", "/tmp/scratch", "x")

	out := mustRun(t, "--image", img, "tree")
	assert.Contains(t, out, "main.o")
	assert.Contains(t, out, "scratch")
	assert.Contains(t, out, "3 directories, 4 files")

	out = mustRun(t, "--image", img, "tree", "--ignore", "*.o", "--ignore", "tmp/")
	assert.Contains(t, out, "├── src")
	assert.Contains(t, out, "lib.go")
	assert.NotContains(t, out, "main.o")
	assert.NotContains(t, out, "scratch")
	assert.Contains(t, out, "2 directories, 2 files")

	ignoreFile := filepath.Join(t.TempDir(), ".gitignore")
	require.NoError(t, os.WriteFile(ignoreFile, []byte("# build output\n*.o\n"), 0644))
	out = mustRun(t, "--image", img, "tree", "/src", "--ignore-file", ignoreFile)
	assert.True(t, strings.HasPrefix(out, "/src\n"))
	assert.NotContains(t, out, "main.o")
	assert.Contains(t, out, "└── pkg")
}

func TestMountTableFromSettings(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.EnvConfigDir, dir)
	mustRun(t, "mkfs", filepath.Join(dir, "root.img"), "--size", "1048576")

	s := config.DefaultSettings()
	s.Mounts = []config.MountSpec{
		{Path: "/", Type: config.TypeMinix3, Source: "root.img"},
		{Path: "/dev", Type: config.TypeDevFS},
		{Path: "/data", Type: config.TypeStorage, Source: "data.kfs"},
	}
	require.NoError(t, config.SaveSettings(&s))

	mustRun(t, "write", "/data/note", "kept in sqlite")
	assert.FileExists(t, filepath.Join(dir, "data.kfs"))
	assert.Equal(t, "kept in sqlite", mustRun(t, "cat", "/data/note"))

	assert.Equal(t, "to the console", mustRun(t, "write", "/dev/tty0", "to the console"))
	assert.Contains(t, mustRun(t, "ls", "/dev"), "tty0")

	out := mustRun(t, "mounts")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[1], "minix3")
	assert.Contains(t, lines[2], "devfs")
	assert.Contains(t, lines[3], "/data")

	out = mustRun(t, "df")
	assert.Contains(t, out, "INODES")
	assert.NotContains(t, out, "/data")

	out = mustRun(t, "tree", "--ignore", "dev/")
	assert.Contains(t, out, "note")
	assert.NotContains(t, out, "tty0")
}

func TestNoMountsConfigured(t *testing.T) {
	t.Setenv(config.EnvConfigDir, t.TempDir())
	_, err := runCLI(t, "", "ls")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no mounts configured")
}

func TestMkfs(t *testing.T) {
	t.Setenv(config.EnvConfigDir, t.TempDir())
	img := filepath.Join(t.TempDir(), "root.img")

	mustRun(t, "mkfs", img, "--size", "1048576")
	_, err := runCLI(t, "", "mkfs", img)
	assert.ErrorContains(t, err, "already exists")
	mustRun(t, "mkfs", img, "--size", "2097152", "--force")
	info, err := os.Stat(img)
	require.NoError(t, err)
	assert.Equal(t, int64(2097152), info.Size())

	_, err = runCLI(t, "", "mkfs", filepath.Join(t.TempDir(), "tiny.img"), "--size", "4096")
	assert.Error(t, err)

	_, err = runCLI(t, "", "mkfs", filepath.Join(t.TempDir(), "x.img"), "--type", "devfs")
	assert.Error(t, err)

	data := filepath.Join(t.TempDir(), "data.kfs")
	out := mustRun(t, "mkfs", data, "--type", "storage")
	assert.Contains(t, out, "Created storage filesystem")
	assert.FileExists(t, data)
}

func TestModeString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode uint32
		want string
	}{
		{filesystem.ModeDir | 0755, "drwxr-xr-x"},
		{filesystem.ModeFile | 0644, "-rw-r--r--"},
		{filesystem.ModeCharDev | 0666, "crw-rw-rw-"},
		{filesystem.ModeFile, "----------"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, modeString(tt.mode))
	}
}

func TestFormatBuildDate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "unknown", formatBuildDate("unknown"))
	assert.Equal(t, "2024-03-09", formatBuildDate("1709985600"))
}

func TestStatusWithoutServer(t *testing.T) {
	t.Setenv(config.EnvConfigDir, t.TempDir())
	assert.Contains(t, mustRun(t, "status"), "not running")
	assert.Contains(t, mustRun(t, "stop"), "not running")
}

func TestDetachedArgs(t *testing.T) {
	saved := os.Args
	t.Cleanup(func() { os.Args = saved })

	os.Args = []string{"kernelfs", "--image", "root.img", "serve", "--detach", "--nfs", "127.0.0.1:2049", "-d"}
	assert.Equal(t, []string{"--image", "root.img", "serve", "--nfs", "127.0.0.1:2049"}, detachedArgs())
}
