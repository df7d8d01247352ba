package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/cobra"

	"kernelfs/internal/common"
	"kernelfs/internal/filesystem"
	"kernelfs/internal/vfs"
)

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLs,
}

var catCmd = &cobra.Command{
	Use:   "cat <path>...",
	Short: "Print file contents",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCat,
}

var statCmd = &cobra.Command{
	Use:   "stat <path>...",
	Short: "Show inode metadata",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStat,
}

var treeCmd = &cobra.Command{
	Use:   "tree [path]",
	Short: "Print a directory tree across mounts",
	Long: `Print the directory tree below path, following mount points.

Entries matching --ignore patterns (gitignore syntax, relative to path) or
the patterns in --ignore-file are skipped.

Examples:
  kernelfs tree
  kernelfs tree /usr --ignore '*.o' --ignore 'tmp/'
  kernelfs tree --ignore-file .gitignore`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTree,
}

var writeCmd = &cobra.Command{
	Use:   "write <path> [content]",
	Short: "Write a file from an argument or stdin",
	Long: `Write content to a file, creating it when missing.

Without a content argument the data is read from stdin.

Examples:
  kernelfs write /etc/motd "hello"
  kernelfs write /bin/init < init.elf
  kernelfs write --append /var/log/boot "line"`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runWrite,
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <path>...",
	Short: "Create directories",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMkdir,
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>...",
	Short: "Remove files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRm,
}

var rmdirCmd = &cobra.Command{
	Use:   "rmdir <path>...",
	Short: "Remove empty directories",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRmdir,
}

var (
	lsAll          bool
	treeIgnore     []string
	treeIgnoreFile string
	writeAppend    bool
	mkdirParents   bool
)

func init() {
	lsCmd.Flags().BoolVarP(&lsAll, "all", "a", false, "Include . and ..")
	treeCmd.Flags().StringArrayVar(&treeIgnore, "ignore", nil, "Skip entries matching this gitignore pattern (repeatable)")
	treeCmd.Flags().StringVar(&treeIgnoreFile, "ignore-file", "", "Read ignore patterns from a host file")
	writeCmd.Flags().BoolVar(&writeAppend, "append", false, "Append instead of replacing")
	mkdirCmd.Flags().BoolVarP(&mkdirParents, "parents", "p", false, "Create missing parents, no error if existing")

	rootCmd.AddCommand(lsCmd, catCmd, statCmd, treeCmd, writeCmd, mkdirCmd, rmCmd, rmdirCmd)
}

func pathArg(args []string) common.Path {
	if len(args) == 0 {
		return common.Separator
	}
	return common.AbsPath(args[0])
}

func runLs(cmd *cobra.Command, args []string) error {
	m, err := openVFS(cmd, false)
	if err != nil {
		return err
	}
	defer m.Close()

	entries, err := m.vfs.ReadDir(pathArg(args))
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	out := cmd.OutOrStdout()
	for _, e := range entries {
		if !lsAll && filesystem.IsDot(e.Name) {
			continue
		}
		stat, err := m.vfs.Stat(e.Index)
		if err != nil {
			return fmt.Errorf("%s: %w", e.Name, err)
		}
		fmt.Fprintf(out, "%s %3d %8d %s %s\n",
			modeString(stat.Mode), stat.Links, stat.Size, stat.Mtime.Format("Jan _2 15:04"), e.Name)
	}
	return nil
}

// modeString renders mode like ls -l.
func modeString(mode uint32) string {
	var b strings.Builder
	switch filesystem.EntryTypeFromMode(mode) {
	case filesystem.EntryDirectory:
		b.WriteByte('d')
	case filesystem.EntryCharDevice:
		b.WriteByte('c')
	default:
		b.WriteByte('-')
	}
	const rwx = "rwxrwxrwx"
	for i := range 9 {
		if mode&(1<<(8-i)) != 0 {
			b.WriteByte(rwx[i])
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

func runCat(cmd *cobra.Command, args []string) error {
	m, err := openVFS(cmd, false)
	if err != nil {
		return err
	}
	defer m.Close()

	for _, arg := range args {
		data, err := m.vfs.ReadFile(common.AbsPath(arg))
		if err != nil {
			return fmt.Errorf("%s: %w", arg, err)
		}
		if _, err := cmd.OutOrStdout().Write(data); err != nil {
			return err
		}
	}
	return nil
}

func runStat(cmd *cobra.Command, args []string) error {
	m, err := openVFS(cmd, false)
	if err != nil {
		return err
	}
	defer m.Close()

	out := cmd.OutOrStdout()
	for _, arg := range args {
		path := common.AbsPath(arg)
		stat, err := m.vfs.StatPath(path)
		if err != nil {
			return fmt.Errorf("%s: %w", arg, err)
		}
		fmt.Fprintf(out, "  File: %s\n", path)
		fmt.Fprintf(out, " Index: %s  Type: %s\n", stat.Index, filesystem.EntryTypeFromMode(stat.Mode))
		fmt.Fprintf(out, "  Size: %d  Links: %d\n", stat.Size, stat.Links)
		fmt.Fprintf(out, "  Mode: (%06o/%s)  Uid: %d  Gid: %d\n", stat.Mode, modeString(stat.Mode), stat.UID, stat.GID)
		fmt.Fprintf(out, "Access: %s\n", stat.Atime.Format("2006-01-02 15:04:05 -0700"))
		fmt.Fprintf(out, "Modify: %s\n", stat.Mtime.Format("2006-01-02 15:04:05 -0700"))
		fmt.Fprintf(out, "Change: %s\n", stat.Ctime.Format("2006-01-02 15:04:05 -0700"))
	}
	return nil
}

// treeMatcher compiles --ignore and --ignore-file into one matcher, or nil.
func treeMatcher() (*ignore.GitIgnore, error) {
	lines := append([]string(nil), treeIgnore...)
	if treeIgnoreFile != "" {
		data, err := os.ReadFile(treeIgnoreFile)
		if err != nil {
			return nil, err
		}
		lines = append(lines, strings.Split(string(data), "\n")...)
	}
	if len(lines) == 0 {
		return nil, nil
	}
	return ignore.CompileIgnoreLines(lines...), nil
}

func runTree(cmd *cobra.Command, args []string) error {
	matcher, err := treeMatcher()
	if err != nil {
		return err
	}
	m, err := openVFS(cmd, false)
	if err != nil {
		return err
	}
	defer m.Close()

	root := pathArg(args)
	if _, err := m.vfs.StatPath(root); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, root)

	var dirs, files int
	err = walkTree(m.vfs, root, "", "", matcher, func(line string, isDir bool) {
		fmt.Fprintln(out, line)
		if isDir {
			dirs++
		} else {
			files++
		}
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d directories, %d files\n", dirs, files)
	return nil
}

// walkTree prints the children of dir. rel is dir relative to the tree root
// and is what ignore patterns match against.
func walkTree(v *vfs.VFS, dir common.Path, rel, prefix string, matcher *ignore.GitIgnore, emit func(string, bool)) error {
	entries, err := v.ReadDir(dir)
	if err != nil {
		return err
	}
	type child struct {
		name string
		stat filesystem.FileStat
		rel  string
	}
	children := make([]child, 0, len(entries))
	for _, e := range entries {
		if filesystem.IsDot(e.Name) {
			continue
		}
		stat, err := v.Stat(e.Index)
		if err != nil {
			return fmt.Errorf("%s: %w", dir.Join(e.Name), err)
		}
		childRel := e.Name
		if rel != "" {
			childRel = rel + "/" + e.Name
		}
		check := childRel
		if stat.IsDir() {
			check += "/"
		}
		if matcher != nil && matcher.MatchesPath(check) {
			continue
		}
		children = append(children, child{name: e.Name, stat: stat, rel: childRel})
	}
	sort.Slice(children, func(i, j int) bool { return children[i].name < children[j].name })

	for i, c := range children {
		branch, indent := "├── ", "│   "
		if i == len(children)-1 {
			branch, indent = "└── ", "    "
		}
		emit(prefix+branch+c.name, c.stat.IsDir())
		if c.stat.IsDir() {
			if err := walkTree(v, dir.Join(c.name), c.rel, prefix+indent, matcher, emit); err != nil {
				return err
			}
		}
	}
	return nil
}

func runWrite(cmd *cobra.Command, args []string) error {
	var data []byte
	if len(args) == 2 {
		data = []byte(args[1])
	} else {
		var err error
		if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
			return err
		}
	}

	m, err := openVFS(cmd, true)
	if err != nil {
		return err
	}
	defer m.Close()

	path := common.AbsPath(args[0])
	if !writeAppend {
		return m.vfs.WriteFile(path, data)
	}
	fd, err := m.vfs.Open(path, filesystem.OWrite|filesystem.OAppend|filesystem.OCreate)
	if err != nil {
		return err
	}
	if _, err := fd.Write(data); err != nil {
		m.vfs.Release(fd)
		return err
	}
	return m.vfs.Release(fd)
}

func runMkdir(cmd *cobra.Command, args []string) error {
	m, err := openVFS(cmd, true)
	if err != nil {
		return err
	}
	defer m.Close()

	for _, arg := range args {
		path := common.AbsPath(arg)
		if !mkdirParents {
			if _, err := m.vfs.Mkdir(path); err != nil {
				return fmt.Errorf("%s: %w", arg, err)
			}
			continue
		}
		cur := common.Path(common.Separator)
		for name := range path.Components() {
			cur = cur.Join(name)
			if _, err := m.vfs.Mkdir(cur); err != nil && !errors.Is(err, common.ErrExists) {
				return fmt.Errorf("%s: %w", cur, err)
			}
		}
	}
	return nil
}

func runRm(cmd *cobra.Command, args []string) error {
	m, err := openVFS(cmd, true)
	if err != nil {
		return err
	}
	defer m.Close()

	for _, arg := range args {
		if err := m.vfs.Unlink(common.AbsPath(arg)); err != nil {
			return fmt.Errorf("%s: %w", arg, err)
		}
	}
	return nil
}

func runRmdir(cmd *cobra.Command, args []string) error {
	m, err := openVFS(cmd, true)
	if err != nil {
		return err
	}
	defer m.Close()

	for _, arg := range args {
		if err := m.vfs.Rmdir(common.AbsPath(arg)); err != nil {
			return fmt.Errorf("%s: %w", arg, err)
		}
	}
	return nil
}
