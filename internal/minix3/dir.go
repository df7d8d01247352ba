package minix3

import (
	"errors"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"kernelfs/internal/common"
	"kernelfs/internal/filesystem"
)

// validName checks that name fits a directory record.
func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return common.ErrInvalidName
	}
	if len(name) > NameLen {
		return common.ErrNameTooLong
	}
	return nil
}

// dirRecords decodes every record of a directory inode, free slots included.
func (fs *FS) dirRecords(ino *Inode) ([]DirEntry, error) {
	data, err := fs.readData(ino)
	if err != nil {
		return nil, err
	}
	records := make([]DirEntry, 0, len(data)/DirEntrySize)
	for off := 0; off+DirEntrySize <= len(data); off += DirEntrySize {
		records = append(records, DecodeDirEntry(data[off:off+DirEntrySize]))
	}
	return records, nil
}

func encodeDirRecords(records []DirEntry) []byte {
	data := make([]byte, len(records)*DirEntrySize)
	for i, r := range records {
		r.Encode(data[i*DirEntrySize:])
	}
	return data
}

// writeDirRecords encodes records as the directory's new content.
func (fs *FS) writeDirRecords(ino *Inode, records []DirEntry) error {
	return fs.writeData(ino, encodeDirRecords(records))
}

// dirInode loads a directory inode owned by this mount.
func (fs *FS) dirInode(idx filesystem.Index) (uint32, *Inode, error) {
	n := inodeNumber(idx)
	ino, err := fs.liveInode(n)
	if err != nil {
		return 0, nil, err
	}
	if !ino.IsDir() {
		return 0, nil, common.ErrINodeIsNotADirectory
	}
	return n, ino, nil
}

func (fs *FS) DirEntries(idx filesystem.Index) ([]filesystem.DirectoryEntry, error) {
	if !fs.owns(idx) {
		host, err := fs.foreignHost()
		if err != nil {
			return nil, err
		}
		return host.DirEntries(idx)
	}
	n, ino, err := fs.dirInode(idx)
	if err != nil {
		return nil, err
	}
	records, err := fs.dirRecords(ino)
	if err != nil {
		return nil, err
	}

	grafts := fs.grafts[n]
	result := make([]filesystem.DirectoryEntry, 0, len(records)+len(grafts))
	for _, r := range records {
		if r.Inode == 0 {
			continue
		}
		if _, shadowed := grafts[r.Name]; shadowed {
			continue
		}
		result = append(result, filesystem.DirectoryEntry{
			Index: fs.index(r.Inode),
			Name:  r.Name,
			Type:  filesystem.EntryUnknown,
		})
	}

	names := make([]string, 0, len(grafts))
	for name := range grafts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		result = append(result, filesystem.DirectoryEntry{
			Index: grafts[name],
			Name:  name,
			Type:  filesystem.EntryDirectory,
		})
	}
	return result, nil
}

// addEntry links child into directory dir under name, reusing the first
// free slot. The directory inode is persisted.
func (fs *FS) addEntry(dir uint32, dirIno *Inode, name string, child uint32) error {
	records, err := fs.dirRecords(dirIno)
	if err != nil {
		return err
	}
	if _, ok := fs.grafts[dir][name]; ok {
		return common.ErrExists
	}
	slot := -1
	for i, r := range records {
		if r.Inode != 0 && r.Name == name {
			return common.ErrExists
		}
		if r.Inode == 0 && slot < 0 {
			slot = i
		}
	}
	entry := DirEntry{Inode: child, Name: name}
	if slot >= 0 {
		records[slot] = entry
	} else {
		records = append(records, entry)
	}
	return fs.storeData(dir, dirIno, encodeDirRecords(records))
}

func (fs *FS) CreateFile(dir filesystem.Index, name string) (filesystem.Index, error) {
	return fs.create(dir, name, false)
}

func (fs *FS) CreateDirectory(dir filesystem.Index, name string) (filesystem.Index, error) {
	return fs.create(dir, name, true)
}

func (fs *FS) create(dir filesystem.Index, name string, isDir bool) (filesystem.Index, error) {
	if !fs.owns(dir) {
		return filesystem.Index{}, common.ErrNotSupported
	}
	if err := validName(name); err != nil {
		return filesystem.Index{}, err
	}
	parent, parentIno, err := fs.dirInode(dir)
	if err != nil {
		return filesystem.Index{}, err
	}
	if _, err := filesystem.Lookup(fs, dir, name); err == nil {
		return filesystem.Index{}, common.ErrExists
	}

	n, err := fs.allocInode()
	if err != nil {
		return filesystem.Index{}, err
	}
	now := fs.timestamp()
	ino := &Inode{Mode: FileMode, NLinks: 1, Atime: now, Mtime: now, Ctime: now}
	if isDir {
		ino.Mode = DirMode
		ino.NLinks = 2
		if err := fs.writeDirRecords(ino, []DirEntry{{Inode: n, Name: "."}, {Inode: parent, Name: ".."}}); err != nil {
			fs.releaseInode(n, ino)
			return filesystem.Index{}, err
		}
	}
	if err := fs.putInode(n, ino); err != nil {
		fs.releaseInode(n, ino)
		return filesystem.Index{}, err
	}
	if err := fs.addEntry(parent, parentIno, name, n); err != nil {
		fs.releaseInode(n, ino)
		return filesystem.Index{}, err
	}
	if isDir {
		parentIno.NLinks++
		if err := fs.putInode(parent, parentIno); err != nil {
			return filesystem.Index{}, err
		}
	}

	log.Debugf("[Minix3] created %q as inode %d in directory %d (dir=%v)", name, n, parent, isDir)
	return fs.index(n), nil
}

// releaseInode undoes a partially created inode.
func (fs *FS) releaseInode(n uint32, ino *Inode) {
	if err := fs.freeZones(ino); err != nil {
		log.Warnf("[Minix3] failed to free zones of inode %d: %v", n, err)
	}
	if err := fs.putInode(n, &Inode{}); err != nil {
		log.Warnf("[Minix3] failed to clear inode %d: %v", n, err)
	}
	if err := fs.freeInode(n); err != nil {
		log.Warnf("[Minix3] failed to free inode %d: %v", n, err)
	}
}

func (fs *FS) RemoveDirEntry(dir filesystem.Index, name string) error {
	if !fs.owns(dir) {
		return common.ErrNotSupported
	}
	n, ino, err := fs.dirInode(dir)
	if err != nil {
		return err
	}
	if _, ok := fs.grafts[n][name]; ok {
		// Mount points stay for the lifetime of the VFS.
		return common.ErrNotSupported
	}
	records, err := fs.dirRecords(ino)
	if err != nil {
		return err
	}
	for i, r := range records {
		if r.Inode != 0 && r.Name == name {
			records[i] = DirEntry{}
			log.Debugf("[Minix3] removed entry %q (inode %d) from directory %d", name, r.Inode, n)
			return fs.storeData(n, ino, encodeDirRecords(records))
		}
	}
	return common.NewNotFoundError(common.Path(name))
}

// RemoveInode releases the inode and its zones. A directory also gives
// back the link its ".." entry held on the parent.
func (fs *FS) RemoveInode(idx filesystem.Index) error {
	if !fs.owns(idx) {
		return common.ErrNotSupported
	}
	n := inodeNumber(idx)
	if n == RootInode {
		return common.ErrNotSupported
	}
	ino, err := fs.liveInode(n)
	if err != nil {
		return err
	}

	if ino.IsDir() {
		records, err := fs.dirRecords(ino)
		if err != nil {
			return err
		}
		for _, r := range records {
			if r.Name == ".." && r.Inode != 0 && r.Inode != n {
				if _, err := fs.DecrementLinks(fs.index(r.Inode)); err != nil {
					return err
				}
			}
		}
		delete(fs.grafts, n)
	}

	if err := fs.freeZones(ino); err != nil {
		return err
	}
	if err := fs.putInode(n, &Inode{}); err != nil {
		return err
	}
	log.Debugf("[Minix3] removed inode %d", n)
	return fs.freeInode(n)
}

func (fs *FS) IncrementLinks(idx filesystem.Index) (int, error) {
	return fs.adjustLinks(idx, 1)
}

func (fs *FS) DecrementLinks(idx filesystem.Index) (int, error) {
	return fs.adjustLinks(idx, -1)
}

func (fs *FS) adjustLinks(idx filesystem.Index, delta int) (int, error) {
	if !fs.owns(idx) {
		return 0, common.ErrNotSupported
	}
	n := inodeNumber(idx)
	ino, err := fs.liveInode(n)
	if err != nil {
		return 0, err
	}
	links := int(ino.NLinks) + delta
	if links < 0 {
		links = 0
	}
	ino.NLinks = uint16(links)
	ino.Ctime = fs.timestamp()
	if err := fs.putInode(n, ino); err != nil {
		return 0, err
	}
	return links, nil
}

// MountAt records another mount's root as entry name of directory dir.
// An on-disk entry of the same name is hidden while the graft exists.
func (fs *FS) MountAt(dir filesystem.Index, root filesystem.Index, name string) error {
	if !fs.owns(dir) {
		return common.ErrNotSupported
	}
	if err := validName(name); err != nil {
		return err
	}
	n, _, err := fs.dirInode(dir)
	if err != nil {
		return err
	}
	if fs.grafts[n] == nil {
		fs.grafts[n] = make(map[string]filesystem.Index)
	}
	fs.grafts[n][name] = root
	log.Debugf("[Minix3] grafted %s at directory %d as %q", root, n, name)
	return nil
}

// PathToInode resolves path relative to this mount's root. Grafted
// mounts are crossed through the host.
func (fs *FS) PathToInode(path common.Path) (filesystem.Index, error) {
	cur, err := fs.RootIndex()
	if err != nil {
		return filesystem.Index{}, err
	}
	for name := range path.Components() {
		entry, err := filesystem.Lookup(fs, cur, name)
		if err != nil {
			if errors.Is(err, common.ErrFileNotFound) {
				return filesystem.Index{}, common.NewNotFoundError(path)
			}
			return filesystem.Index{}, err
		}
		cur = entry.Index
	}
	return cur, nil
}

// InodeToPath finds a path, relative to this mount's root, for an inode
// of this mount by searching the on-disk tree.
func (fs *FS) InodeToPath(idx filesystem.Index) (common.Path, error) {
	if !fs.owns(idx) {
		host, err := fs.foreignHost()
		if err != nil {
			return "", err
		}
		return host.InodeToPath(idx)
	}
	root, err := fs.RootIndex()
	if err != nil {
		return "", err
	}
	if idx == root {
		return common.Separator, nil
	}

	visited := map[filesystem.Index]bool{root: true}
	var search func(dir filesystem.Index, path common.Path) (common.Path, bool, error)
	search = func(dir filesystem.Index, path common.Path) (common.Path, bool, error) {
		entries, err := fs.DirEntries(dir)
		if err != nil {
			return "", false, err
		}
		for _, e := range entries {
			if filesystem.IsDot(e.Name) || !fs.owns(e.Index) || visited[e.Index] {
				continue
			}
			child := path.Join(e.Name)
			if e.Index == idx {
				return child, true, nil
			}
			visited[e.Index] = true
			found, ok, err := search(e.Index, child)
			switch {
			case errors.Is(err, common.ErrINodeIsNotADirectory):
				continue
			case err != nil:
				return "", false, err
			case ok:
				return found, true, nil
			}
		}
		return "", false, nil
	}

	path, ok, err := search(root, common.Separator)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &common.UnindexedError{Index: idx}
	}
	return path, nil
}
