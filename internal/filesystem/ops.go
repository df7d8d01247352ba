package filesystem

import (
	log "github.com/sirupsen/logrus"

	"kernelfs/internal/common"
)

// Unlink drops one link from inode. The entry in dir and the inode are
// removed only once the link count reaches zero.
func Unlink(fs Filesystem, inode, dir Index, name string) error {
	stat, err := fs.Stat(inode)
	if err != nil {
		return err
	}
	if stat.IsDir() {
		return common.ErrINodeIsDirectory
	}
	dirStat, err := fs.Stat(dir)
	if err != nil {
		return err
	}
	if !dirStat.IsDir() {
		return common.ErrINodeIsNotADirectory
	}

	links, err := fs.DecrementLinks(inode)
	if err != nil {
		return err
	}
	log.Debugf("[FS] unlink %s from %s/%q: %d links left", inode, dir, name, links)
	if links > 0 {
		return nil
	}
	if err := fs.RemoveDirEntry(dir, name); err != nil {
		return err
	}
	return fs.RemoveInode(inode)
}

// RemoveDirectory deletes an empty directory inode and its entry in parent.
func RemoveDirectory(fs Filesystem, inode, parent Index, name string) error {
	stat, err := fs.Stat(inode)
	if err != nil {
		return err
	}
	if !stat.IsDir() {
		return common.ErrINodeIsNotADirectory
	}
	parentStat, err := fs.Stat(parent)
	if err != nil {
		return err
	}
	if !parentStat.IsDir() {
		return common.ErrINodeIsNotADirectory
	}

	entries, err := fs.DirEntries(inode)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !IsDot(e.Name) {
			return common.ErrDirectoryNotEmpty
		}
	}

	log.Debugf("[FS] rmdir %s from %s/%q", inode, parent, name)
	if err := fs.RemoveDirEntry(parent, name); err != nil {
		return err
	}
	return fs.RemoveInode(inode)
}
