package vfs

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"kernelfs/internal/common"
	"kernelfs/internal/filesystem"
)

// Path-level helpers used by the CLI and the NFS adapter. Each takes the
// VFS lock once and composes contract calls underneath it.

// parentAndLeaf resolves the directory holding path's last component.
func (ns *namespace) parentAndLeaf(path common.Path) (filesystem.Index, string, error) {
	parentPath, leaf := absolute(path).SplitLast()
	if leaf == "" {
		return filesystem.Index{}, "", common.ErrInvalidName
	}
	parent, err := ns.PathToInode(parentPath)
	if err != nil {
		return filesystem.Index{}, "", err
	}
	return parent, leaf, nil
}

// Lookup resolves path to its index.
func (v *VFS) Lookup(path common.Path) (filesystem.Index, error) {
	return v.PathToInode(path)
}

// StatPath resolves path and returns its metadata.
func (v *VFS) StatPath(path common.Path) (filesystem.FileStat, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	idx, err := v.ns.PathToInode(path)
	if err != nil {
		return filesystem.FileStat{}, err
	}
	return v.ns.Stat(idx)
}

// ReadDir lists the directory at path, "." and ".." included.
func (v *VFS) ReadDir(path common.Path) ([]filesystem.DirectoryEntry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	idx, err := v.ns.PathToInode(path)
	if err != nil {
		return nil, err
	}
	return v.ns.DirEntries(idx)
}

// ReadFile returns the whole content of the file at path.
func (v *VFS) ReadFile(path common.Path) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	idx, err := v.ns.PathToInode(path)
	if err != nil {
		return nil, err
	}
	stat, err := v.ns.Stat(idx)
	if err != nil {
		return nil, err
	}
	if stat.IsDir() {
		return nil, common.ErrINodeIsDirectory
	}
	return v.ns.ReadInode(idx)
}

// WriteFile replaces the content of the file at path, creating it first
// when it does not exist.
func (v *VFS) WriteFile(path common.Path, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	idx, err := v.ns.PathToInode(path)
	if errors.Is(err, common.ErrFileNotFound) {
		idx, err = v.ns.create(path, false)
	}
	if err != nil {
		return err
	}
	return v.ns.WriteInode(idx, data)
}

// Create makes an empty file at path.
func (v *VFS) Create(path common.Path) (filesystem.Index, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ns.create(path, false)
}

// Mkdir makes a directory at path.
func (v *VFS) Mkdir(path common.Path) (filesystem.Index, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ns.create(path, true)
}

func (ns *namespace) create(path common.Path, dir bool) (filesystem.Index, error) {
	parent, leaf, err := ns.parentAndLeaf(path)
	if err != nil {
		return filesystem.Index{}, err
	}
	if dir {
		return ns.CreateDirectory(parent, leaf)
	}
	return ns.CreateFile(parent, leaf)
}

// childOf looks name up in dir without consulting the path cache.
func (ns *namespace) childOf(dir filesystem.Index, name string, path common.Path) (filesystem.Index, error) {
	entry, err := filesystem.Lookup(ns, dir, name)
	if errors.Is(err, common.ErrFileNotFound) {
		return filesystem.Index{}, common.NewNotFoundError(path)
	}
	if err != nil {
		return filesystem.Index{}, err
	}
	return entry.Index, nil
}

// Unlink drops one link to the file at path.
func (v *VFS) Unlink(path common.Path) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	parent, leaf, err := v.ns.parentAndLeaf(path)
	if err != nil {
		return err
	}
	idx, err := v.ns.childOf(parent, leaf, path)
	if err != nil {
		return err
	}
	log.Debugf("[VFS] unlink %s", path)
	return filesystem.Unlink(v.ns, idx, parent, leaf)
}

// Rmdir removes the empty directory at path.
func (v *VFS) Rmdir(path common.Path) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	parent, leaf, err := v.ns.parentAndLeaf(path)
	if err != nil {
		return err
	}
	idx, err := v.ns.childOf(parent, leaf, path)
	if err != nil {
		return err
	}
	log.Debugf("[VFS] rmdir %s", path)
	return filesystem.RemoveDirectory(v.ns, idx, parent, leaf)
}

// Open resolves path and opens a descriptor on it. OCreate makes a missing
// file; with OExcl an existing one is an error.
func (v *VFS) Open(path common.Path, mode filesystem.OpenMode) (filesystem.FileDescriptor, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	idx, err := v.ns.PathToInode(path)
	switch {
	case err == nil && mode.Has(filesystem.OCreate) && mode.Has(filesystem.OExcl):
		return nil, common.ErrExists
	case errors.Is(err, common.ErrFileNotFound) && mode.Has(filesystem.OCreate):
		if idx, err = v.ns.create(path, false); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}
	return v.ns.OpenFD(idx, mode)
}
