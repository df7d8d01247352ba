package vfs

import (
	"github.com/google/uuid"

	"kernelfs/internal/common"
	"kernelfs/internal/filesystem"
)

// Backend kinds known to the CLI and the settings file.
const (
	KindMinix3  = "minix3"
	KindDevFS   = "devfs"
	KindStorage = "storage"
)

// MountOptions controls how Mount attaches a backend.
type MountOptions struct {
	// Init calls the backend's Init before it is mounted.
	Init bool
	// Kind is a free-form backend name used in listings.
	Kind string
}

// MountInfo describes one mount table slot.
type MountInfo struct {
	ID   int
	Path common.Path
	Kind string
	UUID uuid.UUID
	Root filesystem.Index
}
