package vfs

import "sync"

var (
	registryMu sync.Mutex
	global     *VFS
)

// Init creates the process-wide VFS. Calling it twice is a programming
// error and panics.
func Init() *VFS {
	registryMu.Lock()
	defer registryMu.Unlock()
	if global != nil {
		panic("vfs: Init called twice")
	}
	global = New()
	return global
}

// Get returns the process-wide VFS and whether Init has run.
func Get() (*VFS, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	return global, global != nil
}

// MustGet is Get for callers that run after Init. It panics otherwise.
func MustGet() *VFS {
	v, ok := Get()
	if !ok {
		panic("vfs: used before Init")
	}
	return v
}

// resetGlobal clears the registry. Tests only.
func resetGlobal() {
	registryMu.Lock()
	defer registryMu.Unlock()
	global = nil
}
