package blockdev

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"kernelfs/internal/metrics"
	"kernelfs/internal/util"
)

// ErrDeviceBusy is returned when another process holds the image lock.
var ErrDeviceBusy = errors.New("device image is locked by another process")

// FileDevice is a Device backed by a disk image file. The image is
// protected by an advisory lock for as long as the device is open:
// shared for read-only devices, exclusive otherwise.
type FileDevice struct {
	path     string
	file     *os.File
	lock     *flock.Flock
	size     int64
	readOnly bool
}

// OpenFile opens the image at path.
func OpenFile(path string, readOnly bool) (*FileDevice, error) {
	lock := flock.New(path + ".lock")
	var locked bool
	var err error
	if readOnly {
		locked, err = lock.TryRLock()
	} else {
		locked, err = lock.TryLock()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrDeviceBusy, path)
	}

	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to open device image: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		lock.Unlock()
		return nil, fmt.Errorf("failed to stat device image: %w", err)
	}

	log.Debugf("[BlockDev] opened %s (%d bytes, readOnly=%v)", path, info.Size(), readOnly)
	return &FileDevice{
		path:     path,
		file:     f,
		lock:     lock,
		size:     info.Size(),
		readOnly: readOnly,
	}, nil
}

// CreateFile creates (or truncates) an image of size bytes and opens it
// read-write.
func CreateFile(path string, size int64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create device image: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to size device image: %w", err)
	}
	f.Close()
	return OpenFile(path, false)
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	var n int
	err := util.Retry(context.Background(), func() error {
		var rerr error
		n, rerr = d.file.ReadAt(p, off)
		return rerr
	}, util.DeviceRetryOptions(context.Background())...)
	metrics.DeviceBytes.WithLabelValues("read").Add(float64(n))
	return n, err
}

func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	if d.readOnly {
		return 0, os.ErrPermission
	}
	var n int
	err := util.Retry(context.Background(), func() error {
		var werr error
		n, werr = d.file.WriteAt(p, off)
		return werr
	}, util.DeviceRetryOptions(context.Background())...)
	if off+int64(n) > d.size {
		d.size = off + int64(n)
	}
	metrics.DeviceBytes.WithLabelValues("write").Add(float64(n))
	return n, err
}

func (d *FileDevice) Size() int64 {
	return d.size
}

func (d *FileDevice) Sync() error {
	if d.readOnly {
		return nil
	}
	return d.file.Sync()
}

// Path returns the image path.
func (d *FileDevice) Path() string {
	return d.path
}

func (d *FileDevice) Close() error {
	err := d.file.Close()
	if uerr := d.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

var _ Device = (*FileDevice)(nil)
