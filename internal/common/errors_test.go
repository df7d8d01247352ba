package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIndex struct{}

func (fakeIndex) String() string { return "2:7" }

func TestErrorDefinitions(t *testing.T) {
	t.Parallel()

	errs := []error{
		ErrFilesystemUninitialized,
		ErrFilesystemNotMounted,
		ErrMissingRootMount,
		ErrUnableToFindDiskMount,
		ErrFileNotFound,
		ErrINodeIsDirectory,
		ErrINodeIsNotADirectory,
		ErrDirectoryNotEmpty,
		ErrBadFilesystemFormat,
		ErrInodeNotIndexed,
		ErrExists,
		ErrNameTooLong,
		ErrInvalidName,
		ErrNoSpace,
		ErrFileTooLarge,
		ErrNotSupported,
		ErrReadOnly,
		ErrIO,
		ErrBadDescriptor,
	}

	t.Run("all errors are non-nil", func(t *testing.T) {
		t.Parallel()
		for i, err := range errs {
			require.NotNil(t, err, "error at index %d should not be nil", i)
		}
	})

	t.Run("all error messages are unique", func(t *testing.T) {
		t.Parallel()
		seen := make(map[string]bool)
		for _, err := range errs {
			msg := err.Error()
			assert.False(t, seen[msg], "duplicate error message: %s", msg)
			seen[msg] = true
		}
	})
}

func TestPayloadErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		target  error
		message string
	}{
		{"mount", NewMountError(3), ErrUnableToFindDiskMount, "unable to find disk mount 3"},
		{"not found", NewNotFoundError("/etc/missing"), ErrFileNotFound, `file not found: "/etc/missing"`},
		{"unindexed", &UnindexedError{Index: fakeIndex{}}, ErrInodeNotIndexed, "inode 2:7 not reachable from any mounted path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.True(t, errors.Is(tt.err, tt.target))
			assert.Equal(t, tt.message, tt.err.Error())
		})
	}
}

func TestPayloadErrorsKeepData(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("mount: %w", NewMountError(9))
	var mountErr *MountError
	require.True(t, errors.As(wrapped, &mountErr))
	assert.Equal(t, 9, mountErr.ID)

	var nf *NotFoundError
	require.True(t, errors.As(NewNotFoundError("/a/b"), &nf))
	assert.Equal(t, Path("/a/b"), nf.Path)
	assert.False(t, errors.Is(nf, ErrUnableToFindDiskMount))
}
