package ext2

import (
	"errors"
	"fmt"
)

// Sentinel error kinds surfaced to collaborators (the CLI driver, or any other caller).
// These are compared with errors.Is; wrapped detail is added with fmt.Errorf("...: %w", ...).
var (
	// ErrInvalidImageFormat is returned when a superblock (primary or backup) fails to parse:
	// bad magic number, or a field combination that cannot describe a real ext2 filesystem.
	ErrInvalidImageFormat = errors.New("invalid ext2 image format")

	// ErrFileNotFound is returned when path resolution cannot find a named component.
	ErrFileNotFound = errors.New("file not found")

	// ErrFileAlreadyExists is returned when an allocation would collide with an existing name.
	ErrFileAlreadyExists = errors.New("file already exists")

	// ErrUnsupportedOperation is returned by reserved API surface not yet implemented.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrTruncated is returned when a device read returns fewer bytes than requested.
	ErrTruncated = errors.New("truncated read")

	// ErrNotMounted is returned when a filesystem operation is attempted after Unmount.
	ErrNotMounted = errors.New("filesystem is not mounted")
)

// FilesystemError is the catch-all for invariant violations with a human-readable reason,
// per spec §7. It wraps an optional underlying cause so errors.Is/errors.As still work.
type FilesystemError struct {
	Message string
	Cause   error
}

func (e *FilesystemError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *FilesystemError) Unwrap() error {
	return e.Cause
}

func fsErrorf(cause error, format string, args ...any) error {
	return &FilesystemError{Message: fmt.Sprintf(format, args...), Cause: cause}
}
