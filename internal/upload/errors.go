package upload

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned by Wait after a user-driven Cancel.
var ErrCancelled = errors.New("upload cancelled")

// FileTooLargeError rejects a file before any bytes leave the machine.
type FileTooLargeError struct {
	Size int64
	Max  int64
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("file is %d bytes, limit is %d", e.Size, e.Max)
}

// UnsupportedTypeError rejects a file whose type the backend will not store.
type UnsupportedTypeError struct {
	MimeType string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported file type %q", e.MimeType)
}
