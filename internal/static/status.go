package static

import (
	"errors"
	"io/fs"
	"syscall"
)

// StatusFor maps a file error to the status reported to the client:
// 404 for missing files, 500 for other I/O failures and 400 for anything
// unclassified, including paths rejected by the root.
func StatusFor(err error) int {
	if errors.Is(err, fs.ErrNotExist) {
		return 404
	}
	var pathErr *fs.PathError
	var errno syscall.Errno
	if errors.As(err, &pathErr) || errors.As(err, &errno) {
		return 500
	}
	return 400
}
