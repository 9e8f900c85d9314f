//go:build windows

package util

import (
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/windows"
)

// Lchtimes sets the access and modification time of path without following a
// trailing symlink.
func Lchtimes(path string, atime, mtime time.Time) error {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	h, err := windows.CreateFile(p, windows.FILE_WRITE_ATTRIBUTES, windows.FILE_SHARE_WRITE, nil,
		windows.OPEN_EXISTING, windows.FILE_FLAG_OPEN_REPARSE_POINT|windows.FILE_FLAG_BACKUP_SEMANTICS, 0)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)
	a := windows.NsecToFiletime(atime.UnixNano())
	m := windows.NsecToFiletime(mtime.UnixNano())
	return windows.SetFileTime(h, nil, &a, &m)
}

// SameVolume reports whether a and b live on the same volume.
func SameVolume(a, b string) (bool, error) {
	return strings.EqualFold(filepath.VolumeName(a), filepath.VolumeName(b)), nil
}
