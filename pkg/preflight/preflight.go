// Package preflight checks a transfer request before a worker is created, so
// an unusable destination is reported once instead of per item. The checks
// never create the destination itself.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-transfer/pkg/transfer"
)

// CheckRequest validates the sources and the destination of req.
func CheckRequest(req transfer.Request) error {
	for _, src := range req.Sources {
		if err := checkSourceAccessible(src); err != nil {
			return err
		}
	}
	if req.Destination == "" {
		return nil
	}
	if req.Kind == transfer.KindPack {
		return checkArchiveTarget(req.Destination)
	}
	return checkDirectoryTarget(req.Destination)
}

// checkSourceAccessible only fails for sources that cannot be examined at all.
// A missing source is left to the worker's error handling, which may skip it.
func checkSourceAccessible(src string) error {
	if _, err := os.Lstat(src); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot access source %s: %w", src, err)
	}
	return nil
}

// checkDirectoryTarget accepts an existing directory, or a path whose nearest
// existing ancestor is a writable directory.
func checkDirectoryTarget(path string) error {
	if err := checkVolumeExists(path); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("destination exists but is not a directory: %s", path)
		}
		return checkWritable(path)
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("cannot access destination %s: %w", path, err)
	}
	return checkAncestor(path)
}

// checkArchiveTarget accepts a path that is not a directory and whose parent
// can be created and written. An existing file is left to conflict resolution.
func checkArchiveTarget(path string) error {
	if err := checkVolumeExists(path); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		return fmt.Errorf("archive destination is a directory: %s", path)
	}
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot access destination %s: %w", path, err)
	}
	return checkAncestor(path)
}

// checkAncestor walks up from path to the deepest existing directory and
// verifies it can be written to.
func checkAncestor(path string) error {
	ancestor := filepath.Dir(path)
	for {
		info, err := os.Stat(ancestor)
		if err == nil {
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory, cannot create %s below it", ancestor, path)
			}
			return checkWritable(ancestor)
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("cannot access %s: %w", ancestor, err)
		}
		parent := filepath.Dir(ancestor)
		if parent == ancestor {
			return fmt.Errorf("no existing directory above %s", path)
		}
		ancestor = parent
	}
}

// checkWritable creates and deletes a temporary file in dir.
func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".~pgl-transfer-writetest-*.tmp")
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	_ = os.Remove(name)
	return nil
}

// checkVolumeExists verifies that the drive or share root of a volume path is
// available, e.g. "Z:\" for "Z:\inbox". Paths without a volume always pass.
func checkVolumeExists(path string) error {
	volume := filepath.VolumeName(path)
	if volume == "" {
		return nil
	}
	root := volume
	if !strings.HasSuffix(root, string(filepath.Separator)) {
		root += string(filepath.Separator)
	}
	if _, err := os.Stat(filepath.Clean(root)); os.IsNotExist(err) {
		return fmt.Errorf("volume root does not exist: %s. Ensure the drive is connected", root)
	}
	return nil
}
