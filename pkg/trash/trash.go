// Package trash moves files into the freedesktop.org trash of the current user.
package trash

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/paulschiretz/pgl-transfer/pkg/plog"
	"github.com/paulschiretz/pgl-transfer/pkg/util"
)

// ErrCrossDevice is returned for paths on another volume than the trash.
var ErrCrossDevice = errors.New("path is not on the same volume as the trash")

const (
	infoExt      = ".trashinfo"
	trashDirPerm = 0700
	// deletionDateLayout is the local time format of the DeletionDate key.
	deletionDateLayout = "2006-01-02T15:04:05"
)

// XDG is the home trash ($XDG_DATA_HOME/Trash).
type XDG struct {
	Dir string
	now func() time.Time
}

// NewXDG returns the trash of the current user.
func NewXDG() *XDG {
	return &XDG{Dir: filepath.Join(xdg.DataHome, "Trash")}
}

func (t *XDG) filesDir() string { return filepath.Join(t.Dir, "files") }
func (t *XDG) infoDir() string  { return filepath.Join(t.Dir, "info") }

// Trash moves path into the trash and records where it came from.
func (t *XDG) Trash(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(abs); err != nil {
		return err
	}
	if err := os.MkdirAll(t.filesDir(), trashDirPerm); err != nil {
		return fmt.Errorf("failed to create trash: %w", err)
	}
	if err := os.MkdirAll(t.infoDir(), trashDirPerm); err != nil {
		return fmt.Errorf("failed to create trash: %w", err)
	}
	if same, err := util.SameVolume(filepath.Dir(abs), t.Dir); err == nil && !same {
		return fmt.Errorf("%w: %s", ErrCrossDevice, abs)
	}

	name, infoPath, err := t.reserve(abs)
	if err != nil {
		return err
	}
	if err := os.Rename(abs, filepath.Join(t.filesDir(), name)); err != nil {
		os.Remove(infoPath)
		return fmt.Errorf("failed to move %s to trash: %w", abs, err)
	}
	plog.Debug("Moved to trash", "path", abs, "name", name)
	return nil
}

// reserve claims a free name in the trash by creating its info file
// exclusively. Taken names get a ".N" suffix before the extension.
func (t *XDG) reserve(abs string) (string, string, error) {
	now := time.Now
	if t.now != nil {
		now = t.now
	}
	info := fmt.Sprintf("[Trash Info]\nPath=%s\nDeletionDate=%s\n", escapePath(abs), now().Format(deletionDateLayout))

	stem, ext := util.SplitExt(filepath.Base(abs))
	for n := 1; ; n++ {
		name := stem + ext
		if n > 1 {
			name = stem + "." + strconv.Itoa(n) + ext
		}
		infoPath := filepath.Join(t.infoDir(), name+infoExt)
		f, err := os.OpenFile(infoPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", "", fmt.Errorf("failed to write trash info: %w", err)
		}
		if _, statErr := os.Lstat(filepath.Join(t.filesDir(), name)); statErr == nil {
			// Orphaned file without info, leave it alone.
			f.Close()
			os.Remove(infoPath)
			continue
		}
		_, err = f.WriteString(info)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(infoPath)
			return "", "", fmt.Errorf("failed to write trash info: %w", err)
		}
		return name, infoPath, nil
	}
}

// escapePath percent-encodes every segment of an absolute path.
func escapePath(p string) string {
	segments := strings.Split(filepath.ToSlash(p), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
