// Package treewalk implements the depth-first directory visitor every job is
// built on.
//
// Directories are reported twice: EnterDir before their children (pre-order)
// and LeaveDir after them (post-order). Everything that is not a directory,
// including symbolic links to directories, is reported once through VisitFile;
// links are never traversed. Each callback steers the walk with an Action.
package treewalk

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Action tells the walker how to proceed after a callback.
type Action int

const (
	// Continue proceeds with the walk.
	Continue Action = iota
	// SkipSubtree does not descend into the directory just entered. LeaveDir
	// is not called for it. Returned from VisitFile or LeaveDir it is the same as Continue.
	SkipSubtree
	// Terminate stops the walk immediately; no further callbacks are made.
	Terminate
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case SkipSubtree:
		return "skip_subtree"
	case Terminate:
		return "terminate"
	default:
		return fmt.Sprintf("unknown_action(%d)", int(a))
	}
}

// FS is the read surface the walker needs. Any billy.Filesystem satisfies it,
// which is how mounted archives are walked exactly like a local directory.
type FS interface {
	Lstat(name string) (os.FileInfo, error)
	ReadDir(name string) ([]os.FileInfo, error)
	Join(elem ...string) string
}

// Handler receives the walk callbacks.
type Handler interface {
	EnterDir(path string, info os.FileInfo) Action
	VisitFile(path string, info os.FileInfo) Action
	LeaveDir(path string, info os.FileInfo) Action
}

// DirErrorHandler can optionally be implemented by a Handler to decide what
// happens when a directory cannot be listed. Without it the walk fails with the error.
type DirErrorHandler interface {
	DirError(path string, err error) Action
}

// Funcs adapts plain functions to a Handler. Nil callbacks return Continue.
type Funcs struct {
	Enter func(path string, info os.FileInfo) Action
	Visit func(path string, info os.FileInfo) Action
	Leave func(path string, info os.FileInfo) Action
}

func (f Funcs) EnterDir(path string, info os.FileInfo) Action {
	if f.Enter == nil {
		return Continue
	}
	return f.Enter(path, info)
}

func (f Funcs) VisitFile(path string, info os.FileInfo) Action {
	if f.Visit == nil {
		return Continue
	}
	return f.Visit(path, info)
}

func (f Funcs) LeaveDir(path string, info os.FileInfo) Action {
	if f.Leave == nil {
		return Continue
	}
	return f.Leave(path, info)
}

// Walk visits root and, if it is a directory, everything below it.
// It returns Terminate if a callback terminated the walk and Continue otherwise.
func Walk(fsys FS, root string, h Handler) (Action, error) {
	info, err := fsys.Lstat(root)
	if err != nil {
		return Continue, err
	}
	return walk(fsys, root, info, h)
}

func walk(fsys FS, path string, info os.FileInfo, h Handler) (Action, error) {
	if !info.IsDir() {
		if h.VisitFile(path, info) == Terminate {
			return Terminate, nil
		}
		return Continue, nil
	}

	switch h.EnterDir(path, info) {
	case Terminate:
		return Terminate, nil
	case SkipSubtree:
		return Continue, nil
	}

	children, err := fsys.ReadDir(path)
	if err != nil {
		dh, ok := h.(DirErrorHandler)
		if !ok {
			return Terminate, fmt.Errorf("failed to read directory %s: %w", path, err)
		}
		if dh.DirError(path, err) == Terminate {
			return Terminate, nil
		}
		children = nil
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name() < children[j].Name() })

	for _, child := range children {
		action, err := walk(fsys, fsys.Join(path, child.Name()), child, h)
		if err != nil || action == Terminate {
			return Terminate, err
		}
	}

	if h.LeaveDir(path, info) == Terminate {
		return Terminate, nil
	}
	return Continue, nil
}

// Relocate maps a visited path below root onto the same relative position below destRoot.
func Relocate(root, destRoot, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("failed to get relative path for %s: %w", path, err)
	}
	return filepath.Join(destRoot, rel), nil
}

type osFS struct{}

// OS is the local disk.
var OS FS = osFS{}

func (osFS) Lstat(name string) (os.FileInfo, error) { return os.Lstat(name) }

func (osFS) Join(elem ...string) string { return filepath.Join(elem...) }

// ReadDir lists name without following symlinks. Entries that vanish between
// listing and stat are dropped.
func (osFS) ReadDir(name string) ([]os.FileInfo, error) {
	entries, err := os.ReadDir(name)
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}
