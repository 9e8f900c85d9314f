package util

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Permission constants for file and directory modes.
const (
	// PermUserRead is the user-read permission bit (0400).
	PermUserRead os.FileMode = 0400
	// PermUserWrite is the user-write permission bit (0200).
	PermUserWrite os.FileMode = 0200
	// PermUserExecute is the user-execute permission bit (0100).
	PermUserExecute os.FileMode = 0100

	// UserWritableDirPerms represents the standard permissions for newly created directories (rwxr-xr-x).
	UserWritableDirPerms os.FileMode = 0755
	// UserWritableFilePerms represents the standard permissions for newly created files (rw-r--r--).
	UserWritableFilePerms os.FileMode = 0644
)

// WithUserWritePermission ensures that any directory/file permission has the owner-write
// bit (0200) set, so a copied read-only tree can still be replaced or removed later.
func WithUserWritePermission(basePerm os.FileMode) os.FileMode {
	return basePerm | PermUserWrite
}

// WithUserExecutePermission ensures that any directory permission has the owner-execute
// bit (0100) set. Without it the directory cannot be traversed.
func WithUserExecutePermission(basePerm os.FileMode) os.FileMode {
	return basePerm | PermUserExecute
}

// IsHostCaseInsensitiveFS checks if the current operating system (the "host") has a case-insensitive filesystem by default.
func IsHostCaseInsensitiveFS() bool {
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}

// ExpandPath expands the tilde (~) prefix in a path to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil // No tilde, return as-is.
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get user home directory: %w", err)
	}

	// Replace the tilde with the home directory.
	return filepath.Join(home, path[1:]), nil
}

// AbsPath expands and absolutizes a user supplied path.
func AbsPath(path string) (string, error) {
	expanded, err := ExpandPath(path)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("could not determine absolute path for %s: %w", path, err)
	}
	return filepath.Clean(abs), nil
}

// InvertMap takes a map[K]V and returns a map[V]K.
// It's a generic helper for creating reverse lookup maps for enums.
func InvertMap[K comparable, V comparable](m map[K]V) map[V]K {
	inv := make(map[V]K, len(m))
	for k, v := range m {
		inv[v] = k
	}
	return inv
}

// NormalizePath converts an OS path into the forward-slash form used for archive entry names.
func NormalizePath(p string) string {
	return filepath.ToSlash(p)
}

// DenormalizePath converts a forward-slash archive key back into the native OS form.
func DenormalizePath(p string) string {
	return filepath.FromSlash(p)
}

// IsSameOrAncestor reports whether ancestor equals path or is one of its parent directories.
// Both paths must be absolute and clean. Comparison folds case on case-insensitive hosts.
func IsSameOrAncestor(ancestor, path string) bool {
	if IsHostCaseInsensitiveFS() {
		ancestor = strings.ToLower(ancestor)
		path = strings.ToLower(path)
	}
	if ancestor == path {
		return true
	}
	rel, err := filepath.Rel(ancestor, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// SplitExt splits a file name into stem and extension, treating compound
// archive suffixes like ".tar.gz" as one extension.
func SplitExt(name string) (stem, ext string) {
	lower := strings.ToLower(name)
	for _, compound := range []string{".tar.gz", ".tar.zst", ".tar.bz2"} {
		if strings.HasSuffix(lower, compound) && len(name) > len(compound) {
			return name[:len(name)-len(compound)], name[len(name)-len(compound):]
		}
	}
	ext = filepath.Ext(name)
	if ext == name {
		// Dot files like ".profile" have no extension.
		return name, ""
	}
	return name[:len(name)-len(ext)], ext
}

// ByteCountIEC formats a byte count using binary prefixes (KiB, MiB, ...).
func ByteCountIEC(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
