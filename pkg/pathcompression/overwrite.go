package pathcompression

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/paulschiretz/pgl-transfer/pkg/plog"
	"github.com/paulschiretz/pgl-transfer/pkg/util"
)

// OverwriteBehavior defines how to handle existing files during unpacking.
type OverwriteBehavior string

const (
	// OverwriteAlways will always overwrite an existing file. This is the default.
	OverwriteAlways OverwriteBehavior = "always"
	// OverwriteNever will never overwrite an existing file.
	OverwriteNever OverwriteBehavior = "never"
	// OverwriteIfNewer will only overwrite if the file in the archive is newer.
	OverwriteIfNewer OverwriteBehavior = "if-newer"
	// OverwriteUpdate will overwrite unless size and mtime are equal.
	OverwriteUpdate OverwriteBehavior = "update"
)

var behaviorToString = map[OverwriteBehavior]string{
	OverwriteAlways:  "always",
	OverwriteNever:   "never",
	OverwriteIfNewer: "if-newer",
	OverwriteUpdate:  "update",
}

var stringToBehavior map[string]OverwriteBehavior

func init() {
	// Inverting the map at runtime ensures behaviorToString is fully loaded
	stringToBehavior = util.InvertMap(behaviorToString)
}

func (ob OverwriteBehavior) String() string {
	if str, ok := behaviorToString[ob]; ok {
		return str
	}
	return fmt.Sprintf("unknown_overwrite_behavior(%s)", string(ob))
}

func ParseOverwriteBehavior(s string) (OverwriteBehavior, error) {
	if behavior, ok := stringToBehavior[s]; ok {
		return behavior, nil
	}
	return "", fmt.Errorf("invalid overwrite behavior: %q. Must be 'always', 'never', 'if-newer' or 'update'", s)
}

// MarshalJSON implements the json.Marshaler interface for OverwriteBehavior.
func (ob OverwriteBehavior) MarshalJSON() ([]byte, error) {
	return json.Marshal(ob.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for OverwriteBehavior.
func (ob *OverwriteBehavior) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("overwrite behavior should be a string, got %s", data)
	}
	behavior, err := ParseOverwriteBehavior(s)
	if err != nil {
		return err
	}
	*ob = behavior
	return nil
}

// handleOverwrite checks if an entry should be written to absTargetPath based on the overwrite behavior.
// It returns true if the entry should be written.
// As a side effect, it removes the existing file/symlink at absTargetPath if overwriting is decided.
func handleOverwrite(absTargetPath string, entryModTime time.Time, entrySize int64, overwrite OverwriteBehavior) (bool, error) {
	destInfo, err := os.Lstat(absTargetPath)
	if os.IsNotExist(err) {
		return true, nil // Path is clear.
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat destination path %s: %w", absTargetPath, err)
	}

	if destInfo.IsDir() {
		return false, fmt.Errorf("cannot overwrite directory with a file: %s", absTargetPath)
	}

	// Archives store whole seconds.
	truncate := func(t time.Time) time.Time { return t.Truncate(time.Second) }

	switch overwrite {
	case OverwriteNever:
		plog.Debug("Skipping existing file (overwrite=never)", "path", absTargetPath)
		return false, nil
	case OverwriteIfNewer:
		if !truncate(entryModTime).After(truncate(destInfo.ModTime())) {
			plog.Debug("Skipping up-to-date file (overwrite=if-newer)", "path", absTargetPath)
			return false, nil
		}
	case OverwriteUpdate:
		if destInfo.Size() == entrySize && truncate(destInfo.ModTime()).Equal(truncate(entryModTime)) {
			plog.Debug("Skipping up-to-date file (overwrite=update)", "path", absTargetPath)
			return false, nil
		}
	case OverwriteAlways, "":
		// Proceed to overwrite.
	default:
		return false, fmt.Errorf("unsupported overwrite behavior: %s", overwrite)
	}

	// Security: Remove existing file/symlink before creating the new one.
	if err := os.Remove(absTargetPath); err != nil {
		return false, fmt.Errorf("failed to remove existing file for overwrite at %s: %w", absTargetPath, err)
	}
	return true, nil
}
