package pathcompression

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-transfer/pkg/util"
)

// Format represents an archive or stream format.
type Format string

const (
	Zip    Format = "zip"
	Tar    Format = "tar"
	TarGz  Format = "tar.gz"
	TarZst Format = "tar.zst"
	Gzip   Format = "gz"
)

var formatToString = map[Format]string{
	Zip:    "zip",
	Tar:    "tar",
	TarGz:  "tar.gz",
	TarZst: "tar.zst",
	Gzip:   "gz",
}

var stringToFormat map[string]Format

// extToFormat maps lower-case file extensions to formats.
var extToFormat = map[string]Format{
	".zip":     Zip,
	".jar":     Zip,
	".tar":     Tar,
	".tar.gz":  TarGz,
	".tgz":     TarGz,
	".tar.zst": TarZst,
	".gz":      Gzip,
}

func init() {
	// Inverting the map at runtime ensures formatToString is fully loaded
	stringToFormat = util.InvertMap(formatToString)
}

func (f Format) String() string {
	if str, ok := formatToString[f]; ok {
		return str
	}
	return fmt.Sprintf("unknown_compression_format(%s)", string(f))
}

// IsTar reports whether the format is a (possibly compressed) tar stream.
func (f Format) IsTar() bool {
	return f == Tar || f == TarGz || f == TarZst
}

func ParseFormat(s string) (Format, error) {
	if format, ok := stringToFormat[s]; ok {
		return format, nil
	}
	return "", fmt.Errorf("invalid compression format: %q. Must be 'zip', 'tar', 'tar.gz', 'tar.zst' or 'gz'", s)
}

// DetectFormat derives the format from the file extension of path.
func DetectFormat(path string) (Format, error) {
	_, ext := util.SplitExt(filepath.Base(path))
	if f, ok := extToFormat[strings.ToLower(ext)]; ok {
		return f, nil
	}
	return "", fmt.Errorf("unsupported archive extension %q: %s", ext, path)
}

// MarshalJSON implements the json.Marshaler interface for Format.
func (cf Format) MarshalJSON() ([]byte, error) {
	return json.Marshal(cf.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Format.
func (cf *Format) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("compression format should be a string, got %s", data)
	}
	format, err := ParseFormat(s)
	if err != nil {
		return err
	}
	*cf = format
	return nil
}
