package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/paulschiretz/pgl-transfer/pkg/vfs"
)

// RunVersion prints the application version and the archive formats it can mount.
func RunVersion(appName, appVersion string) error {
	fmt.Printf("%s version %s (%s/%s)\n", appName, appVersion, runtime.GOOS, runtime.GOARCH)
	fmt.Printf("archive formats: %s\n", strings.Join(vfs.Extensions(), " "))
	return nil
}
