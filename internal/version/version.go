package version

import (
	"fmt"
	"log"
	"runtime"
)

var (
	// Populated via -ldflags at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	Name      = "nzbstream"
	ShortName = "nzbs"
)

func String() string {
	return fmt.Sprintf("%s %s (%s, %s, %s/%s)", Name, Version, Commit, Date, runtime.GOOS, runtime.GOARCH)
}

func PrintVersionInfo(extended bool, out *log.Logger) {
	out.Println(String())
	if extended {
		out.Printf("  go: %s", runtime.Version())
	}
}
