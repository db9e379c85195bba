package platform

import (
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

// OSName returns a human readable label of the host operating system, such
// as "Linux (ubuntu 22.04)" or "macOS (13.4)".
func OSName() string {
	info, err := host.Info()
	if err != nil || info == nil {
		return fallbackName()
	}

	name := prettyOS(info.OS)
	if info.Platform == "" {
		return name
	}
	if info.PlatformVersion == "" {
		return name + " (" + info.Platform + ")"
	}
	return name + " (" + info.Platform + " " + info.PlatformVersion + ")"
}

func prettyOS(goos string) string {
	switch strings.ToLower(goos) {
	case "linux":
		return "Linux"
	case "android":
		return "Android"
	case "darwin":
		return "macOS"
	case "ios":
		return "iPhone"
	case "windows":
		if strings.HasSuffix(runtime.GOARCH, "64") {
			return "Windows (64-bit)"
		}
		return "Windows (32-bit)"
	case "freebsd", "openbsd", "netbsd", "dragonfly", "solaris", "illumos", "aix":
		return "Unix"
	case "":
		return "Other"
	}
	return goos
}
