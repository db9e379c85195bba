//go:build linux || darwin || freebsd || netbsd || openbsd

package platform

import (
	"golang.org/x/sys/unix"
)

func fallbackName() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return prettyOS("")
	}

	sys := unix.ByteSliceToString(uts.Sysname[:])
	rel := unix.ByteSliceToString(uts.Release[:])
	if rel == "" {
		return prettyOS(sys)
	}
	return prettyOS(sys) + " (" + rel + ")"
}
