//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package platform

import "runtime"

func fallbackName() string {
	return prettyOS(runtime.GOOS)
}
