//go:build unix

package security

import (
	"os"

	"golang.org/x/sys/unix"
)

func disableCoreDumps() error {
	return unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0})
}

func coreDumpsEnabled() bool {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_CORE, &rlimit); err != nil {
		return true
	}
	return rlimit.Cur > 0
}

func isPrivileged() bool {
	return os.Geteuid() == 0
}
