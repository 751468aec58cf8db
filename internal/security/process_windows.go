//go:build windows

package security

import "golang.org/x/sys/windows"

// Windows writes crash dumps only through WER, which is configured
// system wide.
func disableCoreDumps() error { return nil }

func coreDumpsEnabled() bool { return false }

func isPrivileged() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}
