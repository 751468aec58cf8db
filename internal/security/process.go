package security

// DisableCoreDumps sets the core size limit to zero so a crash cannot
// write captured key events to disk.
func DisableCoreDumps() error {
	return disableCoreDumps()
}

// CoreDumpsEnabled reports whether the process could currently dump core.
func CoreDumpsEnabled() bool {
	return coreDumpsEnabled()
}

// IsPrivileged reports whether the process runs as root.
func IsPrivileged() bool {
	return isPrivileged()
}
