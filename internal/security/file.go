// Package security holds the hardening helpers keyguard applies to the
// files it writes, the control socket and its own process.
package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
)

const (
	// PermPrivateFile is for files that may contain key codes or timings.
	PermPrivateFile os.FileMode = 0600

	// PermPrivateDir is for directories holding private files.
	PermPrivateDir os.FileMode = 0700
)

var (
	ErrInsecurePermissions = errors.New("security: insecure file permissions")
	ErrAtomicWriteFailed   = errors.New("security: atomic write failed")
	ErrInvalidPath         = errors.New("security: invalid path")
)

// AtomicFile writes to a temporary file next to the target and renames it
// into place on Commit. Readers never observe a partial file.
type AtomicFile struct {
	path     string
	tempFile *os.File
	tempPath string
}

// CreateAtomic starts an atomic write of path with perm. Missing parent
// directories are created private.
func CreateAtomic(path string, perm os.FileMode) (*AtomicFile, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), PermPrivateDir); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tempPath := path + ".tmp." + randomSuffix()
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}
	return &AtomicFile{path: path, tempFile: f, tempPath: tempPath}, nil
}

// Write writes to the temporary file.
func (a *AtomicFile) Write(p []byte) (int, error) {
	return a.tempFile.Write(p)
}

// Commit syncs the temporary file and renames it over the target.
func (a *AtomicFile) Commit() error {
	if err := a.tempFile.Sync(); err != nil {
		a.Abort()
		return fmt.Errorf("sync: %w", err)
	}
	if err := a.tempFile.Close(); err != nil {
		os.Remove(a.tempPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(a.tempPath, a.path); err != nil {
		os.Remove(a.tempPath)
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}
	return nil
}

// Abort discards the write.
func (a *AtomicFile) Abort() {
	a.tempFile.Close()
	os.Remove(a.tempPath)
}

func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// WriteAtomic streams fill into path atomically. Nothing is replaced when
// fill fails.
func WriteAtomic(path string, perm os.FileMode, fill func(io.Writer) error) error {
	f, err := CreateAtomic(path, perm)
	if err != nil {
		return err
	}
	if err := fill(f); err != nil {
		f.Abort()
		return err
	}
	return f.Commit()
}

// WritePrivateFile writes data atomically with mode 0600.
func WritePrivateFile(path string, data []byte) error {
	return WriteAtomic(path, PermPrivateFile, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// EnsurePrivateDir creates path with mode 0700, tightening an existing
// directory that is group or world accessible.
func EnsurePrivateDir(path string) error {
	if path == "" {
		return ErrInvalidPath
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return os.MkdirAll(path, PermPrivateDir)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, path)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0077 != 0 {
		if err := os.Chmod(path, PermPrivateDir); err != nil {
			return fmt.Errorf("fix directory permissions: %w", err)
		}
	}
	return nil
}

// VerifyPrivate fails when path is readable by group or others.
func VerifyPrivate(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if runtime.GOOS == "windows" {
		return nil
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		return fmt.Errorf("%w: %s has mode %04o", ErrInsecurePermissions, path, mode)
	}
	return nil
}
