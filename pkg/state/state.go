package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ensure canonical runtime folder layout exists under the data dir, not
// symlink, restrictive perms, writable
func EnsureStateDirs(dataDir string) error {
	p := PathsFor(dataDir)
	paths := []string{p.Store, p.Tmp, p.Traces, p.Logs, p.Crash, p.Abort}

	for _, dir := range paths {
		// ensure parent exists
		if err := os.MkdirAll(filepath.Dir(dir), 0o700); err != nil {
			return fmt.Errorf("cannot create parent for %s: %w", dir, err)
		}

		// must be directory and not symlink if exists
		if fi, err := os.Lstat(dir); err == nil {
			if fi.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("path is a symlink: %s", dir)
			}
			if !fi.IsDir() {
				return fmt.Errorf("path exists and is not a directory: %s", dir)
			}
		}

		// create if missing
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("cannot create path %s: %w", dir, err)
		}

		// check not symlink after creation
		if fi2, err := os.Lstat(dir); err == nil {
			if fi2.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("path is a symlink after creation: %s", dir)
			}
		}

		// check writable by creating and deleting temp file
		tmp, err := os.CreateTemp(dir, ".validate-*")
		if err != nil {
			return fmt.Errorf("path not writable: %s: %w", dir, err)
		}
		tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	return nil
}

// paths and helpers are defined in types.go
var (
	PathsVar Paths
	initOnce sync.Once
)

// cached paths after init
var initErr error

// safe to call multiple times; initialization happens once. ensures
// filesystem layout exists and returns error if any
func Init(dataDir string) error {
	initOnce.Do(func() {
		path := strings.TrimSpace(dataDir)
		if path == "" {
			path = "./.blobfront"
		}
		path = filepath.Clean(path)
		PathsVar = PathsFor(path)
		initErr = EnsureStateDirs(path)
	})
	return initErr
}
