package core

import (
	"os"
	"path/filepath"
)

// sentinelName marks a directory as belonging to this package's segment
// format, so a server picking an engine at startup can tell which one a
// pre-existing data directory was built with.
const sentinelName = "kvs"

// createFileDurable creates (or reopens) name under dir and fsyncs both the
// file and its containing directory, so the directory entry survives a
// crash immediately after Open returns.
func createFileDurable(dir, name string) (*os.File, error) {
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	if err := f.Sync(); err != nil {
		return nil, err
	}

	dfd, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer dfd.Close() // nolint:errcheck

	if err := dfd.Sync(); err != nil {
		return nil, err
	}

	return f, nil
}

// ensureSentinel creates this engine's sentinel file in dir if absent, and
// fails with ErrForeignSentinel if dir already carries a different
// engine's sentinel (boltstore's "bolt.cfg").
func ensureSentinel(dir string) error {
	if _, err := os.Stat(filepath.Join(dir, foreignSentinelName)); err == nil {
		return ErrForeignSentinel
	}

	f, err := createFileDurable(dir, sentinelName)
	if err != nil {
		return err
	}
	return f.Close()
}

// foreignSentinelName is boltstore's sentinel file. core doesn't import
// boltstore (that would invert the dependency boltstore already has on
// core's Store interface), so the name is duplicated here as the one
// constant both packages must agree on.
const foreignSentinelName = "bolt.cfg"
