// Package fsutil contains utilities for working with the file system.
package fsutil

import (
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It returns an error if `dir` has an unknown user or some other filesystem error (e.g: `~unknown/...`)
func ReplaceTildeInDir(dir string) (string, error) {
	if len(dir) == 0 || dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		sepIdx := strings.IndexRune(dir, '/')
		if sepIdx == -1 {
			userName = dir[1:]
		} else {
			userName = dir[1:sepIdx]
		}
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	return path.Join(usr.HomeDir, dir[1+len(userName):]), nil
}

// InstallFile places contents at dir/name so that concurrent readers either see the complete
// file or no file at all.
//
// It is a two-phase move: the contents are first written to a uniquely named temporary file
// in dir and then renamed into place. The directory is created if needed.
func InstallFile(dir, name string, contents []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", dir)
	}
	tmpPath := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmpPath, contents, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write temporary file %q", tmpPath)
	}
	finalPath := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to move %q into place as %q", tmpPath, finalPath)
	}
	return nil
}
