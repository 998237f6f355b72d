package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// remoteFilesystems break the POSIX locks WAL mode relies on.
var remoteFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smb2":   {},
	"smbfs":  {},
	"webdav": {},
}

// CheckLocalFilesystem reports an error when the job database would live on a
// network mount. The path need not exist yet; its closest existing ancestor is
// inspected instead.
func CheckLocalFilesystem(path string) error {
	return checkLocalFilesystem(path, filesystemType)
}

func checkLocalFilesystem(path string, fsType func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}

	existing, err := closestExisting(path)
	if err != nil {
		return fmt.Errorf("resolve state path %q: %w", path, err)
	}

	kind, err := fsType(existing)
	if err != nil {
		return fmt.Errorf("filesystem type of %q: %w", existing, err)
	}
	if isRemote(kind) {
		return fmt.Errorf("state path %q is on %s; the job store needs a local disk for locking, set state.path to a local file", path, kind)
	}
	return nil
}

func closestExisting(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for dir := abs; ; {
		_, err := os.Stat(dir)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing ancestor of %q", abs)
		}
		dir = parent
	}
}

func isRemote(kind string) bool {
	_, ok := remoteFilesystems[strings.ToLower(strings.TrimSpace(kind))]
	return ok
}
