package report

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"sledge/backend/service/service/ftp"
)

// WriteFile renders t into path, the format following the extension.
func WriteFile(path string, t *ftp.Task) error {
	var buf bytes.Buffer
	if err := Render(&buf, t, FormatFromPath(path)); err != nil {
		return err
	}
	return WriteAtomic(path, buf.Bytes())
}

// WriteAtomic writes data to a temp file in the same directory, syncs it and
// renames it over path. The temp file is removed on failure.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "mkdir %s", dir)
		}
	}

	tmpF, err := os.CreateTemp(dir, "sledge-*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpPath := tmpF.Name()

	cleanup := func() {
		_ = tmpF.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmpF.Write(data); err != nil {
		cleanup()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmpF.Sync(); err != nil {
		cleanup()
		return errors.Wrap(err, "sync temp file")
	}
	if err := tmpF.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "rename temp file")
	}
	return nil
}
