package mirror

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// maxSuffix bounds the collision search so a directory full of leftovers
// cannot spin forever.
const maxSuffix = 100000

// safeName reports whether a listing name can be used as a single local path
// element without leaving the directory it is joined to.
func safeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.ContainsRune(name, 0)
}

// createExclusive creates path for writing, never touching an existing file.
// When path is taken it tries path.0, path.1, ... and returns the first free
// one together with the open handle.
func createExclusive(path string) (*os.File, string, error) {
	candidate := path
	for i := 0; i <= maxSuffix; i++ {
		f, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, candidate, nil
		}
		if !os.IsExist(err) {
			return nil, "", errors.Wrapf(err, "create %s", candidate)
		}
		candidate = path + "." + strconv.Itoa(i)
	}
	return nil, "", errors.Errorf("no free name for %s", path)
}

// dirSet creates local directories at most once per path.
type dirSet map[string]struct{}

func (s dirSet) ensure(dir string) error {
	dir = filepath.Clean(dir)
	if _, ok := s[dir]; ok {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "mkdir %s", dir)
	}
	s[dir] = struct{}{}
	return nil
}
