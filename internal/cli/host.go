package cli

import (
	"os"
	"path/filepath"

	"github.com/absfs/absfs"
)

// dirHost stores sealed files in a directory of the local filesystem
type dirHost struct {
	root string
}

func (h *dirHost) path(name string) string {
	return filepath.Join(h.root, filepath.FromSlash(name))
}

func (h *dirHost) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	p := h.path(name)
	if flag&os.O_CREATE != 0 {
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(p, flag, perm)
}

func (h *dirHost) Stat(name string) (os.FileInfo, error) {
	return os.Stat(h.path(name))
}

func (h *dirHost) Remove(name string) error {
	return os.Remove(h.path(name))
}
