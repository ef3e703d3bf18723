package fputil

import (
	"io/fs"
	"path/filepath"
	"syscall"
)

// DirectorySize returns the total size of the regular files under path.
// Files that cannot be read are skipped.
func DirectorySize(path string) int64 {
	var size int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
		}
		return nil
	})
	return size
}

// DiskSize returns the capacity and the used bytes of the file system
// containing path.
func DiskSize(path string) (all, used uint64, err error) {
	var stat syscall.Statfs_t
	err = syscall.Statfs(path, &stat)
	if err != nil {
		return
	}

	all = stat.Blocks * uint64(stat.Bsize)
	used = (stat.Blocks - stat.Bfree) * uint64(stat.Bsize)
	return all, used, nil
}
