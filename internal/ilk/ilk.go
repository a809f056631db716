// Package ilk patches the linker's incremental-link state file (.ilk)
// sidecar so it references the same GUID as the rewritten PDB, without
// which a subsequent incremental link would treat the two as mismatched
// and fall back to a full link.
package ilk

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/buildtools/ducible/internal/errs"
)

// Patch finds the first occurrence of oldGUID inside path's bytes and
// overwrites it with newGUID, in place. A missing .ilk file is not an
// error: not every build produces one, and this tool's job is only to
// keep an existing one consistent, per spec.md. When dryRun is true the
// match is located and logged but the file is never written.
func Patch(path string, oldGUID, newGUID [16]byte, dryRun bool) error {
	flags := os.O_RDWR
	if dryRun {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		if os.IsNotExist(err) {
			logrus.Debugf("%s: no .ilk sidecar, nothing to patch", path)
			return nil
		}
		return errs.Io(path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return errs.Io(path, err)
	}
	data := make([]byte, fi.Size())
	if _, err := f.ReadAt(data, 0); err != nil {
		return errs.Io(path, err)
	}

	idx := bytes.Index(data, oldGUID[:])
	if idx < 0 {
		logrus.Debugf("%s: old GUID not found, leaving untouched", path)
		return nil
	}
	if dryRun {
		logrus.Infof("would patch %s", path)
		return nil
	}
	if _, err := f.WriteAt(newGUID[:], int64(idx)); err != nil {
		return errs.Io(path, err)
	}
	return nil
}
