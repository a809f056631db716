// Package ducible orchestrates a single rewrite: parse the image,
// collect its patches, compute the digest that excludes them, rewrite
// the PDB and .ilk sidecar to agree with that digest, then apply the
// image patches. Parsing, patch collection and the digest only read.
// The image is the last file changed: the PDB is rewritten (temp file,
// then rename) and the .ilk sidecar patched before Apply runs, and an
// error in the .ilk step does not undo the PDB rewrite.
package ducible

import (
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/buildtools/ducible/internal/digest"
	"github.com/buildtools/ducible/internal/ilk"
	"github.com/buildtools/ducible/internal/mmapfile"
	"github.com/buildtools/ducible/internal/msf"
	"github.com/buildtools/ducible/internal/patch"
	"github.com/buildtools/ducible/internal/pdbrewrite"
	"github.com/buildtools/ducible/internal/pe"
)

// Options configures a single Run.
type Options struct {
	ImagePath string
	PdbPath   string // empty if the caller didn't pass one
	DryRun    bool
}

// Run performs the rewrite described by opts. It returns the final
// digest bytes (the value written into both the image's CodeView entry
// and the PDB's own signature) for logging by the caller.
func Run(opts Options) ([digest.Size]byte, error) {
	var final [digest.Size]byte

	img, err := mmapfile.OpenRW(opts.ImagePath)
	if err != nil {
		return final, err
	}
	defer img.Close()

	image, err := pe.Parse(img.Bytes())
	if err != nil {
		return final, err
	}

	ps := patch.NewSet(img.Bytes())
	sigSlot := make([]byte, 16)
	if err := image.CollectPatches(ps, sigSlot); err != nil {
		return final, err
	}
	if err := ps.Sort(); err != nil {
		return final, err
	}

	final = digest.HashExcluding(image.Data(), ps.Iter())
	copy(sigSlot, final[:])

	if opts.PdbPath != "" {
		var oldGUID [16]byte
		copy(oldGUID[:], image.CodeViewGUID())
		sig := pdbrewrite.Signature{
			Timestamp: pe.ReplacementTimestamp,
			OldGUID:   oldGUID,
			OldAge:    image.CodeViewAge(),
			NewGUID:   final,
			NewAge:    pe.ReplacementPdbAge,
		}
		if err := rewritePdb(opts.PdbPath, sig, opts.DryRun); err != nil {
			return final, err
		}
		if err := ilk.Patch(ilkPathFor(opts.ImagePath), oldGUID, final, opts.DryRun); err != nil {
			return final, err
		}
	}

	ps.Apply(opts.DryRun)
	return final, nil
}

func rewritePdb(path string, sig pdbrewrite.Signature, dryRun bool) error {
	src, err := msf.Open(path)
	if err != nil {
		return err
	}
	rewritten, err := pdbrewrite.Rewrite(src, sig)
	closeErr := src.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}
	if dryRun {
		logrus.Infof("would rewrite %s", path)
		return nil
	}
	logrus.Infof("rewriting %s", path)
	return rewritten.WriteTo(path)
}

// ilkPathFor derives the .ilk sidecar path from the image path: same
// directory and base name, .ilk extension.
func ilkPathFor(imagePath string) string {
	dir := filepath.Dir(imagePath)
	base := strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath))
	return filepath.Join(dir, base+".ilk")
}
