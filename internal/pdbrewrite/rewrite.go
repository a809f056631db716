package pdbrewrite

import (
	"github.com/sirupsen/logrus"

	"github.com/buildtools/ducible/internal/msf"
)

const (
	streamPdbInfo = 1
	streamDbi     = 3
)

// Signature bundles the old and new PE/PDB signature values a Rewrite
// call needs: the old values to validate the PDB actually matches the
// image being patched, the new ones to write in their place.
type Signature struct {
	Timestamp uint32
	OldGUID   [16]byte
	OldAge    uint32
	NewGUID   [16]byte
	NewAge    uint32
}

// Rewrite builds a fresh in-memory Container from src with every
// deterministic-breaking field replaced: the PDB info stream's
// signature/age/GUID, the DBI stream's module-info and
// section-contribution padding, the public-symbols header's padding, the
// symbol records stream's S_OBJNAME GUID text and trailing padding, the
// linker-manifest module's own embedded GUID, the file-info substream's
// embedded GUIDs, and the /names and /LinkInfo named streams' canonical
// forms.
//
// Every stream is copied into memory up front so the returned Container
// is usable after src's underlying file is closed.
func Rewrite(src *msf.Container, sig Signature) (*msf.Container, error) {
	streams := make([]msf.Stream, src.NumStreams())
	deletedIdx := map[int]bool{}
	for i := 0; i < src.NumStreams(); i++ {
		if src.IsDeleted(i) {
			deletedIdx[i] = true
			streams[i] = msf.NewMemoryStream()
			continue
		}
		ms, err := msf.NewMemoryStreamFrom(src.Stream(i))
		if err != nil {
			return nil, err
		}
		streams[i] = ms
	}

	out := msf.New(src.PageSize(), streams)
	for i := range deletedIdx {
		out.MarkDeleted(i)
	}

	if err := rewritePdbInfo(out, sig); err != nil {
		return nil, err
	}
	pi, err := readPdbInfo(out)
	if err != nil {
		return nil, err
	}
	if err := rewriteDbiAndSymbols(out); err != nil {
		return nil, err
	}
	if err := rewriteNamedStream(out, pi, "/names", func(b []byte) ([]byte, error) {
		nt, err := ParseNamesTable(b)
		if err != nil {
			return nil, err
		}
		nt.GUIDCanonicalize()
		return nt.Bytes(), nil
	}); err != nil {
		return nil, err
	}
	if err := rewriteNamedStream(out, pi, "/LinkInfo", TruncateLinkInfo); err != nil {
		return nil, err
	}
	return out, nil
}

func readPdbInfo(c *msf.Container) (*PdbInfo, error) {
	if streamPdbInfo >= c.NumStreams() {
		return nil, nil
	}
	raw, err := msf.ReadAll(c.Stream(streamPdbInfo))
	if err != nil {
		return nil, err
	}
	return ParsePdbInfo(raw)
}

func rewritePdbInfo(c *msf.Container, sig Signature) error {
	if streamPdbInfo >= c.NumStreams() {
		return nil
	}
	raw, err := msf.ReadAll(c.Stream(streamPdbInfo))
	if err != nil {
		return err
	}
	pi, err := ParsePdbInfo(raw)
	if err != nil {
		return err
	}
	if err := pi.CheckMatchesImage(sig.OldGUID, sig.OldAge); err != nil {
		return err
	}
	pi.SetSignature(sig.Timestamp, sig.NewGUID, sig.NewAge)
	c.Replace(streamPdbInfo, msf.NewMemoryStreamWithData(pi.Bytes()))
	return nil
}

func rewriteDbiAndSymbols(c *msf.Container) error {
	if streamDbi >= c.NumStreams() {
		logrus.Debug("no DBI stream present, skipping DBI/symbol canonicalization")
		return nil
	}
	raw, err := msf.ReadAll(c.Stream(streamDbi))
	if err != nil {
		return err
	}
	dbi, err := ParseDbi(raw)
	if err != nil {
		return err
	}
	if err := dbi.ZeroPadding(); err != nil {
		return err
	}
	if err := dbi.CanonicalizeFileInfo(); err != nil {
		return err
	}

	mods, err := dbi.Modules()
	if err != nil {
		return err
	}
	for _, m := range mods {
		if !IsLinkerManifestModule(m) {
			continue
		}
		if err := canonicalizeSymbolStream(c, int(m.SymStream)); err != nil {
			return err
		}
	}

	c.Replace(streamDbi, msf.NewMemoryStreamWithData(dbi.Bytes()))

	if err := canonicalizeSymbolStream(c, int(dbi.Header.SymRecordStream)); err != nil {
		return err
	}
	return canonicalizePublicSymbolStream(c, int(dbi.Header.PublicStreamIndex))
}

// canonicalizeSymbolStream rewrites stream idx's TLV records in place:
// used for both the global symbol-records stream and a linker-manifest
// module's own per-module symbol stream.
func canonicalizeSymbolStream(c *msf.Container, idx int) error {
	if idx <= 0 || idx >= c.NumStreams() || c.IsDeleted(idx) {
		return nil
	}
	raw, err := msf.ReadAll(c.Stream(idx))
	if err != nil {
		return err
	}
	canon, err := CanonicalizeSymbolRecords(raw)
	if err != nil {
		return err
	}
	c.Replace(idx, msf.NewMemoryStreamWithData(canon))
	return nil
}

func canonicalizePublicSymbolStream(c *msf.Container, idx int) error {
	if idx <= 0 || idx >= c.NumStreams() || c.IsDeleted(idx) {
		return nil
	}
	raw, err := msf.ReadAll(c.Stream(idx))
	if err != nil {
		return err
	}
	zeroed, err := ZeroPublicSymbolHeader(raw)
	if err != nil {
		return err
	}
	c.Replace(idx, msf.NewMemoryStreamWithData(zeroed))
	return nil
}

func rewriteNamedStream(c *msf.Container, pi *PdbInfo, name string, transform func([]byte) ([]byte, error)) error {
	if pi == nil || pi.NameMap == nil {
		return nil
	}
	idx, ok := pi.NameMap.StreamIndex(name)
	if !ok || int(idx) >= c.NumStreams() || c.IsDeleted(int(idx)) {
		logrus.Debugf("%s stream not present, skipping", name)
		return nil
	}
	raw, err := msf.ReadAll(c.Stream(int(idx)))
	if err != nil {
		return err
	}
	rewritten, err := transform(raw)
	if err != nil {
		return err
	}
	c.Replace(int(idx), msf.NewMemoryStreamWithData(rewritten))
	return nil
}
