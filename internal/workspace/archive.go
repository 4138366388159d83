package workspace

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Decompression budgets for ExtractArchive.
var (
	MaxEntryBytes   int64 = 64 << 20
	MaxExtractBytes int64 = 256 << 20
)

var errTooLarge = errors.New("entry exceeds size limit")

// ExtractArchive reads a zip archive into memory, keyed by slash-separated
// relative path. When every file shares one top-level folder it is stripped.
// Directory entries are skipped and entries that would land outside the
// workspace are dropped, as are entries that decompress beyond MaxEntryBytes
// or past the MaxExtractBytes total. A malformed archive yields an empty map.
func ExtractArchive(data []byte) map[string][]byte {
	out := map[string][]byte{}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		slog.Warn("archive unreadable", "error", err)
		return out
	}

	var files []*zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			continue
		}
		files = append(files, f)
	}
	prefix := commonRoot(files)

	budget := MaxExtractBytes
	for _, f := range files {
		name := strings.TrimPrefix(strings.ReplaceAll(f.Name, "\\", "/"), prefix)
		clean, ok := cleanRel(name)
		if !ok {
			slog.Warn("archive entry rejected", "name", f.Name)
			continue
		}
		b, err := readEntry(f, min(MaxEntryBytes, budget))
		if err != nil {
			slog.Warn("archive entry unreadable", "name", f.Name, "error", err)
			continue
		}
		budget -= int64(len(b))
		out[clean] = b
	}
	return out
}

// commonRoot returns "dir/" when every file sits below the same top-level
// directory, otherwise "".
func commonRoot(files []*zip.File) string {
	root := ""
	for _, f := range files {
		name := strings.ReplaceAll(f.Name, "\\", "/")
		i := strings.IndexByte(name, '/')
		if i <= 0 {
			return ""
		}
		top := name[:i+1]
		if root == "" {
			root = top
		} else if top != root {
			return ""
		}
	}
	return root
}

// cleanRel normalises an archive path and reports whether it stays inside
// the extraction root.
func cleanRel(name string) (string, bool) {
	if name == "" || strings.HasPrefix(name, "/") {
		return "", false
	}
	c := path.Clean(name)
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", false
	}
	// drive letters and similar absolute forms
	if len(c) > 1 && c[1] == ':' {
		return "", false
	}
	return c, true
}

// readEntry decompresses f, giving up once more than limit bytes come out.
func readEntry(f *zip.File, limit int64) ([]byte, error) {
	if f.UncompressedSize64 > uint64(limit) {
		return nil, errTooLarge
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	b, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, errTooLarge
	}
	return b, nil
}

// writeArchive zips the files named by rels, read through open, into w.
func writeArchive(w io.Writer, rels []string, open func(string) (io.ReadCloser, error)) error {
	zw := zip.NewWriter(w)
	for _, rel := range rels {
		src, err := open(rel)
		if err != nil {
			_ = zw.Close()
			return err
		}
		dst, err := zw.Create(rel)
		if err == nil {
			_, err = io.Copy(dst, src)
		}
		_ = src.Close()
		if err != nil {
			_ = zw.Close()
			return err
		}
	}
	return zw.Close()
}
