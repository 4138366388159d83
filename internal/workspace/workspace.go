// Package workspace manages the per-tenant directory holding uploaded script files.
package workspace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loykin/scripthost/internal/tenant"
)

const (
	DefaultEntryName = "main.py"
	DefaultScriptExt = ".py"
	RequirementsFile = "requirements.txt"
)

var ErrEntryNotFound = errors.New("no script file in workspace")

// Options configure a Store.
type Options struct {
	Root      string `mapstructure:"root"`
	EntryName string `mapstructure:"entry_name"`
	ScriptExt string `mapstructure:"script_ext"`
}

// Store lays tenant workspaces out as <root>/tenant_<id>.
type Store struct {
	root      string
	entryName string
	scriptExt string
}

func New(opts Options) (*Store, error) {
	if opts.Root == "" {
		opts.Root = "workspaces"
	}
	if opts.EntryName == "" {
		opts.EntryName = DefaultEntryName
	}
	if opts.ScriptExt == "" {
		opts.ScriptExt = DefaultScriptExt
	}
	if !strings.HasPrefix(opts.ScriptExt, ".") {
		opts.ScriptExt = "." + opts.ScriptExt
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Store{root: root, entryName: opts.EntryName, scriptExt: opts.ScriptExt}, nil
}

// EntryName is the canonical entry file name.
func (s *Store) EntryName() string { return s.entryName }

// Root returns the absolute workspace directory of a tenant. The directory
// may not exist.
func (s *Store) Root(tenantID string) string {
	return filepath.Join(s.root, "tenant_"+tenantID)
}

// Entry is a resolved entry point.
type Entry struct {
	// Path is absolute.
	Path string `json:"path"`
	// Display is relative to the tenant root, slash separated.
	Display string `json:"display"`
}

// Resolve picks the script to run: the recorded path when it exists inside
// the workspace, else the shallowest canonical entry file, else the
// shallowest script file.
func (s *Store) Resolve(tenantID, recorded string) (Entry, error) {
	if err := tenant.ValidateID(tenantID); err != nil {
		return Entry{}, err
	}
	root := s.Root(tenantID)
	if recorded != "" {
		if p, ok := within(root, recorded); ok {
			if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
				return s.entry(root, p), nil
			}
		}
	}
	if p, ok := shallowest(root, func(name string) bool { return name == s.entryName }); ok {
		return s.entry(root, p), nil
	}
	if p, ok := shallowest(root, func(name string) bool { return strings.HasSuffix(name, s.scriptExt) }); ok {
		return s.entry(root, p), nil
	}
	return Entry{}, ErrEntryNotFound
}

func (s *Store) entry(root, p string) Entry {
	rel, _ := filepath.Rel(root, p)
	return Entry{Path: p, Display: filepath.ToSlash(rel)}
}

// within joins rel onto root and reports whether the result stays under root.
func within(root, rel string) (string, bool) {
	if filepath.IsAbs(rel) {
		return "", false
	}
	p := filepath.Join(root, filepath.FromSlash(rel))
	r, err := filepath.Rel(root, p)
	if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", false
	}
	return p, true
}

// shallowest walks root breadth-first, visiting names of a directory in
// lexical order, and returns the first regular file accepted by match.
func shallowest(root string, match func(name string) bool) (string, bool) {
	queue := []string{root}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]
		entries, err := os.ReadDir(dir) // sorted by name
		if err != nil {
			continue
		}
		for _, e := range entries {
			p := filepath.Join(dir, e.Name())
			switch {
			case e.IsDir():
				queue = append(queue, p)
			case e.Type().IsRegular() && match(e.Name()):
				return p, true
			}
		}
	}
	return "", false
}

// Save replaces the tenant workspace with files. Files that cannot be
// written are logged and skipped; the number written is returned.
func (s *Store) Save(tenantID string, files map[string][]byte) (int, error) {
	if err := tenant.ValidateID(tenantID); err != nil {
		return 0, err
	}
	root := s.Root(tenantID)
	if err := os.RemoveAll(root); err != nil {
		return 0, fmt.Errorf("clear workspace: %w", err)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return 0, fmt.Errorf("create workspace: %w", err)
	}

	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)

	saved := 0
	for _, name := range names {
		p, ok := within(root, name)
		if !ok {
			slog.Warn("workspace file outside root skipped", "tenant", tenantID, "file", name)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			slog.Warn("workspace dir create failed", "tenant", tenantID, "file", name, "error", err)
			continue
		}
		if err := os.WriteFile(p, files[name], 0o640); err != nil {
			slog.Warn("workspace file write failed", "tenant", tenantID, "file", name, "error", err)
			continue
		}
		saved++
	}
	slog.Info("workspace saved", "tenant", tenantID, "saved", saved, "total", len(files))
	return saved, nil
}

// Remove deletes the tenant workspace. A missing workspace is not an error.
func (s *Store) Remove(tenantID string) error {
	if err := tenant.ValidateID(tenantID); err != nil {
		return err
	}
	return os.RemoveAll(s.Root(tenantID))
}

// List returns every regular file of the workspace as sorted slash-separated
// relative paths. A missing workspace yields an empty list.
func (s *Store) List(tenantID string) ([]string, error) {
	if err := tenant.ValidateID(tenantID); err != nil {
		return nil, err
	}
	root := s.Root(tenantID)
	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == root {
				return fs.SkipAll
			}
			return err
		}
		if d.Type().IsRegular() {
			rel, _ := filepath.Rel(root, p)
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Count returns the number of files in the workspace, 0 when unreadable.
func (s *Store) Count(tenantID string) int {
	files, err := s.List(tenantID)
	if err != nil {
		return 0
	}
	return len(files)
}

// ScriptFiles lists the workspace files carrying the script extension.
func (s *Store) ScriptFiles(tenantID string) ([]string, error) {
	files, err := s.List(tenantID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range files {
		if strings.HasSuffix(f, s.scriptExt) {
			out = append(out, f)
		}
	}
	return out, nil
}

// Requirements returns the package lines of the top-level requirements.txt,
// without comments and blanks. ok is false when the file does not exist.
func (s *Store) Requirements(tenantID string) ([]string, bool) {
	if tenant.ValidateID(tenantID) != nil {
		return nil, false
	}
	f, err := os.Open(filepath.Join(s.Root(tenantID), RequirementsFile))
	if err != nil {
		return nil, false
	}
	defer func() { _ = f.Close() }()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		ln := strings.TrimSpace(sc.Text())
		if ln == "" || strings.HasPrefix(ln, "#") {
			continue
		}
		out = append(out, ln)
	}
	return out, true
}

// Size returns the total size in bytes of the workspace files.
func (s *Store) Size(tenantID string) int64 {
	files, err := s.List(tenantID)
	if err != nil {
		return 0
	}
	root := s.Root(tenantID)
	var n int64
	for _, f := range files {
		if fi, err := os.Stat(filepath.Join(root, filepath.FromSlash(f))); err == nil {
			n += fi.Size()
		}
	}
	return n
}

// Archive writes the workspace as a zip archive to w.
func (s *Store) Archive(tenantID string, w io.Writer) error {
	files, err := s.List(tenantID)
	if err != nil {
		return err
	}
	root := s.Root(tenantID)
	return writeArchive(w, files, func(rel string) (io.ReadCloser, error) {
		return os.Open(filepath.Join(root, filepath.FromSlash(rel)))
	})
}
