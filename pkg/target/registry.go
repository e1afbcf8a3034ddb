package target

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/daschewie/embedctl/pkg/dberr"
	"github.com/spf13/afero"
)

// Registry is the process-wide set of loaded target descriptions,
// keyed by chip name. Loaded once at startup and read-only afterwards;
// searches the same kinds of places as appconfig.Load, but loads one
// YAML file per chip instead of one config file total, and a later
// path's description overrides an earlier one of the same name.
type Registry struct {
	fs     afero.Fs
	byName map[string]*Description
}

// NewRegistry builds an empty registry reading through fs, so tests can
// load descriptions from an in-memory filesystem.
func NewRegistry(fs afero.Fs) *Registry {
	return &Registry{fs: fs, byName: make(map[string]*Description)}
}

// LoadFile parses, validates, and registers one description file. A
// description with a name already registered replaces the earlier one,
// so --targets-dir can override a stock search-path description.
func (r *Registry) LoadFile(path string) error {
	data, err := afero.ReadFile(r.fs, path)
	if err != nil {
		return dberr.Wrap(dberr.KindInvariant, "target.LoadFile", fmt.Sprintf("read %s", path), err)
	}
	desc, err := Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	r.byName[desc.Name] = desc
	return nil
}

// LoadDir registers every *.yaml/*.yml file in dir. dir may also name a
// single description file directly.
func (r *Registry) LoadDir(dir string) error {
	info, err := r.fs.Stat(dir)
	if err != nil {
		return dberr.Wrap(dberr.KindInvariant, "target.LoadDir", fmt.Sprintf("stat %s", dir), err)
	}
	if !info.IsDir() {
		return r.LoadFile(dir)
	}

	entries, err := afero.ReadDir(r.fs, dir)
	if err != nil {
		return dberr.Wrap(dberr.KindInvariant, "target.LoadDir", fmt.Sprintf("read %s", dir), err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			if err := r.LoadFile(filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadSearchPaths loads descriptions from every existing directory on
// the default search path: ./targets, $EMBEDCTL_TARGETS, and
// ~/.embedctl/targets, in that order (later loads override earlier ones
// of the same name). Missing directories are skipped silently; a search
// path that exists but contains a malformed description is an error.
func (r *Registry) LoadSearchPaths() error {
	paths := []string{"targets"}
	if dir := os.Getenv("EMBEDCTL_TARGETS"); dir != "" {
		paths = append(paths, dir)
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".embedctl", "targets"))
	}

	for _, p := range paths {
		if ok, err := afero.DirExists(r.fs, p); err != nil || !ok {
			continue
		}
		if err := r.LoadDir(p); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the description registered under name.
func (r *Registry) Get(name string) (*Description, error) {
	desc, ok := r.byName[name]
	if !ok {
		return nil, dberr.New(dberr.KindInvariant, "target.Get", fmt.Sprintf("no target description registered for %q", name))
	}
	return desc, nil
}

// Names returns every registered chip name, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
