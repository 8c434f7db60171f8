// Package manifest handles upy.toml project configuration.
package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/upy/vm"
)

// FileName is the manifest file looked up by Load and FindAndLoad.
const FileName = "upy.toml"

// Defaults applied after decoding.
const (
	DefaultCachePath  = ".upy/cache.db"
	DefaultAddr       = "127.0.0.1:7411"
	DefaultHealthAddr = "127.0.0.1:7412"
)

// Manifest represents a upy.toml project configuration.
type Manifest struct {
	Project Project `toml:"project"`
	Source  Source  `toml:"source"`
	Runtime Runtime `toml:"runtime"`
	Cache   Cache   `toml:"cache"`
	Server  Server  `toml:"server"`

	// Dir is the directory containing the upy.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Source configures source file locations. Dirs are searched in order
// when a module is imported.
type Source struct {
	Dirs  []string `toml:"dirs"`
	Entry string   `toml:"entry"`
}

// Runtime sizes the interpreter. Zero leaves the built-in default.
type Runtime struct {
	StackSize      int `toml:"stack-size"`
	MaxCallDepth   int `toml:"max-call-depth"`
	MaxTryDepth    int `toml:"max-try-depth"`
	MaxStringPages int `toml:"max-string-pages"`
	MaxObjects     int `toml:"max-objects"`
	MaxArrayLen    int `toml:"max-array-len"`
}

// Cache configures the compile cache.
type Cache struct {
	Path    string `toml:"path"`
	Enabled bool   `toml:"enabled"`
}

// Server configures the eval server listeners.
type Server struct {
	Addr       string `toml:"addr"`
	HealthAddr string `toml:"health-addr"`
}

// Default returns the manifest used when a project has no upy.toml.
func Default(dir string) *Manifest {
	m := &Manifest{Dir: dir}
	m.applyDefaults()
	return m
}

// Load parses and validates the upy.toml file in dir.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: cannot read %s: %w", path, err)
	}
	m, err := Parse(path, data)
	if err != nil {
		return nil, err
	}
	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("manifest: cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// Parse decodes and validates manifest text. filename is used in error
// messages only.
func Parse(filename string, data []byte) (*Manifest, error) {
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("manifest: parse error in %s: %w", filename, err)
	}
	if err := validate(raw); err != nil {
		return nil, fmt.Errorf("manifest: invalid %s: %w", filename, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse error in %s: %w", filename, err)
	}
	m.applyDefaults()
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if len(m.Source.Dirs) == 0 {
		m.Source.Dirs = []string{"."}
	}
	if m.Cache.Path == "" {
		m.Cache.Path = DefaultCachePath
	}
	if m.Server.Addr == "" {
		m.Server.Addr = DefaultAddr
	}
	if m.Server.HealthAddr == "" {
		m.Server.HealthAddr = DefaultHealthAddr
	}
}

// FindAndLoad walks up from startDir to find a upy.toml file, then loads
// and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// SourceDirPaths returns absolute paths for the configured source directories.
func (m *Manifest) SourceDirPaths() []string {
	var paths []string
	for _, d := range m.Source.Dirs {
		paths = append(paths, m.resolve(d))
	}
	return paths
}

// EntryPath returns the entry script, or "" when none is configured.
func (m *Manifest) EntryPath() string {
	if m.Source.Entry == "" {
		return ""
	}
	return m.resolve(m.Source.Entry)
}

// CachePath returns the compile cache database path.
func (m *Manifest) CachePath() string {
	return m.resolve(m.Cache.Path)
}

func (m *Manifest) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// RuntimeOptions turns the manifest into Context options: interpreter
// limits and a module filesystem over the source directories.
func (m *Manifest) RuntimeOptions() []vm.Option {
	var opts []vm.Option
	r := m.Runtime
	if r.StackSize > 0 {
		opts = append(opts, vm.WithStackSize(r.StackSize))
	}
	if r.MaxCallDepth > 0 {
		opts = append(opts, vm.WithMaxCallDepth(r.MaxCallDepth))
	}
	if r.MaxTryDepth > 0 {
		opts = append(opts, vm.WithMaxTryDepth(r.MaxTryDepth))
	}
	if r.MaxStringPages > 0 {
		opts = append(opts, vm.WithMaxStringPages(r.MaxStringPages))
	}
	if r.MaxObjects > 0 {
		opts = append(opts, vm.WithMaxObjects(r.MaxObjects))
	}
	if r.MaxArrayLen > 0 {
		opts = append(opts, vm.WithMaxArrayLen(r.MaxArrayLen))
	}

	var dirs searchFS
	for _, d := range m.SourceDirPaths() {
		dirs = append(dirs, os.DirFS(d))
	}
	return append(opts, vm.WithModuleFS(dirs))
}

// searchFS opens a file from the first filesystem that has it.
type searchFS []fs.FS

func (s searchFS) Open(name string) (fs.File, error) {
	for _, fsys := range s {
		f, err := fsys.Open(name)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
}
