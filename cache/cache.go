// Package cache stores compiled module images in SQLite so unchanged
// sources skip compilation.
package cache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/upy/vm"
	"github.com/chazu/upy/vm/image"
)

// ErrNotFound indicates the requested image is not cached.
var ErrNotFound = errors.New("cache: image not found")

// Cache is a compile cache backed by a SQLite database.
type Cache struct {
	db   *sql.DB
	path string
	log  commonlog.Logger

	mu     sync.Mutex
	hits   int
	misses int
}

// Stats counts lookups since the cache was opened.
type Stats struct {
	Hits   int
	Misses int
}

// Open opens or creates the cache database at path.
func Open(path string) (*Cache, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cache: creating directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: setting busy timeout: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS images (
		key     TEXT PRIMARY KEY,
		module  TEXT NOT NULL,
		image   BLOB NOT NULL,
		created INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: creating table: %w", err)
	}

	return &Cache{db: db, path: path, log: commonlog.GetLogger("upy.cache")}, nil
}

// Close closes the database connection.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Path returns the database file.
func (c *Cache) Path() string { return c.path }

// Key identifies a compiled module by image version, module name, and
// source text. The name is part of the key because it is baked into the
// compiled code.
func Key(name, source string) string {
	h := sha256.New()
	h.Write([]byte(strconv.Itoa(image.Version)))
	h.Write([]byte{0})
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(source))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the image stored under key.
func (c *Cache) Get(key string) ([]byte, error) {
	var data []byte
	err := c.db.QueryRow("SELECT image FROM images WHERE key = ?", key).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cache: querying image: %w", err)
	}
	return data, nil
}

// Put stores an image under key, replacing any earlier entry.
func (c *Cache) Put(key, module string, data []byte) error {
	_, err := c.db.Exec(
		"INSERT OR REPLACE INTO images (key, module, image, created) VALUES (?, ?, ?, ?)",
		key, module, data, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("cache: saving image: %w", err)
	}
	return nil
}

// Len returns the number of cached images.
func (c *Cache) Len() (int, error) {
	var n int
	if err := c.db.QueryRow("SELECT COUNT(*) FROM images").Scan(&n); err != nil {
		return 0, fmt.Errorf("cache: counting images: %w", err)
	}
	return n, nil
}

// Clear removes every cached image.
func (c *Cache) Clear() error {
	if _, err := c.db.Exec("DELETE FROM images"); err != nil {
		return fmt.Errorf("cache: clearing: %w", err)
	}
	return nil
}

// Stats returns hit and miss counts.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses}
}

func (c *Cache) count(hit bool) {
	c.mu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
}

// Compiler wraps next so that compiled modules are looked up in and stored
// into the cache. Cache failures are logged and fall back to compiling;
// only compile errors are returned.
func (c *Cache) Compiler(next vm.CompileFunc) vm.CompileFunc {
	return func(ctx *vm.Context, name, source string) (vm.Value, error) {
		key := Key(name, source)
		data, err := c.Get(key)
		switch {
		case err == nil:
			mod, lerr := image.Restore(ctx, data)
			if lerr == nil {
				c.count(true)
				c.log.Debugf("cache hit: %s", name)
				return mod, nil
			}
			c.log.Warningf("cache: discarding image for %s: %s", name, lerr)
		case !errors.Is(err, ErrNotFound):
			c.log.Warningf("%s", err)
		}

		c.count(false)
		c.log.Debugf("cache miss: %s", name)
		mod, err := next(ctx, name, source)
		if err != nil {
			return vm.Undefined, err
		}
		data, err = image.Save(ctx, mod)
		if err != nil {
			c.log.Warningf("cache: capturing %s: %s", name, err)
			return mod, nil
		}
		if err := c.Put(key, name, data); err != nil {
			c.log.Warningf("%s", err)
		}
		return mod, nil
	}
}
