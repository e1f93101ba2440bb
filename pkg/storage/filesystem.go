// The filesystem backend stores one file per key at `{dir}/{key}.cache`, holding the sealed item envelope.
// Files are written in place, without a temporary file and a rename; concurrent writers of the same key race and
// the last write wins.

package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/nobletooth/pouch/pkg/cache"
	"github.com/nobletooth/pouch/pkg/codec"
)

const cacheFileSuffix = ".cache"

// FileSystem is a backend persisting items as files inside a single directory.
type FileSystem struct { // Implements cache.Backend.
	dir   string
	codec codec.Codec
}

var _ cache.Backend = (*FileSystem)(nil)

// NewFileSystem is the constructor for FileSystem. The directory isn't created; writing to a missing directory
// fails with cache.ErrStorage. A nil `valueCodec` defaults to gob.
func NewFileSystem(dir string, valueCodec codec.Codec) *FileSystem {
	if valueCodec == nil {
		valueCodec = codec.Gob{}
	}
	return &FileSystem{dir: filepath.Clean(dir), codec: valueCodec}
}

func (f *FileSystem) Name() string {
	return "filesystem"
}

// Dir returns the directory holding the cache files.
func (f *FileSystem) Dir() string {
	return f.dir
}

// filePath returns the path of the file holding `key`.
func (f *FileSystem) filePath(key string) string {
	return filepath.Join(f.dir, key+cacheFileSuffix)
}

// isRegularFile reports whether `path` exists and is a regular file.
func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (f *FileSystem) Load(item *cache.Item) error {
	path := f.filePath(item.Key())
	if !isRegularFile(path) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: the cache file (%s) is not readable: %v", cache.ErrStorage, path, err)
	}
	value, expiresAfter, err := codec.Open(f.codec, data)
	if err != nil { // Unknown or corrupted files are misses; the next save overwrites them.
		slog.Warn("Ignoring undecodable cache file.", "path", path, "error", err)
		return nil
	}
	item.Set(value).ExpiresAfter(cache.Seconds(expiresAfter))
	return nil
}

// Persist writes the envelope of `item` over its cache file. The directory must be writable even when the file
// already exists.
func (f *FileSystem) Persist(item *cache.Item, expiresAt int64) (bool, error) {
	if info, err := os.Stat(f.dir); err != nil || !info.IsDir() {
		return false, fmt.Errorf("%w: the cache directory is not a directory: %s", cache.ErrStorage, f.dir)
	}
	if err := unix.Access(f.dir, unix.W_OK); err != nil {
		return false, fmt.Errorf("%w: the cache directory %s is not writable: %v", cache.ErrStorage, f.dir, err)
	}

	packed, err := codec.Seal(f.codec, item.Get(), expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to seal cache item %q: %w", item.Key(), err)
	}
	path := f.filePath(item.Key())
	if err := os.WriteFile(path, packed, 0o644); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return false, fmt.Errorf("%w: the cache file %s is not writable: %v", cache.ErrStorage, path, err)
		}
		slog.Warn("Failed to write cache file.", "path", path, "error", err)
		return false, nil
	}
	return true, nil
}

func (f *FileSystem) Remove(key string) (bool, error) {
	path := f.filePath(key)
	if !isRegularFile(path) {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		slog.Warn("Failed to remove cache file.", "path", path, "error", err)
		return false, nil
	}
	return true, nil
}

// cacheFiles lists the names of the cache files in the directory, in lexical order. A missing directory holds no
// files.
func (f *FileSystem) cacheFiles() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list the cache directory %s: %v", cache.ErrStorage, f.dir, err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || !strings.HasSuffix(name, cacheFileSuffix) || name == cacheFileSuffix {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// ClearAll removes every cache file. It keeps going after a failed removal and returns false if any file couldn't
// be removed.
func (f *FileSystem) ClearAll() (bool, error) {
	names, err := f.cacheFiles()
	if err != nil {
		return false, err
	}

	allRemoved := true
	for _, name := range names {
		path := filepath.Join(f.dir, name)
		if err := os.Remove(path); err != nil {
			slog.Warn("Failed to remove cache file while clearing.", "path", path, "error", err)
			allRemoved = false
		}
	}
	return allRemoved, nil
}

func (f *FileSystem) ListAllKeys() ([]string, error) {
	names, err := f.cacheFiles()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(names))
	for _, name := range names {
		keys = append(keys, strings.TrimSuffix(name, cacheFileSuffix))
	}
	return keys, nil
}
