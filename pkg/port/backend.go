package port

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"time"

	"github.com/nobletooth/pouch/pkg/cache"
	"github.com/nobletooth/pouch/pkg/memcached"
	"github.com/nobletooth/pouch/pkg/storage"
)

const (
	BackendFileSystem = "filesystem"
	BackendMemory     = "memory"
	BackendMemcached  = "memcached"
)

var (
	backendKind = flag.String("backend", BackendFileSystem, "Storage backend: filesystem/memory/memcached.")
	dataDir     = flag.String("data_dir", "./data", "Directory holding the cache files of the filesystem backend.")

	memcachedServers = flag.String("memcached_servers", "127.0.0.1:11211",
		"Comma separated host:port[:weight] memcached servers.")
	memcachedTimeout = flag.Duration("memcached_timeout", 500*time.Millisecond,
		"Socket read/write timeout of the memcached client.")
)

// NewBackend builds the backend selected by the --backend flag.
func NewBackend() (cache.Backend, error) {
	switch *backendKind {
	case BackendFileSystem:
		if *dataDir == "" {
			return nil, errors.New("--data_dir flag is required by the filesystem backend")
		}
		slog.Info("Using the filesystem backend.", "dir", *dataDir)
		return storage.NewFileSystem(*dataDir, nil /*codec*/), nil
	case BackendMemory:
		slog.Info("Using the in-memory backend.")
		return storage.NewMemory(nil /*codec*/), nil
	case BackendMemcached:
		servers, err := memcached.ParseServers(*memcachedServers)
		if err != nil {
			return nil, fmt.Errorf("invalid --memcached_servers flag: %w", err)
		}
		backend, err := memcached.New(servers, memcached.WithTimeout(*memcachedTimeout))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to memcached: %w", err)
		}
		slog.Info("Using the memcached backend.", "servers", len(servers))
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown --backend %q", *backendKind)
	}
}

// PoolFactory hands out a fresh pool per unit of work, e.g. one command.
type PoolFactory func() ItemPool

// NewPoolFactory returns a PoolFactory of pools over `backend`.
func NewPoolFactory(backend cache.Backend, opts ...cache.Option) PoolFactory {
	return func() ItemPool { return cache.NewPool(backend, opts...) }
}
