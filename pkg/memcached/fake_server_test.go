package memcached

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeEntry struct {
	value   []byte
	flags   uint32
	exptime int64
	cas     uint64
}

// fakeMemcached speaks the subset of the memcached text protocol gomemcache uses here. Entries never expire.
type fakeMemcached struct {
	listener net.Listener

	mux      sync.Mutex
	entries  map[string]fakeEntry
	nextCas  uint64
	failSets bool   // Answer every storage command with a server error.
	failKeys string // Answer storage commands on keys with this prefix with a server error, if set.
}

func startFakeMemcached(t *testing.T) *fakeMemcached {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fake := &fakeMemcached{listener: listener, entries: make(map[string]fakeEntry)}
	go fake.serve()
	t.Cleanup(func() { _ = listener.Close() })
	return fake
}

func (f *fakeMemcached) server() Server {
	addr := f.listener.Addr().(*net.TCPAddr)
	return Server{Host: addr.IP.String(), Port: addr.Port}
}

func (f *fakeMemcached) entry(key string) (fakeEntry, bool) {
	f.mux.Lock()
	defer f.mux.Unlock()
	entry, found := f.entries[key]
	return entry, found
}

func (f *fakeMemcached) setFailSets(fail bool) {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.failSets = fail
}

func (f *fakeMemcached) setFailKeys(prefix string) {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.failKeys = prefix
}

// keysWithPrefix lists the stored keys starting with `prefix`, sorted.
func (f *fakeMemcached) keysWithPrefix(prefix string) []string {
	f.mux.Lock()
	defer f.mux.Unlock()
	var keys []string
	for key := range f.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

func (f *fakeMemcached) serve() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeMemcached) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	for {
		line, err := rw.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch verb := fields[0]; verb {
		case "version":
			_, _ = rw.WriteString("VERSION 1.6.21\r\n")
		case "get", "gets":
			f.mux.Lock()
			for _, key := range fields[1:] {
				if entry, found := f.entries[key]; found {
					_, _ = fmt.Fprintf(rw, "VALUE %s %d %d %d\r\n", key, entry.flags, len(entry.value), entry.cas)
					_, _ = rw.Write(entry.value)
					_, _ = rw.WriteString("\r\n")
				}
			}
			f.mux.Unlock()
			_, _ = rw.WriteString("END\r\n")
		case "set", "add", "cas":
			size, _ := strconv.Atoi(fields[4])
			data := make([]byte, size+2)
			if _, err := io.ReadFull(rw, data); err != nil {
				return
			}
			flags, _ := strconv.ParseUint(fields[2], 10, 32)
			exptime, _ := strconv.ParseInt(fields[3], 10, 64)
			var casID uint64
			if verb == "cas" {
				casID, _ = strconv.ParseUint(fields[5], 10, 64)
			}
			_, _ = rw.WriteString(f.store(verb, fields[1], fakeEntry{
				value: data[:size], flags: uint32(flags), exptime: exptime}, casID))
		case "delete":
			f.mux.Lock()
			if _, found := f.entries[fields[1]]; found {
				delete(f.entries, fields[1])
				_, _ = rw.WriteString("DELETED\r\n")
			} else {
				_, _ = rw.WriteString("NOT_FOUND\r\n")
			}
			f.mux.Unlock()
		default:
			_, _ = rw.WriteString("ERROR\r\n")
		}
		if err := rw.Flush(); err != nil {
			return
		}
	}
}

func (f *fakeMemcached) store(verb, key string, entry fakeEntry, casID uint64) string {
	f.mux.Lock()
	defer f.mux.Unlock()
	if f.failSets {
		return "SERVER_ERROR out of memory storing object\r\n"
	}
	if f.failKeys != "" && strings.HasPrefix(key, f.failKeys) {
		return "SERVER_ERROR object too large for cache\r\n"
	}

	existing, found := f.entries[key]
	switch verb {
	case "add":
		if found {
			return "NOT_STORED\r\n"
		}
	case "cas":
		if !found {
			return "NOT_FOUND\r\n"
		}
		if existing.cas != casID {
			return "EXISTS\r\n"
		}
	}
	f.nextCas++
	entry.cas = f.nextCas
	f.entries[key] = entry
	return "STORED\r\n"
}

// unusedServer returns a descriptor of a local port nothing listens on.
func unusedServer(t *testing.T) Server {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().(*net.TCPAddr)
	require.NoError(t, listener.Close())
	return Server{Host: addr.IP.String(), Port: addr.Port}
}
