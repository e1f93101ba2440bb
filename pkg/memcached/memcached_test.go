package memcached

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nobletooth/pouch/pkg/cache"
)

const frozenUnix = 1_700_000_000

func clockAt(unix int64) cache.Option {
	return cache.WithClock(func() time.Time { return time.Unix(unix, 0) })
}

func TestParseServers(t *testing.T) {
	for _, testCase := range []struct {
		name        string
		descriptors string
		want        []Server
		wantErr     bool
	}{
		{name: "single", descriptors: "127.0.0.1:11211", want: []Server{{Host: "127.0.0.1", Port: 11211}}},
		{name: "weighted", descriptors: "cache-a:11211:3", want: []Server{{Host: "cache-a", Port: 11211, Weight: 3}}},
		{
			name:        "several_with_spaces",
			descriptors: " cache-a:11211:1 , cache-b:11212 ,",
			want:        []Server{{Host: "cache-a", Port: 11211, Weight: 1}, {Host: "cache-b", Port: 11212}},
		},
		{name: "empty", descriptors: "", wantErr: true},
		{name: "missing_port", descriptors: "cache-a", wantErr: true},
		{name: "non_integer_port", descriptors: "cache-a:http", wantErr: true},
		{name: "zero_port", descriptors: "cache-a:0", wantErr: true},
		{name: "port_out_of_range", descriptors: "cache-a:70000", wantErr: true},
		{name: "negative_weight", descriptors: "cache-a:11211:-1", wantErr: true},
		{name: "non_integer_weight", descriptors: "cache-a:11211:heavy", wantErr: true},
		{name: "too_many_parts", descriptors: "cache-a:11211:1:2", wantErr: true},
		{name: "empty_host", descriptors: ":11211", wantErr: true},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			servers, err := ParseServers(testCase.descriptors)
			if testCase.wantErr {
				assert.ErrorIs(t, err, cache.ErrStorage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testCase.want, servers)
		})
	}
}

func TestWeightedSelector(t *testing.T) {
	t.Run("single_server", func(t *testing.T) {
		selector, err := newWeightedSelector([]Server{{Host: "127.0.0.1", Port: 11211}})
		require.NoError(t, err)
		for i := range 10 {
			addr, err := selector.PickServer(fmt.Sprintf("key-%d", i))
			require.NoError(t, err)
			assert.Equal(t, "127.0.0.1:11211", addr.String())
		}
	})

	t.Run("no_servers", func(t *testing.T) {
		_, err := (&weightedSelector{}).PickServer("key")
		assert.ErrorIs(t, err, memcache.ErrNoServers)
	})

	t.Run("deterministic_and_weighted", func(t *testing.T) {
		selector, err := newWeightedSelector([]Server{
			{Host: "127.0.0.1", Port: 11211, Weight: 3},
			{Host: "127.0.0.1", Port: 11212, Weight: 1},
		})
		require.NoError(t, err)

		const keys = 10_000
		heavy := 0
		for i := range keys {
			key := fmt.Sprintf("key-%d", i)
			first, err := selector.PickServer(key)
			require.NoError(t, err)
			second, err := selector.PickServer(key)
			require.NoError(t, err)
			require.Equal(t, first, second)
			if first.String() == "127.0.0.1:11211" {
				heavy++
			}
		}
		assert.InDelta(t, 0.75, float64(heavy)/keys, 0.05)
	})

	t.Run("each_visits_every_server", func(t *testing.T) {
		selector, err := newWeightedSelector([]Server{{Host: "127.0.0.1", Port: 1}, {Host: "127.0.0.1", Port: 2}})
		require.NoError(t, err)
		var visited []string
		require.NoError(t, selector.Each(func(addr net.Addr) error {
			visited = append(visited, addr.String())
			return nil
		}))
		assert.Equal(t, []string{"127.0.0.1:1", "127.0.0.1:2"}, visited)
	})
}

func TestNew(t *testing.T) {
	t.Run("empty_topology", func(t *testing.T) {
		_, err := New(nil)
		assert.ErrorIs(t, err, cache.ErrStorage)
	})

	t.Run("unreachable_server", func(t *testing.T) {
		_, err := New([]Server{unusedServer(t)}, WithTimeout(200*time.Millisecond))
		assert.ErrorIs(t, err, cache.ErrStorage)
	})

	t.Run("one_of_two_unreachable", func(t *testing.T) {
		fake := startFakeMemcached(t)
		_, err := New([]Server{fake.server(), unusedServer(t)}, WithTimeout(200*time.Millisecond))
		assert.ErrorIs(t, err, cache.ErrStorage)
	})

	t.Run("single", func(t *testing.T) {
		fake := startFakeMemcached(t)
		server := fake.server()
		backend, err := NewSingle(server.Host, server.Port, DefaultWeight)
		require.NoError(t, err)
		assert.Equal(t, "memcached", backend.Name())
		assert.Equal(t, []Server{server}, backend.Servers())
		assert.NotNil(t, backend.Client())
	})
}

func newFakeBackend(t *testing.T) (*Backend, *fakeMemcached) {
	t.Helper()
	fake := startFakeMemcached(t)
	backend, err := New([]Server{fake.server()})
	require.NoError(t, err)
	return backend, fake
}

func TestBackend_SaveAndLoad(t *testing.T) {
	backend, fake := newFakeBackend(t)

	writer := cache.NewPool(backend, clockAt(frozenUnix))
	alpha, err := writer.GetItem("alpha")
	require.NoError(t, err)
	saved, err := writer.Save(alpha.Set("one").ExpiresAfter(cache.Seconds(60)))
	require.NoError(t, err)
	assert.True(t, saved)
	beta, err := writer.GetItem("beta")
	require.NoError(t, err)
	saved, err = writer.Save(beta.Set([]string{"n", "2"}).ExpiresAfter(cache.Seconds(0)))
	require.NoError(t, err)
	assert.True(t, saved)

	entry, found := fake.entry("alpha")
	require.True(t, found)
	assert.EqualValues(t, frozenUnix+60, entry.exptime)
	entry, found = fake.entry("beta")
	require.True(t, found)
	assert.EqualValues(t, 0, entry.exptime)

	reader := cache.NewPool(backend, clockAt(frozenUnix+30))
	alpha, err = reader.GetItem("alpha")
	require.NoError(t, err)
	assert.True(t, alpha.IsHit())
	assert.Equal(t, "one", alpha.Get())
	expiration, err := alpha.Expiration()
	require.NoError(t, err)
	assert.EqualValues(t, frozenUnix+60, expiration)

	beta, err = reader.GetItem("beta")
	require.NoError(t, err)
	assert.Equal(t, []string{"n", "2"}, beta.Get())

	keys, err := reader.AllKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, keys)
}

func TestBackend_ExpiredEntryIsMiss(t *testing.T) {
	backend, _ := newFakeBackend(t)

	writer := cache.NewPool(backend, clockAt(frozenUnix))
	item, err := writer.GetItem("short")
	require.NoError(t, err)
	_, err = writer.Save(item.Set("lived").ExpiresAfter(cache.Seconds(10)))
	require.NoError(t, err)

	exact := cache.NewPool(backend, clockAt(frozenUnix+10))
	hit, err := exact.HasItem("short")
	require.NoError(t, err)
	assert.True(t, hit)

	later := cache.NewPool(backend, clockAt(frozenUnix+11))
	hit, err = later.HasItem("short")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestBackend_UndecodableEntryIsMiss(t *testing.T) {
	backend, _ := newFakeBackend(t)
	require.NoError(t, backend.Client().Set(&memcache.Item{Key: "garbage", Value: []byte("not an envelope")}))

	item := cache.NewItem("garbage")
	require.NoError(t, backend.Load(item))
	assert.False(t, item.IsHit())
}

func TestBackend_Remove(t *testing.T) {
	backend, _ := newFakeBackend(t)
	pool := cache.NewPool(backend, clockAt(frozenUnix))
	for _, key := range []string{"a", "b", "c"} {
		item, err := pool.GetItem(key)
		require.NoError(t, err)
		_, err = pool.Save(item.Set(key).ExpiresAfter(cache.Seconds(0)))
		require.NoError(t, err)
	}

	removed, err := backend.Remove("b")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = backend.Remove("b")
	require.NoError(t, err)
	assert.False(t, removed)

	keys, err := backend.ListAllKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, keys)
}

func TestBackend_ClearAll(t *testing.T) {
	backend, fake := newFakeBackend(t)

	keys, err := backend.ListAllKeys()
	require.NoError(t, err)
	assert.Empty(t, keys)
	cleared, err := backend.ClearAll()
	require.NoError(t, err)
	assert.True(t, cleared)

	pool := cache.NewPool(backend, clockAt(frozenUnix))
	for _, key := range []string{"x", "y"} {
		item, err := pool.GetItem(key)
		require.NoError(t, err)
		_, err = pool.Save(item.Set(key).ExpiresAfter(cache.Seconds(0)))
		require.NoError(t, err)
	}
	// Evicted behind the index's back.
	require.NoError(t, backend.Client().Delete("x"))

	cleared, err = backend.ClearAll()
	require.NoError(t, err)
	assert.True(t, cleared)
	_, found := fake.entry("y")
	assert.False(t, found)
	keys, err = backend.ListAllKeys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestBackend_StorageFailure(t *testing.T) {
	backend, fake := newFakeBackend(t)
	fake.setFailSets(true)

	pool := cache.NewPool(backend, clockAt(frozenUnix))
	item, err := pool.GetItem("doomed")
	require.NoError(t, err)
	_, err = pool.Save(item.Set("value").ExpiresAfter(cache.Seconds(5)))
	assert.ErrorIs(t, err, cache.ErrStorage)
}

func TestBackend_IndexSpansBuckets(t *testing.T) {
	backend, fake := newFakeBackend(t)
	pool := cache.NewPool(backend, clockAt(frozenUnix))

	const keyCount = 200
	expected := make([]string, 0, keyCount)
	for i := range keyCount {
		key := fmt.Sprintf("key-%03d", i)
		expected = append(expected, key)
		item, err := pool.GetItem(key)
		require.NoError(t, err)
		saved, err := pool.Save(item.Set(i).ExpiresAfter(cache.Seconds(0)))
		require.NoError(t, err)
		require.True(t, saved)
	}

	buckets := fake.keysWithPrefix(indexPrefix + ":")
	assert.Greater(t, len(buckets), 1)
	assert.LessOrEqual(t, len(buckets), indexBuckets)
	for _, bucket := range buckets {
		entry, found := fake.entry(bucket)
		require.True(t, found)
		for _, key := range decodeIndex(entry.value) {
			assert.Equal(t, bucket, indexBucket(key), "key %s is indexed in the wrong bucket", key)
		}
	}

	keys, err := backend.ListAllKeys()
	require.NoError(t, err)
	assert.Equal(t, expected, keys)

	cleared, err := backend.ClearAll()
	require.NoError(t, err)
	assert.True(t, cleared)
	keys, err = backend.ListAllKeys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestBackend_OverwriteLeavesIndexAlone(t *testing.T) {
	backend, fake := newFakeBackend(t)
	pool := cache.NewPool(backend, clockAt(frozenUnix))
	item, err := pool.GetItem("steady")
	require.NoError(t, err)
	_, err = pool.Save(item.Set("v1").ExpiresAfter(cache.Seconds(0)))
	require.NoError(t, err)
	bucket, found := fake.entry(indexBucket("steady"))
	require.True(t, found)

	// The index entry would refuse a write, but an already indexed key needs none.
	fake.setFailKeys(indexPrefix)
	saved, err := pool.Save(item.Set("v2"))
	require.NoError(t, err)
	assert.True(t, saved)
	after, found := fake.entry(indexBucket("steady"))
	require.True(t, found)
	assert.Equal(t, bucket.cas, after.cas)
}

func TestBackend_UnindexedValueIsRolledBack(t *testing.T) {
	backend, fake := newFakeBackend(t)
	fake.setFailKeys(indexPrefix)

	pool := cache.NewPool(backend, clockAt(frozenUnix))
	item, err := pool.GetItem("orphan")
	require.NoError(t, err)
	saved, err := pool.Save(item.Set("value").ExpiresAfter(cache.Seconds(60)))
	assert.ErrorIs(t, err, cache.ErrStorage)
	assert.False(t, saved)

	_, found := fake.entry("orphan")
	assert.False(t, found)
	keys, err := backend.ListAllKeys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestIndexHelpers(t *testing.T) {
	keys := insertKey(nil, "m")
	keys = insertKey(keys, "a")
	keys = insertKey(keys, "z")
	keys = insertKey(keys, "m")
	assert.Equal(t, []string{"a", "m", "z"}, keys)
	assert.Equal(t, keys, decodeIndex(encodeIndex(keys)))
	assert.Equal(t, []string{}, decodeIndex(nil))
	assert.Equal(t, []string{"z"}, removeKeys(keys, "a", "m", "missing"))
}
