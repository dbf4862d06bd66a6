package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func cachePage(env *Environment, address uint64) *Page {
	p := NewPage(env.device, nil)
	p.address = address
	return p
}

func TestCachePutGet(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})
	cache := NewCache(env, 16*1024)

	p1 := cachePage(env, 1024)
	p2 := cachePage(env, 2048)
	cache.PutPage(p1)
	cache.PutPage(p2)

	require.Equal(t, p1, cache.GetPage(1024))
	require.Equal(t, p2, cache.GetPage(2048))
	require.Nil(t, cache.GetPage(4096))

	require.Equal(t, uint64(2), cache.CurrentElements())
	require.NoError(t, cache.CheckIntegrity())
}

func TestCachePutIsIdempotent(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})
	cache := NewCache(env, 16*1024)

	p := cachePage(env, 1024)
	cache.PutPage(p)
	cache.PutPage(p)
	require.Equal(t, uint64(1), cache.CurrentElements())
	require.NoError(t, cache.CheckIntegrity())
}

func TestCacheLRUOrder(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})
	cache := NewCache(env, 16*1024)

	p1 := cachePage(env, 1024)
	p2 := cachePage(env, 2048)
	p3 := cachePage(env, 3072)
	cache.PutPage(p1)
	cache.PutPage(p2)
	cache.PutPage(p3)

	// accessing p1 moves it to the head; p2 is now the tail
	cache.GetPage(1024)
	require.Equal(t, p2, cache.totallistTail)

	var victims []uint64
	err := cache.Purge(func(p *Page) error {
		victims = append(victims, p.address)
		return nil
	}, 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{2048}, victims)
	require.Nil(t, cache.GetPage(2048))
}

func TestCacheIsFull(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})
	cache := NewCache(env, 2*1024)

	cache.PutPage(cachePage(env, 1024))
	require.False(t, cache.IsFull())
	cache.PutPage(cachePage(env, 2048))
	require.False(t, cache.IsFull())
	cache.PutPage(cachePage(env, 3072))
	require.True(t, cache.IsFull())
}

func TestCacheSkipsChangesetPages(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})
	cache := NewCache(env, 1024)

	p1 := cachePage(env, 1024)
	p2 := cachePage(env, 2048)
	cache.PutPage(p1)
	cache.PutPage(p2)
	env.changeset.head = p1.listInsert(env.changeset.head, listChangeset)

	var victims []uint64
	err := cache.Purge(func(p *Page) error {
		victims = append(victims, p.address)
		return nil
	}, 10)
	require.NoError(t, err)
	require.NotContains(t, victims, uint64(1024))
	env.changeset.Clear()
}

func TestCacheVisitRemoves(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})
	cache := NewCache(env, 16*1024)

	cache.PutPage(cachePage(env, 1024))
	cache.PutPage(cachePage(env, 2048))

	err := cache.Visit(func(p *Page) (bool, error) {
		return p.address == 1024, nil
	})
	require.NoError(t, err)
	require.Nil(t, cache.GetPage(1024))
	require.NotNil(t, cache.GetPage(2048))
}

func TestCacheMetrics(t *testing.T) {
	env := testEnv(t, Config{PageSize: 1024})
	cache := NewCache(env, 16*1024)
	cache.PutPage(cachePage(env, 1024))

	cache.GetPage(1024)
	cache.GetPage(9999)

	require.Equal(t, uint64(1), cache.hits)
	require.Equal(t, uint64(1), cache.misses)
}
