package activitypub

import (
	"github.com/dgraph-io/ristretto"
	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"
)

// NewMemoryCache returns the in-process cache used in front of the actor store.
func NewMemoryCache(maxEntries int64) (cache.CacheInterface[any], error) {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	client, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	var s store.StoreInterface = ristretto_store.NewRistretto(client)
	return cache.New[any](s), nil
}
