package pool

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	gocache "github.com/patrickmn/go-cache"

	"kiropool/internal/kiro"
	"kiropool/internal/store"
)

// serviceCache keeps one live Service per provider. Entries invalidate
// themselves when the stored credential blob no longer matches the
// service's in-memory copy, which happens when an admin re-authorizes
// an account out from under us.
type serviceCache struct {
	store *store.Store
	cache *gocache.Cache
}

func newServiceCache(st *store.Store) *serviceCache {
	return &serviceCache{
		store: st,
		cache: gocache.New(30*time.Minute, 10*time.Minute),
	}
}

func credHash(c store.Credentials) uint64 {
	b, err := json.Marshal(c)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(b)
}

func (sc *serviceCache) get(p *store.Provider) *kiro.Service {
	key := strconv.FormatInt(p.ID, 10)
	want := credHash(p.Credentials)

	if v, ok := sc.cache.Get(key); ok {
		svc := v.(*kiro.Service)
		if credHash(svc.Credentials()) == want {
			return svc
		}
	}

	svc := kiro.NewService(sc.store, p)
	sc.cache.SetDefault(key, svc)
	return svc
}

func (sc *serviceCache) invalidate(providerID int64) {
	sc.cache.Delete(strconv.FormatInt(providerID, 10))
}
