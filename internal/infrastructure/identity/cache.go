package identity

import (
	"context"
	"errors"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/garyjia/campus-approvals/internal/application/port"
	"github.com/garyjia/campus-approvals/internal/domain/identity"
)

// CachingProvider memoizes successful resolutions of another RoleProvider.
// Failed lookups are not cached so a newly provisioned token works immediately.
type CachingProvider struct {
	inner port.RoleProvider
	c     *ttlcache.Cache[string, identity.Actor]
}

// NewCachingProvider wraps inner with a cache of at most size entries living for ttl
func NewCachingProvider(inner port.RoleProvider, size int, ttl time.Duration) *CachingProvider {
	c := ttlcache.New(
		ttlcache.WithCapacity[string, identity.Actor](uint64(size)),
		ttlcache.WithTTL[string, identity.Actor](ttl),
	)

	return &CachingProvider{
		inner: inner,
		c:     c,
	}
}

// Resolve returns the cached actor or asks the wrapped provider
func (p *CachingProvider) Resolve(ctx context.Context, token string) (identity.Actor, error) {
	if item := p.c.Get(token); item != nil {
		return item.Value(), nil
	}

	actor, err := p.inner.Resolve(ctx, token)
	if err != nil {
		return identity.Actor{}, err
	}

	p.c.Set(token, actor, ttlcache.DefaultTTL)
	return actor, nil
}

// Invalidate drops a token, e.g. after a role change
func (p *CachingProvider) Invalidate(token string) {
	p.c.Delete(token)
}

// Len returns the number of cached tokens
func (p *CachingProvider) Len() int {
	return p.c.Len()
}

// StartEviction removes expired entries in the background until ctx is done
func (p *CachingProvider) StartEviction(ctx context.Context) {
	go p.c.Start()

	<-ctx.Done()

	p.c.Stop()
}

// IsUnauthenticated reports whether err means the token is unknown
func IsUnauthenticated(err error) bool {
	return errors.Is(err, identity.ErrUnauthenticated)
}
