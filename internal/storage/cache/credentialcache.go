package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-apns-gateway/pkg/apns"
)

// CredentialCache shares the provider token between gateway replicas signing
// with the same key, so the gateway does not see a token update per replica.
type CredentialCache struct {
	cache CacheClient
	key   string
	now   func() time.Time
}

// NewCredentialCache keys the token by team and key id.
func NewCredentialCache(cache CacheClient, cfg apns.Config) *CredentialCache {
	return &CredentialCache{
		cache: cache,
		key:   fmt.Sprintf("apns:credential:%s:%s", cfg.TeamID, cfg.KeyID),
		now:   time.Now,
	}
}

// Load returns (nil, nil) on a miss.
func (c *CredentialCache) Load(ctx context.Context) (*apns.Credential, error) {
	var cred apns.Credential
	err := c.cache.Get(ctx, c.key, &cred)
	if errors.Is(err, ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// Store publishes cred until it is due for refresh.
func (c *CredentialCache) Store(ctx context.Context, cred apns.Credential) error {
	ttl := cred.ValidFor - c.now().Sub(cred.IssuedAt)
	if ttl <= 0 {
		return nil
	}
	return c.cache.Set(ctx, c.key, cred, ttl)
}
