// Package cache implements the read-through external cache (C3) in front
// of the credential store: namespaced Redis entries for client-credential
// info and quota policies, with TTLs and explicit invalidation. A cache
// failure never fails a request — callers treat errors as misses.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/HanTheDev/anthropic-gateway/internal/models"
)

// CredentialInfo is the cacheable projection of a ClientCredential: just
// enough for the resolver to decide validity and identify the tenant,
// without ever caching the hash's plaintext origin.
type CredentialInfo struct {
	TenantID  string     `json:"tenantId"`
	UserID    string     `json:"userId"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// IsValid mirrors ClientCredential.IsValid for the cached projection.
func (c CredentialInfo) IsValid() bool {
	if c.Status != string(models.CredentialActive) {
		return false
	}
	return c.ExpiresAt == nil || c.ExpiresAt.After(time.Now())
}

// Cache wraps a Redis client with the gateway's key namespace and TTLs.
type Cache struct {
	client         *redis.Client
	keyPrefix      string
	apiKeyTTL      time.Duration
	quotaPolicyTTL time.Duration
}

// New parses redisURL and constructs a Cache with the given namespace
// prefix and TTLs.
func New(redisURL, keyPrefix string, apiKeyTTL, quotaPolicyTTL time.Duration) (*Cache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &Cache{
		client:         redis.NewClient(opt),
		keyPrefix:      keyPrefix,
		apiKeyTTL:      apiKeyTTL,
		quotaPolicyTTL: quotaPolicyTTL,
	}, nil
}

// Close releases the underlying Redis connection.
func (c *Cache) Close() error { return c.client.Close() }

func (c *Cache) apiKeyCacheKey(hash string) string { return c.keyPrefix + "apikey:" + hash }
func (c *Cache) quotaCacheKey(tenantID string) string { return c.keyPrefix + "quota:" + tenantID }

// GetCredentialInfo returns the cached projection for a credential hash,
// or (nil, false) on miss or any cache-layer error.
func (c *Cache) GetCredentialInfo(ctx context.Context, hash string) (*CredentialInfo, bool) {
	raw, err := c.client.Get(ctx, c.apiKeyCacheKey(hash)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Str("component", "cache").Err(err).Msg("apikey cache get failed, treating as miss")
		}
		return nil, false
	}
	var info CredentialInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		log.Warn().Str("component", "cache").Err(err).Msg("failed to deserialize cached credential info")
		return nil, false
	}
	return &info, true
}

// PutCredentialInfo writes through a resolved credential's cacheable
// projection. Failures are logged, never propagated.
func (c *Cache) PutCredentialInfo(ctx context.Context, hash string, info CredentialInfo) {
	raw, err := json.Marshal(info)
	if err != nil {
		log.Warn().Str("component", "cache").Err(err).Msg("failed to serialize credential info")
		return
	}
	if err := c.client.Set(ctx, c.apiKeyCacheKey(hash), raw, c.apiKeyTTL).Err(); err != nil {
		log.Debug().Str("component", "cache").Err(err).Msg("apikey cache put failed")
	}
}

// InvalidateCredential deletes the cached projection for a credential
// hash. Called on revocation.
func (c *Cache) InvalidateCredential(ctx context.Context, hash string) {
	if err := c.client.Del(ctx, c.apiKeyCacheKey(hash)).Err(); err != nil {
		log.Warn().Str("component", "cache").Err(err).Msg("failed to invalidate credential cache entry")
	}
}

// GetQuotaPolicy returns the cached quota policy for a tenant, or
// (nil, false) on miss or error.
func (c *Cache) GetQuotaPolicy(ctx context.Context, tenantID string) (*models.QuotaPolicy, bool) {
	raw, err := c.client.Get(ctx, c.quotaCacheKey(tenantID)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Str("component", "cache").Err(err).Msg("quota cache get failed, treating as miss")
		}
		return nil, false
	}
	var policy models.QuotaPolicy
	if err := json.Unmarshal([]byte(raw), &policy); err != nil {
		log.Warn().Str("component", "cache").Err(err).Msg("failed to deserialize cached quota policy")
		return nil, false
	}
	return &policy, true
}

// PutQuotaPolicy writes through a resolved quota policy.
func (c *Cache) PutQuotaPolicy(ctx context.Context, tenantID string, policy models.QuotaPolicy) {
	raw, err := json.Marshal(policy)
	if err != nil {
		log.Warn().Str("component", "cache").Err(err).Msg("failed to serialize quota policy")
		return
	}
	if err := c.client.Set(ctx, c.quotaCacheKey(tenantID), raw, c.quotaPolicyTTL).Err(); err != nil {
		log.Debug().Str("component", "cache").Err(err).Msg("quota cache put failed")
	}
}

// InvalidateQuotaPolicy deletes the cached policy for a tenant. Called on
// policy update.
func (c *Cache) InvalidateQuotaPolicy(ctx context.Context, tenantID string) {
	if err := c.client.Del(ctx, c.quotaCacheKey(tenantID)).Err(); err != nil {
		log.Warn().Str("component", "cache").Err(err).Msg("failed to invalidate quota policy cache entry")
	}
}
