// Package tenant implements the tenant resolver (C5): bearer token to
// TenantContext, checking a static fallback table, then the read-through
// cache, then the durable store, composing the two credential sources in
// a fixed order per spec.md's "Design Notes" recommendation.
package tenant

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/HanTheDev/anthropic-gateway/internal/cache"
	"github.com/HanTheDev/anthropic-gateway/internal/crypto"
	"github.com/HanTheDev/anthropic-gateway/internal/gwerrors"
	"github.com/HanTheDev/anthropic-gateway/internal/models"
	"github.com/HanTheDev/anthropic-gateway/internal/store"
)

const bearerPrefix = "Bearer "

// CredentialStore is the read side of the durable store the resolver
// needs.
type CredentialStore interface {
	FindActiveCredentialByKeyHash(ctx context.Context, hash string) (*models.ClientCredential, error)
	FindTenant(ctx context.Context, tenantID string) (*models.Tenant, error)
	FindQuotaPolicy(ctx context.Context, tenantID string) (*models.QuotaPolicy, error)
}

// StaticEntry is one row of the operator-configured fallback table: an
// operator convenience that bypasses the store entirely.
type StaticEntry struct {
	TenantID string
	UserID   string
	Plan     models.Plan
}

// Resolver resolves a bearer credential to a TenantContext.
type Resolver struct {
	staticTable     map[string]StaticEntry
	useYamlFallback bool
	useDatabase     bool
	store           CredentialStore
	cache           *cache.Cache
	defaultRPM      int
}

// Config bundles Resolver construction parameters.
type Config struct {
	UseYamlFallback bool
	UseDatabase     bool
	StaticTable     map[string]StaticEntry
	Store           CredentialStore
	Cache           *cache.Cache
	DefaultRPM      int
}

// New constructs a Resolver.
func New(cfg Config) *Resolver {
	return &Resolver{
		staticTable:     cfg.StaticTable,
		useYamlFallback: cfg.UseYamlFallback,
		useDatabase:     cfg.UseDatabase,
		store:           cfg.Store,
		cache:           cfg.Cache,
		defaultRPM:      cfg.DefaultRPM,
	}
}

// Resolve implements the algorithm of spec §4.5 against the raw
// Authorization header value.
func (r *Resolver) Resolve(ctx context.Context, authHeader string) (models.TenantContext, error) {
	if authHeader == "" {
		return models.TenantContext{}, gwerrors.NewResolveError(gwerrors.MissingHeader)
	}
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return models.TenantContext{}, gwerrors.NewResolveError(gwerrors.InvalidScheme)
	}

	credential := strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
	if credential == "" {
		return models.TenantContext{}, gwerrors.NewResolveError(gwerrors.MissingCredential)
	}

	if r.useYamlFallback {
		if entry, ok := r.staticTable[credential]; ok {
			policy := models.DefaultQuotaPolicy(entry.TenantID, r.defaultRPM)
			log.Debug().Str("component", "resolver").Str("tenant_id", entry.TenantID).Msg("resolved from static table")
			return models.TenantContext{
				TenantID:    entry.TenantID,
				UserID:      entry.UserID,
				Plan:        entry.Plan,
				QuotaPolicy: policy,
			}, nil
		}
	}

	if !r.useDatabase {
		return models.TenantContext{}, gwerrors.NewResolveError(gwerrors.UnknownCredential)
	}

	hash := crypto.Hash(credential)
	tenantID, userID, err := r.resolveCredentialHash(ctx, hash)
	if err != nil {
		return models.TenantContext{}, err
	}

	t, err := r.store.FindTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.TenantContext{}, gwerrors.NewResolveError(gwerrors.TenantMissing)
		}
		return models.TenantContext{}, err
	}

	policy, err := r.resolveQuotaPolicy(ctx, tenantID)
	if err != nil {
		return models.TenantContext{}, err
	}

	return models.TenantContext{
		TenantID:    tenantID,
		UserID:      userID,
		Plan:        t.Plan,
		QuotaPolicy: policy,
	}, nil
}

func (r *Resolver) resolveCredentialHash(ctx context.Context, hash string) (tenantID, userID string, err error) {
	if info, hit := r.cache.GetCredentialInfo(ctx, hash); hit {
		if info.IsValid() {
			return info.TenantID, info.UserID, nil
		}
		log.Debug().Str("component", "resolver").Msg("cached credential is invalid, falling through to store")
	}

	cred, err := r.store.FindActiveCredentialByKeyHash(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", "", gwerrors.NewResolveError(gwerrors.UnknownCredential)
		}
		return "", "", err
	}
	if !cred.IsValid() {
		if cred.IsExpired() {
			return "", "", gwerrors.NewResolveError(gwerrors.Expired)
		}
		return "", "", gwerrors.NewResolveError(gwerrors.Revoked)
	}

	r.cache.PutCredentialInfo(ctx, hash, cache.CredentialInfo{
		TenantID:  cred.TenantID,
		UserID:    cred.UserID,
		Status:    string(cred.Status),
		ExpiresAt: cred.ExpiresAt,
	})

	return cred.TenantID, cred.UserID, nil
}

func (r *Resolver) resolveQuotaPolicy(ctx context.Context, tenantID string) (models.QuotaPolicy, error) {
	if policy, hit := r.cache.GetQuotaPolicy(ctx, tenantID); hit {
		return *policy, nil
	}

	policy, err := r.store.FindQuotaPolicy(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.DefaultQuotaPolicy(tenantID, r.defaultRPM), nil
		}
		return models.QuotaPolicy{}, err
	}

	r.cache.PutQuotaPolicy(ctx, tenantID, *policy)
	return *policy, nil
}
