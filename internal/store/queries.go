package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/HanTheDev/anthropic-gateway/internal/models"
)

// ErrNotFound is returned by the single-row lookups below when no
// matching record exists.
var ErrNotFound = errors.New("not found")

// FindActiveCredentialByKeyHash returns the credential for hash only when
// its status is active; the caller is responsible for the expiry check
// (spec keeps status and expiry as separate, orthogonal checks).
func (s *Store) FindActiveCredentialByKeyHash(ctx context.Context, hash string) (*models.ClientCredential, error) {
	const query = `
		SELECT key_id, tenant_id, user_id, key_prefix, key_hash, status,
		       scopes, expires_at, created_at, updated_at
		FROM api_key
		WHERE key_hash = $1 AND status = 'active'
	`

	var c models.ClientCredential
	err := s.Pool.QueryRow(ctx, query, hash).Scan(
		&c.KeyID, &c.TenantID, &c.UserID, &c.KeyPrefix, &c.KeyHash, &c.Status,
		&c.Scopes, &c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindTenant looks up a tenant by ID.
func (s *Store) FindTenant(ctx context.Context, tenantID string) (*models.Tenant, error) {
	const query = `
		SELECT tenant_id, name, plan, status, created_at, updated_at
		FROM tenant
		WHERE tenant_id = $1
	`

	var t models.Tenant
	err := s.Pool.QueryRow(ctx, query, tenantID).Scan(
		&t.TenantID, &t.Name, &t.Plan, &t.Status, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// FindQuotaPolicy looks up the quota policy for a tenant.
func (s *Store) FindQuotaPolicy(ctx context.Context, tenantID string) (*models.QuotaPolicy, error) {
	const query = `
		SELECT tenant_id, rpm_limit, tpm_limit, monthly_token_cap, burst_multiplier
		FROM quota_policy
		WHERE tenant_id = $1
	`

	var q models.QuotaPolicy
	err := s.Pool.QueryRow(ctx, query, tenantID).Scan(
		&q.TenantID, &q.RPMLimit, &q.TPMLimit, &q.MonthlyTokenCap, &q.BurstMultiplier,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// ListActiveUpstreamCredentials returns every upstream credential
// currently marked active, for the upstream pool to decrypt and load.
func (s *Store) ListActiveUpstreamCredentials(ctx context.Context) ([]models.UpstreamCredential, error) {
	const query = `
		SELECT upstream_key_id, provider, status, key_version, iv, ciphertext, tag, aad
		FROM upstream_key_secret
		WHERE status = 'active'
	`

	rows, err := s.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []models.UpstreamCredential
	for rows.Next() {
		var c models.UpstreamCredential
		var aad *string
		if err := rows.Scan(
			&c.UpstreamKeyID, &c.Provider, &c.Status, &c.KeyVersion,
			&c.IV, &c.Ciphertext, &c.Tag, &aad,
		); err != nil {
			return nil, err
		}
		if aad != nil {
			c.AAD = *aad
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// CreateTenant inserts a new tenant row.
func (s *Store) CreateTenant(ctx context.Context, t *models.Tenant) error {
	const query = `
		INSERT INTO tenant (tenant_id, name, plan, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := s.Pool.Exec(ctx, query, t.TenantID, t.Name, t.Plan, t.Status, now)
	return err
}

// InsertQuotaPolicy inserts the quota policy row for a tenant, replacing
// the existing row when the tenant already has one.
func (s *Store) InsertQuotaPolicy(ctx context.Context, q *models.QuotaPolicy) error {
	const query = `
		INSERT INTO quota_policy (tenant_id, rpm_limit, tpm_limit, monthly_token_cap, burst_multiplier)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id) DO UPDATE SET
			rpm_limit = EXCLUDED.rpm_limit,
			tpm_limit = EXCLUDED.tpm_limit,
			monthly_token_cap = EXCLUDED.monthly_token_cap,
			burst_multiplier = EXCLUDED.burst_multiplier
	`
	_, err := s.Pool.Exec(ctx, query, q.TenantID, q.RPMLimit, q.TPMLimit, q.MonthlyTokenCap, q.BurstMultiplier)
	return err
}

// InsertCredential inserts a new client credential row.
func (s *Store) InsertCredential(ctx context.Context, c *models.ClientCredential) error {
	const query = `
		INSERT INTO api_key (key_id, tenant_id, user_id, key_prefix, key_hash, status, scopes, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	_, err := s.Pool.Exec(ctx, query,
		c.KeyID, c.TenantID, c.UserID, c.KeyPrefix, c.KeyHash, c.Status, c.Scopes, c.ExpiresAt, now,
	)
	return err
}

// RevokeCredentialByKeyID marks a credential revoked and returns its hash
// and tenant so the caller can invalidate the cache and audit the change.
func (s *Store) RevokeCredentialByKeyID(ctx context.Context, keyID string) (*models.ClientCredential, error) {
	const selectQuery = `
		SELECT key_id, tenant_id, user_id, key_prefix, key_hash, status, scopes, expires_at, created_at, updated_at
		FROM api_key WHERE key_id = $1
	`
	var c models.ClientCredential
	err := s.Pool.QueryRow(ctx, selectQuery, keyID).Scan(
		&c.KeyID, &c.TenantID, &c.UserID, &c.KeyPrefix, &c.KeyHash, &c.Status,
		&c.Scopes, &c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	const updateQuery = `UPDATE api_key SET status = 'revoked', updated_at = $2 WHERE key_id = $1`
	if _, err := s.Pool.Exec(ctx, updateQuery, keyID, time.Now()); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCredentialsByTenant returns every credential belonging to a tenant.
func (s *Store) ListCredentialsByTenant(ctx context.Context, tenantID string) ([]models.ClientCredential, error) {
	const query = `
		SELECT key_id, tenant_id, user_id, key_prefix, key_hash, status, scopes, expires_at, created_at, updated_at
		FROM api_key WHERE tenant_id = $1
	`
	rows, err := s.Pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []models.ClientCredential
	for rows.Next() {
		var c models.ClientCredential
		if err := rows.Scan(
			&c.KeyID, &c.TenantID, &c.UserID, &c.KeyPrefix, &c.KeyHash, &c.Status,
			&c.Scopes, &c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// InsertAuditLog records one admin-plane mutation.
func (s *Store) InsertAuditLog(ctx context.Context, a *models.AdminAuditLog) error {
	const query = `
		INSERT INTO admin_audit_log (actor, action, target_type, target_id, detail_json, client_ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	a.CreatedAt = time.Now()
	_, err := s.Pool.Exec(ctx, query, a.Actor, a.Action, a.TargetType, a.TargetID, a.DetailJSON, a.ClientIP, a.CreatedAt)
	return err
}
