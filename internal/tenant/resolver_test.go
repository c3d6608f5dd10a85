package tenant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/anthropic-gateway/internal/cache"
	"github.com/HanTheDev/anthropic-gateway/internal/gwerrors"
	"github.com/HanTheDev/anthropic-gateway/internal/models"
	"github.com/HanTheDev/anthropic-gateway/internal/store"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) FindActiveCredentialByKeyHash(ctx context.Context, hash string) (*models.ClientCredential, error) {
	args := m.Called(ctx, hash)
	cred, _ := args.Get(0).(*models.ClientCredential)
	return cred, args.Error(1)
}

func (m *mockStore) FindTenant(ctx context.Context, tenantID string) (*models.Tenant, error) {
	args := m.Called(ctx, tenantID)
	tenant, _ := args.Get(0).(*models.Tenant)
	return tenant, args.Error(1)
}

func (m *mockStore) FindQuotaPolicy(ctx context.Context, tenantID string) (*models.QuotaPolicy, error) {
	args := m.Called(ctx, tenantID)
	policy, _ := args.Get(0).(*models.QuotaPolicy)
	return policy, args.Error(1)
}

func newTestResolver(t *testing.T, cfg Config) (*Resolver, *mockStore) {
	t.Helper()
	ms := &mockStore{}
	if cfg.Cache == nil {
		mr := miniredis.RunT(t)
		c, err := cache.New("redis://"+mr.Addr(), "gw:", time.Minute, time.Minute)
		require.NoError(t, err)
		t.Cleanup(func() { c.Close() })
		cfg.Cache = c
	}
	cfg.Store = ms
	cfg.UseDatabase = true
	if cfg.DefaultRPM == 0 {
		cfg.DefaultRPM = 60
	}
	return New(cfg), ms
}

func resolveErrKind(t *testing.T, err error) gwerrors.ResolveErrorKind {
	t.Helper()
	var re *gwerrors.ResolveError
	require.ErrorAs(t, err, &re)
	return re.Kind
}

func TestResolve_MissingHeader(t *testing.T) {
	r, _ := newTestResolver(t, Config{})
	_, err := r.Resolve(context.Background(), "")
	assert.Equal(t, gwerrors.MissingHeader, resolveErrKind(t, err))
}

func TestResolve_InvalidScheme(t *testing.T) {
	r, _ := newTestResolver(t, Config{})
	_, err := r.Resolve(context.Background(), "Basic abc123")
	assert.Equal(t, gwerrors.InvalidScheme, resolveErrKind(t, err))
}

func TestResolve_MissingCredentialAfterBearer(t *testing.T) {
	r, _ := newTestResolver(t, Config{})
	_, err := r.Resolve(context.Background(), "Bearer    ")
	assert.Equal(t, gwerrors.MissingCredential, resolveErrKind(t, err))
}

func TestResolve_StaticTableHit(t *testing.T) {
	r, ms := newTestResolver(t, Config{
		UseYamlFallback: true,
		StaticTable: map[string]StaticEntry{
			"static-cred": {TenantID: "tenant-static", UserID: "user-1", Plan: models.PlanBasic},
		},
	})
	tc, err := r.Resolve(context.Background(), "Bearer static-cred")
	require.NoError(t, err)
	assert.Equal(t, "tenant-static", tc.TenantID)
	assert.Equal(t, models.PlanBasic, tc.Plan)
	ms.AssertNotCalled(t, "FindActiveCredentialByKeyHash", mock.Anything, mock.Anything)
}

func TestResolve_DatabaseDisabledAndNoStaticMatch(t *testing.T) {
	r, _ := newTestResolver(t, Config{})
	r.useDatabase = false
	_, err := r.Resolve(context.Background(), "Bearer unknown-cred")
	assert.Equal(t, gwerrors.UnknownCredential, resolveErrKind(t, err))
}

func TestResolve_UnknownCredential(t *testing.T) {
	r, ms := newTestResolver(t, Config{})
	ms.On("FindActiveCredentialByKeyHash", mock.Anything, mock.Anything).Return(nil, store.ErrNotFound)

	_, err := r.Resolve(context.Background(), "Bearer nope")
	assert.Equal(t, gwerrors.UnknownCredential, resolveErrKind(t, err))
}

func TestResolve_ExpiredCredential(t *testing.T) {
	r, ms := newTestResolver(t, Config{})
	past := time.Now().Add(-time.Hour)
	ms.On("FindActiveCredentialByKeyHash", mock.Anything, mock.Anything).Return(&models.ClientCredential{
		TenantID: "t1", UserID: "u1", Status: models.CredentialActive, ExpiresAt: &past,
	}, nil)

	_, err := r.Resolve(context.Background(), "Bearer expired-cred")
	assert.Equal(t, gwerrors.Expired, resolveErrKind(t, err))
}

func TestResolve_RevokedCredential(t *testing.T) {
	r, ms := newTestResolver(t, Config{})
	ms.On("FindActiveCredentialByKeyHash", mock.Anything, mock.Anything).Return(&models.ClientCredential{
		TenantID: "t1", UserID: "u1", Status: models.CredentialRevoked,
	}, nil)

	_, err := r.Resolve(context.Background(), "Bearer revoked-cred")
	assert.Equal(t, gwerrors.Revoked, resolveErrKind(t, err))
}

func TestResolve_TenantMissing(t *testing.T) {
	r, ms := newTestResolver(t, Config{})
	ms.On("FindActiveCredentialByKeyHash", mock.Anything, mock.Anything).Return(&models.ClientCredential{
		TenantID: "ghost-tenant", UserID: "u1", Status: models.CredentialActive,
	}, nil)
	ms.On("FindTenant", mock.Anything, "ghost-tenant").Return(nil, store.ErrNotFound)

	_, err := r.Resolve(context.Background(), "Bearer valid-but-orphaned")
	assert.Equal(t, gwerrors.TenantMissing, resolveErrKind(t, err))
}

func TestResolve_FullStorePathSucceedsAndCachesQuotaPolicy(t *testing.T) {
	r, ms := newTestResolver(t, Config{})
	ms.On("FindActiveCredentialByKeyHash", mock.Anything, mock.Anything).Return(&models.ClientCredential{
		TenantID: "tenant-1", UserID: "user-1", Status: models.CredentialActive,
	}, nil).Once()
	ms.On("FindTenant", mock.Anything, "tenant-1").Return(&models.Tenant{
		TenantID: "tenant-1", Plan: models.PlanBasic, Status: models.TenantActive,
	}, nil)
	ms.On("FindQuotaPolicy", mock.Anything, "tenant-1").Return(&models.QuotaPolicy{
		TenantID: "tenant-1", RPMLimit: 200, BurstMultiplier: 1.2,
	}, nil).Once()

	tc, err := r.Resolve(context.Background(), "Bearer good-cred")
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", tc.TenantID)
	assert.Equal(t, 200, tc.QuotaPolicy.RPMLimit)

	// Second resolve for the same credential should hit the cache and never
	// call the store's credential lookup again.
	tc2, err := r.Resolve(context.Background(), "Bearer good-cred")
	require.NoError(t, err)
	assert.Equal(t, tc.TenantID, tc2.TenantID)
	ms.AssertNumberOfCalls(t, "FindActiveCredentialByKeyHash", 1)
	ms.AssertNumberOfCalls(t, "FindQuotaPolicy", 1)
}

func TestResolve_QuotaPolicyNotFoundFallsBackToDefault(t *testing.T) {
	r, ms := newTestResolver(t, Config{DefaultRPM: 42})
	ms.On("FindActiveCredentialByKeyHash", mock.Anything, mock.Anything).Return(&models.ClientCredential{
		TenantID: "tenant-2", UserID: "user-2", Status: models.CredentialActive,
	}, nil)
	ms.On("FindTenant", mock.Anything, "tenant-2").Return(&models.Tenant{
		TenantID: "tenant-2", Plan: models.PlanBasic, Status: models.TenantActive,
	}, nil)
	ms.On("FindQuotaPolicy", mock.Anything, "tenant-2").Return(nil, store.ErrNotFound)

	tc, err := r.Resolve(context.Background(), "Bearer cred-2")
	require.NoError(t, err)
	assert.Equal(t, 42, tc.QuotaPolicy.RPMLimit)
	assert.Equal(t, 1.5, tc.QuotaPolicy.BurstMultiplier)
}

func TestResolve_StoreErrorPropagates(t *testing.T) {
	r, ms := newTestResolver(t, Config{})
	boom := errors.New("connection reset")
	ms.On("FindActiveCredentialByKeyHash", mock.Anything, mock.Anything).Return(nil, boom)

	_, err := r.Resolve(context.Background(), "Bearer cred-3")
	assert.ErrorIs(t, err, boom)
}
