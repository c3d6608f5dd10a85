// Package admin implements the operator control plane (C9): tenant and
// credential CRUD, quota policy updates, and upstream pool operations,
// each mutation invalidating the matching cache entry and recording an
// audit log line.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/HanTheDev/anthropic-gateway/internal/auth"
	"github.com/HanTheDev/anthropic-gateway/internal/crypto"
	"github.com/HanTheDev/anthropic-gateway/internal/models"
	"github.com/HanTheDev/anthropic-gateway/internal/store"
)

// Store is the durable-store surface the admin handler mutates.
type Store interface {
	CreateTenant(ctx context.Context, t *models.Tenant) error
	FindTenant(ctx context.Context, tenantID string) (*models.Tenant, error)
	InsertQuotaPolicy(ctx context.Context, q *models.QuotaPolicy) error
	FindQuotaPolicy(ctx context.Context, tenantID string) (*models.QuotaPolicy, error)
	InsertCredential(ctx context.Context, c *models.ClientCredential) error
	RevokeCredentialByKeyID(ctx context.Context, keyID string) (*models.ClientCredential, error)
	ListCredentialsByTenant(ctx context.Context, tenantID string) ([]models.ClientCredential, error)
	InsertAuditLog(ctx context.Context, a *models.AdminAuditLog) error
}

// CredentialCache is the cache surface invalidated by admin mutations.
type CredentialCache interface {
	InvalidateCredential(ctx context.Context, hash string)
	InvalidateQuotaPolicy(ctx context.Context, tenantID string)
}

// UpstreamPool is the C4 surface the admin handler refreshes and reports on.
type UpstreamPool interface {
	Refresh(ctx context.Context) (int, error)
	Size() int
	DatabaseEnabled() bool
}

// Handler serves the /admin/* control-plane routes.
type Handler struct {
	store Store
	cache CredentialCache
	pool  UpstreamPool
}

// New constructs an admin Handler.
func New(s Store, c CredentialCache, pool UpstreamPool) *Handler {
	return &Handler{store: s, cache: c, pool: pool}
}

// RegisterRoutes mounts the admin surface on router, which is expected to
// be a subrouter already mounted at the /admin path prefix; the paths below
// are relative to it. Callers are expected to wrap the subrouter with
// auth.Middleware.Authenticate.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/tenants", h.CreateTenant).Methods(http.MethodPost)
	router.HandleFunc("/tenants/{tenantId}", h.GetTenant).Methods(http.MethodGet)
	router.HandleFunc("/tenants/{tenantId}/keys", h.CreateCredential).Methods(http.MethodPost)
	router.HandleFunc("/tenants/{tenantId}/keys", h.ListCredentials).Methods(http.MethodGet)
	router.HandleFunc("/keys/{keyId}/revoke", h.RevokeCredential).Methods(http.MethodPost)
	router.HandleFunc("/tenants/{tenantId}/policy", h.UpdatePolicy).Methods(http.MethodPut)
	router.HandleFunc("/keys/refresh", h.RefreshKeyPool).Methods(http.MethodPost)
	router.HandleFunc("/keys/status", h.KeyPoolStatus).Methods(http.MethodGet)
}

type createTenantRequest struct {
	TenantID string      `json:"tenantId"`
	Name     string      `json:"name"`
	Plan     models.Plan `json:"plan"`
	RPMLimit int         `json:"rpmLimit"`
}

// CreateTenant handles POST /admin/tenants.
func (h *Handler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "tenantId and name are required")
		return
	}
	if req.Plan == "" {
		req.Plan = models.PlanBasic
	}
	if req.RPMLimit <= 0 {
		req.RPMLimit = 60
	}

	tenant := &models.Tenant{
		TenantID: req.TenantID,
		Name:     req.Name,
		Plan:     req.Plan,
		Status:   models.TenantActive,
	}
	if err := h.store.CreateTenant(r.Context(), tenant); err != nil {
		log.Error().Str("component", "admin").Err(err).Msg("failed to create tenant")
		writeError(w, http.StatusInternalServerError, "failed to create tenant")
		return
	}

	policy := models.DefaultQuotaPolicy(req.TenantID, req.RPMLimit)
	if err := h.store.InsertQuotaPolicy(r.Context(), &policy); err != nil {
		log.Error().Str("component", "admin").Err(err).Msg("failed to create default quota policy")
		writeError(w, http.StatusInternalServerError, "failed to create quota policy")
		return
	}

	h.audit(r, "tenant.create", "tenant", tenant.TenantID, map[string]any{
		"plan": tenant.Plan, "rpmLimit": policy.RPMLimit,
	})

	writeJSON(w, http.StatusCreated, tenant)
}

// GetTenant handles GET /admin/tenants/{tenantId}.
func (h *Handler) GetTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	tenant, err := h.store.FindTenant(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "tenant not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to look up tenant")
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

type createCredentialRequest struct {
	UserID    string     `json:"userId"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

type createCredentialResponse struct {
	KeyID     string     `json:"keyId"`
	TenantID  string     `json:"tenantId"`
	UserID    string     `json:"userId"`
	Plaintext string     `json:"plaintext"`
	KeyPrefix string     `json:"keyPrefix"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// CreateCredential handles POST /admin/tenants/{tenantId}/keys. The
// plaintext credential is returned exactly once here and never again.
func (h *Handler) CreateCredential(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]

	var req createCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, err := h.store.FindTenant(r.Context(), tenantID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "tenant not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to look up tenant")
		return
	}

	generated, err := crypto.GenerateClientCredential()
	if err != nil {
		log.Error().Str("component", "admin").Err(err).Msg("failed to generate credential")
		writeError(w, http.StatusInternalServerError, "failed to generate credential")
		return
	}

	cred := &models.ClientCredential{
		KeyID:     generated.Prefix + "-" + generated.Hash[:8],
		TenantID:  tenantID,
		UserID:    req.UserID,
		KeyPrefix: generated.Prefix,
		KeyHash:   generated.Hash,
		Status:    models.CredentialActive,
		Scopes:    req.Scopes,
		ExpiresAt: req.ExpiresAt,
	}
	if err := h.store.InsertCredential(r.Context(), cred); err != nil {
		log.Error().Str("component", "admin").Err(err).Msg("failed to persist credential")
		writeError(w, http.StatusInternalServerError, "failed to create credential")
		return
	}

	h.audit(r, "credential.create", "credential", cred.KeyID, map[string]any{
		"tenantId": tenantID, "userId": req.UserID, "keyPrefix": cred.KeyPrefix,
	})

	writeJSON(w, http.StatusCreated, createCredentialResponse{
		KeyID:     cred.KeyID,
		TenantID:  tenantID,
		UserID:    req.UserID,
		Plaintext: generated.Plaintext,
		KeyPrefix: cred.KeyPrefix,
		ExpiresAt: cred.ExpiresAt,
	})
}

// ListCredentials handles GET /admin/tenants/{tenantId}/keys.
func (h *Handler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	creds, err := h.store.ListCredentialsByTenant(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list credentials")
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

// RevokeCredential handles POST /admin/keys/{keyId}/revoke.
func (h *Handler) RevokeCredential(w http.ResponseWriter, r *http.Request) {
	keyID := mux.Vars(r)["keyId"]
	cred, err := h.store.RevokeCredentialByKeyID(r.Context(), keyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "credential not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to revoke credential")
		return
	}

	h.cache.InvalidateCredential(r.Context(), cred.KeyHash)
	h.audit(r, "credential.revoke", "credential", keyID, map[string]any{
		"tenantId": cred.TenantID, "keyPrefix": cred.KeyPrefix,
	})

	writeJSON(w, http.StatusOK, map[string]string{"keyId": keyID, "status": "revoked"})
}

type updatePolicyRequest struct {
	RPMLimit        int      `json:"rpmLimit"`
	TPMLimit        *int     `json:"tpmLimit"`
	MonthlyTokenCap *int     `json:"monthlyTokenCap"`
	BurstMultiplier *float64 `json:"burstMultiplier"`
}

// UpdatePolicy handles PUT /admin/tenants/{tenantId}/policy.
func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]

	var req updatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RPMLimit <= 0 {
		writeError(w, http.StatusBadRequest, "rpmLimit must be >= 1")
		return
	}
	burstMultiplier := 1.5
	if req.BurstMultiplier != nil {
		burstMultiplier = *req.BurstMultiplier
	}
	if burstMultiplier < 1.0 || burstMultiplier > 10.0 {
		writeError(w, http.StatusBadRequest, "burstMultiplier must be within [1.0, 10.0]")
		return
	}

	policy := &models.QuotaPolicy{
		TenantID:        tenantID,
		RPMLimit:        req.RPMLimit,
		TPMLimit:        req.TPMLimit,
		MonthlyTokenCap: req.MonthlyTokenCap,
		BurstMultiplier: burstMultiplier,
	}
	if err := h.store.InsertQuotaPolicy(r.Context(), policy); err != nil {
		log.Error().Str("component", "admin").Err(err).Msg("failed to update quota policy")
		writeError(w, http.StatusInternalServerError, "failed to update policy")
		return
	}

	h.cache.InvalidateQuotaPolicy(r.Context(), tenantID)
	h.audit(r, "policy.update", "tenant", tenantID, map[string]any{
		"rpmLimit": policy.RPMLimit, "burstMultiplier": policy.BurstMultiplier,
	})

	writeJSON(w, http.StatusOK, policy)
}

// RefreshKeyPool handles POST /admin/keys/refresh.
func (h *Handler) RefreshKeyPool(w http.ResponseWriter, r *http.Request) {
	count, err := h.pool.Refresh(r.Context())
	if err != nil {
		log.Error().Str("component", "admin").Err(err).Msg("upstream pool refresh failed")
		writeError(w, http.StatusInternalServerError, "failed to refresh key pool")
		return
	}

	h.audit(r, "keys.refresh", "upstream_pool", "", map[string]any{"keyCount": count})

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "success",
		"keyCount": count,
		"message":  "key pool refreshed successfully",
	})
}

// KeyPoolStatus handles GET /admin/keys/status.
func (h *Handler) KeyPoolStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"keyCount":        h.pool.Size(),
		"databaseEnabled": h.pool.DatabaseEnabled(),
	})
}

func (h *Handler) audit(r *http.Request, action, targetType, targetID string, detail map[string]any) {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		detailJSON = []byte("{}")
	}
	entry := &models.AdminAuditLog{
		Actor:      auth.ActorFromContext(r.Context()),
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		DetailJSON: string(detailJSON),
		ClientIP:   clientIP(r),
	}
	if err := h.store.InsertAuditLog(r.Context(), entry); err != nil {
		log.Warn().Str("component", "admin").Err(err).Msg("failed to write audit log entry")
	}
}

// clientIP resolves the caller's address, preferring proxy headers over
// the raw connection address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if parts := strings.Split(fwd, ","); len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return "unknown"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
