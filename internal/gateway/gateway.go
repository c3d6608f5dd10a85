// Package gateway implements the data-plane handler (C8): a single route
// that resolves the caller's tenant, admits the request under its quota,
// and forwards the body upstream, relaying the response byte-for-byte.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/HanTheDev/anthropic-gateway/internal/gwerrors"
	"github.com/HanTheDev/anthropic-gateway/internal/models"
)

// TenantResolver resolves a bearer credential to a TenantContext.
type TenantResolver interface {
	Resolve(ctx context.Context, authHeader string) (models.TenantContext, error)
}

// Admitter decides whether a tenant's request is within its quota.
type Admitter interface {
	TryConsume(ctx models.TenantContext) bool
}

// Forwarder relays a single request to the upstream provider, returning
// the upstream status code that was written to w even when err is nil.
type Forwarder interface {
	Forward(ctx context.Context, w http.ResponseWriter, body []byte, stream bool) (int, error)
}

// Handler is the data-plane HTTP handler for POST /anthropic/v1/messages.
type Handler struct {
	resolver       TenantResolver
	admitter       Admitter
	forwarder      Forwarder
	maxBodyBytes   int64
	requestTimeout time.Duration
}

// New constructs a Handler.
func New(resolver TenantResolver, admitter Admitter, forwarder Forwarder, maxBodyBytes int64, requestTimeout time.Duration) *Handler {
	return &Handler{
		resolver:       resolver,
		admitter:       admitter,
		forwarder:      forwarder,
		maxBodyBytes:   maxBodyBytes,
		requestTimeout: requestTimeout,
	}
}

// ServeHTTP implements the single-route pipeline: read body, detect stream
// mode, resolve tenant, admit, forward. Exactly one terminal log line is
// emitted per request; the body is never logged.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	start := time.Now()

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	logLine := log.Info().Str("component", "gateway").Str("request_id", requestID)

	body, err := readLimitedBody(r.Body, h.maxBodyBytes)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, gwerrors.ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		w.WriteHeader(status)
		h.finish(logLine, "", false, status, start)
		return
	}

	stream, err := detectStream(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		h.finish(logLine, "", false, http.StatusBadRequest, start)
		return
	}

	tenantCtx, err := h.resolver.Resolve(ctx, r.Header.Get("Authorization"))
	if err != nil {
		var resolveErr *gwerrors.ResolveError
		if errors.As(err, &resolveErr) {
			log.Debug().Str("component", "gateway").Str("request_id", requestID).
				Str("reason", resolveErr.Kind.String()).Msg("credential resolution failed")
		}
		w.WriteHeader(http.StatusUnauthorized)
		h.finish(logLine, "", stream, http.StatusUnauthorized, start)
		return
	}

	if !h.admitter.TryConsume(tenantCtx) {
		w.WriteHeader(http.StatusTooManyRequests)
		h.finish(logLine, tenantCtx.TenantID, stream, http.StatusTooManyRequests, start)
		return
	}

	upstreamStatus, err := h.forwarder.Forward(ctx, w, body, stream)
	if err != nil {
		if upstreamStatus == 0 {
			status := http.StatusBadGateway
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				status = http.StatusGatewayTimeout
			}
			w.WriteHeader(status)
			h.finish(logLine, tenantCtx.TenantID, stream, status, start)
			return
		}
		// Headers (and the upstream status) were already written before the
		// I/O error occurred mid-body; the response is aborted as-is.
		h.finish(logLine, tenantCtx.TenantID, stream, upstreamStatus, start)
		return
	}

	h.finish(logLine, tenantCtx.TenantID, stream, upstreamStatus, start)
}

func (h *Handler) finish(logLine *zerolog.Event, tenantID string, stream bool, status int, start time.Time) {
	logLine.
		Str("tenant_id", tenantID).
		Bool("stream", stream).
		Int("status_code", status).
		Dur("elapsed", time.Since(start)).
		Msg("request complete")
}

func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	limited := io.LimitReader(r, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxBytes {
		return nil, gwerrors.ErrBodyTooLarge
	}
	return body, nil
}

// detectStream inspects only the top-level "stream" field: the body is
// checked once with json.Valid, then only its top level is decoded into raw
// field values, so nested request payloads are never decoded into Go
// values. Only malformed JSON is an error: a
// valid document whose root isn't an object (an array, a bare scalar)
// simply has no "stream" field and is treated as non-streaming.
func detectStream(body []byte) (bool, error) {
	if len(body) == 0 || !json.Valid(body) {
		return false, gwerrors.ErrInvalidJSON
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return false, nil
	}
	raw, ok := obj["stream"]
	if !ok {
		return false, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, nil
	}
	return b, nil
}
