package access

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/medrex/ehr-access/pkg/logger"
	"github.com/medrex/ehr-access/pkg/monitoring"
	"github.com/medrex/ehr-access/pkg/rbac"
)

// requestIDMiddleware propagates or assigns a request id
func (h *Handler) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(headerRequestID)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.New().String()
		}
		w.Header().Set(headerRequestID, requestID)

		ctx := context.WithValue(r.Context(), logger.RequestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// traceIDMiddleware exposes the active trace id to context-aware logging
func (h *Handler) traceIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if traceID := monitoring.TraceIDFromContext(r.Context()); traceID != "" {
			r = r.WithContext(context.WithValue(r.Context(), logger.TraceIDKey, traceID))
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeadersMiddleware adds security headers
func (h *Handler) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware applies a token bucket per client IP
func (h *Handler) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		ip := h.clientIP(r)
		if !h.limiter.Allow(ip) {
			h.logger.WithContext(r.Context()).WithField("client_ip", ip).Warn("Rate limit exceeded")
			h.writeError(w, r, rbac.NewAccessError(rbac.ErrorTypeRateLimited, rbac.ErrorCodeRateLimited, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// maxBodyMiddleware limits request body size
func (h *Handler) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the remote address. Behind a trusted proxy it walks X-Forwarded-For
// from the right and returns the first hop that is not itself a trusted proxy.
func (h *Handler) clientIP(r *http.Request) string {
	peer := remoteHost(r)
	if !h.isTrustedProxy(peer) {
		return peer
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peer
	}
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" || net.ParseIP(hop) == nil {
			return peer
		}
		if !h.isTrustedProxy(hop) {
			return hop
		}
	}
	return strings.TrimSpace(hops[0])
}

// mfaVerified honors the upstream authenticator's X-MFA-Verified header only from a trusted proxy
func (h *Handler) mfaVerified(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get(headerMFA), "true") {
		return false
	}
	if !h.isTrustedProxy(remoteHost(r)) {
		h.logger.WithContext(r.Context()).WithField("remote_addr", r.RemoteAddr).
			Warn("Ignoring MFA assertion from untrusted peer")
		return false
	}
	return true
}

func (h *Handler) isTrustedProxy(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range h.trustedProxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
