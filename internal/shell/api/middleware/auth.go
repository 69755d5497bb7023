// Package middleware provides HTTP middleware for the GSM API.
package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"
)

// Header and query names accepted for the API key.
const (
	HeaderAPIKey = "X-API-Key"
	QueryAPIKey  = "apikey"
	bearerPrefix = "Bearer "
	mappedIPv4   = "::ffff:"
)

// =============================================================================
// Auth Configuration
// =============================================================================

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	// APIKey is the shared key clients must present. When empty every
	// protected request is rejected with 503.
	APIKey string

	// AllowedIPs lists client addresses or CIDR ranges. An empty list admits
	// no client.
	AllowedIPs []string

	// TrustedProxies lists reverse proxy addresses or CIDR ranges whose
	// X-Forwarded-For and X-Real-IP headers are honoured. When empty the
	// headers are ignored and the connection's remote address is used.
	TrustedProxies []string

	// Logger for auth middleware logging.
	Logger *slog.Logger
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware enforces the IP allowlist and API key.
type AuthMiddleware struct {
	key      []byte
	prefixes []netip.Prefix
	proxies  []netip.Prefix
	logger   *slog.Logger
}

// NewAuthMiddleware parses the allowlist and returns the middleware.
func NewAuthMiddleware(cfg AuthConfig) (*AuthMiddleware, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &AuthMiddleware{
		key:    []byte(cfg.APIKey),
		logger: cfg.Logger.With("component", "auth"),
	}
	var err error
	if m.prefixes, err = parsePrefixes(cfg.AllowedIPs); err != nil {
		return nil, fmt.Errorf("invalid allowed IP %w", err)
	}
	if m.proxies, err = parsePrefixes(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxy %w", err)
	}
	return m, nil
}

func parsePrefixes(entries []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		p, err := parsePrefix(entry)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", entry, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func parsePrefix(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(strings.TrimPrefix(entry, mappedIPv4))
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Handler returns the middleware handler function.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(m.key) == 0 {
			m.logger.Error("rejecting request, API key not configured", "path", r.URL.Path)
			writeJSONError(w, http.StatusServiceUnavailable, "API key not configured")
			return
		}

		ip := m.clientIP(r)
		r = r.WithContext(context.WithValue(r.Context(), clientIPKey{}, ip))
		if !contains(m.prefixes, ip) {
			m.logger.Warn("IP not in allowlist",
				"ip", ip,
				"path", r.URL.Path,
				"method", r.Method,
			)
			writeJSONError(w, http.StatusForbidden, "Access forbidden: IP not authorized")
			return
		}

		key := RequestKey(r)
		if key == "" {
			m.logger.Warn("missing API key", "ip", ip, "path", r.URL.Path)
			writeJSONError(w, http.StatusUnauthorized, "API key required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), m.key) != 1 {
			m.logger.Warn("invalid API key", "ip", ip, "path", r.URL.Path)
			writeJSONError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP returns the remote address, or the forwarded client address when
// the remote address is a trusted proxy.
func (m *AuthMiddleware) clientIP(r *http.Request) string {
	remote := remoteIP(r)
	if !contains(m.proxies, remote) {
		return remote
	}
	if fwd := forwardedIP(r); fwd != "" {
		return fwd
	}
	return remote
}

func contains(prefixes []netip.Prefix, ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// =============================================================================
// Request Inspection
// =============================================================================

type clientIPKey struct{}

// ClientIP returns the client address resolved by the auth middleware. For
// requests that did not pass through it, the remote address is returned.
func ClientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey{}).(string); ok {
		return ip
	}
	return remoteIP(r)
}

func remoteIP(r *http.Request) string {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return normalizeIP(ip)
}

// forwardedIP returns the first X-Forwarded-For entry, else X-Real-IP.
func forwardedIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip, _, _ := strings.Cut(xff, ",")
		return normalizeIP(ip)
	}
	return normalizeIP(r.Header.Get("X-Real-IP"))
}

func normalizeIP(ip string) string {
	return strings.TrimPrefix(strings.TrimSpace(ip), mappedIPv4)
}

// RequestKey returns the API key from X-API-Key, a bearer token or the
// apikey query parameter, in that order.
func RequestKey(r *http.Request) string {
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		return key
	}
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(authz, bearerPrefix))
	}
	return r.URL.Query().Get(QueryAPIKey)
}

// =============================================================================
// JSON Error Response
// =============================================================================

type errorResponse struct {
	OK        bool      `json:"ok"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// writeJSONError writes a {ok:false,error} response.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{
		Error:     message,
		Timestamp: time.Now().UTC(),
	})
}
