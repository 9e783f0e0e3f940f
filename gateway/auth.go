package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/BeaconWorks/beacon/models"
	"github.com/BeaconWorks/beacon/ratelimit"
	"github.com/BeaconWorks/beacon/tokens"
)

type contextKey int

const recordContextKey contextKey = iota

func recordFromContext(ctx context.Context) (models.APIKeyRecord, bool) {
	rec, ok := ctx.Value(recordContextKey).(models.APIKeyRecord)
	return rec, ok
}

/*
	authGate is the single entry point for every guarded route. It
	resolves the caller's credential to an API key record, applies the
	key's quota, touches the key's last-used timestamp and attaches the
	record to the request context. Its side effects are strictly
	additive: it never mutates quota or enablement.

	Credential sources, in order: the X-API-Key header, a bearer session
	token in Authorization, or a session token in the ?token= query
	parameter (the only option browsers have for websocket upgrades).
*/
func (c *Core) authGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Rejected callers get no quota, whatever their limit would be.
		key, errCode := c.resolveCredential(r)
		if errCode != "" {
			w.Header().Set("X-RateLimit-Remaining", "0")
			c.writeError(w, http.StatusUnauthorized, errCode, "authentication failed")
			return
		}

		rec, found := c.keys.Lookup(key)
		if !found {
			w.Header().Set("X-RateLimit-Remaining", "0")
			c.writeError(w, http.StatusUnauthorized, models.ErrCodeInvalidKey, "unknown api key")
			return
		}
		if !rec.Enabled {
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%g", rec.RateLimitPerMinute))
			w.Header().Set("X-RateLimit-Remaining", "0")
			c.writeError(w, http.StatusUnauthorized, models.ErrCodeKeyDisabled, "api key disabled")
			return
		}

		limiter := c.limiters.GetOrCreate(rec.Key, rec.RateLimitPerMinute, rec.Burst)
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%g", rec.RateLimitPerMinute))

		res := limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			// Not proceeding, so return the token to the bucket.
			res.Cancel()
			c.logger.Warn("Rate limit exceeded", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(delay.Seconds())))
			c.writeError(w, http.StatusTooManyRequests, models.ErrCodeRateLimitExceeded, "rate limit exceeded")
			return
		}
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", ratelimit.Remaining(limiter)))

		c.keys.Touch(rec.Key)

		ctx := context.WithValue(r.Context(), recordContextKey, rec)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolveCredential maps the request to an API key, or to an error code
// from the auth taxonomy. Session token failures are expected and
// frequent, so they log at debug only.
func (c *Core) resolveCredential(r *http.Request) (string, string) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key, ""
	}

	token := ""
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		token = strings.TrimPrefix(authHeader, "Bearer ")
	} else if qt := r.URL.Query().Get("token"); qt != "" {
		token = qt
	}

	if token == "" {
		return "", models.ErrCodeMissingKey
	}

	// Hot realtime callers present the same token on every request;
	// cache verified tokens so they skip the signature check.
	if item := c.tokenCache.Get(token); item != nil {
		return item.Value(), ""
	}

	subject, err := c.codec.Verify(token)
	if err != nil {
		c.logger.Debug("Session token rejected", "error", err)
		switch {
		case errors.Is(err, tokens.ErrExpired):
			return "", models.ErrCodeTokenExpired
		case errors.Is(err, tokens.ErrSignature):
			return "", models.ErrCodeTokenSignature
		default:
			return "", models.ErrCodeTokenMalformed
		}
	}

	c.tokenCache.Set(token, subject, tokenCacheTTL)
	return subject, ""
}

// adminOnly layers on top of authGate for the key management surface.
func (c *Core) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec, ok := recordFromContext(r.Context())
		if !ok || !rec.Admin {
			c.writeError(w, http.StatusForbidden, models.ErrCodeNotAdmin, "administrative key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

const tokenCacheTTL = time.Minute
