package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/BeaconWorks/beacon/keystore"
	"github.com/BeaconWorks/beacon/models"
	"github.com/google/uuid"
)

// adminKeysHandler is the CRUD surface for API key records. It sits
// behind both the auth gate and the admin check.
func (c *Core) adminKeysHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		c.apiKeyListHandler(w, r)
	case http.MethodPost:
		c.apiKeyCreateHandler(w, r)
	case http.MethodPut:
		c.apiKeyUpdateHandler(w, r)
	case http.MethodDelete:
		c.apiKeyDeleteHandler(w, r)
	default:
		c.writeError(w, http.StatusMethodNotAllowed, models.ErrCodeBadRequest, "method not allowed")
	}
}

func (c *Core) apiKeyListHandler(w http.ResponseWriter, r *http.Request) {
	c.writeJSON(w, http.StatusOK, models.ApiKeyListResponse{Records: c.keys.List()})
}

func (c *Core) apiKeyCreateHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req models.ApiKeyCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.writeError(w, http.StatusBadRequest, models.ErrCodeBadRequest, "invalid JSON payload")
		return
	}

	rec := models.APIKeyRecord{
		Key:                newApiKey(),
		Name:               req.Name,
		RateLimitPerMinute: req.RateLimitPerMinute,
		Burst:              req.Burst,
		Enabled:            true,
		Admin:              req.Admin,
		CreatedAt:          time.Now().UTC(),
	}
	if rec.RateLimitPerMinute <= 0 {
		rec.RateLimitPerMinute = c.cfg.RateLimits.RequestsPerMinute
	}
	if rec.Burst <= 0 {
		rec.Burst = c.cfg.RateLimits.Burst
	}

	c.keys.Upsert(rec)
	c.logger.Info("API key created", "name", rec.Name, "admin", rec.Admin)

	c.writeJSON(w, http.StatusOK, models.ApiKeyCreateResponse{Record: rec})
}

func (c *Core) apiKeyUpdateHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var rec models.APIKeyRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		c.writeError(w, http.StatusBadRequest, models.ErrCodeBadRequest, "invalid JSON payload")
		return
	}

	existing, found := c.keys.Lookup(rec.Key)
	if !found {
		c.writeError(w, http.StatusNotFound, models.ErrCodeBadRequest, "no such key")
		return
	}

	// Creation time is immutable and last-used belongs to the gate.
	rec.CreatedAt = existing.CreatedAt
	rec.LastUsedAt = existing.LastUsedAt

	c.keys.Upsert(rec)
	// Quota may have changed; rebuild the limiter on next use.
	c.limiters.Reset(rec.Key)
	c.logger.Info("API key updated", "name", rec.Name, "enabled", rec.Enabled)

	c.writeJSON(w, http.StatusOK, models.ApiKeyCreateResponse{Record: rec})
}

func (c *Core) apiKeyDeleteHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req models.ApiKeyDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.writeError(w, http.StatusBadRequest, models.ErrCodeBadRequest, "invalid JSON payload")
		return
	}

	if err := c.keys.Delete(req.Key); err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			c.writeError(w, http.StatusNotFound, models.ErrCodeBadRequest, "no such key")
			return
		}
		c.writeError(w, http.StatusInternalServerError, models.ErrCodeInternal, "could not delete key")
		return
	}
	c.limiters.Reset(req.Key)

	c.writeJSON(w, http.StatusOK, map[string]string{"success": "true"})
}

// newApiKey generates an opaque caller credential. Two UUIDs give 256
// bits of randomness; the prefix makes keys greppable in configs.
func newApiKey() string {
	raw := uuid.New().String() + uuid.New().String()
	return "bk_" + strings.ReplaceAll(raw, "-", "")
}
