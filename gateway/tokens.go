package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/BeaconWorks/beacon/models"
	"github.com/BeaconWorks/beacon/tokens"
)

// tokenIssueHandler exchanges an API key for a short-lived session
// token. The caller has already passed the auth gate; the subject
// defaults to the caller's own key when the body names none.
func (c *Core) tokenIssueHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		c.writeError(w, http.StatusMethodNotAllowed, models.ErrCodeBadRequest, "method not allowed")
		return
	}

	caller, _ := recordFromContext(r.Context())

	defer r.Body.Close()
	var req models.TokenIssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.writeError(w, http.StatusBadRequest, models.ErrCodeBadRequest, "invalid JSON payload")
		return
	}

	subject := req.ApiKey
	if subject == "" {
		subject = caller.Key
	}

	rec, found := c.keys.Lookup(subject)
	if !found || !rec.Enabled {
		c.writeError(w, http.StatusUnauthorized, models.ErrCodeInvalidKey, "cannot issue token for that key")
		return
	}

	token, expiresAt, err := c.codec.Issue(rec.Key)
	if err != nil {
		c.logger.Error("Token issuance failed", "error", err)
		c.writeError(w, http.StatusInternalServerError, models.ErrCodeInternal, "could not issue token")
		return
	}

	c.writeJSON(w, http.StatusOK, models.TokenIssueResponse{
		Token:     token,
		ExpiresIn: int64(time.Until(expiresAt).Seconds()),
	})
}

func (c *Core) tokenVerifyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		c.writeError(w, http.StatusMethodNotAllowed, models.ErrCodeBadRequest, "method not allowed")
		return
	}

	defer r.Body.Close()
	var req models.TokenVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.writeError(w, http.StatusBadRequest, models.ErrCodeBadRequest, "invalid JSON payload")
		return
	}

	subject, err := c.codec.Verify(req.Token)
	if err != nil {
		// Expected and frequent; debug only.
		c.logger.Debug("Token verification failed", "error", err)
		code := models.ErrCodeTokenMalformed
		switch {
		case errors.Is(err, tokens.ErrExpired):
			code = models.ErrCodeTokenExpired
		case errors.Is(err, tokens.ErrSignature):
			code = models.ErrCodeTokenSignature
		}
		c.writeError(w, http.StatusUnauthorized, code, "token rejected")
		return
	}

	c.writeJSON(w, http.StatusOK, models.TokenVerifyResponse{
		Valid:   true,
		Subject: subject,
	})
}
