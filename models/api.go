package models

// Error codes surfaced in the "code" field of an ErrorResponse. Clients
// are expected to branch on these, not on the human readable message.
const (
	ErrCodeMissingKey        = "MISSING_KEY"
	ErrCodeInvalidKey        = "INVALID_KEY"
	ErrCodeKeyDisabled       = "KEY_DISABLED"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrCodeTokenExpired      = "TOKEN_EXPIRED"
	ErrCodeTokenMalformed    = "TOKEN_MALFORMED"
	ErrCodeTokenSignature    = "TOKEN_SIGNATURE"
	ErrCodeNotAdmin          = "NOT_ADMIN"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeInternal          = "INTERNAL"
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

// -- Session token operations --

type TokenIssueRequest struct {
	ApiKey string `json:"api_key"`
}

type TokenIssueResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"` // seconds until expiry
}

type TokenVerifyRequest struct {
	Token string `json:"token"`
}

type TokenVerifyResponse struct {
	Valid   bool   `json:"valid"`
	Subject string `json:"subject,omitempty"`
}

// -- Admin key management (requires an enabled admin key) --

type ApiKeyCreateRequest struct {
	Name               string  `json:"name"`
	RateLimitPerMinute float64 `json:"rate_limit_per_minute,omitempty"`
	Burst              int     `json:"burst,omitempty"`
	Admin              bool    `json:"admin,omitempty"`
}

type ApiKeyCreateResponse struct {
	Record APIKeyRecord `json:"record"`
}

type ApiKeyListResponse struct {
	Records []APIKeyRecord `json:"records"`
}

type ApiKeyDeleteRequest struct {
	Key string `json:"key"`
}

// -- Event publishing --

type EventPublishRequest struct {
	Type    string            `json:"type"`
	Payload map[string]any    `json:"payload"`
	Meta    map[string]string `json:"meta,omitempty"`
}
