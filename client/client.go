package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/BeaconWorks/beacon/models"
	"github.com/gorilla/websocket"
)

const (
	defaultTimeout   = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	pingInterval     = 30 * time.Second
)

var (
	ErrInvalidKey   = errors.New("api key rejected")
	ErrKeyDisabled  = errors.New("api key disabled")
	ErrKeyNotFound  = errors.New("key not found")
	ErrRateLimited  = errors.New("rate limit exceeded")
	ErrTokenInvalid = errors.New("session token invalid")
	ErrNotAdmin     = errors.New("admin key required")
)

type Config struct {
	// Endpoint is the gateway base URL, e.g. "https://gateway.example.com:8080".
	Endpoint   string
	ApiKey     string
	SkipVerify bool
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Client talks to a running gateway over HTTP and, for event
// subscriptions, over a websocket.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	credential string
	skipVerify bool
	logger     *slog.Logger
}

func New(cfg *Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if cfg.ApiKey == "" {
		return nil, fmt.Errorf("apiKey cannot be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	clientLogger := cfg.Logger.WithGroup("beacon_client")

	baseURL, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint '%s': %w", cfg.Endpoint, err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("endpoint scheme must be http or https, got '%s'", baseURL.Scheme)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.SkipVerify,
			},
		},
	}

	clientLogger.Debug("Beacon client initialized", "base_url", baseURL.String(), "tls_skip_verify", cfg.SkipVerify)

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		credential: cfg.ApiKey,
		skipVerify: cfg.SkipVerify,
		logger:     clientLogger,
	}, nil
}

// internal request helper
func (c *Client) doRequest(method, path string, body any, target any) error {
	reqURL := c.baseURL.ResolveReference(&url.URL{Path: path})

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body for %s %s: %w", method, path, err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, reqURL.String(), reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.credential)

	c.logger.Debug("Sending request", "method", method, "url", reqURL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request %s %s failed: %w", method, reqURL.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.mapError(resp)
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to decode response body for %s %s (status %d): %w", method, path, resp.StatusCode, err)
		}
	}
	return nil
}

// mapError turns the gateway's error taxonomy into sentinel errors a
// caller can match with errors.Is. Unrecognized codes fall through as
// generic formatted errors.
func (c *Client) mapError(resp *http.Response) error {
	var errResp models.ErrorResponse
	raw, readErr := io.ReadAll(resp.Body)
	if readErr != nil || json.Unmarshal(raw, &errResp) != nil {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	c.logger.Debug("Gateway rejected request", "code", errResp.Code, "message", errResp.Message)

	switch errResp.Code {
	case models.ErrCodeMissingKey, models.ErrCodeInvalidKey:
		if resp.StatusCode == http.StatusNotFound {
			return ErrKeyNotFound
		}
		return ErrInvalidKey
	case models.ErrCodeKeyDisabled:
		return ErrKeyDisabled
	case models.ErrCodeRateLimitExceeded:
		return fmt.Errorf("%w: retry after %s", ErrRateLimited, resp.Header.Get("Retry-After"))
	case models.ErrCodeTokenExpired, models.ErrCodeTokenMalformed, models.ErrCodeTokenSignature:
		return ErrTokenInvalid
	case models.ErrCodeNotAdmin:
		return ErrNotAdmin
	case models.ErrCodeBadRequest:
		if resp.StatusCode == http.StatusNotFound {
			return ErrKeyNotFound
		}
		return fmt.Errorf("bad request: %s", errResp.Message)
	default:
		return fmt.Errorf("server error (status %d): %s - %s", resp.StatusCode, errResp.Code, errResp.Message)
	}
}

// Health checks the gateway without presenting a credential.
func (c *Client) Health() (models.HealthResponse, error) {
	var out models.HealthResponse
	err := c.doRequest(http.MethodGet, "/health", nil, &out)
	return out, err
}

// IssueToken mints a session token. With an empty apiKey the gateway
// issues the token for the caller's own key.
func (c *Client) IssueToken(apiKey string) (models.TokenIssueResponse, error) {
	var out models.TokenIssueResponse
	err := c.doRequest(http.MethodPost, "/token", models.TokenIssueRequest{ApiKey: apiKey}, &out)
	return out, err
}

// VerifyToken asks the gateway whether a session token is still good.
func (c *Client) VerifyToken(token string) (models.TokenVerifyResponse, error) {
	var out models.TokenVerifyResponse
	err := c.doRequest(http.MethodPost, "/token/verify", models.TokenVerifyRequest{Token: token}, &out)
	if errors.Is(err, ErrTokenInvalid) {
		return models.TokenVerifyResponse{Valid: false}, nil
	}
	return out, err
}

// --- Key management (requires an admin key) ---

func (c *Client) CreateKey(req models.ApiKeyCreateRequest) (models.APIKeyRecord, error) {
	var out models.ApiKeyCreateResponse
	err := c.doRequest(http.MethodPost, "/admin/keys", req, &out)
	return out.Record, err
}

func (c *Client) ListKeys() ([]models.APIKeyRecord, error) {
	var out models.ApiKeyListResponse
	err := c.doRequest(http.MethodGet, "/admin/keys", nil, &out)
	return out.Records, err
}

func (c *Client) UpdateKey(rec models.APIKeyRecord) (models.APIKeyRecord, error) {
	var out models.ApiKeyCreateResponse
	err := c.doRequest(http.MethodPut, "/admin/keys", rec, &out)
	return out.Record, err
}

func (c *Client) DeleteKey(key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	return c.doRequest(http.MethodDelete, "/admin/keys", models.ApiKeyDeleteRequest{Key: key}, nil)
}

// --- Events ---

// PublishEvent pushes an event to all connected subscribers. Delivery
// is best effort; a 202 from the gateway does not mean anyone got it.
func (c *Client) PublishEvent(eventType string, payload map[string]any, meta map[string]string) error {
	if eventType == "" {
		return fmt.Errorf("event type cannot be empty")
	}
	return c.doRequest(http.MethodPost, "/events", models.EventPublishRequest{
		Type:    eventType,
		Payload: payload,
		Meta:    meta,
	}, nil)
}

// SubscribeToEvents connects to the gateway's realtime endpoint and
// invokes onEvent for every event received, until the context is
// cancelled or the connection drops. The gateway may close the
// connection at any time if this client reads too slowly.
func (c *Client) SubscribeToEvents(ctx context.Context, onEvent func(models.Event)) error {
	wsScheme := "ws"
	if c.baseURL.Scheme == "https" {
		wsScheme = "wss"
	}
	wsURL := url.URL{
		Scheme: wsScheme,
		Host:   c.baseURL.Host,
		Path:   "/events",
	}

	header := http.Header{}
	header.Set("X-API-Key", c.credential)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: c.skipVerify,
		},
	}

	c.logger.Debug("Dialing realtime endpoint", "url", wsURL.String())

	conn, resp, err := dialer.Dial(wsURL.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			mapped := c.mapError(resp)
			return fmt.Errorf("failed to dial websocket %s: %w", wsURL.String(), mapped)
		}
		return fmt.Errorf("failed to dial websocket %s: %w", wsURL.String(), err)
	}
	defer conn.Close()

	// Pings keep intermediaries from closing an idle subscription.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-ctx.Done():
				err := conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				if err != nil {
					c.logger.Debug("Error sending close message", "error", err)
				}
				conn.Close()
				return
			}
		}
	}()

	c.logger.Info("Subscribed to gateway events", "url", wsURL.String())

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Error("Error reading from websocket", "error", err)
				return err
			}
			c.logger.Info("Websocket connection closed", "error", err)
			return nil
		}

		var event models.Event
		if err := json.Unmarshal(message, &event); err != nil {
			c.logger.Error("Failed to unmarshal event", "error", err, "message", string(message))
			continue
		}
		if onEvent != nil {
			onEvent(event)
		}
	}
}
