// Package gateway is the realtime event gateway core: it authenticates
// callers by API key, enforces per-key quotas, issues session tokens and
// fans events out to every connected realtime subscriber.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/BeaconWorks/beacon/config"
	"github.com/BeaconWorks/beacon/keystore"
	"github.com/BeaconWorks/beacon/models"
	"github.com/BeaconWorks/beacon/ratelimit"
	"github.com/BeaconWorks/beacon/tokens"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
)

type Core struct {
	appCtx   context.Context
	cfg      *config.Gateway
	logger   *slog.Logger
	keys     *keystore.Store
	limiters *ratelimit.Registry
	codec    tokens.Codec
	hub      *Hub
	mux      *http.ServeMux

	wsUpgrader websocket.Upgrader

	// Verified session tokens, so hot callers skip signature checks.
	tokenCache *ttlcache.Cache[string, string]

	startedAt time.Time
}

// New wires the core from its collaborators. Lifecycle of the keystore
// belongs to the caller; everything constructed here is torn down by Run.
func New(
	ctx context.Context,
	logger *slog.Logger,
	cfg *config.Gateway,
	keys *keystore.Store,
	limiters *ratelimit.Registry,
	codec tokens.Codec,
) *Core {
	tokenCache := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](tokenCacheTTL),

		// Disable touch on hit so entries age out on schedule and a
		// rotated secret takes effect within one TTL window.
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go tokenCache.Start()

	return &Core{
		appCtx:   ctx,
		cfg:      cfg,
		logger:   logger,
		keys:     keys,
		limiters: limiters,
		codec:    codec,
		hub:      NewHub(logger.With("component", "hub"), cfg.Sessions.EventChannelSize),
		mux:      http.NewServeMux(),
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Sessions.ReadBufferSize,
			WriteBufferSize: cfg.Sessions.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		tokenCache: tokenCache,
	}
}

// Hub exposes the dispatch loop for in-process publishers (the chat
// pipeline, the model downloader).
func (c *Core) Hub() *Hub {
	return c.hub
}

// Run serves until the context is cancelled.
func (c *Core) Run() error {
	c.mux.Handle("/health", http.HandlerFunc(c.healthHandler))
	c.mux.Handle("/token", c.authGate(http.HandlerFunc(c.tokenIssueHandler)))
	c.mux.Handle("/token/verify", c.authGate(http.HandlerFunc(c.tokenVerifyHandler)))
	c.mux.Handle("/admin/keys", c.authGate(c.adminOnly(http.HandlerFunc(c.adminKeysHandler))))
	c.mux.Handle("/events", c.authGate(http.HandlerFunc(c.eventsHandler)))

	go c.hub.Run(c.appCtx)

	if c.cfg.MetricsInterval > 0 {
		go c.metricsSampler()
	}

	srv := &http.Server{
		Addr:    c.cfg.Binding,
		Handler: c.mux,
	}

	go func() {
		<-c.appCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()

		// In-flight requests get the grace window to finish naturally.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			c.logger.Error("Server shutdown error", "error", err)
		}
	}()

	c.startedAt = time.Now()

	useTLS := c.cfg.TLS.Cert != "" && c.cfg.TLS.Key != ""
	c.logger.Info("Starting gateway", "listen_addr", c.cfg.Binding, "tls_enabled", useTLS)

	var err error
	if useTLS {
		srv.TLSConfig = &tls.Config{}
		err = srv.ListenAndServeTLS(c.cfg.TLS.Cert, c.cfg.TLS.Key)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		c.logger.Error("Server error", "error", err)
		return err
	}

	c.tokenCache.Stop()
	c.logger.Info("Gateway stopped")
	return nil
}

func (c *Core) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		c.logger.Error("Failed to encode response", "error", err)
	}
}

func (c *Core) writeError(w http.ResponseWriter, status int, code string, message string) {
	c.writeJSON(w, status, models.ErrorResponse{Code: code, Message: message})
}
