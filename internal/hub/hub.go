// Package hub wires the integration hub's components together and runs the
// process lifecycle: HTTP surface, sync workers, and the webhook retry sweep.
package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nimbusuite/hub/pkg/config"
	"github.com/nimbusuite/hub/pkg/credential"
	"github.com/nimbusuite/hub/pkg/errors"
	"github.com/nimbusuite/hub/pkg/health"
	"github.com/nimbusuite/hub/pkg/httpx"
	"github.com/nimbusuite/hub/pkg/oauthflow"
	"github.com/nimbusuite/hub/pkg/queue"
	"github.com/nimbusuite/hub/pkg/ratelimit"
	"github.com/nimbusuite/hub/pkg/store"
	"github.com/nimbusuite/hub/pkg/syncengine"
	"github.com/nimbusuite/hub/pkg/webhook"
)

// Hub owns every long-lived component of the integration hub
type Hub struct {
	cfg    *config.Config
	logger *zap.Logger

	Store       store.Store
	Credentials *credential.Manager
	Limiter     *ratelimit.Limiter
	HTTP        *httpx.Client
	Engine      *syncengine.Engine
	Workers     *syncengine.WorkerPool
	Dispatcher  *webhook.Dispatcher
	Receiver    *webhook.Receiver
	Queue       *queue.Queue
	Bus         *queue.EventBus
	OAuth       *oauthflow.Flow
	Health      *health.Checker

	server *http.Server

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New assembles a hub from configuration. Nothing starts until Start.
func New(cfg *config.Config, log *zap.Logger) (*Hub, error) {
	key, err := cfg.Credentials.EncryptionKeyBytes()
	if err != nil {
		return nil, err
	}
	crypto, err := credential.NewCrypto(key)
	if err != nil {
		return nil, err
	}

	s := store.NewMemoryStore()

	httpCfg := httpx.DefaultConfig()
	httpCfg.RequestTimeout = cfg.HTTP.Timeout
	httpCfg.MaxIdleConns = cfg.HTTP.MaxIdleConns
	httpCfg.EnableHTTP2 = cfg.HTTP.EnableHTTP2
	client := httpx.NewClient(httpCfg, log)

	credentials := credential.NewManager(s, crypto, log)
	credentials.SetRefreshThreshold(cfg.Credentials.RefreshThreshold)

	limiter := ratelimit.NewLimiter()

	engine := syncengine.NewEngine(s, credentials, limiter, client, log)
	engine.SetBatchSize(cfg.Sync.BatchSize)
	if cfg.Sync.MergeTieBreak == "target" {
		engine.SetTieBreak(syncengine.TieBreakTarget)
	}

	q := queue.NewQueue(s, log)
	workers := syncengine.NewWorkerPool(engine, q, cfg.Sync.Workers, log)

	dispatcher := webhook.NewDispatcher(s, client, log)
	dispatcher.SetDefaultTimeout(cfg.Webhooks.DeliveryTimeout)

	h := &Hub{
		cfg:         cfg,
		logger:      log.With(zap.String("component", "hub")),
		Store:       s,
		Credentials: credentials,
		Limiter:     limiter,
		HTTP:        client,
		Engine:      engine,
		Workers:     workers,
		Dispatcher:  dispatcher,
		Receiver:    webhook.NewReceiver(s, log),
		Queue:       q,
		Bus:         queue.NewEventBus(log),
		OAuth:       oauthflow.NewFlow(s, credentials, log),
		Health:      health.NewChecker(),
	}
	h.registerHealthChecks()
	return h, nil
}

func (h *Hub) registerHealthChecks() {
	h.Health.Register("store", true, func(ctx context.Context) error {
		_, err := h.Store.Query(ctx, store.CollIntegrations, func([]byte) bool { return false })
		return err
	})
	h.Health.Register("queue", false, func(ctx context.Context) error {
		depth := 0
		for _, n := range h.Queue.Depth() {
			depth += n
		}
		if depth > 10000 {
			return errors.Newf(errors.ErrorTypeInternal, "queue backlog at %d messages", depth)
		}
		return nil
	})
}

// Start launches the HTTP server, sync workers, and webhook sweep.
// It returns once everything is running.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return errors.New(errors.ErrorTypeInternal, "hub already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.stopped = make(chan struct{})

	h.Workers.Start(runCtx)
	go h.sweepWebhooks(runCtx)

	h.server = &http.Server{
		Addr:         h.cfg.Server.Addr,
		Handler:      h.routes(),
		ReadTimeout:  h.cfg.Server.ReadTimeout,
		WriteTimeout: h.cfg.Server.WriteTimeout,
	}

	go func() {
		defer close(h.stopped)
		h.logger.Info("http server listening", zap.String("addr", h.cfg.Server.Addr))
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("http server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop shuts the hub down: stop accepting work, drain, close
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()
	if cancel == nil {
		return nil
	}

	shutdownCtx, done := context.WithTimeout(ctx, h.cfg.Server.ShutdownGrace)
	defer done()

	if err := h.server.Shutdown(shutdownCtx); err != nil {
		h.logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	cancel()
	h.Workers.Wait()
	h.Queue.Close()
	h.Bus.Wait()
	h.HTTP.Close()

	<-h.stopped
	h.logger.Info("hub stopped")
	return nil
}

// sweepWebhooks periodically redelivers webhooks whose retry is due
func (h *Hub) sweepWebhooks(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Webhooks.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := h.Dispatcher.ProcessPending(ctx)
			if err != nil {
				h.logger.Warn("webhook sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				h.logger.Debug("webhook retries processed", zap.Int("count", n))
			}
		}
	}
}

// routes builds the hub's HTTP surface
func (h *Hub) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /healthz", h.Health.Handler())
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /hooks/{webhookID}", h.handleInboundWebhook)
	mux.HandleFunc("GET /oauth/authorize", h.handleAuthorize)
	mux.HandleFunc("GET /oauth/callback", h.handleCallback)

	return mux
}
