package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"marketlink/internal/cache"
	"marketlink/internal/config"
	"marketlink/internal/exchange"
	"marketlink/internal/pubsub"
	"marketlink/internal/services/marketdetail"
	"marketlink/internal/services/poll"
	"marketlink/internal/services/stream"
	"marketlink/internal/services/symbols"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	version   = "1.0.0"
	startTime = time.Now()
)

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	logger.Info("Starting MarketLink service...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: ", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config: ", err)
	}

	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	logger.SetFormatter(logFormatter(cfg.Logging.Format))

	// Initialize Redis
	logger.Info("Connecting to Redis...")
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Without Redis the cache falls back to memory and pub/sub drops
	// events instead of warn-spamming on every publish.
	ctx := context.Background()
	var store cache.Store
	var publisher pubsub.EventPublisher
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Warn("Redis unavailable, falling back to in-memory cache")
		store = cache.NewMemoryStore()
		publisher = pubsub.NewNopPublisher(logger)
	} else {
		logger.Info("Redis connected successfully")
		store = cache.NewRedisStore(redisClient, logger)
		publisher = pubsub.NewPublisher(redisClient, logger)
	}
	defer redisClient.Close()

	// Initialize exchange clients
	exchangeOpts := exchange.Options{
		MaxAttempts:       cfg.Exchange.MaxAttempts,
		BackoffBase:       cfg.Exchange.BackoffBase,
		RecvWindow:        cfg.Exchange.RecvWindow,
		DefaultRetryAfter: cfg.Exchange.DefaultRetryAfter,
		RequestTimeout:    cfg.Exchange.RequestTimeout,
	}
	binanceClient := exchange.NewBinanceClient(logger, exchangeOpts)
	bybitClient := exchange.NewBybitClient(logger, exchangeOpts)
	clients := map[string]exchange.Client{
		binanceClient.Name(): binanceClient,
		bybitClient.Name():   bybitClient,
	}

	for name, client := range clients {
		if err := client.SyncClock(ctx); err != nil {
			logger.WithError(err).Warnf("Initial clock sync failed for %s", name)
		}
	}
	go clockSyncLoop(ctx, clients, cfg.Exchange.ClockSyncInterval, logger)

	// Initialize collaborators
	creds := newEnvCredentials(cfg.Credentials)
	resolver := &connectionResolver{clients: clients, creds: creds}

	catalog := symbols.LoadCatalogWithFallback(cfg.Symbols.CatalogFile)
	metadata := symbols.NewProvider(cfg.Symbols.MetadataAPIURL, catalog, logger)

	// Initialize services
	aggregator := marketdetail.NewAggregator(clients, resolver, metadata, store, cfg.Cache, logger)

	fetchers := make(map[string]poll.MarketFetcher, len(clients))
	for name, client := range clients {
		fetchers[name] = client
	}
	multiplexer := poll.NewMultiplexer(fetchers, cfg.Poll, logger)

	managers := make(map[string]*stream.Manager, len(clients))
	for name, client := range clients {
		managers[name] = stream.NewManager(client, creds, publisher, stream.WebsocketDialer{}, cfg.Stream, logger)
	}

	watchlist := symbols.NewWatchlist(catalog, multiplexer, publisher, cfg.Symbols.WatchExchange, logger)
	if err := watchlist.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start watchlist polling")
	}

	// Start HTTP server
	httpServer := newHTTPServer(cfg, logger, aggregator, managers)
	go func() {
		logger.Infof("HTTP server listening on :%d", cfg.Server.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed: ", err)
		}
	}()

	logger.Infof("MarketLink v%s started successfully", version)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown failed")
	}
	watchlist.Stop()
	multiplexer.Close()
	for _, manager := range managers {
		manager.Stop(shutdownCtx)
	}

	logger.Info("Shutdown complete")
}

// logFormatter maps the LOG_FORMAT setting onto a logrus formatter;
// anything but "text" means JSON.
func logFormatter(format string) logrus.Formatter {
	if format == "text" {
		return &logrus.TextFormatter{FullTimestamp: true}
	}
	return &logrus.JSONFormatter{}
}

func clockSyncLoop(ctx context.Context, clients map[string]exchange.Client, interval time.Duration, logger *logrus.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, client := range clients {
				if err := client.SyncClock(ctx); err != nil {
					logger.WithError(err).Warnf("Clock sync failed for %s", name)
				}
			}
		}
	}
}

func newHTTPServer(cfg *config.Config, logger *logrus.Logger, aggregator *marketdetail.Aggregator, managers map[string]*stream.Manager) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"healthy":true,"version":"%s","uptime_seconds":%d}`,
			version, int64(time.Since(startTime).Seconds()))
	})

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/v1/market/detail", func(w http.ResponseWriter, r *http.Request) {
		connectionID := r.URL.Query().Get("connection_id")
		symbol := r.URL.Query().Get("symbol")
		if connectionID == "" || symbol == "" {
			writeError(w, http.StatusBadRequest, "connection_id and symbol are required")
			return
		}

		detail, err := aggregator.GetMarketDetail(r.Context(), connectionID, symbol, marketdetail.Options{
			ForceRefresh: r.URL.Query().Get("refresh") == "true",
		})
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, detail)
	})

	mux.HandleFunc("/api/v1/stream/connect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "POST required")
			return
		}
		manager, userID, ok := resolveStreamRequest(w, r, managers)
		if !ok {
			return
		}
		if err := manager.Connect(r.Context(), userID); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"state": string(manager.State(userID))})
	})

	mux.HandleFunc("/api/v1/stream/disconnect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "POST required")
			return
		}
		manager, userID, ok := resolveStreamRequest(w, r, managers)
		if !ok {
			return
		}
		if err := manager.Disconnect(r.Context(), userID); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"state": string(manager.State(userID))})
	})

	mux.HandleFunc("/api/v1/stream/status", func(w http.ResponseWriter, r *http.Request) {
		manager, userID, ok := resolveStreamRequest(w, r, managers)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"state":        manager.State(userID),
			"last_balance": manager.LastBalance(userID),
			"last_order":   manager.LastOrder(userID),
		})
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: mux,
	}
}

func resolveStreamRequest(w http.ResponseWriter, r *http.Request, managers map[string]*stream.Manager) (*stream.Manager, string, bool) {
	exchangeName := r.URL.Query().Get("exchange")
	userID := r.URL.Query().Get("user_id")
	if exchangeName == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "exchange and user_id are required")
		return nil, "", false
	}
	manager, ok := managers[exchangeName]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown exchange "+exchangeName)
		return nil, "", false
	}
	return manager, userID, true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// envCredentials serves the service account credentials from the
// environment. A production deployment swaps this for a provider
// backed by the credential vault.
type envCredentials struct {
	byExchange map[string]exchange.Credential
}

func newEnvCredentials(cfg config.CredentialsConfig) *envCredentials {
	return &envCredentials{
		byExchange: map[string]exchange.Credential{
			"binance": {APIKey: cfg.BinanceAPIKey, APISecret: cfg.BinanceAPISecret},
			"bybit":   {APIKey: cfg.BybitAPIKey, APISecret: cfg.BybitAPISecret},
		},
	}
}

func (e *envCredentials) Credentials(ctx context.Context, userID string) (exchange.Credential, error) {
	// User IDs are "<exchange>:<user>"; the exchange prefix selects
	// the service credential set.
	name := userID
	if idx := strings.IndexByte(userID, ':'); idx > 0 {
		name = userID[:idx]
	}
	cred, ok := e.byExchange[name]
	if !ok || cred.APIKey == "" {
		return exchange.Credential{}, fmt.Errorf("no credentials configured for %q", userID)
	}
	return cred, nil
}

// connectionResolver maps "<exchange>:<user>" connection IDs onto an
// exchange client and its credentials.
type connectionResolver struct {
	clients map[string]exchange.Client
	creds   *envCredentials
}

func (r *connectionResolver) Resolve(ctx context.Context, connectionID string) (*marketdetail.Connection, error) {
	parts := strings.SplitN(connectionID, ":", 2)
	if _, ok := r.clients[parts[0]]; !ok {
		return nil, fmt.Errorf("unresolvable exchange for connection %q", connectionID)
	}
	cred, err := r.creds.Credentials(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	userID := connectionID
	if len(parts) == 2 {
		userID = parts[1]
	}
	return &marketdetail.Connection{
		ID:         connectionID,
		UserID:     userID,
		Exchange:   parts[0],
		Credential: cred,
	}, nil
}
