// Command server is the composition root for the impulse screener: it wires
// every collaborator, starts the streaming pipeline, and serves the PushHub
// WebSocket endpoint plus /metrics, /health and /ready over HTTP.
package main

import (
	"bufio"
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yofutures/impulse-screener/auth"
	"github.com/yofutures/impulse-screener/binance"
	"github.com/yofutures/impulse-screener/config"
	"github.com/yofutures/impulse-screener/internal/atrstat"
	"github.com/yofutures/impulse-screener/internal/cluster"
	"github.com/yofutures/impulse-screener/internal/clusterbus"
	"github.com/yofutures/impulse-screener/internal/detector"
	"github.com/yofutures/impulse-screener/internal/engine"
	"github.com/yofutures/impulse-screener/internal/notifier"
	"github.com/yofutures/impulse-screener/internal/pushhub"
	"github.com/yofutures/impulse-screener/internal/universe"
	"github.com/yofutures/impulse-screener/internal/userstore"
	"github.com/yofutures/impulse-screener/logging"
	"github.com/yofutures/impulse-screener/monitoring"
)

func main() {
	// ============================================
	// GC TUNING - Prevents memory crashes during high-frequency tick ingest
	// ============================================
	// GOGC=50: More frequent, shorter GC pauses (default 100)
	// GOMEMLIMIT=1GiB: Hard cap prevents OOM crashes under symbol-universe spikes
	if os.Getenv("GOGC") == "" {
		debug.SetGCPercent(50)
		log.Println("[GC] Set GOGC=50 for more frequent garbage collection")
	}
	if os.Getenv("GOMEMLIMIT") == "" {
		debug.SetMemoryLimit(1 << 30)
		log.Println("[GC] Set GOMEMLIMIT=1GiB to prevent OOM crashes")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	level := logging.INFO
	if cfg.Environment == "development" {
		level = logging.DEBUG
	}

	outputs := []io.Writer{os.Stdout}
	var rotatingLog *logging.RotatingFileWriter
	if cfg.Logging.FilePath != "" {
		var err error
		rotatingLog, err = logging.NewRotatingFileWriter(logging.RotationConfig{
			Filename:           cfg.Logging.FilePath,
			MaxSizeMB:          cfg.Logging.MaxSizeMB,
			MaxAge:             time.Duration(cfg.Logging.MaxAgeHours) * time.Hour,
			MaxBackups:         cfg.Logging.MaxBackups,
			CompressionEnabled: cfg.Logging.CompressionEnabled,
		})
		if err != nil {
			log.Fatalf("failed to open log file %s: %v", cfg.Logging.FilePath, err)
		}
		defer rotatingLog.Close()
		outputs = append(outputs, rotatingLog)
	}

	logger := logging.NewLogger(level, outputs...)
	logger.Info("impulse screener starting", logging.String("environment", cfg.Environment))

	clusterStore := cluster.New(cfg.Detector.MaxClustersPerSymbol, cfg.Detector.ClusterIntervalSec)
	atrAcc := atrstat.New(cfg.Detector.ATRPeriod, float64(cfg.Detector.CandleTimeframeSec))

	det := detector.New(detector.Config{
		ATRMultiplier:          cfg.Detector.ATRMultiplier,
		MaxLookback:            cfg.Detector.MaxClustersPerSymbol,
		MinClusters:            cfg.Detector.ImpulseMinClusters,
		MinTrades:              cfg.Detector.ImpulseMinTrades,
		AntiSpamPerSymbolSec:   cfg.Detector.AntiSpamPerSymbolSec,
		AntiSpamBurstCount:     cfg.Detector.AntiSpamBurstCount,
		AntiSpamBurstWindowSec: cfg.Detector.AntiSpamBurstWindowSec,
		AntiSpamSilenceSec:     cfg.Detector.AntiSpamSilenceSec,
	})

	signer := auth.NewSigner(cfg.JWT.Secret)
	tokenTTL, err := time.ParseDuration(cfg.JWT.Expiry)
	if err != nil {
		logger.Warn("invalid JWT_EXPIRY, falling back to default token lifetime", logging.String("value", cfg.JWT.Expiry))
		tokenTTL = 0
	}
	users := userstore.NewInMemoryStore(signer, tokenTTL)

	uniCfg := universe.DefaultConfig()
	uniCfg.DynamicThreshold = cfg.Detector.DynamicThreshold
	uniCfg.FixedThresholdPct = cfg.Detector.FixedThresholdPct
	uniFetcher := universe.NewBinanceFetcher(uniCfg, logger)

	notif := notifier.New(notifier.Config{
		AdminWebhookURL: cfg.Notifier.AdminWebhookURL,
		AdminChatID:     cfg.Notifier.AdminChatID,
		SigningKey:      cfg.Notifier.SigningKey,
		QueueSize:       cfg.Notifier.QueueSize,
		Workers:         cfg.Notifier.Workers,
		MaxRetries:      cfg.Notifier.MaxRetries,
	}, logger)

	// mux and hub both need a reference back to the engine that doesn't
	// exist until they're built; screenerEngine is assigned once, after
	// both are constructed, and is never invoked until Start.
	var screenerEngine *engine.Engine

	mux := binance.New(binance.Config{
		BaseWSURL:          cfg.Upstream.BaseWSURL,
		ConnectTimeout:     time.Duration(cfg.Upstream.ConnectTimeoutSec) * time.Second,
		ReadTimeout:        time.Duration(cfg.Upstream.ReadTimeoutSec) * time.Second,
		HeartbeatInterval:  time.Duration(cfg.Upstream.HeartbeatSec) * time.Second,
		SubscribeBatchSize: cfg.Upstream.SubscribeBatchSize,
		SubscribeBatchGap:  time.Duration(cfg.Upstream.SubscribeBatchGapMS) * time.Millisecond,
		MaxBackoff:         time.Duration(cfg.Upstream.MaxBackoffSec * float64(time.Second)),
	}, logger,
		func(symbol string, ts, price, qty float64) { screenerEngine.OnTrade(symbol, ts, price, qty) },
		func(symbol string, ts, price float64) { screenerEngine.OnMarkPrice(symbol, ts, price) },
	)

	hub := pushhub.New(pushhub.Config{
		Host:             cfg.PushHub.Host,
		Port:             cfg.PushHub.Port,
		HeartbeatSec:     cfg.PushHub.HeartbeatSec,
		PingTimeoutSec:   cfg.PushHub.PingTimeoutSec,
		ClientSendBuffer: cfg.PushHub.ClientSendBuffer,
		AuthResolver:     users.ResolveToken,
		ConfigStore:      users,
		AllowedFilters:   userstore.AllowedFilters,
		TopProvider: func(mode string, n int) []pushhub.TopItem {
			return screenerEngine.TopProvider(mode, n)
		},
		MetricsSink: func(clientID, event string, data interface{}) {
			monitoring.RecordClientMetric(event)
		},
	}, logger)

	bus := clusterbus.New(clusterbus.Config{
		Enabled:  cfg.Redis.Enabled,
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Channel:  cfg.Redis.Channel,
	}, hub, logger)

	screenerEngine = engine.New(engine.Config{
		ClusterIntervalSec: cfg.Detector.ClusterIntervalSec,
		CandleTimeframeSec: float64(cfg.Detector.CandleTimeframeSec),
		DetectorQueueSize:  cfg.Detector.DetectorQueueSize,
		DetectorWorkers:    cfg.Detector.DetectorWorkers,
		FixedThresholdPct:  cfg.Detector.FixedThresholdPct,
		DynamicThreshold:   cfg.Detector.DynamicThreshold,
	}, logger, clusterStore, atrAcc, det, mux, hub, notif, bus, uniFetcher, users)

	healthChecker := monitoring.NewHealthChecker("1.0.0")
	healthChecker.RegisterCheck("memory", monitoring.MemoryHealthCheck(85.0))
	healthChecker.RegisterCheck("goroutines", monitoring.GoroutineHealthCheck(20000))
	healthChecker.RegisterCheck("push_hub", func() monitoring.ComponentHealth {
		monitoring.SetPushHubConnections(hub.ConnectionCount())
		return monitoring.ComponentHealth{
			Status:      monitoring.StatusHealthy,
			LastChecked: time.Now(),
			Metadata:    map[string]interface{}{"connections": hub.ConnectionCount()},
		}
	})
	healthChecker.RegisterCheck("errors", func() monitoring.ComponentHealth {
		top := logging.GetTopErrors(5)
		status := monitoring.StatusHealthy
		if len(top) > 0 {
			status = monitoring.StatusDegraded
		}
		summary := make([]map[string]interface{}, 0, len(top))
		for _, e := range top {
			summary = append(summary, map[string]interface{}{
				"type":     e.ErrorType,
				"severity": e.Severity,
				"count":    e.Count,
			})
		}
		return monitoring.ComponentHealth{
			Status:      status,
			LastChecked: time.Now(),
			Metadata:    map[string]interface{}{"top_errors": summary},
		}
	})

	perfMetrics := logging.NewPerformanceMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus.Start(ctx)
	screenerEngine.Start(ctx)

	httpMux := http.NewServeMux()
	httpMux.Handle("/ws", hub)
	httpMux.Handle("/metrics", promhttp.Handler())
	httpMux.HandleFunc("/health", healthChecker.HTTPHealthHandler())
	httpMux.HandleFunc("/ready", healthChecker.HTTPReadinessHandler())
	httpMux.HandleFunc("/admin/users", func(w http.ResponseWriter, r *http.Request) {
		handleCreateUser(w, r, users)
	})

	handler := logging.PanicRecoveryMiddleware(logger)(
		logging.HTTPLoggingMiddleware(logger)(
			perfTrackingMiddleware(perfMetrics, logger, httpMux),
		),
	)

	log.Println("═══════════════════════════════════════════════════════════")
	log.Println("  IMPULSE SCREENER")
	log.Println("═══════════════════════════════════════════════════════════")
	log.Printf("  PushHub WebSocket: ws://%s:%s/ws", cfg.PushHub.Host, cfg.PushHub.Port)
	log.Printf("  Metrics:           http://%s:%s/metrics", cfg.PushHub.Host, cfg.PushHub.Port)
	log.Printf("  Health:            http://%s:%s/health", cfg.PushHub.Host, cfg.PushHub.Port)
	log.Println("═══════════════════════════════════════════════════════════")

	addr := cfg.PushHub.Host + ":" + cfg.PushHub.Port
	srv := &http.Server{Addr: addr, Handler: handler}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, draining")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	screenerEngine.Stop()
	bus.Stop()
	logger.Info("impulse screener stopped")
}

func handleCreateUser(w http.ResponseWriter, r *http.Request, users *userstore.InMemoryStore) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	chatID := r.URL.Query().Get("chat_id")
	profile, err := users.CreateUser(chatID)
	if err != nil {
		logging.TrackError(r.Context(), err, "high", map[string]interface{}{"chat_id": chatID})
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"user_id":"` + profile.UserID + `","token":"` + profile.Token + `"}`))
}

// statusRecorder captures the status code a downstream handler writes so
// perfTrackingMiddleware can report it after ServeHTTP returns.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

// perfTrackingMiddleware feeds every request's duration and outcome into
// perf so slow endpoints surface in its rolling sample.
func perfTrackingMiddleware(perf *logging.PerformanceMetrics, logger *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		perf.LogSlowEndpoint(r.Method, r.URL.Path, time.Since(start), rec.status, r.Header.Get("X-Request-ID"), logger)
	})
}
