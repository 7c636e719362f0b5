// Package main implements bridged, a development host daemon embedding the
// commerce SDK with the in-memory fake store platform. Web content connects
// over a websocket and speaks the bridge protocol exactly as it would inside
// a production host shell.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nutritrack/commercekit"
	"github.com/nutritrack/commercekit/internal/config"
	"github.com/nutritrack/commercekit/internal/metrics"
	"github.com/nutritrack/commercekit/internal/storekit"
	"github.com/nutritrack/commercekit/pkg/logger"
)

func main() {
	configPath := flag.String("config", "commercekit.yaml", "Path to config file")
	flag.Parse()

	// Best-effort: a missing .env is not an error in development.
	_ = godotenv.Load()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		logger.NewDefault("bridged").WithError(err).Error("configuration failed")
		os.Exit(1)
	}
	log := logger.New("bridged", cfg.LogLevel)

	platform, err := storekit.NewFakePlatform()
	if err != nil {
		log.WithError(err).Error("fake platform init failed")
		os.Exit(1)
	}
	seedCatalog(platform)

	reg := prometheus.NewRegistry()
	sdk, err := commercekit.New(commercekit.Options{
		Config:    cfg,
		Platform:  platform,
		VerifyKey: platform.PublicKey(),
		Locale:    "en-US",
		Region:    "US",
		Log:       log,
		Metrics:   metrics.New(reg),
	})
	if err != nil {
		log.WithError(err).Error("sdk init failed")
		os.Exit(1)
	}
	defer sdk.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sdk.Start(ctx)

	upgrader := websocket.Upgrader{
		// Development daemon: web content is served from arbitrary local
		// origins.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	router := mux.NewRouter()
	router.HandleFunc("/bridge", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Warn("websocket upgrade failed")
			return
		}
		log.WithField("remote", r.RemoteAddr).Info("web content attached")
		sdk.Transport().AttachHost(conn)
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("bridged listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("server failed")
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown incomplete")
	}
}

// seedCatalog loads a small development catalog so getProducts and buyProduct
// have something to work with out of the box.
func seedCatalog(platform *storekit.FakePlatform) {
	platform.AddProduct(storekit.Product{
		ID:           "premium.monthly",
		Title:        "Premium Monthly",
		Description:  "Full access, billed monthly",
		DisplayPrice: "$4.99",
		Currency:     "USD",
		PriceCents:   499,
	})
	platform.AddProduct(storekit.Product{
		ID:           "premium.yearly",
		Title:        "Premium Yearly",
		Description:  "Full access, billed yearly",
		DisplayPrice: "$39.99",
		Currency:     "USD",
		PriceCents:   3999,
	})
}
