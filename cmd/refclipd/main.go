package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/refclip/refclip/internal/httpapi"
	"github.com/refclip/refclip/internal/refclip"
)

func main() {
	// A missing .env is fine; environment variables win either way.
	_ = godotenv.Load()

	addr := os.Getenv("REFCLIP_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8573"
	}

	storeBackend, err := buildStoreBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize record store backend: %v", err)
	}
	store := refclip.NewStore(storeBackend)
	defer store.Close()

	hub := httpapi.NewHub()
	defer hub.Close()

	clients := buildClientsFromEnv()
	if len(clients) == 0 {
		log.Printf("warning: no backend tokens configured; saves will fail until REFCLIP_ZOTERO_TOKEN or REFCLIP_ATLOS_TOKEN is set")
	}

	capture, closeCapture, err := buildCaptureChainFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize capture providers: %v", err)
	}
	if closeCapture != nil {
		defer closeCapture()
	}

	directory := refclip.NewProjectDirectory(store, clients, hub)
	coordinator := refclip.NewCoordinator(refclip.CoordinatorOptions{
		Store:     store,
		Clients:   clients,
		Directory: directory,
		Capture:   capture,
		Notifier:  hub,
	})
	registry := refclip.NewInFlightRegistry()
	outbox := refclip.NewOutbox(refclip.OutboxOptions{
		Store:       store,
		Registry:    registry,
		Coordinator: coordinator,
		Notifier:    hub,
	})
	autosave := refclip.NewAutoSaveManager(refclip.AutoSaveOptions{
		Store:            store,
		Registry:         registry,
		Coordinator:      coordinator,
		Notifier:         hub,
		PendingURLTTL:    durationEnv("REFCLIP_PENDING_URL_TTL", 0),
		PendingTabTTL:    durationEnv("REFCLIP_PENDING_TAB_TTL", 0),
		CountdownSeconds: intEnv("REFCLIP_AUTOSAVE_COUNTDOWN_SECONDS", 0),
	})
	reader := refclip.NewReadTracker(store, hub)

	server := httpapi.NewServer(httpapi.ServerOptions{
		Store:       store,
		Registry:    registry,
		Coordinator: coordinator,
		Outbox:      outbox,
		AutoSave:    autosave,
		Reader:      reader,
		Directory:   directory,
		Hub:         hub,
		Config: httpapi.ServerConfig{
			MaxBodyBytes: int64Env("REFCLIP_MAX_BODY_BYTES", 0),
		},
	})

	if len(clients) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := directory.Resync(ctx); err != nil {
			log.Printf("initial project resync failed: %v", err)
		}
		cancel()
	}

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		log.Printf("refclipd listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func buildStoreBackendFromEnv() (refclip.StoreBackend, error) {
	dsn := strings.TrimSpace(os.Getenv("REFCLIP_STORE_DSN"))
	if dsn == "" {
		dataDir := strings.TrimSpace(os.Getenv("REFCLIP_DATA_DIR"))
		if dataDir == "" {
			dataDir = ".refclip"
		}
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, err
		}
		dsn = "file://" + filepath.Join(dataDir, "records.json")
	}
	return refclip.BuildStoreBackendFromDSN(dsn)
}

func buildClientsFromEnv() []refclip.BackendClient {
	var clients []refclip.BackendClient
	if token := strings.TrimSpace(os.Getenv("REFCLIP_ZOTERO_TOKEN")); token != "" {
		clients = append(clients, refclip.NewZoteroClient(refclip.ZoteroClientOptions{
			BaseURL:       os.Getenv("REFCLIP_ZOTERO_BASE_URL"),
			UserID:        os.Getenv("REFCLIP_ZOTERO_USER_ID"),
			TokenProvider: refclip.StaticToken(token),
			MaxRetries:    intEnv("REFCLIP_ZOTERO_MAX_RETRIES", 0),
		}))
	}
	if token := strings.TrimSpace(os.Getenv("REFCLIP_ATLOS_TOKEN")); token != "" {
		clients = append(clients, refclip.NewAtlosClient(refclip.AtlosClientOptions{
			BaseURL:       os.Getenv("REFCLIP_ATLOS_BASE_URL"),
			TokenProvider: refclip.StaticToken(token),
			MaxRetries:    intEnv("REFCLIP_ATLOS_MAX_RETRIES", 0),
		}))
	}
	return clients
}

// buildCaptureChainFromEnv prefers HTML spooled by the extension's content
// script and falls back to a headless browser when one is installed.
func buildCaptureChainFromEnv() (refclip.CaptureProvider, func() error, error) {
	var providers []refclip.CaptureProvider
	var closers []func() error

	spoolDir := strings.TrimSpace(os.Getenv("REFCLIP_CAPTURE_SPOOL_DIR"))
	if spoolDir != "" {
		if err := os.MkdirAll(spoolDir, 0o755); err != nil {
			return nil, nil, err
		}
		spool, err := refclip.NewSpoolCaptureProvider(spoolDir, durationEnv("REFCLIP_CAPTURE_SPOOL_WAIT", 0))
		if err != nil {
			return nil, nil, err
		}
		providers = append(providers, spool)
		closers = append(closers, spool.Close)
	}

	if boolEnv("REFCLIP_CAPTURE_HEADLESS", true) {
		providers = append(providers, refclip.NewChromeCaptureProvider(durationEnv("REFCLIP_CAPTURE_TIMEOUT", 0)))
	}

	closeAll := func() error {
		var firstErr error
		for _, closeFn := range closers {
			if err := closeFn(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	if len(providers) == 0 {
		return nil, closeAll, nil
	}
	return refclip.CaptureChain(providers), closeAll, nil
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}
