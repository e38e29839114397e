package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/plopmail/intake/internal/api"
	"github.com/plopmail/intake/internal/auth"
	"github.com/plopmail/intake/internal/blob"
	"github.com/plopmail/intake/internal/config"
	"github.com/plopmail/intake/internal/intake"
	"github.com/plopmail/intake/internal/store"
	"github.com/plopmail/intake/internal/webhook"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to set up object store: %v", err)
	}

	messageStore := store.New(blobs)

	var dispatcher *webhook.Dispatcher
	if cfg.WebhookConfigured() {
		dispatcher = webhook.NewDispatcher(messageStore, webhook.Options{
			URL:        cfg.WebhookURL,
			Token:      cfg.WebhookToken,
			Timeout:    cfg.WebhookTimeout,
			RootDomain: cfg.RootDomain,
		})
		log.Printf("Webhook delivery configured for %s", cfg.WebhookURL)
	} else {
		log.Printf("No webhook configured; messages stay unprocessed until polled via the admin API")
	}

	backend := intake.NewBackend(cfg, messageStore, dispatcher)
	smtpServer := intake.NewSMTPServer(cfg, backend)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: NewServer(cfg, messageStore, dispatcher),
	}

	go func() {
		log.Printf("SMTP intake listening on %s for *@%s (environment: %s)", cfg.SMTPAddr, cfg.RootDomain, cfg.Environment)
		if err := smtpServer.ListenAndServe(); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			log.Fatalf("SMTP server failed: %v", err)
		}
	}()

	go func() {
		log.Printf("Admin API listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Admin API server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("Shutting down")

	if err := smtpServer.Close(); err != nil {
		log.Printf("Failed to close SMTP server: %v", err)
	}
	// Let in-flight webhook dispatches finish before the process exits.
	backend.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shut down admin API server: %v", err)
	}
}

// NewServer creates and returns the HTTP handler for the admin API.
func NewServer(cfg *config.Config, messageStore *store.Store, dispatcher *webhook.Dispatcher) http.Handler {
	inboxesHandler := api.NewInboxesHandler(cfg, messageStore, dispatcher)

	mux := http.NewServeMux()
	mux.HandleFunc("/", handleRoot)
	mux.Handle("/admin/inboxes", auth.RequireToken(cfg.AdminToken, http.HandlerFunc(inboxesHandler.ListInboxes)))
	mux.Handle("/admin/inboxes/", auth.RequireToken(cfg.AdminToken, http.HandlerFunc(inboxesHandler.Route)))
	return mux
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("plopmail intake is running"))
}

// newBlobStore builds the configured S3 store, or falls back to an in-memory
// store outside production so the server can run without a bucket.
func newBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	if cfg.S3Bucket == "" {
		log.Printf("Warning: no INTAKE_S3_BUCKET configured, using in-memory storage")
		return blob.NewMemoryStore(), nil
	}
	return blob.NewS3Store(ctx, blob.S3Options{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
}
