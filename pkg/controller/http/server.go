package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/m-mizutani/flakewatch/pkg/domain/interfaces"
)

// config holds internal HTTP server configuration
type config struct {
	addr           string
	webhookSecret  string
	maxPayloadSize int64
	healthChecks   map[string]HealthCheck
}

// Option is a functional option for Server configuration
type Option func(*config)

// WithAddr sets the server address
func WithAddr(addr string) Option {
	return func(c *config) {
		c.addr = addr
	}
}

// WithWebhookSecret sets the webhook secret
func WithWebhookSecret(secret string) Option {
	return func(c *config) {
		c.webhookSecret = secret
	}
}

// WithMaxPayloadSize limits the size of a webhook body
func WithMaxPayloadSize(n int64) Option {
	return func(c *config) {
		c.maxPayloadSize = n
	}
}

// WithHealthCheck adds a dependency check to the health endpoint
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(c *config) {
		c.healthChecks[name] = check
	}
}

// Server represents the HTTP server
type Server struct {
	*http.Server
}

// NewServer creates a new HTTP server
func NewServer(
	ctx context.Context,
	webhookUC interfaces.WebhookUseCase,
	opts ...Option,
) (*Server, error) {
	// Default configuration
	cfg := &config{
		addr:           "localhost:8080",
		maxPayloadSize: DefaultMaxPayloadSize,
		healthChecks:   make(map[string]HealthCheck),
	}

	// Apply options
	for _, opt := range opts {
		opt(cfg)
	}

	router := chi.NewRouter()

	// Global middleware
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggingMiddleware(ctx))
	router.Use(middleware.Recoverer)

	// Health check
	router.Get("/health", handleHealth(cfg.healthChecks))

	// Webhook endpoint
	webhookHandler := NewWebhookHandler(cfg.webhookSecret, webhookUC)
	webhookHandler.maxPayloadSize = cfg.maxPayloadSize
	router.Post("/hooks/github", webhookHandler.Handle)

	server := &Server{
		Server: &http.Server{
			Addr:              cfg.addr,
			Handler:           router,
			ReadHeaderTimeout: 15 * time.Second,
		},
	}

	return server, nil
}
