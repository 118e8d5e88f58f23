// Package http provides the command gateway of EpochFlow: a thin HTTP API
// that turns requests into commands, submits them through the broker and
// maps the outcome to a status code.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	GET    /status
//	POST   /jobs
//	POST   /jobs/activate
//	POST   /jobs/{key}/complete
//	POST   /jobs/{key}/fail
//	POST   /jobs/{key}/error
//	PUT    /jobs/{key}/retries
//	PUT    /jobs/{key}/timeout
//	DELETE /jobs/{key}
//	POST   /messages
//	POST   /subscriptions
//	DELETE /subscriptions/{key}/{name}
//	POST   /incidents/{key}/resolve
//	GET    /partitions/{id}/records/ws
//	GET    /metrics
package http

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/snehjoshi/epochflow/internal/broker"
	"github.com/snehjoshi/epochflow/internal/config"
	"github.com/snehjoshi/epochflow/internal/metrics"
	"github.com/snehjoshi/epochflow/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with EpochFlow route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server from a Broker. m may be nil.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(b *broker.Broker, cfg *config.Config, m *metrics.Collector) *Server {
	h := &Handler{broker: b, dataDir: cfg.Node.DataDir}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /status", h.status)

	// Jobs
	mux.HandleFunc("POST /jobs", h.createJob)
	mux.HandleFunc("POST /jobs/activate", h.activateJobs)
	mux.HandleFunc("POST /jobs/{key}/complete", h.completeJob)
	mux.HandleFunc("POST /jobs/{key}/fail", h.failJob)
	mux.HandleFunc("POST /jobs/{key}/error", h.throwError)
	mux.HandleFunc("PUT /jobs/{key}/retries", h.updateRetries)
	mux.HandleFunc("PUT /jobs/{key}/timeout", h.updateTimeout)
	mux.HandleFunc("DELETE /jobs/{key}", h.cancelJob)

	// Messages
	mux.HandleFunc("POST /messages", h.publishMessage)
	mux.HandleFunc("POST /subscriptions", h.openSubscription)
	mux.HandleFunc("DELETE /subscriptions/{key}/{name}", h.closeSubscription)

	// Incidents
	mux.HandleFunc("POST /incidents/{key}/resolve", h.resolveIncident)

	// Live record stream
	mux.Handle("GET /partitions/{id}/records/ws", &websocket.Handler{Partitions: partitionSources{b}})

	if m != nil && cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", m.Handler())
	}

	// Build middleware chain: request id → logging → metrics → auth → rate-limit → body limit
	var handler http.Handler = mux
	handler = chain(handler,
		RequestIDMiddleware,
		LoggingMiddleware,
		MetricsMiddleware(m),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(cfg.HTTP.RateLimit, cfg.HTTP.Burst),
		MaxBodyMiddleware(int64(cfg.HTTP.MaxBodyKB)<<10),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: cfg.Engine.RequestTimeout + 15*time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// partitionSources exposes broker partitions to the record stream.
type partitionSources struct{ b *broker.Broker }

func (s partitionSources) Source(id int32) (websocket.Source, error) {
	p, err := s.b.Partition(id)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Serve accepts connections on ln until the server stops.
func (s *Server) Serve(ln net.Listener) error {
	return s.inner.Serve(ln)
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
