package coordinator

import (
	"context"
	"net/http"
	"time"

	core "github.com/troop/coordinator/internal/app/core/service"
	"github.com/troop/coordinator/internal/app/metrics"
	"github.com/troop/coordinator/internal/app/services/audit"
	"github.com/troop/coordinator/internal/app/services/ratelimit"
	"github.com/troop/coordinator/internal/app/system"
	"github.com/troop/coordinator/internal/config"
	"github.com/troop/coordinator/pkg/logger"
)

// Service exposes the coordinator's HTTP API and fits into the system
// manager lifecycle alongside every other app.Service.
type Service struct {
	addr   string
	server *http.Server
	log    *logger.Logger
}

var _ system.Service = (*Service)(nil)
var _ system.DescriptorProvider = (*Service)(nil)

// Descriptor advertises this service's placement in the ingress layer for
// /admin/status to report.
func (s *Service) Descriptor() core.Descriptor {
	return ServiceDescriptor()
}

// ServiceDescriptor is the descriptor for the coordinator HTTP service. It is
// exposed as a standalone function because callers building the admin/status
// payload need it before a *Service exists yet (the Service itself depends on
// the Handler, which is where that payload is served from).
func ServiceDescriptor() core.Descriptor {
	return core.Descriptor{
		Name:   "coordinator-http",
		Domain: "gpu-compute",
		Layer:  core.LayerIngress,
	}.WithCapabilities("fleet-discovery", "proof-of-hardware", "settlement", "rate-limiting")
}

// NewService composes the full request pipeline: timeout enforcement wraps
// everything so a hung handler still gets cut off, tracing runs next so
// every response (including timeouts and rate limits) carries a request ID,
// then CORS, then per-route rate limiting applied inside Router, and finally
// Prometheus instrumentation closest to the handler so it measures only
// work this service actually did.
func NewService(h *Handler, limiter *ratelimit.Service, sink *audit.Sink, cors config.CoordinatorCORS, addr string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("httpapi-coordinator")
	}

	limiterMW := func(next http.Handler) http.Handler {
		return wrapWithRateLimit(next, limiter, sink, log)
	}

	var handler http.Handler = h.Router(limiterMW)
	handler = wrapWithCORS(handler, cors)
	handler = metrics.InstrumentHandler(handler)
	handler = wrapWithTracing(handler)
	handler = wrapWithTimeout(handler)

	return &Service{addr: addr, log: log, server: &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
	}}
}

func (s *Service) Name() string { return "coordinator-http" }

func (s *Service) Start(ctx context.Context) error {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("coordinator http server error: %v", err)
		}
	}()
	s.log.Infof("coordinator http listening on %s", s.addr)
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// wrapWithCORS enforces the startup-validated wildcard/allow-list split: a
// wildcard origin never carries credentials, an explicit allow-list always
// does.
func wrapWithCORS(next http.Handler, cors config.CoordinatorCORS) http.Handler {
	allowed := make(map[string]struct{}, len(cors.AllowedOrigins))
	for _, o := range cors.AllowedOrigins {
		allowed[o] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case cors.AllowWildcard:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "":
			if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				if cors.AllowCredentials {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
