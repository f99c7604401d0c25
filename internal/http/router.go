package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "querydesk_http_request_duration_seconds",
	Help:    "API request latency by route and status",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "route", "status"})

// NewRouter mounts the REST API under /api, the websocket handler under
// /ws/users/, the OpenAPI document under /openapi and Prometheus metrics
// under /metrics. mw authenticates everything except health, metrics and
// the OpenAPI document.
func NewRouter(svc *Service, wsHandler http.Handler, mw func(http.Handler) http.Handler) http.Handler {
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, errorDetails(errs))
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg, errorDetails(errs))
	}
	if mw == nil {
		mw = func(h http.Handler) http.Handler { return h }
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer)
	router.Use(func(next http.Handler) http.Handler {
		authed := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if public(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			authed.ServeHTTP(w, r)
		})
	})
	router.Handle("/metrics", promhttp.Handler())
	if wsHandler != nil {
		router.Handle("/ws/users/*", wsHandler)
	}

	router.Group(func(r chi.Router) {
		r.Use(observe)
		hcfg := huma.DefaultConfig("QueryDesk API", "1.0.0")
		hcfg.OpenAPIPath = "/openapi"
		hcfg.DocsPath = ""
		api := humachi.New(r, hcfg)
		group := huma.NewGroup(api, "/api")

		svc.registerHealth(group)
		svc.registerMe(group)
		svc.registerQueries(group)
		svc.registerTransfers(group)
		svc.registerStaff(group)
	})
	return router
}

func public(path string) bool {
	return path == "/api/health" || path == "/metrics" || strings.HasPrefix(path, "/openapi")
}

func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		requestDuration.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Observe(time.Since(start).Seconds())
	})
}

func errorDetails(errs []error) map[string]any {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	return map[string]any{"errors": msgs}
}

type healthOutput struct {
	Body struct {
		Status string `json:"status" enum:"ok,degraded"`
		Store  string `json:"store,omitempty" doc:"Store circuit breaker state"`
	}
}

func (s *Service) registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		if s.storeState != nil {
			out.Body.Store = s.storeState()
			if out.Body.Store != "closed" {
				out.Body.Status = "degraded"
			}
		}
		return out, nil
	})
}
