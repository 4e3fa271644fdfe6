// Observability middleware and HTTP server for metrics, profiling and the
// event stream
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"

	"github.com/nainya/contentstore/internal/logger"
	"github.com/nainya/contentstore/internal/metrics"
	"github.com/nainya/contentstore/pkg/observation"
	"github.com/nainya/contentstore/pkg/repository"
)

// GrpcMetricsInterceptor creates a gRPC interceptor for metrics and logging
func GrpcMetricsInterceptor(m *metrics.Metrics, log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		if m != nil {
			m.GrpcRequestsInFlight.Inc()
			defer m.GrpcRequestsInFlight.Dec()
		}

		resp, err := handler(ctx, req)

		duration := time.Since(start)
		status := "success"
		if err != nil {
			status = "error"
		}
		m.RecordGrpcRequest(info.FullMethod, status, duration)
		log.LogGrpcRequest(info.FullMethod, duration, err)

		return resp, err
	}
}

// ObservabilityOptions configure the observability router
type ObservabilityOptions struct {
	// Gatherer serves /metrics; nil uses the default Prometheus gatherer
	Gatherer prometheus.Gatherer
	// Ready reports whether the service accepts traffic; nil means always
	Ready func() bool
}

// ObservabilityServer provides HTTP endpoints for metrics, profiling and
// event streaming
type ObservabilityServer struct {
	server *http.Server
	log    *logger.Logger
}

// eventStream upgrades /events requests to websockets carrying JSON event
// bundles
type eventStream struct {
	repo     *repository.Repository
	log      *logger.Logger
	upgrader websocket.Upgrader
}

// NewRouter builds the observability routes
func NewRouter(repo *repository.Repository, log *logger.Logger, opts ObservabilityOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "service": "contentstore"})
	})

	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		if opts.Ready != nil && !opts.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "stats": repo.Stats()})
	})

	r.Get("/journal", func(w http.ResponseWriter, req *http.Request) {
		filter, err := parseFilter(req)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		var after uint64
		if v := req.URL.Query().Get("after"); v != "" {
			if after, err = strconv.ParseUint(v, 10, 64); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "after must be a sequence number"})
				return
			}
		}
		it, err := repo.Observation().Journal(filter, after)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		events := make([]observation.Event, 0, it.Size())
		for e, ok := it.Next(); ok; e, ok = it.Next() {
			events = append(events, e)
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
	})

	stream := &eventStream{
		repo: repo,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	r.Get("/events", stream.serve)

	r.Route("/debug/pprof", func(r chi.Router) {
		r.HandleFunc("/", pprof.Index)
		r.HandleFunc("/cmdline", pprof.Cmdline)
		r.HandleFunc("/profile", pprof.Profile)
		r.HandleFunc("/symbol", pprof.Symbol)
		r.HandleFunc("/trace", pprof.Trace)
		r.Handle("/{profile}", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			pprof.Handler(chi.URLParam(req, "profile")).ServeHTTP(w, req)
		}))
	})
	return r
}

// NewObservabilityServer creates a new HTTP server for observability
func NewObservabilityServer(port int, repo *repository.Repository, log *logger.Logger, opts ObservabilityOptions) *ObservabilityServer {
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     NewRouter(repo, log, opts),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return &ObservabilityServer{
		server: server,
		log:    log,
	}
}

// Start starts the observability HTTP server
func (o *ObservabilityServer) Start() error {
	o.log.Info("Starting observability server").
		Str("addr", o.server.Addr).
		Str("metrics", fmt.Sprintf("http://%s/metrics", o.server.Addr)).
		Str("events", fmt.Sprintf("ws://%s/events", o.server.Addr)).
		Str("pprof", fmt.Sprintf("http://%s/debug/pprof/", o.server.Addr)).
		Send()

	if err := o.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("observability server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the observability server
func (o *ObservabilityServer) Shutdown(ctx context.Context) error {
	o.log.Info("Shutting down observability server").Send()
	return o.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

var typeParams = map[string]observation.Type{
	"NODE_ADDED":       observation.NodeAdded,
	"NODE_REMOVED":     observation.NodeRemoved,
	"PROPERTY_ADDED":   observation.PropertyAdded,
	"PROPERTY_REMOVED": observation.PropertyRemoved,
	"PROPERTY_CHANGED": observation.PropertyChanged,
	"NODE_MOVED":       observation.NodeMoved,
	"PERSIST":          observation.Persist,
}

// parseFilter reads workspace, path, deep, glob, types and nodeType query
// parameters
func parseFilter(req *http.Request) (observation.Filter, error) {
	q := req.URL.Query()
	f := observation.Filter{
		Workspace: q.Get("workspace"),
		Path:      q.Get("path"),
		Deep:      q.Get("deep") == "true",
		Globs:     q["glob"],
		NodeTypes: q["nodeType"],
	}
	for _, list := range q["types"] {
		for _, name := range strings.Split(list, ",") {
			t, ok := typeParams[strings.ToUpper(strings.TrimSpace(name))]
			if !ok {
				return f, fmt.Errorf("unknown event type %q", name)
			}
			f.Types |= t
		}
	}
	return f, nil
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	streamBuf  = 64
)

func (s *eventStream) serve(w http.ResponseWriter, req *http.Request) {
	filter, err := parseFilter(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	bundles := make(chan []observation.Event, streamBuf)
	done := make(chan struct{})
	id := s.repo.Observation().AddListener(observation.ListenerFunc(func(events []observation.Event) error {
		select {
		case bundles <- events:
			return nil
		case <-done:
			return nil
		default:
			return fmt.Errorf("event stream client too slow, dropped %d events", len(events))
		}
	}), filter)
	defer s.repo.Observation().RemoveListener(id)

	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed").Err(err).Send()
		return
	}
	defer conn.Close()

	s.log.Debug("event stream opened").Str("listener", id).Str("remote", req.RemoteAddr).Send()

	// the read loop only notices the client going away
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case events := <-bundles:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(events); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			s.log.Debug("event stream closed").Str("listener", id).Send()
			return
		}
	}
}
