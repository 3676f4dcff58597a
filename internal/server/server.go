// Package server assembles the HTTP surface of the bridge.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/toolrelay/internal/bridge"
	"github.com/gaspardpetit/toolrelay/internal/bridgestate"
	"github.com/gaspardpetit/toolrelay/internal/logx"
)

// ConnectPath is where requesters and handlers open their websockets.
const ConnectPath = "/connect"

// Options configure the handler built by New.
type Options struct {
	AllowedOrigins []string
	// ClientKey, when set, must be presented as a bearer token to connect
	// and to read state.
	ClientKey string
	// Metrics is served on /metrics when set.
	Metrics *prometheus.Registry
	// State builds the local bridge state for /api/state.
	State *bridgestate.Publisher
	// Store, when set, backs /api/state/bridges.
	Store bridgestate.Store
}

// New constructs the HTTP handler for the bridge.
func New(ws *bridge.Server, opts Options) http.Handler {
	r := chi.NewRouter()
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range MiddlewareChain() {
		r.Use(m)
	}

	r.Get("/healthz", healthz)
	r.Get("/state", StatePageHandler())
	r.Get("/api/openapi.json", OpenAPIHandler())
	r.Group(func(g chi.Router) {
		g.Use(BearerMiddleware(opts.ClientKey))
		g.Get(ConnectPath, ws.ServeHTTP)
		g.Route("/api/state", func(ar chi.Router) {
			ar.Get("/", stateHandler(ws, opts.State))
			if opts.Store != nil {
				ar.Get("/bridges", bridgesHandler(opts.Store))
				ar.Get("/bridges/{id}", bridgeHandler(opts.Store))
			}
		})
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Metrics, promhttp.HandlerOpts{}))
	}
	return r
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	status := bridgestate.Status()
	code := http.StatusOK
	if status != bridgestate.StatusReady {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

func stateHandler(ws *bridge.Server, p *bridgestate.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if p != nil {
			writeJSON(w, http.StatusOK, p.Current())
			return
		}
		writeJSON(w, http.StatusOK, bridgestate.State{Status: bridgestate.Status(), Snapshot: ws.Multiplexer().Snapshot()})
	}
}

func bridgesHandler(store bridgestate.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states, err := store.List(r.Context())
		if err != nil {
			logx.Log.Error().Err(err).Msg("list bridge states")
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "state store unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, states)
	}
}

func bridgeHandler(store bridgestate.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := store.Load(r.Context(), chi.URLParam(r, "id"))
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, st)
		case errors.Is(err, bridgestate.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		default:
			logx.Log.Error().Err(err).Msg("load bridge state")
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "state store unavailable"})
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Debug().Err(err).Msg("write json")
	}
}
