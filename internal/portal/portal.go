// Package portal implements the proxy's sideband HTTP surface: the
// reserved /__revamp__/... endpoints for config, metrics, health, plugin
// dispatch, and the remote service-worker bridge, plus root CA certificate
// download.
package portal

import (
	"encoding/json"
	"mime"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mitchellh/mapstructure"

	"github.com/revamp-proxy/revampd/internal/certauthority"
	"github.com/revamp-proxy/revampd/internal/config"
	"github.com/revamp-proxy/revampd/internal/hooks"
	"github.com/revamp-proxy/revampd/internal/metrics"
	"github.com/revamp-proxy/revampd/internal/swbridge"
)

// Server holds the collaborators the portal's handlers delegate to.
type Server struct {
	Config    *config.Store
	CA        *certauthority.Authority
	Metrics   *metrics.Counters
	Endpoints *hooks.EndpointRegistry
	SWBridge  swbridge.Bridge
	router    chi.Router
}

// New builds a Server with its chi router mounted.
func New(cfgStore *config.Store, ca *certauthority.Authority, m *metrics.Counters, endpoints *hooks.EndpointRegistry, bridge swbridge.Bridge) *Server {
	if bridge == nil {
		bridge = swbridge.Stub{}
	}
	s := &Server{Config: cfgStore, CA: ca, Metrics: m, Endpoints: endpoints, SWBridge: bridge}
	s.router = s.routes()
	return s
}

// Handler returns the portal's http.Handler, mountable under
// /__revamp__/ by a caller or served as-is from an adapter.
func (s *Server) Handler() http.Handler { return s.router }

// ServeHTTP implements http.Handler by delegating to the mounted router, so
// Server itself can be handed to pipeline.Engine.Reserved directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/__revamp__", func(r chi.Router) {
		r.Route("/config", func(r chi.Router) {
			r.Get("/", s.handleConfigGet)
			r.Post("/", s.handleConfigPost)
			r.Delete("/", s.handleConfigDelete)
			r.Options("/", s.handleConfigOptions)
		})
		r.Get("/metrics", s.handleMetricsHTML)
		r.Get("/metrics/json", s.handleMetricsJSON)
		r.Get("/api/health", s.handleHealth)
		r.Get("/ca.crt", s.handleCACert)
		r.HandleFunc("/plugins/{pluginId}/*", s.handlePluginDispatch)
		r.HandleFunc("/sw/remote", s.handleSWRemote)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return config.NormalizeClient(host)
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	snap := s.Config.Effective(clientAddr(r))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "config": snap})
}

// decodeOverlay unmarshals a request body into a raw map first, then lets
// mapstructure do the field-by-field decode into config.Overlay.
func decodeOverlay(r *http.Request) (*config.Overlay, error) {
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}
	var overlay config.Overlay
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true, // JSON numbers decode to float64; overlay fields are *int
		Result:           &overlay,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, err
	}
	return &overlay, nil
}

func (s *Server) handleConfigPost(w http.ResponseWriter, r *http.Request) {
	overlay, err := decodeOverlay(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid JSON body"})
		return
	}

	client := clientAddr(r)
	s.Config.SetOverlay(client, overlay)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "config": s.Config.Effective(client)})
}

func (s *Server) handleConfigDelete(w http.ResponseWriter, r *http.Request) {
	s.Config.ClearOverlay(clientAddr(r))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "config": s.Config.Effective(clientAddr(r))})
}

func (s *Server) handleConfigOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", originOrWildcard(r))
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "*")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func originOrWildcard(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return origin
	}
	return "*"
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Metrics.Snapshot())
}

// handleMetricsHTML serves an opaque dashboard body; its content is
// explicitly out of scope beyond the counters it reflects.
func (s *Server) handleMetricsHTML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("<html><body><pre>metrics dashboard not implemented beyond /metrics/json</pre></body></html>"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleCACert(w http.ResponseWriter, r *http.Request) {
	der := s.CA.GetRootCertBytes()
	if der == nil {
		http.Error(w, "root certificate unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", mime.TypeByExtension(".crt"))
	w.Header().Set("Content-Disposition", `attachment; filename="revamp-ca.crt"`)
	w.Write(der)
}

func (s *Server) handlePluginDispatch(w http.ResponseWriter, r *http.Request) {
	pluginID := chi.URLParam(r, "pluginId")
	path := chi.URLParam(r, "*")
	ep, ok := s.Endpoints.Lookup(pluginID, "/"+path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	ep.Handler(w, r)
}

func (s *Server) handleSWRemote(w http.ResponseWriter, r *http.Request) {
	if err := s.SWBridge.HandleUpgrade(w, r); err != nil {
		return
	}
}
