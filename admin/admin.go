// Package admin serves the JSON management API: read-only access to live and
// recent connections, and CRUD over the station list. Station edits go
// through the config store so they are validated, persisted, and picked up
// by running sessions on their next selection.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	goji "goji.io"
	"goji.io/pat"

	"github.com/kroegman/neartrip/config"
	"github.com/kroegman/neartrip/registry"
)

// Server is the admin HTTP surface.
type Server struct {
	store    *config.Store
	registry *registry.Registry
	logger   golog.Logger

	httpServer              *http.Server
	listenerAddr            net.Addr
	activeBackgroundWorkers sync.WaitGroup
}

// New wires an admin server over the given store and registry.
func New(store *config.Store, reg *registry.Registry, logger golog.Logger) *Server {
	return &Server{store: store, registry: reg, logger: logger}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := goji.NewMux()
	mux.Use(s.basicAuth)
	mux.HandleFunc(pat.Get("/api/config"), s.getConfig)
	mux.HandleFunc(pat.Put("/api/config"), s.putConfig)
	mux.HandleFunc(pat.Post("/api/reload"), s.postReload)
	mux.HandleFunc(pat.Get("/api/connections"), s.getConnections)
	mux.HandleFunc(pat.Get("/api/stations"), s.getStations)
	mux.HandleFunc(pat.Post("/api/stations"), s.postStation)
	mux.HandleFunc(pat.Put("/api/stations/:mount"), s.putStation)
	mux.HandleFunc(pat.Delete("/api/stations/:mount"), s.deleteStation)
	return mux
}

// Start listens on the configured admin port. Callers should not Start when
// no admin port is configured.
func (s *Server) Start() error {
	cfg := s.store.Get()
	if cfg.AdminPort == 0 {
		return errors.New("no admin port configured")
	}
	addr := net.JoinHostPort(cfg.Interface, strconv.Itoa(cfg.AdminPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "cannot listen on %s", addr)
	}
	s.listenerAddr = listener.Addr()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infow("admin API listening", "addr", listener.Addr().String())
	s.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("admin server failed", "error", err)
		}
	}, s.activeBackgroundWorkers.Done)
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.listenerAddr
}

// Close shuts the HTTP server down.
func (s *Server) Close() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	s.activeBackgroundWorkers.Wait()
	return err
}

// basicAuth enforces the configured admin credentials; with none configured
// the API is open (the expectation is that the admin port is firewalled).
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.store.Get()
		if cfg.AdminUsername == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(cfg.AdminUsername)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(cfg.AdminPassword)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="neartrip admin"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Get())
}

func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	cfg := &config.Config{}
	if err := json.NewDecoder(r.Body).Decode(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.Replace(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.writeJSON(w, http.StatusOK, s.store.Get())
}

func (s *Server) postReload(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Reload(); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.writeJSON(w, http.StatusOK, s.store.Get())
}

func (s *Server) getConnections(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) getStations(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Get().Stations)
}

func (s *Server) postStation(w http.ResponseWriter, r *http.Request) {
	station := &config.StationConfig{}
	if err := json.NewDecoder(r.Body).Decode(station); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cfg := s.store.Get().Clone()
	for _, existing := range cfg.Stations {
		if existing.MountPoint == station.MountPoint {
			http.Error(w, "mount point already exists", http.StatusConflict)
			return
		}
	}
	cfg.Stations = append(cfg.Stations, station)
	if err := s.store.Replace(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.writeJSON(w, http.StatusCreated, station)
}

func (s *Server) putStation(w http.ResponseWriter, r *http.Request) {
	mount := pat.Param(r, "mount")
	station := &config.StationConfig{}
	if err := json.NewDecoder(r.Body).Decode(station); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cfg := s.store.Get().Clone()
	replaced := false
	for idx, existing := range cfg.Stations {
		if existing.MountPoint == mount {
			cfg.Stations[idx] = station
			replaced = true
			break
		}
	}
	if !replaced {
		http.Error(w, "no such station", http.StatusNotFound)
		return
	}
	if err := s.store.Replace(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.writeJSON(w, http.StatusOK, station)
}

func (s *Server) deleteStation(w http.ResponseWriter, r *http.Request) {
	mount := pat.Param(r, "mount")
	cfg := s.store.Get().Clone()
	kept := cfg.Stations[:0]
	found := false
	for _, existing := range cfg.Stations {
		if existing.MountPoint == mount {
			found = true
			continue
		}
		kept = append(kept, existing)
	}
	if !found {
		http.Error(w, "no such station", http.StatusNotFound)
		return
	}
	cfg.Stations = kept
	if err := s.store.Replace(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debugw("cannot encode response", "error", err)
	}
}
