// Package proxy implements the rover-facing NTRIP endpoint: a TCP listener
// that runs one session state machine per connected rover, selects the
// nearest configured base station from the rover's GGA positions, and pipes
// the chosen caster's correction stream back.
package proxy

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/kroegman/neartrip/config"
	"github.com/kroegman/neartrip/nmealog"
	"github.com/kroegman/neartrip/registry"
)

// Server accepts rover connections and runs their sessions.
type Server struct {
	store    *config.Store
	registry *registry.Registry
	nmeaLog  *nmealog.Log
	logger   golog.Logger

	listener net.Listener

	mu       sync.Mutex
	sessions map[*session]struct{}

	cancelCtx               context.Context
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewServer wires a proxy server; Start or Serve begins accepting.
func NewServer(store *config.Store, reg *registry.Registry, nmeaLog *nmealog.Log, logger golog.Logger) *Server {
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	return &Server{
		store:      store,
		registry:   reg,
		nmeaLog:    nmeaLog,
		logger:     logger,
		sessions:   map[*session]struct{}{},
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
}

// Start binds the configured interface and port. Bind failures are fatal to
// the caller.
func (s *Server) Start() error {
	cfg := s.store.Get()
	addr := net.JoinHostPort(cfg.Interface, strconv.Itoa(cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "cannot listen on %s", addr)
	}
	s.Serve(listener)
	return nil
}

// Serve begins accepting rovers on an already bound listener.
func (s *Server) Serve(listener net.Listener) {
	s.listener = listener
	s.logger.Infow("NTRIP proxy listening",
		"addr", listener.Addr().String(), "mount", s.store.Get().MountPoint)
	s.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(s.acceptLoop, s.activeBackgroundWorkers.Done)
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.cancelCtx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Errorw("accept failed", "error", err)
			continue
		}
		sess := newSession(conn, s)
		s.mu.Lock()
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		s.activeBackgroundWorkers.Add(1)
		goutils.ManagedGo(func() {
			sess.run()
			s.mu.Lock()
			delete(s.sessions, sess)
			s.mu.Unlock()
		}, s.activeBackgroundWorkers.Done)
	}
}

// Close stops accepting and tears down every live session.
func (s *Server) Close() error {
	s.cancelFunc()
	var err error
	if s.listener != nil {
		if closeErr := s.listener.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			err = closeErr
		}
	}
	s.mu.Lock()
	live := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()
	for _, sess := range live {
		sess.close()
	}
	s.activeBackgroundWorkers.Wait()
	return err
}
