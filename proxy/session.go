package proxy

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"github.com/kroegman/neartrip/gpsutils"
	"github.com/kroegman/neartrip/nmealog"
	"github.com/kroegman/neartrip/ntrip"
	"github.com/kroegman/neartrip/registry"
)

const (
	// sourcetableLocation is the location column advertised for the proxy's
	// single mount point.
	sourcetableLocation = "NTRIP Service"

	// upstreamDrainWait is how long a half-closed upstream may keep draining
	// buffered correction bytes before it is destroyed during a switch.
	upstreamDrainWait = 200 * time.Millisecond

	readBufferSize = 4096
)

// session is the per-rover state machine. The rover's reads, protocol
// dispatch, and upstream dials all happen on one goroutine (run), so a GGA
// arriving while a dial is in flight queues behind it and switching is
// serialized per session. A second goroutine per bound upstream forwards
// caster bytes back to the rover.
type session struct {
	id     string
	conn   net.Conn
	server *Server
	logger golog.Logger

	cancelCtx  context.Context
	cancelFunc func()

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64

	sessionLog *nmealog.SessionLog

	mu           sync.Mutex // guards the fields below; never held across I/O
	upstream     *ntrip.Link
	upstreamDone chan struct{} // closed when the upstream's forwarder returns
	closed       bool

	forwardWorkers sync.WaitGroup
}

func newSession(conn net.Conn, server *Server) *session {
	id := uuid.New().String()
	cancelCtx, cancelFunc := context.WithCancel(server.cancelCtx)
	return &session{
		id:         id,
		conn:       conn,
		server:     server,
		logger:     server.logger.With("session", id, "rover", conn.RemoteAddr().String()),
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
}

// run owns the rover socket until it closes.
func (s *session) run() {
	s.server.registry.Track(s.id, s.conn.RemoteAddr().String())
	s.logger.Info("rover connected")
	defer s.close()

	if sessionLog, err := s.server.nmeaLog.OpenSession(s.id); err != nil {
		s.logger.Warnw("cannot open session NMEA log", "error", err)
	} else if sessionLog != nil {
		s.sessionLog = sessionLog
		s.server.registry.Update(s.id, func(e *registry.Session) {
			e.NMEALogPath = sessionLog.Path
		})
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.bytesReceived.Add(int64(n))
			s.server.registry.Update(s.id, func(e *registry.Session) {
				e.BytesReceived = s.bytesReceived.Load()
			})
			if keepOpen := s.handleInbound(string(buf[:n])); !keepOpen {
				return
			}
		}
		if err != nil {
			if err != io.EOF && s.cancelCtx.Err() == nil {
				s.logger.Debugw("rover read ended", "error", err)
			}
			return
		}
	}
}

// handleInbound dispatches one inbound rover buffer on its leading tokens.
// NTRIP clients emit a predictable first line, so no full HTTP parsing is
// done; after a subscription the same connection carries bare NMEA lines.
func (s *session) handleInbound(data string) bool {
	text := strings.TrimSpace(data)
	cfg := s.server.store.Get()
	switch {
	case text == "GET /" || strings.HasPrefix(text, "GET / "):
		s.serveSourcetable(cfg.MountPoint)
		return false
	case strings.HasPrefix(text, "GET /"):
		if mount := requestMount(text); mount != cfg.MountPoint {
			s.logger.Warnw("rover requested unknown mount point, closing", "mount", mount)
			return false
		}
		s.logger.Infow("rover subscribed", "mount", cfg.MountPoint)
		if _, err := s.conn.Write([]byte("ICY 200 OK\r\n\r\n")); err != nil {
			s.logger.Debugw("cannot acknowledge subscription", "error", err)
			return false
		}
		return true
	case strings.HasPrefix(text, "$GPGGA"), strings.HasPrefix(text, "$GNGGA"):
		// A TCP segment can carry several coalesced sentences.
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "$GPGGA") || strings.HasPrefix(line, "$GNGGA") {
				s.handleGGA(line)
			}
		}
		return true
	default:
		s.logger.Warnw("unrecognized request, closing rover", "data", preview(text))
		return false
	}
}

// requestMount extracts the mount point token from an NTRIP request line, so
// a request for "RTKX" is not mistaken for the advertised "RTK".
func requestMount(text string) string {
	mount := strings.TrimPrefix(text, "GET /")
	if idx := strings.IndexAny(mount, " \r\n"); idx >= 0 {
		mount = mount[:idx]
	}
	return mount
}

// serveSourcetable answers a bare GET / with the single advertised mount
// point and closes the connection.
func (s *session) serveSourcetable(mount string) {
	s.logger.Info("serving sourcetable")
	body := "SOURCETABLE 200 OK\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"STR;" + mount + ";" + sourcetableLocation + ";RTCM 3;;2;GPS;NTRIP;USA;0;0;1;0;none;none;B;N;0;\r\n" +
		"ENDSOURCETABLE\r\n"
	if _, err := s.conn.Write([]byte(body)); err != nil {
		s.logger.Debugw("cannot write sourcetable", "error", err)
	}
}

// handleGGA records the sentence, updates the session's position, and
// re-evaluates which upstream the session should be bound to.
func (s *session) handleGGA(sentence string) {
	if err := s.server.nmeaLog.Append(sentence); err != nil {
		s.logger.Debugw("cannot append to NMEA log", "error", err)
	}
	if err := s.sessionLog.Append(sentence); err != nil {
		s.logger.Debugw("cannot append to session NMEA log", "error", err)
	}

	pos, err := gpsutils.ParseGGA(sentence, s.logger)
	if err != nil {
		s.logger.Warnw("ignoring unparseable GGA", "error", err)
		return
	}
	s.server.registry.Update(s.id, func(e *registry.Session) {
		e.Position = pos
	})
	s.evaluateUpstream(pos, sentence)
}

// evaluateUpstream applies the switching rules: keep the binding when no
// station qualifies or the selection is unchanged, otherwise close-then-open.
func (s *session) evaluateUpstream(pos *gpsutils.Position, sentence string) {
	cfg := s.server.store.Get()
	station, dist, ok := gpsutils.FindClosestStation(pos.Lat, pos.Lon, cfg.Stations)
	if !ok {
		s.logger.Debugw("no station available for position", "lat", pos.Lat, "lon", pos.Lon)
		return
	}

	s.mu.Lock()
	current, currentDone := s.upstream, s.upstreamDone
	s.mu.Unlock()
	if current != nil && current.MountPoint == station.MountPoint {
		return
	}
	if current != nil {
		s.logger.Infow("switching upstream",
			"from", current.MountPoint, "to", station.MountPoint, "distanceMeters", dist)
		s.unbind(current, currentDone)
	}

	link, err := ntrip.Dial(s.cancelCtx,
		station.Host, station.Port, station.MountPoint,
		station.Username, station.Password, cfg.UserAgent, s.logger)
	if err != nil {
		// Stay unbound; the next GGA retries selection.
		s.logger.Errorw("upstream dial failed", "mount", station.MountPoint, "error", err)
		return
	}

	// VRS-style casters want a position before they start streaming.
	if _, err := link.Write([]byte(sentence + "\r\n")); err != nil {
		s.logger.Debugw("cannot send GGA upstream", "error", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		goutils.UncheckedError(link.Close())
		return
	}
	s.upstream = link
	s.upstreamDone = done
	s.mu.Unlock()

	s.logger.Infow("bound upstream", "mount", station.MountPoint, "distanceMeters", dist)
	s.server.registry.Update(s.id, func(e *registry.Session) {
		e.MountPoint = station.MountPoint
	})

	s.forwardWorkers.Add(1)
	goutils.ManagedGo(func() {
		s.forward(link)
	}, func() {
		close(done)
		s.forwardWorkers.Done()
	})
}

// unbind detaches and destroys a previously bound upstream: half-close the
// write side, let reads drain briefly, close, then wait for the old
// forwarder to finish so no drained bytes can land after a new upstream's.
func (s *session) unbind(link *ntrip.Link, done chan struct{}) {
	s.mu.Lock()
	if s.upstream == link {
		s.upstream = nil
		s.upstreamDone = nil
	}
	s.mu.Unlock()

	if err := link.CloseWrite(); err == nil {
		goutils.SelectContextOrWait(s.cancelCtx, upstreamDrainWait)
	}
	goutils.UncheckedError(link.Close())
	if done != nil {
		<-done
	}
	s.server.registry.Update(s.id, func(e *registry.Session) {
		e.MountPoint = ""
	})
}

// forward copies caster bytes to the rover until the link dies. The stream
// is opaque: no framing, no transformation.
func (s *session) forward(link *ntrip.Link) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := link.Read(buf)
		if n > 0 {
			if _, werr := s.conn.Write(buf[:n]); werr != nil {
				// Rover socket is gone; the read loop will notice and
				// finish the session.
				s.logger.Debugw("rover write failed", "error", werr)
				goutils.UncheckedError(s.conn.Close())
				goutils.UncheckedError(link.Close())
				return
			}
			s.bytesSent.Add(int64(n))
			s.server.registry.Update(s.id, func(e *registry.Session) {
				e.BytesSent = s.bytesSent.Load()
			})
		}
		if err != nil {
			s.mu.Lock()
			wasBound := s.upstream == link
			if wasBound {
				s.upstream = nil
				s.upstreamDone = nil
			}
			closed := s.closed
			s.mu.Unlock()
			if wasBound && !closed {
				// Keep the rover; the next GGA re-dials.
				s.logger.Infow("upstream stream ended, awaiting next position",
					"mount", link.MountPoint, "error", err)
				s.server.registry.Update(s.id, func(e *registry.Session) {
					e.MountPoint = ""
				})
			}
			goutils.UncheckedError(link.Close())
			return
		}
	}
}

// close tears the whole session down; safe to call more than once.
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	link := s.upstream
	s.upstream = nil
	s.upstreamDone = nil
	s.mu.Unlock()

	s.cancelFunc()
	if link != nil {
		goutils.UncheckedError(link.Close())
	}
	goutils.UncheckedError(s.conn.Close())
	s.forwardWorkers.Wait()
	goutils.UncheckedError(s.sessionLog.Close())
	s.server.registry.MarkClosed(s.id)
	s.logger.Infow("rover disconnected",
		"bytesSent", s.bytesSent.Load(), "bytesReceived", s.bytesReceived.Load())
}

func preview(text string) string {
	const max = 80
	if len(text) > max {
		return text[:max] + "..."
	}
	return text
}
