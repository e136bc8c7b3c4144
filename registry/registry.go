// Package registry tracks live and recently closed rover sessions. Sessions
// write their own entries through lifecycle hooks; the admin surface only
// reads.
package registry

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	gocron "github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/kroegman/neartrip/gpsutils"
)

// Defaults for the retention of closed sessions.
const (
	DefaultRetention     = 7 * 24 * time.Hour
	DefaultSweepInterval = 6 * time.Hour
)

// Session is the registry's snapshot of one rover connection.
type Session struct {
	ID             string             `json:"id"`
	RemoteAddr     string             `json:"remoteAddr"`
	ConnectedAt    time.Time          `json:"connectedAt"`
	DisconnectedAt *time.Time         `json:"disconnectedAt,omitempty"`
	Active         bool               `json:"active"`
	BytesSent      int64              `json:"bytesSent"`
	BytesReceived  int64              `json:"bytesReceived"`
	Position       *gpsutils.Position `json:"position,omitempty"`
	MountPoint     string             `json:"mountPoint,omitempty"`

	// NMEALogPath is the per-session sentence file swept away with the
	// entry, if one was opened.
	NMEALogPath string `json:"-"`
}

// Registry is a concurrency-safe session table with bounded retention of
// closed entries.
type Registry struct {
	logger    golog.Logger
	clock     clock.Clock
	retention time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	scheduler gocron.Scheduler
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock substitutes the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithRetention overrides the seven-day retention window.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) { r.retention = d }
}

// New returns an empty registry.
func New(logger golog.Logger, opts ...Option) *Registry {
	r := &Registry{
		logger:    logger,
		clock:     clock.New(),
		retention: DefaultRetention,
		sessions:  map[string]*Session{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Track registers a newly accepted rover connection.
func (r *Registry) Track(id, remoteAddr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = &Session{
		ID:          id,
		RemoteAddr:  remoteAddr,
		ConnectedAt: r.clock.Now(),
		Active:      true,
	}
}

// Update applies mutate to the session's entry under the registry lock.
// Unknown ids are ignored (the entry may already have been swept).
func (r *Registry) Update(id string, mutate func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[id]; ok {
		mutate(sess)
	}
}

// MarkClosed flips the entry to its terminal state.
func (r *Registry) MarkClosed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[id]; ok {
		now := r.clock.Now()
		sess.Active = false
		sess.DisconnectedAt = &now
	}
}

// Get returns a copy of one entry.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// List returns copies of all entries, most recently connected first.
func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.After(out[j].ConnectedAt)
	})
	return out
}

// Sweep removes entries older than the retention window, deleting their
// per-session NMEA files, and returns how many were removed. The reference
// time is DisconnectedAt, or ConnectedAt for a session somehow still open
// past the whole window.
func (r *Registry) Sweep() int {
	cutoff := r.clock.Now().Add(-r.retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, sess := range r.sessions {
		ref := sess.ConnectedAt
		if sess.DisconnectedAt != nil {
			ref = *sess.DisconnectedAt
		}
		if !ref.Before(cutoff) {
			continue
		}
		if sess.NMEALogPath != "" {
			if err := os.Remove(sess.NMEALogPath); err != nil && !os.IsNotExist(err) {
				r.logger.Warnw("cannot remove session NMEA log", "path", sess.NMEALogPath, "error", err)
			}
		}
		delete(r.sessions, id)
		removed++
	}
	return removed
}

// StartSweeper schedules Sweep every six hours.
func (r *Registry) StartSweeper() error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "cannot create sweep scheduler")
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(DefaultSweepInterval),
		gocron.NewTask(func() {
			if n := r.Sweep(); n > 0 {
				r.logger.Infof("swept %d expired sessions", n)
			}
		}),
	); err != nil {
		return multierr.Combine(errors.Wrap(err, "cannot schedule sweep"), scheduler.Shutdown())
	}
	scheduler.Start()
	r.scheduler = scheduler
	return nil
}

// Close stops the sweeper if one was started.
func (r *Registry) Close() error {
	if r.scheduler == nil {
		return nil
	}
	return r.scheduler.Shutdown()
}
