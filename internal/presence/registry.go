package presence

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/onechat-realtime/internal/domain"
)

const (
	// DefaultWindow is how long a heartbeat keeps a user online.
	DefaultWindow = 5 * time.Minute
	// DefaultRecentLimit caps Recent when the caller passes no limit.
	DefaultRecentLimit = 50
	maxRecentLimit     = 200
)

var heartbeats = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "presence_heartbeats_total",
	Help: "Heartbeats recorded by the connection registry.",
})

func init() {
	prometheus.MustRegister(heartbeats)
}

// IsOnline reports whether a user last seen at lastSeen is online at now.
// A zero lastSeen is never online.
func IsOnline(lastSeen, now time.Time, window time.Duration) bool {
	if lastSeen.IsZero() {
		return false
	}
	return now.Sub(lastSeen) < window
}

// Registry derives presence from a Store.
type Registry struct {
	store  Store
	window time.Duration
	now    func() time.Time
}

// NewRegistry returns a Registry over store. A non-positive window means
// DefaultWindow.
func NewRegistry(store Store, window time.Duration) *Registry {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Registry{store: store, window: window, now: func() time.Time { return time.Now().UTC() }}
}

// Window returns the freshness window.
func (r *Registry) Window() time.Duration { return r.window }

// Now returns the registry clock.
func (r *Registry) Now() time.Time { return r.now() }

// Heartbeat records activity for userID at at, or at the registry clock when
// at is zero.
func (r *Registry) Heartbeat(ctx context.Context, userID string, at time.Time) error {
	if at.IsZero() {
		at = r.now()
	}
	if err := r.store.Touch(ctx, userID, at.UTC()); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("presence heartbeat failed")
		return err
	}
	heartbeats.Inc()
	return nil
}

// IsOnline looks up userID and applies the freshness window at now.
func (r *Registry) IsOnline(ctx context.Context, userID string, now time.Time) (bool, error) {
	seen, err := r.store.LastSeen(ctx, []string{userID})
	if err != nil {
		return false, err
	}
	return IsOnline(seen[userID], now, r.window), nil
}

// Snapshot returns the presence of every requested user. Users never seen
// are reported offline with no LastSeen.
func (r *Registry) Snapshot(ctx context.Context, userIDs []string, now time.Time) (map[string]domain.PresenceStatus, error) {
	seen, err := r.store.LastSeen(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.PresenceStatus, len(userIDs))
	for _, id := range userIDs {
		st := domain.PresenceStatus{UserID: id}
		if at, ok := seen[id]; ok {
			at := at
			st.LastSeen = &at
			st.IsOnline = IsOnline(at, now, r.window)
		}
		out[id] = st
	}
	return out, nil
}

// Recent lists users active within the window, most recent first.
func (r *Registry) Recent(ctx context.Context, limit int, now time.Time) ([]domain.PresenceStatus, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	seen, err := r.store.Recent(ctx, now.Add(-r.window), limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PresenceStatus, 0, len(seen))
	for _, s := range seen {
		at := s.At
		out = append(out, domain.PresenceStatus{UserID: s.UserID, LastSeen: &at, IsOnline: IsOnline(at, now, r.window)})
	}
	return out, nil
}
