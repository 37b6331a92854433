package match

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pairloop/pairloop/internal/observe"
)

// SweeperConfig holds the intervals and timeouts for the periodic
// housekeeping tasks.
type SweeperConfig struct {
	// CleanupInterval is how often inactive peers and stale rooms are
	// reaped.
	CleanupInterval time.Duration

	// UserTimeout is the inactivity window after which a peer is removed.
	UserTimeout time.Duration

	// ConnectionTimeout is how long a room may stay unconnected before it
	// is reaped.
	ConnectionTimeout time.Duration

	// MonitoringInterval is how often the load snapshot is taken. Zero or
	// MonitoringEnabled=false disables the monitoring loop.
	MonitoringInterval time.Duration

	// MonitoringEnabled turns the monitoring loop on.
	MonitoringEnabled bool
}

// loadWarnThreshold is the load / room-utilisation percentage above which
// the monitoring sweep logs a warning.
const loadWarnThreshold = 80.0

// Sweeper runs the two periodic housekeeping tasks against a Matchmaker:
// the cleanup sweep (inactive peers, then stale rooms) and the monitoring
// sweep (load snapshot, gauges, high-load warnings).
type Sweeper struct {
	core    *Matchmaker
	cfg     SweeperConfig
	log     *slog.Logger
	metrics *observe.Metrics
}

// NewSweeper creates a Sweeper. logger may be nil; metrics may be nil.
func NewSweeper(core *Matchmaker, cfg SweeperConfig, logger *slog.Logger, metrics *observe.Metrics) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		core:    core,
		cfg:     cfg,
		log:     logger.With("component", "sweeper"),
		metrics: metrics,
	}
}

// Run blocks until ctx is cancelled, driving both loops.
func (s *Sweeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case now := <-ticker.C:
				s.Cleanup(now)
			}
		}
	})

	if s.cfg.MonitoringEnabled && s.cfg.MonitoringInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(s.cfg.MonitoringInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					s.Monitor()
				}
			}
		})
	}

	return g.Wait()
}

// Cleanup runs one cleanup sweep: inactive peers first, then stale rooms.
func (s *Sweeper) Cleanup(now time.Time) {
	peers := s.core.ReapInactive(now, s.cfg.UserTimeout)
	rooms := s.core.ReapStale(now, s.cfg.ConnectionTimeout)
	if peers > 0 || rooms > 0 {
		s.log.Info("cleanup sweep", "peers_reaped", peers, "rooms_reaped", rooms)
	}
}

// Monitor takes a lock-consistent snapshot, records the gauges, and warns
// when load or room utilisation exceed the threshold.
func (s *Sweeper) Monitor() {
	snap := s.core.Snapshot()
	s.metrics.RecordLoad(int64(snap.Peers), int64(snap.QueueLength), int64(snap.Rooms.Total))

	load := snap.LoadPercent()
	util := snap.RoomUtilizationPercent()
	s.log.Info("server load",
		"peers", snap.Peers,
		"queue", snap.QueueLength,
		"rooms", snap.Rooms.Total,
		"load_pct", load,
		"room_util_pct", util,
	)
	if load > loadWarnThreshold {
		s.log.Warn("peer load above threshold", "load_pct", load, "max_peers", snap.MaxPeers)
	}
	if util > loadWarnThreshold {
		s.log.Warn("room utilisation above threshold", "room_util_pct", util, "max_rooms", snap.MaxRooms)
	}
}
