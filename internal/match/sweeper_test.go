package match

import (
	"context"
	"testing"
	"time"
)

func TestSweeperCleanup(t *testing.T) {
	t.Parallel()
	m, _ := newTestCore(t, defaultLimits())
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	if err := m.Admit("peer-a", "A"); err != nil {
		t.Fatalf("Admit error: %v", err)
	}
	if err := m.Admit("peer-b", "B"); err != nil {
		t.Fatalf("Admit error: %v", err)
	}

	s := NewSweeper(m, SweeperConfig{
		CleanupInterval:   time.Minute,
		UserTimeout:       5 * time.Minute,
		ConnectionTimeout: 30 * time.Second,
	}, nil, nil)

	// Past the connection timeout but inside the user timeout: the stale
	// room goes, the peers stay.
	s.Cleanup(base.Add(time.Minute))
	snap := m.Snapshot()
	if snap.Rooms.Total != 0 {
		t.Errorf("rooms = %d, want 0", snap.Rooms.Total)
	}
	if snap.Peers != 2 {
		t.Errorf("peers = %d, want 2", snap.Peers)
	}

	// Past the user timeout: the peers go too.
	s.Cleanup(base.Add(10 * time.Minute))
	if snap := m.Snapshot(); snap.Peers != 0 {
		t.Errorf("peers = %d, want 0", snap.Peers)
	}
	checkInvariants(t, m)
}

func TestSweeperMonitorNilMetrics(t *testing.T) {
	t.Parallel()
	m, _ := newTestCore(t, Limits{MaxPeers: 2, MaxRooms: 1, MaxAttempts: 3})
	if err := m.Admit("peer-a", "A"); err != nil {
		t.Fatalf("Admit error: %v", err)
	}

	s := NewSweeper(m, SweeperConfig{
		CleanupInterval:    time.Minute,
		UserTimeout:        5 * time.Minute,
		ConnectionTimeout:  30 * time.Second,
		MonitoringInterval: time.Minute,
		MonitoringEnabled:  true,
	}, nil, nil)

	// Must not panic without metrics, including above the warn threshold.
	s.Monitor()
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	m, _ := newTestCore(t, defaultLimits())
	s := NewSweeper(m, SweeperConfig{
		CleanupInterval:    10 * time.Millisecond,
		UserTimeout:        time.Minute,
		ConnectionTimeout:  time.Minute,
		MonitoringInterval: 10 * time.Millisecond,
		MonitoringEnabled:  true,
	}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := s.Run(ctx); err != context.DeadlineExceeded {
		t.Errorf("Run() error = %v, want context.DeadlineExceeded", err)
	}
}
