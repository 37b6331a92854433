// Package observe provides the OpenTelemetry metric instruments for the
// pairloop server and the provider setup that bridges them to Prometheus.
//
// A nil *Metrics is valid everywhere one is accepted: recording helpers are
// no-ops so tests and tools can run without a meter provider.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all pairloop metrics.
const meterName = "github.com/pairloop/pairloop"

// Metrics holds all OpenTelemetry metric instruments for the server.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// PeersAdmitted counts successful admissions into the waiting pool.
	PeersAdmitted metric.Int64Counter

	// PeersRejected counts refused admissions. Use with attribute:
	//   attribute.String("reason", "capacity"|"duplicate")
	PeersRejected metric.Int64Counter

	// RoomsCreated counts rooms opened by the pairing loop.
	RoomsCreated metric.Int64Counter

	// SignalsRelayed counts relayed signaling messages. Use with attribute:
	//   attribute.String("kind", "offer"|"answer"|"ice-candidate")
	SignalsRelayed metric.Int64Counter

	// PeersReaped counts peers removed by the inactivity sweep.
	PeersReaped metric.Int64Counter

	// RoomsReaped counts rooms removed by the stale-room sweep.
	RoomsReaped metric.Int64Counter

	// ActivePeers, QueueLength and ActiveRooms are recorded by the
	// monitoring sweep from a lock-consistent snapshot.
	ActivePeers metric.Int64Gauge
	QueueLength metric.Int64Gauge
	ActiveRooms metric.Int64Gauge
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.PeersAdmitted, err = m.Int64Counter("pairloop.peers.admitted",
		metric.WithDescription("Total peers admitted into the waiting pool."),
	); err != nil {
		return nil, err
	}
	if met.PeersRejected, err = m.Int64Counter("pairloop.peers.rejected",
		metric.WithDescription("Total refused admissions by reason."),
	); err != nil {
		return nil, err
	}
	if met.RoomsCreated, err = m.Int64Counter("pairloop.rooms.created",
		metric.WithDescription("Total rooms opened by the pairing loop."),
	); err != nil {
		return nil, err
	}
	if met.SignalsRelayed, err = m.Int64Counter("pairloop.signals.relayed",
		metric.WithDescription("Total relayed signaling messages by kind."),
	); err != nil {
		return nil, err
	}
	if met.PeersReaped, err = m.Int64Counter("pairloop.peers.reaped",
		metric.WithDescription("Total peers removed by the inactivity sweep."),
	); err != nil {
		return nil, err
	}
	if met.RoomsReaped, err = m.Int64Counter("pairloop.rooms.reaped",
		metric.WithDescription("Total rooms removed by the stale-room sweep."),
	); err != nil {
		return nil, err
	}
	if met.ActivePeers, err = m.Int64Gauge("pairloop.peers.active",
		metric.WithDescription("Connected peers."),
	); err != nil {
		return nil, err
	}
	if met.QueueLength, err = m.Int64Gauge("pairloop.queue.length",
		metric.WithDescription("Peers waiting to be paired."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRooms, err = m.Int64Gauge("pairloop.rooms.active",
		metric.WithDescription("Open rooms."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Recording helpers. All are no-ops on a nil receiver so callers never need
// a nil check.

func (m *Metrics) Admitted() {
	if m == nil {
		return
	}
	m.PeersAdmitted.Add(context.Background(), 1)
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.PeersRejected.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RoomCreated() {
	if m == nil {
		return
	}
	m.RoomsCreated.Add(context.Background(), 1)
}

func (m *Metrics) Relayed(kind string) {
	if m == nil {
		return
	}
	m.SignalsRelayed.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) ReapedPeers(n int64) {
	if m == nil || n == 0 {
		return
	}
	m.PeersReaped.Add(context.Background(), n)
}

func (m *Metrics) ReapedRooms(n int64) {
	if m == nil || n == 0 {
		return
	}
	m.RoomsReaped.Add(context.Background(), n)
}

// RecordLoad records the monitoring gauges from a snapshot.
func (m *Metrics) RecordLoad(peers, queue, rooms int64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.ActivePeers.Record(ctx, peers)
	m.QueueLength.Record(ctx, queue)
	m.ActiveRooms.Record(ctx, rooms)
}
