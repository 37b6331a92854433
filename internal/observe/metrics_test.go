package observe

import (
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	mp := sdkmetric.NewMeterProvider()
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics() error: %v", err)
	}
	if m.PeersAdmitted == nil || m.SignalsRelayed == nil || m.ActiveRooms == nil {
		t.Fatal("NewMetrics() returned nil instruments")
	}

	// Recording through the helpers must not panic.
	m.Admitted()
	m.Rejected("capacity")
	m.RoomCreated()
	m.Relayed("offer")
	m.ReapedPeers(2)
	m.ReapedRooms(1)
	m.RecordLoad(10, 3, 4)
}

func TestMetricsNilReceiver(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.Admitted()
	m.Rejected("duplicate")
	m.RoomCreated()
	m.Relayed("answer")
	m.ReapedPeers(1)
	m.ReapedRooms(1)
	m.RecordLoad(0, 0, 0)
}
