// Package protocols implements the per-family device drivers. Every adapter
// opens a fresh short-lived session per call; there is no connection
// pooling. Failures are classified into the engine's outcome kinds:
// connect refused or unreachable hosts map to unreachable, elapsed I/O
// deadlines to timeout, unexpected response tokens to protocol errors.
package protocols

import (
	"context"
	"net"
	"time"

	"github.com/oceanpark/oceanctl/internal/models"
)

// Adapter drives one device family. Implementations must respect ctx for
// cancellation and deadlines on every network operation.
type Adapter interface {
	PowerOn(ctx context.Context, dev models.Device) error
	PowerOff(ctx context.Context, dev models.Device) error
	QueryPower(ctx context.Context, dev models.Device) (models.PowerState, error)
}

// DialFunc opens a network connection; swapped out in tests.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func defaultDial(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{}
	return d.DialContext(ctx, network, addr)
}

// Map holds one adapter per device type.
type Map struct {
	adapters map[models.DeviceType]Adapter
}

// NewMap builds the standard adapter set.
func NewMap() *Map {
	return &Map{adapters: map[models.DeviceType]Adapter{
		models.DeviceTypeTelnetProjector:  NewTelnetAdapter(nil),
		models.DeviceTypeJSONRPCProjector: NewJSONRPCAdapter(nil),
		models.DeviceTypePCWake:           NewPCWakeAdapter(nil, nil),
		models.DeviceTypeGenericTCP:       NewGenericTCPAdapter(nil),
	}}
}

// NewMapWith overrides specific adapters, for tests.
func NewMapWith(overrides map[models.DeviceType]Adapter) *Map {
	m := NewMap()
	for t, a := range overrides {
		m.adapters[t] = a
	}
	return m
}

// ForType returns the adapter registered for the device type.
func (m *Map) ForType(t models.DeviceType) (Adapter, bool) {
	a, ok := m.adapters[t]
	return a, ok
}

// applyConnDeadline projects the ctx deadline onto the connection so reads
// and writes unblock when the per-attempt timeout elapses.
func applyConnDeadline(ctx context.Context, conn net.Conn) {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else {
		_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	}
}
