package protocols

import (
	"context"

	"github.com/oceanpark/oceanctl/internal/errors"
	"github.com/oceanpark/oceanctl/internal/models"
)

// GenericTCPAdapter covers equipment with no power protocol at all; only
// reachability matters. Power commands are refused outright.
type GenericTCPAdapter struct {
	dial DialFunc
}

// NewGenericTCPAdapter creates the adapter; a nil dial uses net.Dialer.
func NewGenericTCPAdapter(dial DialFunc) *GenericTCPAdapter {
	if dial == nil {
		dial = defaultDial
	}
	return &GenericTCPAdapter{dial: dial}
}

func (a *GenericTCPAdapter) PowerOn(ctx context.Context, dev models.Device) error {
	return errors.Newf(errors.KindProtocol, "generic_tcp.power_on", "device type has no power control").
		WithDevice(dev.ID).AsPermanent()
}

func (a *GenericTCPAdapter) PowerOff(ctx context.Context, dev models.Device) error {
	return errors.Newf(errors.KindProtocol, "generic_tcp.power_off", "device type has no power control").
		WithDevice(dev.ID).AsPermanent()
}

func (a *GenericTCPAdapter) QueryPower(ctx context.Context, dev models.Device) (models.PowerState, error) {
	conn, err := a.dial(ctx, "tcp", dev.Addr())
	if err != nil {
		return models.PowerUnknown, errors.Classify("generic_tcp.query", err).WithDevice(dev.ID)
	}
	_ = conn.Close()
	return models.PowerUnknown, nil
}
