package protocols

import (
	"bufio"
	"context"
	"net"
	"strings"

	"github.com/oceanpark/oceanctl/internal/errors"
	"github.com/oceanpark/oceanctl/internal/models"
)

const wolPort = 9

// PCWakeAdapter powers exposition PCs: power-on is a wake-on-LAN magic
// packet, power-off is a graceful shutdown request to the PC's management
// agent. A device without a configured agent port cannot be shut down and
// the request fails immediately rather than silently succeeding.
type PCWakeAdapter struct {
	dial DialFunc
	// dialUDP is separated so tests can capture the broadcast datagram.
	dialUDP DialFunc
}

// NewPCWakeAdapter creates the adapter; nil dial funcs use net.Dialer.
func NewPCWakeAdapter(dial, dialUDP DialFunc) *PCWakeAdapter {
	if dial == nil {
		dial = defaultDial
	}
	if dialUDP == nil {
		dialUDP = defaultDial
	}
	return &PCWakeAdapter{dial: dial, dialUDP: dialUDP}
}

func (a *PCWakeAdapter) PowerOn(ctx context.Context, dev models.Device) error {
	const op = "pcwake.power_on"
	if dev.Credentials == nil || dev.Credentials.MAC == "" {
		return errors.Newf(errors.KindProtocol, op, "no MAC configured for wake").WithDevice(dev.ID).AsPermanent()
	}
	packet, err := MagicPacket(dev.Credentials.MAC)
	if err != nil {
		return errors.New(errors.KindProtocol, op, err).WithDevice(dev.ID).AsPermanent()
	}

	conn, err := a.dialUDP(ctx, "udp", net.JoinHostPort("255.255.255.255", "9"))
	if err != nil {
		return errors.Classify(op, err).WithDevice(dev.ID)
	}
	defer conn.Close()
	applyConnDeadline(ctx, conn)

	if _, err := conn.Write(packet); err != nil {
		return errors.Classify(op, err).WithDevice(dev.ID)
	}
	return nil
}

func (a *PCWakeAdapter) PowerOff(ctx context.Context, dev models.Device) error {
	const op = "pcwake.power_off"
	// Port 9 is the wake broadcast port, not a management agent. Only a
	// device configured with a real agent port can be shut down.
	if dev.Port == 0 || dev.Port == wolPort {
		return errors.Newf(errors.KindProtocol, op, "no management channel configured").WithDevice(dev.ID).AsPermanent()
	}

	conn, err := a.dial(ctx, "tcp", dev.Addr())
	if err != nil {
		return errors.Classify(op, err).WithDevice(dev.ID)
	}
	defer conn.Close()
	applyConnDeadline(ctx, conn)

	if _, err := conn.Write([]byte("SHUTDOWN\r\n")); err != nil {
		return errors.Classify(op, err).WithDevice(dev.ID)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return errors.Classify(op, err).WithDevice(dev.ID)
	}
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(line)), "OK") {
		return errors.Newf(errors.KindProtocol, op, "unexpected agent response %q", strings.TrimSpace(line)).WithDevice(dev.ID)
	}
	return nil
}

func (a *PCWakeAdapter) QueryPower(ctx context.Context, dev models.Device) (models.PowerState, error) {
	const op = "pcwake.query"
	// No way to ask a sleeping PC anything; a TCP connect to the agent
	// port is the best available signal.
	if dev.Port == 0 || dev.Port == wolPort {
		return models.PowerUnknown, nil
	}
	conn, err := a.dial(ctx, "tcp", dev.Addr())
	if err != nil {
		return models.PowerOff, nil
	}
	_ = conn.Close()
	return models.PowerOn, nil
}

// MagicPacket builds the wake-on-LAN payload: six 0xFF bytes followed by
// the target MAC repeated sixteen times.
func MagicPacket(mac string) ([]byte, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return nil, err
	}
	packet := make([]byte, 0, 6+16*len(hw))
	for i := 0; i < 6; i++ {
		packet = append(packet, 0xFF)
	}
	for i := 0; i < 16; i++ {
		packet = append(packet, hw...)
	}
	return packet, nil
}
