package protocols

import (
	"bufio"
	"context"
	"strings"

	"github.com/oceanpark/oceanctl/internal/errors"
	"github.com/oceanpark/oceanctl/internal/models"
)

// RS232-over-TCP command set spoken by the telnet projectors.
// Format: ~AAAA N where AAAA is the projector id (0000 = broadcast).
const (
	telnetCmdPowerOn  = "~0000 1\r"
	telnetCmdPowerOff = "~0000 0\r"
	telnetCmdStatus   = "~00124 1\r"
)

// TelnetAdapter drives telnet-style projectors: banner, plaintext login,
// vendor command, single-letter acknowledgement ("P" pass, "F" fail).
type TelnetAdapter struct {
	dial DialFunc
}

// NewTelnetAdapter creates the adapter; a nil dial uses net.Dialer.
func NewTelnetAdapter(dial DialFunc) *TelnetAdapter {
	if dial == nil {
		dial = defaultDial
	}
	return &TelnetAdapter{dial: dial}
}

func (a *TelnetAdapter) PowerOn(ctx context.Context, dev models.Device) error {
	_, err := a.send(ctx, dev, "telnet.power_on", telnetCmdPowerOn)
	return err
}

func (a *TelnetAdapter) PowerOff(ctx context.Context, dev models.Device) error {
	_, err := a.send(ctx, dev, "telnet.power_off", telnetCmdPowerOff)
	return err
}

func (a *TelnetAdapter) QueryPower(ctx context.Context, dev models.Device) (models.PowerState, error) {
	resp, err := a.send(ctx, dev, "telnet.query", telnetCmdStatus)
	if err != nil {
		return models.PowerUnknown, err
	}
	// Status responses carry the power digit after the acknowledgement,
	// e.g. "OK1" = on, "OK0" = standby.
	switch {
	case strings.Contains(resp, "1"):
		return models.PowerOn, nil
	case strings.Contains(resp, "0"):
		return models.PowerOff, nil
	default:
		return models.PowerUnknown, nil
	}
}

// send runs one full session: connect, banner, login, command, ack.
func (a *TelnetAdapter) send(ctx context.Context, dev models.Device, op, command string) (string, error) {
	conn, err := a.dial(ctx, "tcp", dev.Addr())
	if err != nil {
		return "", errors.Classify(op, err).WithDevice(dev.ID)
	}
	defer conn.Close()
	applyConnDeadline(ctx, conn)

	r := bufio.NewReader(conn)

	// Banner ends with a prompt; some firmware sends none at all, so a
	// short read failure here is not fatal.
	_ = readUntilPrompt(r)

	if creds := dev.Credentials; creds != nil && creds.Username != "" {
		if _, err := conn.Write([]byte(creds.Username + "\r\n")); err != nil {
			return "", errors.Classify(op, err).WithDevice(dev.ID)
		}
		if _, err := conn.Write([]byte(creds.Password + "\r\n")); err != nil {
			return "", errors.Classify(op, err).WithDevice(dev.ID)
		}
		if err := awaitPrompt(r); err != nil {
			return "", errors.Classify(op, err).WithDevice(dev.ID)
		}
	}

	if _, err := conn.Write([]byte(command)); err != nil {
		return "", errors.Classify(op, err).WithDevice(dev.ID)
	}

	resp, err := readAck(r)
	if err != nil {
		return "", errors.Classify(op, err).WithDevice(dev.ID)
	}
	if !positiveAck(resp) {
		return resp, errors.Newf(errors.KindProtocol, op, "negative acknowledgement %q", resp).WithDevice(dev.ID)
	}
	return resp, nil
}

// readUntilPrompt consumes the banner up to a prompt character.
func readUntilPrompt(r *bufio.Reader) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b == '>' || b == ':' {
			return nil
		}
	}
}

func awaitPrompt(r *bufio.Reader) error {
	return readUntilPrompt(r)
}

// readAck reads the response until CR/LF or EOF and trims it.
func readAck(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		b, err := r.ReadByte()
		if err != nil {
			if sb.Len() > 0 {
				break
			}
			return "", err
		}
		if b == '\r' || b == '\n' {
			if sb.Len() == 0 {
				continue
			}
			break
		}
		sb.WriteByte(b)
		if sb.Len() >= 64 {
			break
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

// positiveAck recognizes the vendor's pass tokens. "F" is an explicit
// command failure.
func positiveAck(resp string) bool {
	resp = strings.TrimSpace(resp)
	if resp == "" {
		return false
	}
	if strings.HasPrefix(resp, "F") {
		return false
	}
	return strings.HasPrefix(resp, "P") || strings.HasPrefix(strings.ToUpper(resp), "OK")
}
