package protocols

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanpark/oceanctl/internal/errors"
	"github.com/oceanpark/oceanctl/internal/models"
)

// pipeDial returns a DialFunc handing out the client half of a net.Pipe
// and runs serve against the server half.
func pipeDial(t *testing.T, serve func(conn net.Conn)) DialFunc {
	t.Helper()
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		go serve(server)
		return client, nil
	}
}

func telnetDevice() models.Device {
	return models.Device{
		ID:   "proj1",
		Type: models.DeviceTypeTelnetProjector,
		Host: "10.0.0.5",
		Port: 23,
		Credentials: &models.Credentials{
			Username: "admin",
			Password: "sekrit",
		},
	}
}

// telnetServer scripts one full projector session and records what the
// adapter sent.
func telnetServer(t *testing.T, ack string, gotCommand *string) func(net.Conn) {
	return func(conn net.Conn) {
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		r := bufio.NewReader(conn)

		_, _ = conn.Write([]byte("PJ-2000 login: "))
		user, _ := r.ReadString('\n')
		pass, _ := r.ReadString('\n')
		assert.Equal(t, "admin", strings.TrimSpace(user))
		assert.Equal(t, "sekrit", strings.TrimSpace(pass))
		_, _ = conn.Write([]byte("> "))

		cmd, _ := r.ReadString('\r')
		if gotCommand != nil {
			*gotCommand = cmd
		}
		_, _ = conn.Write([]byte(ack + "\r\n"))
	}
}

func TestTelnetPowerOnSendsVendorCommand(t *testing.T) {
	var got string
	a := NewTelnetAdapter(pipeDial(t, telnetServer(t, "P", &got)))

	err := a.PowerOn(context.Background(), telnetDevice())
	require.NoError(t, err)
	assert.Equal(t, "~0000 1\r", got)
}

func TestTelnetPowerOffSendsVendorCommand(t *testing.T) {
	var got string
	a := NewTelnetAdapter(pipeDial(t, telnetServer(t, "P", &got)))

	err := a.PowerOff(context.Background(), telnetDevice())
	require.NoError(t, err)
	assert.Equal(t, "~0000 0\r", got)
}

func TestTelnetNegativeAckIsProtocolError(t *testing.T) {
	a := NewTelnetAdapter(pipeDial(t, telnetServer(t, "F", nil)))

	err := a.PowerOn(context.Background(), telnetDevice())
	require.Error(t, err)
	assert.Equal(t, models.OutcomeProtocolError, errors.Outcome(err))
}

func TestTelnetQueryParsesPowerDigit(t *testing.T) {
	cases := []struct {
		ack  string
		want models.PowerState
	}{
		{"OK1", models.PowerOn},
		{"OK0", models.PowerOff},
		{"OK", models.PowerUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.ack, func(t *testing.T) {
			var got string
			a := NewTelnetAdapter(pipeDial(t, telnetServer(t, tc.ack, &got)))

			state, err := a.QueryPower(context.Background(), telnetDevice())
			require.NoError(t, err)
			assert.Equal(t, tc.want, state)
			assert.Equal(t, "~00124 1\r", got)
		})
	}
}

func TestTelnetDialFailureIsUnreachable(t *testing.T) {
	a := NewTelnetAdapter(func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, &net.OpError{Op: "dial", Net: network, Err: io.ErrClosedPipe}
	})

	err := a.PowerOn(context.Background(), telnetDevice())
	require.Error(t, err)
	assert.Equal(t, models.OutcomeUnreachable, errors.Outcome(err))
}

func rpcDevice() models.Device {
	return models.Device{
		ID:   "cube1",
		Type: models.DeviceTypeJSONRPCProjector,
		Host: "10.0.0.6",
		Port: 9090,
	}
}

// rpcServer answers one newline-delimited JSON-RPC exchange.
func rpcServer(t *testing.T, result any, rpcErr *rpcError, gotMethod *string) func(net.Conn) {
	return func(conn net.Conn) {
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

		line, err := bufio.NewReader(conn).ReadBytes('\n')
		if err != nil {
			return
		}
		var req rpcRequest
		require.NoError(t, json.Unmarshal(line, &req))
		assert.Equal(t, "2.0", req.JSONRPC)
		if gotMethod != nil {
			*gotMethod = req.Method
		}

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		payload, _ := json.Marshal(resp)
		_, _ = conn.Write(append(payload, '\n'))
	}
}

func TestJSONRPCPowerOn(t *testing.T) {
	var method string
	a := NewJSONRPCAdapter(pipeDial(t, rpcServer(t, "ok", nil, &method)))

	require.NoError(t, a.PowerOn(context.Background(), rpcDevice()))
	assert.Equal(t, "system.poweron", method)
}

func TestJSONRPCPowerOff(t *testing.T) {
	var method string
	a := NewJSONRPCAdapter(pipeDial(t, rpcServer(t, "ok", nil, &method)))

	require.NoError(t, a.PowerOff(context.Background(), rpcDevice()))
	assert.Equal(t, "system.poweroff", method)
}

func TestJSONRPCQueryParsesStates(t *testing.T) {
	cases := []struct {
		result any
		want   models.PowerState
	}{
		{map[string]string{"state": "on"}, models.PowerOn},
		{map[string]string{"state": "standby"}, models.PowerOff},
		{"off", models.PowerOff},
		{map[string]string{"state": "warming"}, models.PowerUnknown},
	}
	for _, tc := range cases {
		var method string
		a := NewJSONRPCAdapter(pipeDial(t, rpcServer(t, tc.result, nil, &method)))

		state, err := a.QueryPower(context.Background(), rpcDevice())
		require.NoError(t, err)
		assert.Equal(t, tc.want, state)
		assert.Equal(t, "system.powerstate.get", method)
	}
}

func TestJSONRPCErrorResponseIsProtocolError(t *testing.T) {
	a := NewJSONRPCAdapter(pipeDial(t, rpcServer(t, nil, &rpcError{Code: -32601, Message: "no such method"}, nil)))

	err := a.PowerOn(context.Background(), rpcDevice())
	require.Error(t, err)
	assert.Equal(t, models.OutcomeProtocolError, errors.Outcome(err))
	assert.Contains(t, err.Error(), "no such method")
}

func TestJSONRPCRequestIDsIncrement(t *testing.T) {
	var ids []int64
	serve := func(conn net.Conn) {
		defer conn.Close()
		line, err := bufio.NewReader(conn).ReadBytes('\n')
		if err != nil {
			return
		}
		var req rpcRequest
		_ = json.Unmarshal(line, &req)
		ids = append(ids, req.ID)
		payload, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": "ok"})
		_, _ = conn.Write(append(payload, '\n'))
	}
	a := NewJSONRPCAdapter(pipeDial(t, serve))

	require.NoError(t, a.PowerOn(context.Background(), rpcDevice()))
	require.NoError(t, a.PowerOff(context.Background(), rpcDevice()))
	require.Equal(t, []int64{1, 2}, ids)
}

func TestMagicPacketLayout(t *testing.T) {
	packet, err := MagicPacket("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	require.Len(t, packet, 102)

	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 6), packet[:6])
	mac := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	for i := 0; i < 16; i++ {
		assert.Equal(t, mac, packet[6+i*6:12+i*6], "repetition %d", i)
	}
}

func TestMagicPacketRejectsBadMAC(t *testing.T) {
	_, err := MagicPacket("not-a-mac")
	assert.Error(t, err)
}

func TestPCWakePowerOnBroadcastsMagicPacket(t *testing.T) {
	var sent []byte
	done := make(chan struct{})
	dialUDP := pipeDial(t, func(conn net.Conn) {
		defer close(done)
		buf := make([]byte, 256)
		n, _ := conn.Read(buf)
		sent = buf[:n]
	})
	a := NewPCWakeAdapter(nil, dialUDP)

	dev := models.Device{
		ID:          "pc1",
		Type:        models.DeviceTypePCWake,
		Host:        "10.0.0.7",
		Port:        9,
		Credentials: &models.Credentials{MAC: "AA:BB:CC:DD:EE:FF"},
	}
	require.NoError(t, a.PowerOn(context.Background(), dev))

	<-done
	want, _ := MagicPacket("AA:BB:CC:DD:EE:FF")
	assert.Equal(t, want, sent)
}

func TestPCWakePowerOnWithoutMACIsPermanent(t *testing.T) {
	a := NewPCWakeAdapter(nil, nil)

	err := a.PowerOn(context.Background(), models.Device{ID: "pc1", Host: "10.0.0.7", Port: 9})
	require.Error(t, err)
	assert.True(t, errors.IsPermanent(err))
	assert.Equal(t, models.OutcomeProtocolError, errors.Outcome(err))
}

func TestPCWakePowerOffNeedsManagementPort(t *testing.T) {
	a := NewPCWakeAdapter(nil, nil)

	err := a.PowerOff(context.Background(), models.Device{ID: "pc1", Host: "10.0.0.7", Port: 9})
	require.Error(t, err)
	assert.True(t, errors.IsPermanent(err))
}

func TestPCWakePowerOffTalksToAgent(t *testing.T) {
	var got string
	dial := pipeDial(t, func(conn net.Conn) {
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		got = strings.TrimSpace(line)
		_, _ = conn.Write([]byte("OK\r\n"))
	})
	a := NewPCWakeAdapter(dial, nil)

	dev := models.Device{ID: "pc1", Host: "10.0.0.7", Port: 5555}
	require.NoError(t, a.PowerOff(context.Background(), dev))
	assert.Equal(t, "SHUTDOWN", got)
}

func TestPCWakeQueryConnectMeansOn(t *testing.T) {
	dial := pipeDial(t, func(conn net.Conn) { _ = conn.Close() })
	a := NewPCWakeAdapter(dial, nil)

	state, err := a.QueryPower(context.Background(), models.Device{ID: "pc1", Host: "10.0.0.7", Port: 5555})
	require.NoError(t, err)
	assert.Equal(t, models.PowerOn, state)
}

func TestGenericTCPHasNoPowerControl(t *testing.T) {
	a := NewGenericTCPAdapter(nil)
	dev := models.Device{ID: "sign1", Host: "10.0.0.8", Port: 80}

	err := a.PowerOn(context.Background(), dev)
	require.Error(t, err)
	assert.True(t, errors.IsPermanent(err))

	err = a.PowerOff(context.Background(), dev)
	require.Error(t, err)
	assert.True(t, errors.IsPermanent(err))
}

func TestGenericTCPQueryConnect(t *testing.T) {
	a := NewGenericTCPAdapter(pipeDial(t, func(conn net.Conn) { _ = conn.Close() }))

	state, err := a.QueryPower(context.Background(), models.Device{ID: "sign1", Host: "10.0.0.8", Port: 80})
	require.NoError(t, err)
	assert.Equal(t, models.PowerUnknown, state)
}

func TestMapCoversEveryDeviceType(t *testing.T) {
	m := NewMap()
	for _, dt := range []models.DeviceType{
		models.DeviceTypeTelnetProjector,
		models.DeviceTypeJSONRPCProjector,
		models.DeviceTypePCWake,
		models.DeviceTypeGenericTCP,
	} {
		_, ok := m.ForType(dt)
		assert.True(t, ok, "missing adapter for %s", dt)
	}
}
