package protocols

import (
	"bufio"
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"

	"github.com/oceanpark/oceanctl/internal/errors"
	"github.com/oceanpark/oceanctl/internal/models"
)

// JSON-RPC methods understood by the video cube projectors.
const (
	rpcMethodPowerOn  = "system.poweron"
	rpcMethodPowerOff = "system.poweroff"
	rpcMethodPowerGet = "system.powerstate.get"
)

// JSONRPCAdapter drives projectors speaking JSON-RPC 2.0 over raw TCP with
// newline-delimited frames. Request ids increment per session.
type JSONRPCAdapter struct {
	dial   DialFunc
	nextID atomic.Int64
}

// NewJSONRPCAdapter creates the adapter; a nil dial uses net.Dialer.
func NewJSONRPCAdapter(dial DialFunc) *JSONRPCAdapter {
	if dial == nil {
		dial = defaultDial
	}
	return &JSONRPCAdapter{dial: dial}
}

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (a *JSONRPCAdapter) PowerOn(ctx context.Context, dev models.Device) error {
	_, err := a.call(ctx, dev, "jsonrpc.power_on", rpcMethodPowerOn)
	return err
}

func (a *JSONRPCAdapter) PowerOff(ctx context.Context, dev models.Device) error {
	_, err := a.call(ctx, dev, "jsonrpc.power_off", rpcMethodPowerOff)
	return err
}

func (a *JSONRPCAdapter) QueryPower(ctx context.Context, dev models.Device) (models.PowerState, error) {
	result, err := a.call(ctx, dev, "jsonrpc.query", rpcMethodPowerGet)
	if err != nil {
		return models.PowerUnknown, err
	}
	var state struct {
		State string `json:"state"`
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &state); err != nil {
			// Some firmware answers with a bare string.
			var s string
			if json.Unmarshal(result, &s) == nil {
				state.State = s
			}
		}
	}
	switch strings.ToLower(state.State) {
	case "on", "1":
		return models.PowerOn, nil
	case "off", "0", "standby":
		return models.PowerOff, nil
	default:
		return models.PowerUnknown, nil
	}
}

// call runs one request/response exchange on a fresh connection.
func (a *JSONRPCAdapter) call(ctx context.Context, dev models.Device, op, method string) (json.RawMessage, error) {
	conn, err := a.dial(ctx, "tcp", dev.Addr())
	if err != nil {
		return nil, errors.Classify(op, err).WithDevice(dev.ID)
	}
	defer conn.Close()
	applyConnDeadline(ctx, conn)

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      a.nextID.Add(1),
		Method:  method,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.New(errors.KindProtocol, op, err).WithDevice(dev.ID)
	}
	payload = append(payload, '\n')

	if _, err := conn.Write(payload); err != nil {
		return nil, errors.Classify(op, err).WithDevice(dev.ID)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, errors.Classify(op, err).WithDevice(dev.ID)
	}

	var resp rpcResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, errors.Newf(errors.KindProtocol, op, "invalid JSON response: %v", err).WithDevice(dev.ID)
	}
	if resp.Error != nil {
		return nil, errors.Newf(errors.KindProtocol, op, "rpc error %d: %s", resp.Error.Code, resp.Error.Message).WithDevice(dev.ID)
	}
	return resp.Result, nil
}
