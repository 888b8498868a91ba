// Package models defines the shared data types of the control engine:
// devices, groups, action records, execution reports, scheduled jobs and
// the monitor's health state.
package models

import (
	"fmt"
	"strings"
	"time"
)

// DeviceType selects the protocol adapter used to drive a device.
type DeviceType string

const (
	DeviceTypeTelnetProjector  DeviceType = "telnet_projector"
	DeviceTypeJSONRPCProjector DeviceType = "jsonrpc_projector"
	DeviceTypePCWake           DeviceType = "pc_wake"
	DeviceTypeGenericTCP       DeviceType = "generic_tcp"
)

// Valid reports whether t is a known device type.
func (t DeviceType) Valid() bool {
	switch t {
	case DeviceTypeTelnetProjector, DeviceTypeJSONRPCProjector, DeviceTypePCWake, DeviceTypeGenericTCP:
		return true
	}
	return false
}

// ProbeMethod selects how the health prober tests a device.
type ProbeMethod string

const (
	ProbeICMP ProbeMethod = "icmp"
	ProbeTCP  ProbeMethod = "tcp"
	ProbeHTTP ProbeMethod = "http"
)

// ProbeSpec describes the reachability check for one device.
// Port falls back to the device port when zero; Path applies to HTTP only.
type ProbeSpec struct {
	Method ProbeMethod `json:"method" yaml:"method"`
	Port   int         `json:"port,omitempty" yaml:"port,omitempty"`
	Path   string      `json:"path,omitempty" yaml:"path,omitempty"`
}

// Credentials carries the optional per-type secrets of a device.
type Credentials struct {
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	MAC      string `json:"mac,omitempty" yaml:"mac,omitempty"`
}

// Device is one controllable or probeable piece of equipment.
// Immutable once loaded into a registry snapshot.
type Device struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Type        DeviceType   `json:"type" yaml:"type"`
	Host        string       `json:"host" yaml:"host"`
	Port        int          `json:"port" yaml:"port"`
	GroupIDs    []string     `json:"groupIds,omitempty" yaml:"group_ids,omitempty"`
	Credentials *Credentials `json:"credentials,omitempty" yaml:"credentials,omitempty"`
	Probe       ProbeSpec    `json:"probeSpec" yaml:"probe_spec"`
}

// Addr returns the host:port dial target of the device.
func (d Device) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// Group is a named, ordered set of devices acted upon as a unit.
type Group struct {
	ID        string   `json:"id" yaml:"id"`
	Name      string   `json:"name" yaml:"name"`
	DeviceIDs []string `json:"deviceIds" yaml:"device_ids"`
}

// Action is a command issued against a device.
type Action string

const (
	ActionTurnOn  Action = "TURN_ON"
	ActionTurnOff Action = "TURN_OFF"
	ActionQuery   Action = "QUERY"
	ActionProbe   Action = "PROBE"
)

// Outcome classifies how a device action terminated.
type Outcome string

const (
	OutcomeSuccess       Outcome = "SUCCESS"
	OutcomeFail          Outcome = "FAIL"
	OutcomeTimeout       Outcome = "TIMEOUT"
	OutcomeProtocolError Outcome = "PROTOCOL_ERROR"
	OutcomeUnreachable   Outcome = "UNREACHABLE"
)

// PowerState is the answer to a power query.
type PowerState string

const (
	PowerOn      PowerState = "on"
	PowerOff     PowerState = "off"
	PowerUnknown PowerState = "unknown"
)

// ActionRecord is the append-only trace of one retried device action.
// Never rewritten after emission.
type ActionRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	DeviceID   string    `json:"deviceId"`
	Action     Action    `json:"action"`
	Attempts   int       `json:"attempts"`
	Outcome    Outcome   `json:"outcome"`
	DurationMS int64     `json:"durationMs"`
	Error      string    `json:"error,omitempty"`
	Cancelled  bool      `json:"cancelled,omitempty"`
	// State carries the answer of a power query, when the action was QUERY.
	State PowerState `json:"state,omitempty"`
}

// RetryPolicy bounds adapter retries. Delay before attempt k (k>=2) is
// base_interval_sec * backoff_multiplier^(k-2).
type RetryPolicy struct {
	MaxAttempts          int     `json:"maxAttempts" yaml:"max_attempts"`
	BaseIntervalSec      int     `json:"baseIntervalSec" yaml:"base_interval_sec"`
	BackoffMultiplier    float64 `json:"backoffMultiplier" yaml:"backoff_multiplier"`
	PerAttemptTimeoutSec int     `json:"perAttemptTimeoutSec" yaml:"per_attempt_timeout_sec"`
}

// DefaultRetryPolicy returns the stock policy: 3 attempts, 30s base
// interval, 2x backoff, 10s per-attempt timeout.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:          3,
		BaseIntervalSec:      30,
		BackoffMultiplier:    2.0,
		PerAttemptTimeoutSec: 10,
	}
}

// Normalize fills zero or out-of-range fields from the defaults.
func (p RetryPolicy) Normalize() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseIntervalSec <= 0 {
		p.BaseIntervalSec = def.BaseIntervalSec
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = def.BackoffMultiplier
	}
	if p.PerAttemptTimeoutSec <= 0 {
		p.PerAttemptTimeoutSec = def.PerAttemptTimeoutSec
	}
	return p
}

// BaseInterval returns the first retry delay.
func (p RetryPolicy) BaseInterval() time.Duration {
	return time.Duration(p.BaseIntervalSec) * time.Second
}

// PerAttemptTimeout returns the deadline applied to each adapter call.
func (p RetryPolicy) PerAttemptTimeout() time.Duration {
	return time.Duration(p.PerAttemptTimeoutSec) * time.Second
}

// ExecutionReport is the result of one Device Manager fan-out. Results holds
// exactly one entry per requested device.
type ExecutionReport struct {
	StartedAt       time.Time               `json:"startedAt"`
	FinishedAt      time.Time               `json:"finishedAt"`
	RequestedAction Action                  `json:"requestedAction"`
	Target          string                  `json:"target"`
	Results         map[string]ActionRecord `json:"results"`
	SuccessCount    int                     `json:"successCount"`
	FailureCount    int                     `json:"failureCount"`
}

// ScheduledJob is one persisted cron entry. NextRun is derived state kept
// alongside the durable row.
type ScheduledJob struct {
	ID       string    `json:"id"`
	CronExpr string    `json:"cronExpr"`
	Action   Action    `json:"action"`
	Target   string    `json:"target"`
	Enabled  bool      `json:"enabled"`
	NextRun  time.Time `json:"nextRun,omitempty"`
}

// HealthStatus is the monitor's classification of a device.
type HealthStatus string

const (
	StatusOnline  HealthStatus = "ONLINE"
	StatusOffline HealthStatus = "OFFLINE"
	StatusUnknown HealthStatus = "UNKNOWN"
)

// DeviceHealthState is the monitor-owned per-device record. External
// consumers only ever see copies inside a HealthSnapshot.
type DeviceHealthState struct {
	DeviceID            string       `json:"deviceId"`
	LastProbedAt        time.Time    `json:"lastProbedAt"`
	LastOKAt            time.Time    `json:"lastOkAt,omitzero"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	Status              HealthStatus `json:"status"`
	StatusSince         time.Time    `json:"statusSince"`
	LatencyMS           int64        `json:"latencyMs"`
}

// HealthSnapshot is the copy-on-publish view of the fleet after one monitor
// cycle.
type HealthSnapshot struct {
	TakenAt      time.Time                    `json:"takenAt"`
	Devices      map[string]DeviceHealthState `json:"devices"`
	OnlineCount  int                          `json:"onlineCount"`
	OfflineCount int                          `json:"offlineCount"`
	TotalCount   int                          `json:"totalCount"`
}

// Clone returns a deep copy so the snapshot can be shared across goroutines.
func (s HealthSnapshot) Clone() HealthSnapshot {
	out := s
	out.Devices = make(map[string]DeviceHealthState, len(s.Devices))
	for id, st := range s.Devices {
		out.Devices[id] = st
	}
	return out
}

// AlertLevel is the severity of a fleet alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
	AlertRedAlert AlertLevel = "RED_ALERT"
)

// AlertEvent is one fleet alert emitted at the end of a monitor cycle.
type AlertEvent struct {
	ID        string     `json:"id"`
	Timestamp time.Time  `json:"timestamp"`
	Level     AlertLevel `json:"level"`
	Message   string     `json:"message"`
	DeviceIDs []string   `json:"deviceIds,omitempty"`
}

// MonitorSample is one point of the per-day monitoring time series.
type MonitorSample struct {
	Timestamp    time.Time `json:"timestamp"`
	OnlineCount  int       `json:"onlineCount"`
	OfflineCount int       `json:"offlineCount"`
	TotalCount   int       `json:"totalCount"`
}

// Target forms accepted by the scheduler and the bulk endpoints.
const (
	TargetAll          = "all"
	targetDevicePrefix = "device:"
	targetGroupPrefix  = "group:"
)

// DeviceTarget builds the target string for a single device.
func DeviceTarget(id string) string { return targetDevicePrefix + id }

// GroupTarget builds the target string for a group.
func GroupTarget(id string) string { return targetGroupPrefix + id }

// ParseTarget splits a target string into its kind ("all", "device",
// "group") and id. Returns an error for anything else.
func ParseTarget(target string) (kind, id string, err error) {
	switch {
	case target == TargetAll:
		return TargetAll, "", nil
	case strings.HasPrefix(target, targetDevicePrefix):
		id = strings.TrimPrefix(target, targetDevicePrefix)
		if id == "" {
			return "", "", fmt.Errorf("empty device id in target %q", target)
		}
		return "device", id, nil
	case strings.HasPrefix(target, targetGroupPrefix):
		id = strings.TrimPrefix(target, targetGroupPrefix)
		if id == "" {
			return "", "", fmt.Errorf("empty group id in target %q", target)
		}
		return "group", id, nil
	default:
		return "", "", fmt.Errorf("unrecognized target %q", target)
	}
}
