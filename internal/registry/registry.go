// Package registry holds the validated in-memory catalogue of devices and
// groups. A snapshot is immutable after load; reloads swap the whole
// snapshot atomically or keep the old one.
package registry

import (
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/oceanpark/oceanctl/internal/errors"
	"github.com/oceanpark/oceanctl/internal/models"
)

// Default ports per device type, applied when the config omits one.
var defaultPorts = map[models.DeviceType]int{
	models.DeviceTypeTelnetProjector:  23,
	models.DeviceTypeJSONRPCProjector: 9090,
	models.DeviceTypePCWake:           9,
}

// Snapshot is one validated, immutable view of the fleet.
type Snapshot struct {
	devices  map[string]models.Device
	order    []string // device ids in config order
	groups   map[string]models.Group
	grpOrder []string // group ids in config order
}

// Registry provides lock-free reads of the current snapshot.
type Registry struct {
	current atomic.Pointer[Snapshot]
}

// New builds a registry from the configured devices and groups.
func New(devices []models.Device, groups []models.Group) (*Registry, error) {
	snap, err := buildSnapshot(devices, groups)
	if err != nil {
		return nil, err
	}
	r := &Registry{}
	r.current.Store(snap)
	return r, nil
}

// Reload validates a new device/group set and swaps it in. On validation
// failure the previous snapshot stays active and the error is returned.
func (r *Registry) Reload(devices []models.Device, groups []models.Group) error {
	snap, err := buildSnapshot(devices, groups)
	if err != nil {
		log.Error().Err(err).Msg("Registry reload rejected, keeping previous snapshot")
		return err
	}
	r.current.Store(snap)
	log.Info().Int("devices", len(snap.order)).Int("groups", len(snap.grpOrder)).Msg("Registry snapshot replaced")
	return nil
}

// Snapshot returns the current immutable snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Get looks up a device by id.
func (s *Snapshot) Get(id string) (models.Device, bool) {
	d, ok := s.devices[id]
	return d, ok
}

// All returns every device in config order.
func (s *Snapshot) All() []models.Device {
	out := make([]models.Device, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.devices[id])
	}
	return out
}

// Groups returns every group in config order.
func (s *Snapshot) Groups() []models.Group {
	out := make([]models.Group, 0, len(s.grpOrder))
	for _, id := range s.grpOrder {
		out = append(out, s.groups[id])
	}
	return out
}

// Group returns the member devices of a group, in member order.
func (s *Snapshot) Group(id string) ([]models.Device, bool) {
	g, ok := s.groups[id]
	if !ok {
		return nil, false
	}
	out := make([]models.Device, 0, len(g.DeviceIDs))
	for _, did := range g.DeviceIDs {
		out = append(out, s.devices[did])
	}
	return out, true
}

// IDsMatching resolves a scheduler-form target ("all", "device:<id>",
// "group:<id>") to device ids. Unresolvable targets return a validation
// error.
func (s *Snapshot) IDsMatching(target string) ([]string, error) {
	kind, id, err := models.ParseTarget(target)
	if err != nil {
		return nil, errors.New(errors.KindValidation, "registry.resolve", err)
	}
	switch kind {
	case models.TargetAll:
		ids := make([]string, len(s.order))
		copy(ids, s.order)
		return ids, nil
	case "device":
		if _, ok := s.devices[id]; !ok {
			return nil, errors.Newf(errors.KindValidation, "registry.resolve", "unknown device %q", id)
		}
		return []string{id}, nil
	default: // group
		g, ok := s.groups[id]
		if !ok {
			return nil, errors.Newf(errors.KindValidation, "registry.resolve", "unknown group %q", id)
		}
		ids := make([]string, len(g.DeviceIDs))
		copy(ids, g.DeviceIDs)
		return ids, nil
	}
}

// Export returns the effective device and group sets in deterministic
// order, suitable for serializing and reloading.
func (s *Snapshot) Export() ([]models.Device, []models.Group) {
	return s.All(), s.Groups()
}

func buildSnapshot(devices []models.Device, groups []models.Group) (*Snapshot, error) {
	snap := &Snapshot{
		devices: make(map[string]models.Device, len(devices)),
		groups:  make(map[string]models.Group, len(groups)),
	}

	for _, d := range devices {
		if d.ID == "" {
			return nil, errors.Newf(errors.KindConfig, "registry.load", "device with empty id")
		}
		if _, dup := snap.devices[d.ID]; dup {
			return nil, errors.Newf(errors.KindConfig, "registry.load", "duplicate device id %q", d.ID)
		}
		if !d.Type.Valid() {
			return nil, errors.Newf(errors.KindConfig, "registry.load", "device %q has unknown type %q", d.ID, d.Type)
		}
		if d.Host == "" {
			return nil, errors.Newf(errors.KindConfig, "registry.load", "device %q has no host", d.ID)
		}
		if d.Port == 0 {
			d.Port = defaultPorts[d.Type]
		}
		if d.Port <= 0 || d.Port > 65535 {
			return nil, errors.Newf(errors.KindConfig, "registry.load", "device %q has invalid port %d", d.ID, d.Port)
		}
		if d.Type == models.DeviceTypeTelnetProjector {
			if d.Credentials == nil || d.Credentials.Username == "" {
				return nil, errors.Newf(errors.KindConfig, "registry.load", "telnet device %q requires credentials", d.ID)
			}
		}
		if d.Probe.Method == "" {
			d.Probe.Method = models.ProbeICMP
		}
		switch d.Probe.Method {
		case models.ProbeICMP, models.ProbeTCP, models.ProbeHTTP:
		default:
			return nil, errors.Newf(errors.KindConfig, "registry.load", "device %q has unknown probe method %q", d.ID, d.Probe.Method)
		}
		snap.devices[d.ID] = d
		snap.order = append(snap.order, d.ID)
	}

	for _, g := range groups {
		if g.ID == "" {
			return nil, errors.Newf(errors.KindConfig, "registry.load", "group with empty id")
		}
		if _, dup := snap.groups[g.ID]; dup {
			return nil, errors.Newf(errors.KindConfig, "registry.load", "duplicate group id %q", g.ID)
		}
		seen := make(map[string]struct{}, len(g.DeviceIDs))
		for _, did := range g.DeviceIDs {
			if _, ok := snap.devices[did]; !ok {
				return nil, errors.Newf(errors.KindConfig, "registry.load", "group %q references unknown device %q", g.ID, did)
			}
			if _, dup := seen[did]; dup {
				return nil, errors.Newf(errors.KindConfig, "registry.load", "group %q lists device %q twice", g.ID, did)
			}
			seen[did] = struct{}{}
		}
		snap.groups[g.ID] = g
		snap.grpOrder = append(snap.grpOrder, g.ID)
	}

	// Devices may also declare memberships; merge them into the group side
	// so both spellings of the config agree.
	for _, id := range snap.order {
		d := snap.devices[id]
		for _, gid := range d.GroupIDs {
			g, ok := snap.groups[gid]
			if !ok {
				return nil, errors.Newf(errors.KindConfig, "registry.load", "device %q references unknown group %q", d.ID, gid)
			}
			if !contains(g.DeviceIDs, d.ID) {
				g.DeviceIDs = append(g.DeviceIDs, d.ID)
				snap.groups[gid] = g
			}
		}
	}

	// Mirror memberships back onto devices so Export round-trips.
	for gid, g := range snap.groups {
		for _, did := range g.DeviceIDs {
			d := snap.devices[did]
			if !contains(d.GroupIDs, gid) {
				d.GroupIDs = append(d.GroupIDs, gid)
				sort.Strings(d.GroupIDs)
				snap.devices[did] = d
			}
		}
	}

	return snap, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
