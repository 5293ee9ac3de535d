// Package events holds the static event catalog and the prioritized,
// permission-tagged bus that fans events out to subscribers.
package events

import (
	"github.com/fpv-tools/racetimer/store"
)

// Priority orders dispatch of queued events. Lower values drain first.
// INSTANT events never enter the queue: their publish starts every handler
// synchronously so causal order across race transitions is preserved.
type Priority int

const (
	PriorityInstant Priority = iota + 1
	PriorityHigh
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityInstant:
		return "instant"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// Descriptor identifies one event kind. Descriptors are built once at init
// and never mutated; consumers hold references into the registry.
type Descriptor struct {
	ID         string
	Priority   Priority
	Permission store.Permission
}

// ---- special ----

var (
	Heartbeat         = &Descriptor{ID: "heartbeat", Priority: PriorityLow, Permission: store.PermEventWebsocket}
	PermissionsUpdate = &Descriptor{ID: "permissions_update", Priority: PriorityHigh, Permission: store.PermEventWebsocket}
)

// ---- event setup ----

var (
	PilotAdd    = &Descriptor{ID: "pilot_add", Priority: PriorityMedium, Permission: store.PermReadPilots}
	PilotAlter  = &Descriptor{ID: "pilot_alter", Priority: PriorityMedium, Permission: store.PermReadPilots}
	PilotDelete = &Descriptor{ID: "pilot_delete", Priority: PriorityMedium, Permission: store.PermReadPilots}
)

// ---- race sequence ----

var (
	RaceStage  = &Descriptor{ID: "race_stage", Priority: PriorityInstant, Permission: store.PermRaceEvents}
	RaceStart  = &Descriptor{ID: "race_start", Priority: PriorityInstant, Permission: store.PermRaceEvents}
	RaceFinish = &Descriptor{ID: "race_finish", Priority: PriorityInstant, Permission: store.PermRaceEvents}
	RaceStop   = &Descriptor{ID: "race_stop", Priority: PriorityInstant, Permission: store.PermRaceEvents}
)

var registry = func() map[string]*Descriptor {
	m := make(map[string]*Descriptor)
	for _, d := range []*Descriptor{
		Heartbeat, PermissionsUpdate,
		PilotAdd, PilotAlter, PilotDelete,
		RaceStage, RaceStart, RaceFinish, RaceStop,
	} {
		m[d.ID] = d
	}
	return m
}()

// Lookup resolves an event ID to its descriptor, or nil when unknown.
func Lookup(id string) *Descriptor {
	return registry[id]
}

// All returns every registered descriptor.
func All() []*Descriptor {
	out := make([]*Descriptor, 0, len(registry))
	for _, d := range registry {
		out = append(out, d)
	}
	return out
}
