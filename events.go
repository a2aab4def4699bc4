package pkgvault

import "time"

// EventAction identifies the kind of mutation an Event describes, mirroring
// the action vocabulary SPEC_FULL §4.10 assigns to the notification bridge.
type EventAction string

const (
	ActionPublish     EventAction = "publish"
	ActionUnpublish   EventAction = "unpublish"
	ActionDeprecate   EventAction = "deprecate"
	ActionDistTag     EventAction = "dist-tag"
	ActionUplinkMerge EventAction = "uplink-merge"
)

// Event is the common envelope the Federated Store emits for every
// successful mutation, carrying just enough for a notification sink to
// describe what happened without reaching back into the manifest store.
type Event struct {
	Action    EventAction
	Package   string
	Version   string // set for publish/deprecate/dist-tag and per-version unpublish events; empty for whole-package unpublish and uplink-merge
	Tag       string // set for dist-tag events and for publish (the tag published under)
	Actor     string // RequestScope.Caller at the time of the mutation
	Uplink    string // set for uplink-merge events
	Timestamp time.Time
}

// EventSink receives Events emitted by the Federated Store. Emit must not
// block the caller for any meaningful duration and must never return an
// error that the mutation path would need to handle — delivery failures are
// the sink's own concern, isolated per SPEC_FULL §4.10.
type EventSink interface {
	Emit(Event)
}

// NopEventSink discards every event. It is the Federated Store's default
// when constructed without an explicit sink, so emitting events is never a
// nil-pointer hazard.
type NopEventSink struct{}

func (NopEventSink) Emit(Event) {}
