package resource

import (
	tcpip "github.com/wippyai/wasm-tcpip"
)

// Ref identifies one registration in a Table. A Ref outlives its entry: once
// the entry is removed the slot may be reused, but the generation changes, so
// a stale Ref never resolves to the new occupant.
type Ref struct {
	Handle tcpip.Handle
	slot   uint32
	gen    uint32
}

// Valid reports whether r was returned by Insert.
func (r Ref) Valid() bool {
	return r.gen != 0
}

// EventType identifies a table lifecycle event.
type EventType uint8

const (
	EventInserted EventType = iota
	EventRemoved
	EventAborted
)

func (t EventType) String() string {
	switch t {
	case EventInserted:
		return "inserted"
	case EventRemoved:
		return "removed"
	case EventAborted:
		return "aborted"
	}
	return "unknown"
}

// Event represents a table lifecycle event.
type Event struct {
	Value  any
	Ref    Ref
	Handle tcpip.Handle
	Type   EventType
}

// Observer receives notifications about table lifecycle events.
// It is called without the table lock held.
type Observer func(Event)
