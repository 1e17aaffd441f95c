package dispatch

import "time"

// Event types published by the loop.
const (
	EventLoopStarted  = "loop_started"
	EventLoopStopped  = "loop_stopped"
	EventCycleEmpty   = "cycle_empty"
	EventUnitNotFound = "unit_not_found"
	EventUnitStarted  = "unit_started"
	EventUnitFinished = "unit_finished"
	EventUnitFailed   = "unit_failed"

	// EventUnitCancelled reports a unit that returned a cancellation error
	// because the loop itself was being stopped. It is not a failure.
	EventUnitCancelled = "unit_cancelled"
)

// UnitEvents lists the unit-scoped event types.
var UnitEvents = []string{EventUnitNotFound, EventUnitStarted, EventUnitFinished, EventUnitFailed, EventUnitCancelled}

// UnitEvent is the payload of unit_* events.
type UnitEvent struct {
	Unit      string
	Cycle     uint64
	StartedAt time.Time     // zero for unit_not_found
	Took      time.Duration // set on unit_finished / unit_failed / unit_cancelled
	Err       error         // set on unit_failed / unit_not_found / unit_cancelled
}

// CycleEvent is the payload of cycle_empty.
type CycleEvent struct {
	Cycle uint64
}

// LoopEvent is the payload of loop_started / loop_stopped.
type LoopEvent struct {
	Units  int
	Active int
	Stats  Stats
}
