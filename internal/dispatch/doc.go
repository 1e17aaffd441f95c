// Package dispatch runs configured units on a polling loop.
//
// # Cycle
//
// Each cycle evaluates the descriptor list against the current time of day.
// A descriptor is eligible when it is active and either has no window or the
// window contains now. Eligible units run one at a time, in configuration
// order. After each handled unit (success, failure or unknown name) the loop
// sleeps that unit's delay. When nothing is eligible the loop publishes
// cycle_empty and sleeps the poll interval (5s by default).
//
// # Failures
//
// An unknown unit name publishes unit_not_found and the cycle continues.
// A unit error or panic publishes unit_failed and the cycle continues.
// Nothing a unit does stops the loop.
//
// # Cancellation
//
// Run returns nil once its context is done. The context is checked before each
// evaluation and every sleep aborts on cancellation. A running unit is not
// preempted; it receives the same context and is expected to return. When it
// returns context.Canceled after the loop was cancelled, unit_cancelled is
// published instead of unit_failed.
package dispatch
