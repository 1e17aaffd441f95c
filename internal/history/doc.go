// Package history persists one record per dispatched unit execution.
//
// Backends:
//   - "file": JSON Lines, one run per line
//   - "sqlite": SQLite database (pure Go driver)
//
// A Recorder turns dispatch events into runs; a Pruner drops old runs on a
// cron schedule.
package history
