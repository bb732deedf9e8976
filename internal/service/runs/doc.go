// Package runs implements the execution state machine for CI runs.
//
// States:
//   - running -> success | failed | cancelled
//
// A run is created in running status with every planned step pending, then
// driven by exactly one executor goroutine: steps execute strictly
// sequentially, the first failed step halts the plan (later steps stay
// pending and are never started), and cancellation terminates the current
// step's process and halts the same way. CompletedAt is set once, at the
// terminal transition, after which the run is immutable.
//
// Concurrency:
//   - Each run record is mutated only by its executor goroutine, under a
//     per-run mutex; readers get deep-copied snapshots.
//   - Distinct runs execute concurrently without shared locks beyond the
//     short-held active-run registry mutex.
//
// Cancellation is two-phase: Cancel cancels the run context, the executor
// terminates the live process, and the process's exit notification decides
// the terminal status. Whichever comes first, natural exit or
// termination-induced exit, wins.
package runs
