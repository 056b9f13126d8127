// Package job owns manufacturing job rows, their recipe line snapshots and
// the append-only job log.
//
// A job starts in CREATED and moves only forward: PREPARE once the device
// accepts the blend, then COMPLETED, or FAILED from any non-terminal
// state. Recipe lines are captured when the job is created and never
// mutated, so a later slot remap cannot change what an in-flight job
// consumes. Status writes are conditional updates that refuse to leave a
// terminal state, which makes duplicate device reports harmless.
package job
