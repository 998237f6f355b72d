// Package dispatch runs queued command jobs.
//
// A Dispatcher wakes on a fixed interval and handles at most one job per tick:
//
//   - pick the oldest NEW job and claim it (NEW -> IN_PROGRESS)
//   - decode its request and bind the option tokens against the command's
//     argv template
//   - create the job's stdout/stderr files and run the command with its timeout
//   - append any failure text to the job message and mark it SUCCESS or FAILED
//
// Requests that fail to decode or bind are failed without touching the
// filesystem. Ticks never overlap; a tick that outlasts the interval causes
// the missed ticks to be dropped rather than queued.
//
// On startup, jobs left IN_PROGRESS by a previous process are failed with an
// "interrupted" message. They are never re-run.
package dispatch
