// Package deadlock is the deadlock detector (spec §4.7): a
// single-valued waits-for map (a transaction waits on at most one
// holder at a time) with cycle detection on every new edge.
//
// A transaction always blocks on its holder's monitor, never its own;
// resolving a cycle therefore cancels the chosen victim's flag under
// the victim's own lock but wakes it by broadcasting on the monitor it
// is actually parked on (the victim's holder's), exactly as spec §4.7
// describes ("notify its holder to wake the victim").
//
// No teacher or pack file implements waits-for cycle detection; this
// is new code written in the teacher's concurrency idiom — one
// sync.Mutex-guarded map, per-transaction sync.Cond suspension
// (txpool.Transaction's own monitor), package-level sentinel errors —
// rather than borrowed from any specific file.
package deadlock
