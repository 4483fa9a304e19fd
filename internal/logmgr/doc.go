// Package logmgr is the log manager (spec §4.5): it composes the redo
// log writer and the undo log writer into the single interface access
// methods, the transaction pool and recovery actually call. It is
// responsible for pairing an undo record with its redo record so
// recovery can find one from the other, and for exposing the
// WALDelegate surface the buffer pool uses to enforce write-ahead
// ordering before a dirty frame is written back.
//
// Grounded on the teacher's wal.go (single log, buffer, LSN index) and
// checkpoint.go (composing a log with higher-level bookkeeping): here
// that composition spans two physically distinct logs instead of one.
package logmgr
