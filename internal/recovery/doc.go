// Package recovery rebuilds a consistent database after a crash. It
// follows the classic three-phase protocol over the dual log: analysis
// walks the redo log to find losers, the dirty-page table and the
// highest transaction id; redo replays every page mutation whose LSN
// the on-disk page has not absorbed yet; undo reverses the losers'
// updates newest-first, writing a CLR pair per reversal so a crash
// during recovery itself never reverses the same record twice.
//
// The undo log's own structural recovery (an in-flight extent
// allocation or GC move) happens earlier, inside undolog.Open; this
// package starts from a structurally sound pair of logs.
package recovery
