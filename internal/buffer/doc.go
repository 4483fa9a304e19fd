// Package buffer is the buffer pool (spec §4.2): a table of page frames,
// grown on demand up to a maximum capacity, shared by every transaction, with WAL-before-data
// eviction, HATED/LIKED/LOVED affinity-based replacement and an
// optional background dirty-page writer.
//
// It is the direct descendant of the teacher's single-LRU BufferPool
// and LRUCache, generalized from one replacement list to three and
// from a bare pin-count to an explicit lock mode with a wait queue.
// Frames are handed out as PinToken{frameIndex, generation} rather than
// pointers so a stale token from a since-evicted frame is detectable
// instead of silently aliasing a different page (spec §9 "cyclic
// references").
package buffer
