// Package undolog is the undo log writer (spec §4.4): undo records
// live in a singly linked list of fixed-size extents (default 64
// pages). Page 0 of the backing file is a control page anchoring the
// active list (oldest-to-newest undo records still needed) and the
// free list (extents available for reuse), plus the in-flight undo/redo
// bookkeeping extent allocation and garbage collection need to survive
// a crash mid-operation.
//
// There is no direct teacher precedent for an extent-based log; this
// package generalizes the teacher's single-page FreeList chain
// (internal/storage/freelist.go: a PageID-linked list of free pages
// with a persisted head) from page-granularity to extent-granularity,
// and adds the active list the undo log needs that a plain free list
// doesn't.
package undolog
