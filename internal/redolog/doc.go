// Package redolog is the redo log writer (spec §4.3): a fixed-size
// circular file of framed records `[indicator][size][body][eol]`.
// Writes land in an in-memory staging buffer first; FlushTo pushes the
// committed prefix out to the file, so the physical file only ever
// trails the logical end of the log by whatever hasn't been flushed
// yet.
//
// This generalizes the teacher's append-only WAL (internal/storage's
// WAL/WALIterator: length-prefixed records plus an in-memory LSN
// index) to a wrapping file with an explicit firewall, since an
// embedded storage core cannot let its redo log grow without bound.
//
// Open recovers nextLSN, endOfLog and the locs index by scanning the
// framing already on disk, so reopening a log after a crash resumes
// issuing LSNs above whatever was durable rather than reusing them.
package redolog
