// Package filestore is the file manager (spec §4.1): it multiplexes an
// arbitrary number of backing files under short numeric file-ids and
// exposes fixed-size page I/O to the buffer pool. It knows nothing about
// pins, WAL ordering or transactions; callers are responsible for
// enforcing the write-ahead-log rule before calling Flush.
//
// Every page slot written by Flush carries an 8-byte trailing xxhash64
// checksum of its payload; a never-written slot's checksum field is
// zero and is not verified. A mismatch on Fetch is reported as
// ErrPageCorrupted,
// the storage-integrity failure class spec §7 says must never be
// silently tolerated.
package filestore
