// Package core provides the shared data model for the CoolDB storage
// core: page identities, log-sequence-numbers, undo pointers, the
// on-disk page header every logged page carries, and the redo/undo log
// record shapes that the redo log writer, undo log writer, log manager,
// and MVCC rollback engine all exchange.
//
// Nothing in this package touches a file or a lock; it is the vocabulary
// the rest of internal/* is written in.
package core
