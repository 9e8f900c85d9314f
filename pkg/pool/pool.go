// Package pool provides the reusable I/O buffers shared by every job of a run.
//
// Copy, move, pack, unpack and the gzip codec all stream through buffers of
// the configured size. One FixedBufferPool serves a whole run so that
// concurrent jobs reuse each other's buffers instead of allocating per file.
// The pool is backed by sync.Pool, so idle buffers are released at GC.
package pool
