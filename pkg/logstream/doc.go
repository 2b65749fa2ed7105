// Package logstream implements the worker side of the dual-channel log
// pipeline. The Batcher feeds the live channel: line entries buffered in a
// bounded queue with backpressure states and drop policies, flushed in
// batches on size or interval. The Archiver feeds the durable channel:
// bytes cut into 64 KiB chunks with monotonic offsets and a running SHA-256,
// resumable from the receiver's acked offset, finalized with a chunk
// asserting total length and checksum.
package logstream
