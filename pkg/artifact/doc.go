// Package artifact manages the worker's project-file cache: download over
// HTTP (typically a pre-signed URL), SHA-256 verification, safe archive
// extraction that refuses symlinks and path-escaping members, and a durable
// bbolt index with size-capped LRU eviction. Entries that fail integrity
// checks are quarantined rather than retried.
package artifact
