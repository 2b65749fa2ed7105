// Package logstore persists run logs durably behind one Backend interface:
// Local writes JSONL entry files and per-offset chunk files under a root
// directory, merging and gzip-compressing on finalize; S3 does the same
// against an object store and additionally signs upload/download URLs.
package logstore
