// Package runtime builds and shares content-addressed Python virtual
// environments. An environment is keyed by the SHA-256 of its deterministic
// spec fields; concurrent prepares of one key serialize so exactly one
// caller builds while the rest reuse the result. A periodic GC reclaims
// environments that are unused past their TTL or exceed the retention cap.
package runtime
