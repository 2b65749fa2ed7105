// Package gateway exposes the worker-facing gRPC API and fans it out to
// Redis streams and the log store. Authentication layers mTLS client
// certificates, api-key headers checked against the worker registry, and
// Bearer JWTs; registration consumes one-time install keys and issues
// worker credentials. All blocking reads are bounded by a server-side
// ceiling and Redis failures surface as retriable Unavailable statuses.
package gateway
