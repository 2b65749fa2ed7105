// Package transport abstracts how a worker reaches the control plane:
// Direct speaks Redis streams, Gateway speaks gRPC through the gateway
// with api-key metadata and TLS. The worker engine only sees the Transport
// interface.
package transport
