// Package identity covers who a worker is and how it proves it: the
// persistent identity file (stable worker_id, SIGHUP reload), one-time
// install keys with OS and source-CIDR bindings, the API key / HMAC secret
// credential pair, and dispatch payload signatures with nonce replay
// detection.
package identity
