// Package rpc defines the gateway's gRPC surface without generated code:
// plain Go structs as messages, a JSON codec registered under the antjson
// content subtype, a hand-built service descriptor, and a typed client
// stub. Both the gateway server and the worker's gateway transport build on
// this package.
package rpc
