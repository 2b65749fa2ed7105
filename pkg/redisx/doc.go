// Package redisx holds the Redis key schema and the stream operations the
// control plane performs: ready-queue enqueue and consumer-group polling,
// receipt-based acknowledgement with requeue, result and control streams,
// heartbeat hashes, and live log stream appends.
//
// Receipts are "stream|message_id" strings. A receipt acked with
// accepted=true is XACK'd exactly once; acked with accepted=false it is
// re-added to the same stream (annotated with requeue_reason) before the
// original is XACK'd, so delivery stays at-least-once.
package redisx
