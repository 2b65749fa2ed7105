// Package events provides an in-process publish/subscribe broker for
// control-plane events: run state transitions, worker liveness changes,
// and leadership handovers. Subscribers receive events on buffered
// channels; a subscriber that falls behind is skipped rather than
// blocking the broadcast loop.
package events
