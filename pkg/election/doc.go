// Package election implements Redis-lock leader election for the master.
//
// The lock is a single key set with SET NX PX and a per-process holder token;
// renewal and release are compare-and-set Lua scripts so a deposed master can
// never extend or delete a successor's lock. Every successful acquisition
// increments a monotonically increasing fencing counter, and all writes a
// leader performs carry that token so consumers can reject writes from stale
// leaders after a partition heals.
package election
