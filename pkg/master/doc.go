// Package master is the control-plane brain. A master node competes for the
// Redis leader lock; the winner runs the scheduling, reconciliation, retry
// and result-consumption loops for its term, stamping every state write with
// the term's fencing token so a deposed leader's late writes are refused.
package master
