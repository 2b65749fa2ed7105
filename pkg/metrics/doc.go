// Package metrics defines and registers the Prometheus collectors for all
// services: master scheduling and reconcile activity, leadership and fencing
// term, gateway RPC traffic, worker execution occupancy, runtime builds, and
// the log pipeline. Collectors register on the default registry at package
// init; Handler exposes them for scraping.
package metrics
