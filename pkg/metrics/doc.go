// Package metrics is the fire-and-forget counter/histogram sink every
// worker, the poller, the dispatcher, and the notifier report through.
// Nothing in the agent blocks on or retries a metrics call; a scrape
// failure on the Prometheus side never affects reconciliation.
package metrics
