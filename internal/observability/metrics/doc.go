// Package metrics keeps in-process counters and histograms for the HTTP API
// and the session pipeline and renders them in the Prometheus text format.
package metrics
