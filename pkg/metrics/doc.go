/*
Package metrics defines the Prometheus instrumentation for the control
plane: cluster gauges (nodes, pinned workers, queue depth), job counters
and latency histograms, spawn and webhook outcomes, and API request
metrics.

All collectors register on the default registry at init time and are served
by the API's /metrics endpoint via Handler.
*/
package metrics
