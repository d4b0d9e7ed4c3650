// Package observability exposes Prometheus metrics for the BLE link and the
// rep counter. Metrics register with the default registry on first use.
package observability
