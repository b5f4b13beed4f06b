package metrics

import (
	"net/http"
	"strconv"
	"time"
)

var httpBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

var (
	httpRequests = newCounterVec("onyx_http_requests_total",
		"Total number of HTTP requests processed.", "handler", "method", "code")
	httpErrors = newCounterVec("onyx_http_request_errors_total",
		"Total number of HTTP requests that resulted in a server error.", "handler", "method")
	httpLatency = newHistogramVec("onyx_http_request_duration_seconds",
		"HTTP request duration in seconds.", httpBuckets, "handler", "method")
)

// ObserveHTTPRequest records one finished request. handler is the route
// pattern, never the raw path, so session IDs do not explode cardinality.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.inc(handler, method, strconv.Itoa(status))
	if status >= http.StatusInternalServerError {
		httpErrors.inc(handler, method)
	}
	httpLatency.observe(duration.Seconds(), handler, method)
}
