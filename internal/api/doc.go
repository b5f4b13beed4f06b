// Package api exposes the session workflow over a JSON HTTP interface under
// /api/v1: session creation, proposal iterations, x402 payments, deployment
// and wallet history, plus /healthz and Prometheus-style /metrics.
//
// Every failure is rendered as {code, category, message, retryable}; the HTTP
// status is derived from the error code and its category. Messages pass
// through the logger's secret redactor before they leave the process.
package api
