// Package metrics records service telemetry. Recorder has a Prometheus
// backend for scraped deployments and a CloudWatch backend for AWS; the
// backend is chosen by configuration.
package metrics

import (
	"strconv"
	"time"
)

// Recorder is the metrics surface used by the HTTP layer, the subscription
// coordinator, the access evaluator and the summary cache. Implementations
// must be safe for concurrent use and must not block the caller on I/O.
type Recorder interface {
	RecordRequest(method, route string, status int, duration time.Duration)
	RecordRefresh(outcome string)
	RecordAccessCheck(feature string, granted bool)
	RecordSummary(outcome string)
}

// Metric names, shared by both backends.
const (
	MetricRequests     = "http_requests_total"
	MetricLatency      = "http_request_duration_seconds"
	MetricRefresh      = "subscription_refresh_total"
	MetricAccessChecks = "feature_access_checks_total"
	MetricSummary      = "follower_summary_total"
)

// Summary outcome labels.
const (
	SummaryOutcomeFetched = "fetched"
	SummaryOutcomeCached  = "cached"
	SummaryOutcomeShared  = "shared"
	SummaryOutcomeFailed  = "failed"
	SummaryOutcomeTimeout = "timeout"
)

// Noop discards everything.
type Noop struct{}

func (Noop) RecordRequest(string, string, int, time.Duration) {}
func (Noop) RecordRefresh(string)                             {}
func (Noop) RecordAccessCheck(string, bool)                   {}
func (Noop) RecordSummary(string)                             {}

var _ Recorder = Noop{}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

func grantedLabel(granted bool) string {
	if granted {
		return "granted"
	}
	return "denied"
}
