package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys.
const (
	attrMethod = "method"
	attrStatus = "status"
	attrResult = "result"
)

// Result values shared by the counters below.
const (
	ResultSuccess      = "success"
	ResultError        = "error"
	ResultDroppedError = "dropped_error"
	ResultSkipped      = "skipped"
)

// Metrics records client-side observability data. A nil *Metrics and a zero
// Metrics are both valid and record nothing.
type Metrics struct {
	graphRequestsTotal   metric.Int64Counter
	graphRequestDuration metric.Float64Histogram

	tokenRefreshTotal metric.Int64Counter

	uploadBytesTotal  metric.Int64Counter
	uploadChunksTotal metric.Int64Counter

	transferTasksTotal metric.Int64Counter
}

// NewMetrics creates every instrument on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.graphRequestsTotal, err = meter.Int64Counter(
		"graph_requests_total",
		metric.WithDescription("Total number of Graph API requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph_requests_total counter: %w", err)
	}

	m.graphRequestDuration, err = meter.Float64Histogram(
		"graph_request_duration_seconds",
		metric.WithDescription("Graph API request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph_request_duration_seconds histogram: %w", err)
	}

	m.tokenRefreshTotal, err = meter.Int64Counter(
		"token_refresh_total",
		metric.WithDescription("Total number of access token credential exchanges"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_refresh_total counter: %w", err)
	}

	m.uploadBytesTotal, err = meter.Int64Counter(
		"upload_bytes_total",
		metric.WithDescription("Total bytes sent in upload session chunks"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload_bytes_total counter: %w", err)
	}

	m.uploadChunksTotal, err = meter.Int64Counter(
		"upload_chunks_total",
		metric.WithDescription("Total number of upload session chunks sent"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload_chunks_total counter: %w", err)
	}

	m.transferTasksTotal, err = meter.Int64Counter(
		"transfer_tasks_total",
		metric.WithDescription("Total number of transfer queue tasks by outcome"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer_tasks_total counter: %w", err)
	}

	return m, nil
}

// RecordGraphRequest records one request. status is 0 for transport failures.
func (m *Metrics) RecordGraphRequest(ctx context.Context, method string, status int, duration time.Duration) {
	if m == nil || m.graphRequestsTotal == nil || m.graphRequestDuration == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(attrMethod, method),
		attribute.String(attrStatus, statusClass(status)),
	)

	m.graphRequestsTotal.Add(ctx, 1, attrs)
	m.graphRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordTokenRefresh records a credential exchange outcome.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, result string) {
	if m == nil || m.tokenRefreshTotal == nil {
		return
	}

	m.tokenRefreshTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
}

// RecordUploadChunk records one chunk PUT of n bytes.
func (m *Metrics) RecordUploadChunk(ctx context.Context, n int64) {
	if m == nil || m.uploadBytesTotal == nil || m.uploadChunksTotal == nil {
		return
	}

	m.uploadBytesTotal.Add(ctx, n)
	m.uploadChunksTotal.Add(ctx, 1)
}

// RecordTransferTask records a queue task outcome.
func (m *Metrics) RecordTransferTask(ctx context.Context, result string) {
	if m == nil || m.transferTasksTotal == nil {
		return
	}

	m.transferTasksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
}

// statusClass folds status codes into "2xx".."5xx" to bound cardinality.
func statusClass(status int) string {
	if status <= 0 {
		return "network_error"
	}

	return strconv.Itoa(status/100) + "xx"
}
