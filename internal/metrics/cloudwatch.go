package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// maxDatumsPerPut is the PutMetricData per-request datum limit.
const maxDatumsPerPut = 1000

// Dimension names.
const (
	DimMethod  = "Method"
	DimRoute   = "Route"
	DimStatus  = "Status"
	DimOutcome = "Outcome"
	DimFeature = "Feature"
	DimResult  = "Result"
)

// CloudWatchRecorder buffers datums in memory and publishes them on Flush.
// Run flushes on an interval until its context ends.
type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	clock     func() time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	pending []cwtypes.MetricDatum
}

var _ Recorder = (*CloudWatchRecorder)(nil)

// NewCloudWatchRecorder creates a recorder publishing to namespace.
func NewCloudWatchRecorder(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchRecorder{
		client:    client,
		namespace: namespace,
		clock:     time.Now,
		logger:    logger,
	}
}

func (m *CloudWatchRecorder) RecordRequest(method, route string, status int, duration time.Duration) {
	now := m.clock()
	m.add(
		cwtypes.MetricDatum{
			MetricName: aws.String("RequestCount"),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Timestamp:  aws.Time(now),
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(DimMethod), Value: aws.String(method)},
				{Name: aws.String(DimRoute), Value: aws.String(route)},
				{Name: aws.String(DimStatus), Value: aws.String(statusClass(status))},
			},
		},
		cwtypes.MetricDatum{
			MetricName: aws.String("RequestLatency"),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Timestamp:  aws.Time(now),
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(DimRoute), Value: aws.String(route)},
			},
		},
	)
}

func (m *CloudWatchRecorder) RecordRefresh(outcome string) {
	m.add(m.count("SubscriptionRefresh", cwtypes.Dimension{Name: aws.String(DimOutcome), Value: aws.String(outcome)}))
}

func (m *CloudWatchRecorder) RecordAccessCheck(feature string, granted bool) {
	m.add(m.count("FeatureAccessCheck",
		cwtypes.Dimension{Name: aws.String(DimFeature), Value: aws.String(feature)},
		cwtypes.Dimension{Name: aws.String(DimResult), Value: aws.String(grantedLabel(granted))},
	))
}

func (m *CloudWatchRecorder) RecordSummary(outcome string) {
	m.add(m.count("FollowerSummary", cwtypes.Dimension{Name: aws.String(DimOutcome), Value: aws.String(outcome)}))
}

func (m *CloudWatchRecorder) count(name string, dims ...cwtypes.Dimension) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Timestamp:  aws.Time(m.clock()),
		Dimensions: dims,
	}
}

func (m *CloudWatchRecorder) add(datums ...cwtypes.MetricDatum) {
	m.mu.Lock()
	m.pending = append(m.pending, datums...)
	m.mu.Unlock()
}

// Pending returns the number of buffered datums.
func (m *CloudWatchRecorder) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Flush publishes all buffered datums in batches. Failed batches are logged
// and dropped.
func (m *CloudWatchRecorder) Flush(ctx context.Context) {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()

	for len(batch) > 0 {
		n := min(len(batch), maxDatumsPerPut)
		input := &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(m.namespace),
			MetricData: batch[:n],
		}
		if _, err := m.client.PutMetricData(ctx, input); err != nil {
			m.logger.ErrorContext(ctx, "failed to publish metrics",
				"error", err.Error(),
				"datums", n,
			)
		}
		batch = batch[n:]
	}
}

// Run flushes every interval and once more when ctx ends.
func (m *CloudWatchRecorder) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			m.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			m.Flush(ctx)
		}
	}
}
