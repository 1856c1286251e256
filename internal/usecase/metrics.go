package usecase

import "context"

// MetricsSummary represents aggregated classification insights.
type MetricsSummary struct {
	TotalRequests        int64   `json:"total_requests"`
	SuccessfulRequests   int64   `json:"successful_requests"`
	FailedRequests       int64   `json:"failed_requests"`
	SuccessRate          float64 `json:"success_rate"`
	AverageTopConfidence float64 `json:"average_top_confidence"`
	AverageLatencyMs     float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates classification metrics from persisted logs.
func (uc *ClassificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrHistoryDisabled
	}

	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:        aggregation.TotalCount,
		SuccessfulRequests:   aggregation.SuccessCount,
		FailedRequests:       aggregation.TotalCount - aggregation.SuccessCount,
		AverageTopConfidence: aggregation.AverageTopConfidence,
		AverageLatencyMs:     aggregation.AverageDurationMs,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
