package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// EngineMetrics represents aggregated run metrics scraped back from Prometheus.
type EngineMetrics struct {
	Investigations int64   `json:"investigations"`
	Failures       int64   `json:"failures"`
	PollTicks      int64   `json:"poll_ticks"`
	ReconcileP95   float64 `json:"reconcile_p95_seconds"`
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetEngineMetrics aggregates investigation run metrics across all flows.
func (q *QueryService) GetEngineMetrics(ctx context.Context) (*EngineMetrics, error) {
	metrics := &EngineMetrics{}

	totalResult, _, err := q.queryAPI.Query(ctx, `sum(investigations_total)`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query investigation count: %w", err)
	}
	if vector, ok := totalResult.(model.Vector); ok && len(vector) > 0 {
		metrics.Investigations = int64(vector[0].Value)
	}

	failResult, _, err := q.queryAPI.Query(ctx, `sum(investigations_total{outcome="error"})`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query failure count: %w", err)
	}
	if vector, ok := failResult.(model.Vector); ok && len(vector) > 0 {
		metrics.Failures = int64(vector[0].Value)
	}

	tickResult, _, err := q.queryAPI.Query(ctx, `poll_ticks_total`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query poll ticks: %w", err)
	}
	if vector, ok := tickResult.(model.Vector); ok && len(vector) > 0 {
		metrics.PollTicks = int64(vector[0].Value)
	}

	p95Query := `histogram_quantile(0.95, sum(rate(reconcile_duration_seconds_bucket[1h])) by (le))`
	p95Result, _, err := q.queryAPI.Query(ctx, p95Query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query reconcile latency: %w", err)
	}
	if vector, ok := p95Result.(model.Vector); ok && len(vector) > 0 {
		metrics.ReconcileP95 = float64(vector[0].Value)
	}

	return metrics, nil
}

// GetFlowMetrics retrieves run counts broken down by flow name.
func (q *QueryService) GetFlowMetrics(ctx context.Context) (map[string]int64, error) {
	result := make(map[string]int64)

	flowResult, _, err := q.queryAPI.Query(ctx, `sum by (flow) (investigations_total)`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query flow breakdown: %w", err)
	}

	if vector, ok := flowResult.(model.Vector); ok {
		for _, sample := range vector {
			if flow, ok := sample.Metric["flow"]; ok {
				result[string(flow)] = int64(sample.Value)
			}
		}
	}

	return result, nil
}
