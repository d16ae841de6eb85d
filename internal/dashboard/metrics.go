package dashboard

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// PromQL for the series visiond exports.
const (
	QueryRunRate       = `sum(rate(visiond_workflow_runs_total[5m])) * 60`
	QueryFailureRatio  = `sum(rate(visiond_workflow_runs_total{status="failed"}[5m])) / sum(rate(visiond_workflow_runs_total[5m]))`
	QueryActiveRuns    = `sum(visiond_workflow_active_runs)`
	QueryGeneratorP95  = `histogram_quantile(0.95, sum by (le) (rate(visiond_workflow_step_duration_seconds_bucket{step="generator"}[5m])))`
	QueryAvgQuality    = `sum(rate(visiond_workflow_quality_score_sum[5m])) / sum(rate(visiond_workflow_quality_score_count[5m]))`
	QueryAvgPasses     = `sum(rate(visiond_workflow_generation_passes_sum[5m])) / sum(rate(visiond_workflow_generation_passes_count[5m]))`
	QueryTasksHeld     = `sum(visiond_registry_tasks)`
	QueryHTTPRate      = `sum(rate(visiond_http_requests_total[1m])) * 60`
	QueryGoroutines    = `max(go_goroutines)`
	QueryMemoryBytes   = `max(go_memstats_alloc_bytes)`
	QueryUptimeSeconds = `time() - max(process_start_time_seconds)`
)

// Querier evaluates an instant PromQL query to a single value.
type Querier interface {
	Query(ctx context.Context, query string) (float64, error)
}

// MetricsClient queries a Prometheus-compatible API such as VictoriaMetrics.
type MetricsClient struct {
	baseURL string
	api     promv1.API
}

// NewMetricsClient creates a client for the query API at baseURL.
func NewMetricsClient(baseURL string) (*MetricsClient, error) {
	c, err := api.NewClient(api.Config{Address: baseURL})
	if err != nil {
		return nil, fmt.Errorf("creating metrics client: %w", err)
	}
	return &MetricsClient{baseURL: baseURL, api: promv1.NewAPI(c)}, nil
}

// URL returns the query API address.
func (c *MetricsClient) URL() string { return c.baseURL }

// Query runs an instant query. An empty result or NaN reads as 0.
func (c *MetricsClient) Query(ctx context.Context, query string) (float64, error) {
	v, _, err := c.api.Query(ctx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("query %q: %w", query, err)
	}
	return extractFloatValue(v)
}

func extractFloatValue(v model.Value) (float64, error) {
	var f float64
	switch v := v.(type) {
	case model.Vector:
		if len(v) == 0 {
			return 0, nil
		}
		f = float64(v[0].Value)
	case *model.Scalar:
		f = float64(v.Value)
	default:
		return 0, fmt.Errorf("unexpected result type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, nil
	}
	return f, nil
}
