package prometheus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/domain"
	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/port"
	"go.uber.org/zap"
)

type utilizationProbe struct {
	prometheusURL string
	client        *http.Client
	log           *zap.Logger
}

// NewUtilizationProbe creates the live-usage probe backed by the
// Prometheus HTTP API. Scores come from the peers themselves; this probe
// only supplies the utilization half of a capability snapshot.
func NewUtilizationProbe(promURL string, log *zap.Logger) port.UtilizationProbe {
	return &utilizationProbe{
		prometheusURL: promURL,
		client:        &http.Client{Timeout: 5 * time.Second},
		log:           log,
	}
}

// Prometheus API response structure
type prometheusResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Metric map[string]string `json:"metric"`
			Value  interface{}       `json:"value"`
		} `json:"result"`
	} `json:"data"`
	Error     string `json:"error"`
	ErrorType string `json:"errorType"`
}

func (p *utilizationProbe) GetPeerUtilization(ctx context.Context, peerID string) (float64, float64, error) {
	// Query CPU Usage (percent)
	cpuQuery := fmt.Sprintf(`100 - (avg by (instance) (rate(node_cpu_seconds_total{mode="idle",instance="%s"}[1m])) * 100)`, peerID)

	cpuUsage, err := p.queryScalar(ctx, cpuQuery)
	if err != nil {
		p.log.Warn("CPU query failed, using simulated metrics",
			zap.String("peer", peerID),
			zap.Error(err))
		return 50.0, 50.0, nil // Fallback: half-loaded peer
	}

	// Query Memory Usage (percent of total)
	memQuery := fmt.Sprintf(`100 * (1 - node_memory_MemAvailable_bytes{instance="%s"} / node_memory_MemTotal_bytes{instance="%s"})`, peerID, peerID)

	memUsage, err := p.queryScalar(ctx, memQuery)
	if err != nil {
		p.log.Warn("Memory query failed, using partial fallback",
			zap.String("peer", peerID),
			zap.Error(err))
		return clampPercent(cpuUsage), 50.0, nil // Partial fallback
	}

	return clampPercent(cpuUsage), clampPercent(memUsage), nil
}

// GetAllUtilization fetches every peer's usage in two vector queries, one
// per metric, keyed by the instance label.
func (p *utilizationProbe) GetAllUtilization(ctx context.Context) (map[string]domain.Utilization, error) {
	cpuByPeer, err := p.queryVector(ctx, `100 - (avg by (instance) (rate(node_cpu_seconds_total{mode="idle"}[1m])) * 100)`)
	if err != nil {
		return nil, err
	}
	memByPeer, err := p.queryVector(ctx, `100 * (1 - node_memory_MemAvailable_bytes / node_memory_MemTotal_bytes)`)
	if err != nil {
		return nil, err
	}

	out := make(map[string]domain.Utilization, len(cpuByPeer))
	for peer, cpu := range cpuByPeer {
		out[peer] = domain.Utilization{
			CPUUsage:    clampPercent(cpu),
			MemoryUsage: clampPercent(memByPeer[peer]),
		}
	}
	return out, nil
}

func (p *utilizationProbe) queryScalar(ctx context.Context, query string) (float64, error) {
	result, err := p.query(ctx, query)
	if err != nil {
		return 0, err
	}
	if len(result.Data.Result) == 0 {
		return 0, fmt.Errorf("no data returned for query: %s", query)
	}
	return parseValue(result.Data.Result[0].Value)
}

func (p *utilizationProbe) queryVector(ctx context.Context, query string) (map[string]float64, error) {
	result, err := p.query(ctx, query)
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(result.Data.Result))
	for _, sample := range result.Data.Result {
		instance := sample.Metric["instance"]
		if instance == "" {
			continue
		}
		v, perr := parseValue(sample.Value)
		if perr != nil {
			p.log.Warn("Skipping unparseable sample", zap.String("instance", instance), zap.Error(perr))
			continue
		}
		out[instance] = v
	}
	return out, nil
}

func (p *utilizationProbe) query(ctx context.Context, query string) (*prometheusResponse, error) {
	// URL-encode query
	escapedQuery := url.QueryEscape(query)
	reqURL := fmt.Sprintf("%s/api/v1/query?query=%s", p.prometheusURL, escapedQuery)

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("prometheus returned status %d: %s", resp.StatusCode, string(body))
	}

	var result prometheusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("JSON decode failed: %w", err)
	}

	// Check for Prometheus error response
	if result.Status != "success" {
		return nil, fmt.Errorf("prometheus error: %s (%s)", result.Error, result.ErrorType)
	}

	return &result, nil
}

// parseValue handles BOTH formats the API is known to return.
func parseValue(value interface{}) (float64, error) {
	switch v := value.(type) {
	case []interface{}:
		// Standard format: [timestamp, "value"]
		if len(v) < 2 {
			return 0, fmt.Errorf("unexpected value array length: %d", len(v))
		}

		// Value is at index 1
		switch valRaw := v[1].(type) {
		case string:
			return strconv.ParseFloat(valRaw, 64)
		case float64:
			return valRaw, nil
		default:
			return 0, fmt.Errorf("unexpected value type in array: %T", valRaw)
		}

	case float64:
		// Direct number format
		return v, nil

	case string:
		// String number
		return strconv.ParseFloat(v, 64)

	default:
		return 0, fmt.Errorf("unexpected value format: %T (%v)", value, value)
	}
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
