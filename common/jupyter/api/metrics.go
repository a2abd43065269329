package api

import (
	"context"
	"net/http"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// MemoryLimit is the memory portion of the server's resource limits.
type MemoryLimit struct {
	RSS  int64 `json:"rss"`
	Warn bool  `json:"warn,omitempty"`
}

// ResourceLimits holds whatever limits the server advertises alongside usage.
type ResourceLimits struct {
	Memory *MemoryLimit `json:"memory,omitempty"`
}

// ResourceMetrics is the payload of /api/metrics/v1 as served by the
// jupyter-resource-usage extension.
type ResourceMetrics struct {
	RSS        int64          `json:"rss"`
	PSS        int64          `json:"pss,omitempty"`
	Limits     ResourceLimits `json:"limits"`
	CPUPercent float64        `json:"cpu_percent,omitempty"`
	CPUCount   int            `json:"cpu_count,omitempty"`
}

// MemoryPercent returns memory usage as a percentage of the advertised limit,
// to two decimal places. The second return is false when the server reports
// no memory limit.
func (m *ResourceMetrics) MemoryPercent() (decimal.Decimal, bool) {
	if m.Limits.Memory == nil || m.Limits.Memory.RSS <= 0 {
		return decimal.Zero, false
	}

	used := decimal.NewFromInt(m.RSS)
	limit := decimal.NewFromInt(m.Limits.Memory.RSS)

	return used.Div(limit).Mul(decimal.NewFromInt(100)).Round(2), true
}

// MetricsPoller polls the server's resource-usage endpoint. Polls are paced by
// a rate limiter so that an aggressive caller (or a tight UI refresh loop)
// cannot hammer the server.
type MetricsPoller struct {
	client  *Client
	limiter *rate.Limiter

	log logger.Logger
}

func NewMetricsPoller(client *Client, interval time.Duration) *MetricsPoller {
	poller := &MetricsPoller{
		client:  client,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
	config.InitLogger(&poller.log, poller)

	return poller
}

// Poll fetches the current resource metrics, waiting out the rate limiter first.
func (p *MetricsPoller) Poll(ctx context.Context) (*ResourceMetrics, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var metrics ResourceMetrics
	url := p.client.Server().APIURL("api", "metrics", "v1")
	if err := p.client.do(ctx, http.MethodGet, url, nil, &metrics); err != nil {
		return nil, err
	}

	return &metrics, nil
}

// Run polls until ctx is cancelled, delivering each sample to sink. Individual
// poll failures are logged and skipped; a metrics hiccup should not kill the
// loop while the server itself is still reachable.
func (p *MetricsPoller) Run(ctx context.Context, sink func(*ResourceMetrics)) {
	for {
		metrics, err := p.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			p.log.Warn("Failed to poll resource metrics: %v", err)
			continue
		}

		sink(metrics)
	}
}
