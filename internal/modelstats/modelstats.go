// Copyright 2024 Proxinex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package modelstats tracks per-model completion outcomes, latency and token spend
package modelstats

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/proxinex/proxinex-api/internal/gateway"
	"github.com/proxinex/proxinex-api/internal/health"
)

// ModelMetrics tracks one model
type ModelMetrics struct {
	Model            string  `json:"model"`
	TotalRequests    int64   `json:"total_requests"`
	Failed           int64   `json:"failed"`
	SuccessRate      float64 `json:"success_rate"`
	AvgLatencyMs     float64 `json:"average_latency_ms"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
}

// Snapshot is the collector state at one point in time
type Snapshot struct {
	TotalRequests int64          `json:"total_requests"`
	Failed        int64          `json:"failed"`
	SuccessRate   float64        `json:"success_rate"`
	Models        []ModelMetrics `json:"models"`
	LastReset     time.Time      `json:"last_reset"`
	CollectedAt   time.Time      `json:"collected_at"`
}

// AlertingConfig defines thresholds for alerting
type AlertingConfig struct {
	FailureRateThreshold float64       `json:"failure_rate_threshold"`
	LatencyThreshold     time.Duration `json:"latency_threshold"`
	MinSamples           int64         `json:"min_samples"`
}

// DefaultAlertingConfig alerts above 20% failures or 30s average latency
func DefaultAlertingConfig() AlertingConfig {
	return AlertingConfig{
		FailureRateThreshold: 0.20,
		LatencyThreshold:     30 * time.Second,
		MinSamples:           10,
	}
}

type modelState struct {
	total        int64
	failed       int64
	latencyTotal time.Duration
	prompt       int64
	completion   int64
	alerted      bool
}

// Collector aggregates completion outcomes per model
type Collector struct {
	mu        sync.RWMutex
	models    map[string]*modelState
	lastReset time.Time
	alerting  AlertingConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewCollector creates a new collector
func NewCollector(alerting AlertingConfig, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		models:    make(map[string]*modelState),
		lastReset: time.Now(),
		alerting:  alerting,
		logger:    logger,
		now:       time.Now,
	}
}

// Record adds one completion outcome
func (c *Collector) Record(model string, latency time.Duration, usage gateway.Usage, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.models[model]
	if !ok {
		st = &modelState{}
		c.models[model] = st
	}
	st.total++
	st.latencyTotal += latency
	if err != nil {
		st.failed++
	} else {
		st.prompt += int64(usage.PromptTokens)
		st.completion += int64(usage.CompletionTokens)
	}

	if st.total < c.alerting.MinSamples {
		return
	}
	failureRate := float64(st.failed) / float64(st.total)
	avgLatency := st.latencyTotal / time.Duration(st.total)
	breached := failureRate > c.alerting.FailureRateThreshold ||
		(c.alerting.LatencyThreshold > 0 && avgLatency > c.alerting.LatencyThreshold)

	// Alert once per breach, re-arm on recovery
	switch {
	case breached && !st.alerted:
		st.alerted = true
		c.logger.Warn("Model alert triggered",
			zap.String("model", model),
			zap.Float64("failure_rate", failureRate),
			zap.Duration("average_latency", avgLatency),
			zap.Int64("requests", st.total))
	case !breached && st.alerted:
		st.alerted = false
		c.logger.Info("Model recovered", zap.String("model", model))
	}
}

func (st *modelState) metrics(model string) ModelMetrics {
	m := ModelMetrics{
		Model:            model,
		TotalRequests:    st.total,
		Failed:           st.failed,
		PromptTokens:     st.prompt,
		CompletionTokens: st.completion,
	}
	if st.total > 0 {
		m.SuccessRate = float64(st.total-st.failed) / float64(st.total)
		m.AvgLatencyMs = float64((st.latencyTotal / time.Duration(st.total)).Milliseconds())
	}
	return m
}

// Snapshot returns current metrics sorted by request volume
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		Models:      make([]ModelMetrics, 0, len(c.models)),
		LastReset:   c.lastReset,
		CollectedAt: c.now(),
	}
	for model, st := range c.models {
		snap.TotalRequests += st.total
		snap.Failed += st.failed
		snap.Models = append(snap.Models, st.metrics(model))
	}
	if snap.TotalRequests > 0 {
		snap.SuccessRate = float64(snap.TotalRequests-snap.Failed) / float64(snap.TotalRequests)
	}
	sort.Slice(snap.Models, func(i, j int) bool {
		if snap.Models[i].TotalRequests != snap.Models[j].TotalRequests {
			return snap.Models[i].TotalRequests > snap.Models[j].TotalRequests
		}
		return snap.Models[i].Model < snap.Models[j].Model
	})
	return snap
}

// Reset clears all counters
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.models = make(map[string]*modelState)
	c.lastReset = c.now()
	c.logger.Info("Model metrics reset")
}

// Checker reports degraded while any model with enough samples is over its alert thresholds
func (c *Collector) Checker() health.Checker {
	return health.CheckerFunc(func(ctx context.Context) health.CheckResult {
		c.mu.RLock()
		defer c.mu.RUnlock()

		status := health.StatusHealthy
		var alerting []string
		for model, st := range c.models {
			if st.alerted {
				alerting = append(alerting, model)
			}
		}
		sort.Strings(alerting)
		result := health.CheckResult{Metadata: map[string]interface{}{"models_tracked": len(c.models)}}
		if len(alerting) > 0 {
			status = health.StatusDegraded
			result.Error = fmt.Sprintf("%d model(s) over alert thresholds", len(alerting))
			result.Metadata["alerting_models"] = alerting
		}
		result.Status = status
		return result
	})
}

type instrumented struct {
	next      gateway.Completer
	collector *Collector
	fallback  string
}

// Instrument records every completion that passes through next.
// Requests without a model are attributed to defaultModel.
func Instrument(next gateway.Completer, collector *Collector, defaultModel string) gateway.Completer {
	return &instrumented{next: next, collector: collector, fallback: defaultModel}
}

func (i *instrumented) Complete(ctx context.Context, req gateway.CompletionRequest) (*gateway.CompletionResponse, error) {
	started := time.Now()
	resp, err := i.next.Complete(ctx, req)

	model := req.Model
	if model == "" {
		model = i.fallback
	}
	var usage gateway.Usage
	latency := time.Since(started)
	if resp != nil {
		usage = resp.Usage
		if resp.Latency > 0 {
			latency = resp.Latency
		}
	}
	i.collector.Record(model, latency, usage, err)
	return resp, err
}
