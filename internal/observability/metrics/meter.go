// Copyright 2026 The OpenTrusty Authors
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

package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Config holds metrics configuration
type Config struct {
	Enabled bool
}

// Meter wraps OpenTelemetry meter
type Meter struct {
	meter metric.Meter
}

// Noop returns a meter whose instruments record nothing
func Noop() *Meter {
	return &Meter{meter: noop.NewMeterProvider().Meter("noop")}
}

// New creates a new meter instance
func New(ctx context.Context, cfg Config, serviceName string) (*Meter, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	// Exporters are configured on the global provider by the host process
	return &Meter{meter: otel.Meter(serviceName)}, nil
}

// CreateCounter creates a new counter metric
func (m *Meter) CreateCounter(name, description string) (metric.Int64Counter, error) {
	counter, err := m.meter.Int64Counter(
		name,
		metric.WithDescription(description),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter %s: %w", name, err)
	}
	return counter, nil
}

// CreateHistogram creates a new histogram metric
func (m *Meter) CreateHistogram(name, description, unit string) (metric.Float64Histogram, error) {
	histogram, err := m.meter.Float64Histogram(
		name,
		metric.WithDescription(description),
		metric.WithUnit(unit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram %s: %w", name, err)
	}
	return histogram, nil
}

// ClientInstruments are the instruments recorded by the API client
type ClientInstruments struct {
	Requests  metric.Int64Counter
	Refreshes metric.Int64Counter
	Latency   metric.Float64Histogram
}

// NewClientInstruments creates the API client instruments on m
func NewClientInstruments(m *Meter) (*ClientInstruments, error) {
	if m == nil {
		m = Noop()
	}
	requests, err := m.CreateCounter("api_client.requests", "Backend requests by endpoint and outcome")
	if err != nil {
		return nil, err
	}
	refreshes, err := m.CreateCounter("api_client.token_refreshes", "Access token refresh attempts by outcome")
	if err != nil {
		return nil, err
	}
	latency, err := m.CreateHistogram("api_client.duration", "Backend request duration", "ms")
	if err != nil {
		return nil, err
	}
	return &ClientInstruments{Requests: requests, Refreshes: refreshes, Latency: latency}, nil
}

// SessionInstruments are the instruments recorded by the session layer
type SessionInstruments struct {
	Transitions   metric.Int64Counter
	RetryAttempts metric.Int64Counter
}

// NewSessionInstruments creates the session instruments on m
func NewSessionInstruments(m *Meter) (*SessionInstruments, error) {
	if m == nil {
		m = Noop()
	}
	transitions, err := m.CreateCounter("session.transitions", "Auth state transitions by target state")
	if err != nil {
		return nil, err
	}
	retries, err := m.CreateCounter("onboarding.retry_attempts", "Redirect sequencer attempts by step and outcome")
	if err != nil {
		return nil, err
	}
	return &SessionInstruments{Transitions: transitions, RetryAttempts: retries}, nil
}
