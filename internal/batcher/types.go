package batcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// ParsePriority accepts low|medium|high. Empty means medium.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityMedium, fmt.Errorf("unknown priority %q", s)
	}
}

// Params are the endpoint-specific parameters of one request. They must be
// JSON-encodable.
type Params map[string]any

// ResponseShape selects how a batch response is distributed.
type ResponseShape string

const (
	// ShapeItemized: {"results":[{"id","success","data"|"error"}]}, one per request.
	ShapeItemized ResponseShape = "itemized"
	// ShapeShared: one payload resolves every request of the batch.
	ShapeShared ResponseShape = "shared"
)

// Body keys of the batch request body.
const (
	BodyKeyRequests   = "requests"
	BodyKeyOperations = "operations"
)

// Thresholds are the flush delays per priority.
type Thresholds struct {
	High   time.Duration `json:"high"`
	Medium time.Duration `json:"medium"`
	Low    time.Duration `json:"low"`
}

// EndpointConfig tunes one batcher.
type EndpointConfig struct {
	MaxBatchSize    int           `json:"max_batch_size"`
	DebounceTime    time.Duration `json:"debounce_time"`
	MaxWaitTime     time.Duration `json:"max_wait_time"`
	Thresholds      Thresholds    `json:"thresholds"`
	Shape           ResponseShape `json:"shape"`
	BodyKey         string        `json:"body_key"`
	DispatchTimeout time.Duration `json:"dispatch_timeout"`
}

func (c EndpointConfig) withDefaults() EndpointConfig {
	def := DefaultEndpoint()
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = def.MaxBatchSize
	}
	if c.DebounceTime <= 0 {
		c.DebounceTime = def.DebounceTime
	}
	if c.MaxWaitTime <= 0 {
		c.MaxWaitTime = def.MaxWaitTime
	}
	if c.MaxWaitTime < c.DebounceTime {
		c.MaxWaitTime = c.DebounceTime
	}
	if c.Thresholds.High <= 0 {
		c.Thresholds.High = def.Thresholds.High
	}
	if c.Thresholds.Medium <= 0 {
		c.Thresholds.Medium = c.DebounceTime
	}
	if c.Thresholds.Low <= 0 {
		c.Thresholds.Low = c.DebounceTime
	}
	if c.Shape != ShapeShared {
		c.Shape = ShapeItemized
	}
	if strings.TrimSpace(c.BodyKey) == "" {
		c.BodyKey = BodyKeyRequests
	}
	return c
}

func (c EndpointConfig) delay(p Priority) time.Duration {
	switch p {
	case PriorityHigh:
		return c.Thresholds.High
	case PriorityLow:
		return c.Thresholds.Low
	default:
		return c.Thresholds.Medium
	}
}

// DefaultEndpoint is used for endpoints without a built-in config.
func DefaultEndpoint() EndpointConfig {
	return EndpointConfig{
		MaxBatchSize:    20,
		DebounceTime:    200 * time.Millisecond,
		MaxWaitTime:     2 * time.Second,
		Thresholds:      Thresholds{High: 50 * time.Millisecond},
		Shape:           ShapeItemized,
		BodyKey:         BodyKeyRequests,
		DispatchTimeout: 30 * time.Second,
	}
}

// DefaultEndpoints returns the built-in endpoint configs.
func DefaultEndpoints() map[string]EndpointConfig {
	return map[string]EndpointConfig{
		"market-data": {
			MaxBatchSize:    50,
			DebounceTime:    100 * time.Millisecond,
			MaxWaitTime:     time.Second,
			Thresholds:      Thresholds{High: 10 * time.Millisecond},
			Shape:           ShapeShared,
			BodyKey:         BodyKeyRequests,
			DispatchTimeout: 15 * time.Second,
		},
		"portfolio": {
			MaxBatchSize:    10,
			DebounceTime:    300 * time.Millisecond,
			MaxWaitTime:     2 * time.Second,
			Thresholds:      Thresholds{High: 50 * time.Millisecond},
			Shape:           ShapeItemized,
			BodyKey:         BodyKeyOperations,
			DispatchTimeout: 30 * time.Second,
		},
	}
}

// IDKey is the wire field carrying the request id. Params may not use it.
const IDKey = "id"

// Validate rejects params that would collide with the request id.
func (p Params) Validate() error {
	if _, ok := p[IDKey]; ok {
		return fmt.Errorf("%w: key %q is reserved", ErrInvalidParams, IDKey)
	}
	return nil
}

// WireItem is one element of the batch body: {"id": ..., <params>}.
type WireItem struct {
	ID     string
	Params Params
}

func (w WireItem) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(w.Params)+1)
	for k, v := range w.Params {
		m[k] = v
	}
	m[IDKey] = w.ID
	return json.Marshal(m)
}

// DispatchRequest is one batch handed to the transport.
type DispatchRequest struct {
	BatchID  string
	Endpoint string
	BodyKey  string
	Items    []WireItem
}

// Body renders the JSON body {<BodyKey>: [items...]}.
func (r DispatchRequest) Body() ([]byte, error) {
	key := r.BodyKey
	if key == "" {
		key = BodyKeyRequests
	}
	return json.Marshal(map[string]any{key: r.Items})
}

// Transport sends one batch and returns the raw response body.
type Transport interface {
	Dispatch(ctx context.Context, req DispatchRequest) (json.RawMessage, error)
}

type TransportFunc func(ctx context.Context, req DispatchRequest) (json.RawMessage, error)

func (f TransportFunc) Dispatch(ctx context.Context, req DispatchRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

// DispatchRecord describes a finished batch (bus payload of batch.dispatched).
type DispatchRecord struct {
	BatchID   string        `json:"batch_id"`
	Namespace string        `json:"namespace"`
	Endpoint  string        `json:"endpoint"`
	Items     int           `json:"items"`
	Failed    int           `json:"failed"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}
