package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Payload is the kind-specific body of an entry. Values are JSON-compatible.
type Payload map[string]any

// PayloadFrom converts a map or struct into a Payload.
func PayloadFrom(v any) (Payload, error) {
	switch p := v.(type) {
	case nil:
		return nil, fmt.Errorf("payload is required")
	case Payload:
		return p, nil
	case map[string]any:
		return Payload(p), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var p Payload
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return p, nil
}

// Decode fills v (a pointer to one of the payload structs) from p.
func (p Payload) Decode(v any) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

type AnalysisPayload struct {
	Symbol     string  `json:"symbol,omitempty"`
	Action     string  `json:"action"`
	Quantity   float64 `json:"quantity,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Rationale  string  `json:"rationale,omitempty"`
}

type OrderStatusPayload struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Quantity float64 `json:"quantity"`
	Status   string  `json:"status"`
	OrderID  string  `json:"order_id,omitempty"`
	Price    float64 `json:"price,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
}

type MetricPayload struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

type Position struct {
	Quantity float64 `json:"quantity"`
	AvgPrice float64 `json:"avg_price"`
}

type PortfolioSnapshotPayload struct {
	Cash      float64             `json:"cash"`
	Equity    float64             `json:"equity"`
	Positions map[string]Position `json:"positions,omitempty"`
	Prices    map[string]float64  `json:"prices,omitempty"`
}

type SystemEventPayload struct {
	Event   string         `json:"event"`
	Details map[string]any `json:"details,omitempty"`
}

type OptimizationRunPayload struct {
	Optimizer          string  `json:"optimizer"`
	IntervalSeconds    int     `json:"interval_seconds,omitempty"`
	MedianPipelineMS   float64 `json:"median_pipeline_ms,omitempty"`
	MedianExecutionMS  float64 `json:"median_execution_ms,omitempty"`
	PipelineSamples    int     `json:"pipeline_samples,omitempty"`
	ExecutionSamples   int     `json:"execution_samples,omitempty"`
	BufferFactor       float64 `json:"buffer_factor,omitempty"`
	MinIntervalSeconds int     `json:"min_interval_seconds,omitempty"`
	WindowDays         int     `json:"window_days,omitempty"`
	Notes              string  `json:"notes,omitempty"`
}

type PromptUpdatePayload struct {
	Prompt  string `json:"prompt"`
	Version string `json:"version,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ValidatePayload checks p against the schema registered for kind.
func ValidatePayload(kind Kind, p Payload) error {
	check, ok := validators[kind]
	if !ok {
		return fmt.Errorf("unknown entry kind %q", kind)
	}
	if err := check(p); err != nil {
		return fmt.Errorf("%s payload: %w", kind, err)
	}
	return nil
}

var validators = map[Kind]func(Payload) error{
	KindAnalysis: func(p Payload) error {
		var v AnalysisPayload
		if err := decodeSchema(p, &v); err != nil {
			return err
		}
		switch strings.ToLower(v.Action) {
		case "buy", "sell", "hold":
		default:
			return fmt.Errorf("action must be buy, sell or hold")
		}
		return nil
	},
	KindOrderStatus: func(p Payload) error {
		var v OrderStatusPayload
		if err := decodeSchema(p, &v); err != nil {
			return err
		}
		if v.Symbol == "" || v.Status == "" {
			return fmt.Errorf("symbol and status are required")
		}
		switch strings.ToLower(v.Side) {
		case "buy", "sell":
		default:
			return fmt.Errorf("side must be buy or sell")
		}
		return nil
	},
	KindError: func(p Payload) error {
		var v ErrorPayload
		if err := decodeSchema(p, &v); err != nil {
			return err
		}
		if v.Message == "" {
			return fmt.Errorf("message is required")
		}
		return nil
	},
	KindMetric: func(p Payload) error {
		var v MetricPayload
		if err := decodeSchema(p, &v); err != nil {
			return err
		}
		if v.Name == "" {
			return fmt.Errorf("name is required")
		}
		if _, ok := p["value"]; !ok {
			return fmt.Errorf("value is required")
		}
		return nil
	},
	KindPortfolioSnapshot: func(p Payload) error {
		var v PortfolioSnapshotPayload
		if err := decodeSchema(p, &v); err != nil {
			return err
		}
		if _, ok := p["cash"]; !ok {
			return fmt.Errorf("cash is required")
		}
		return nil
	},
	KindSystemEvent: func(p Payload) error {
		var v SystemEventPayload
		if err := decodeSchema(p, &v); err != nil {
			return err
		}
		if v.Event == "" {
			return fmt.Errorf("event is required")
		}
		return nil
	},
	KindOptimizationRun: func(p Payload) error {
		var v OptimizationRunPayload
		if err := decodeSchema(p, &v); err != nil {
			return err
		}
		if v.Optimizer == "" {
			return fmt.Errorf("optimizer is required")
		}
		return nil
	},
	KindPromptUpdate: func(p Payload) error {
		var v PromptUpdatePayload
		if err := decodeSchema(p, &v); err != nil {
			return err
		}
		if v.Prompt == "" {
			return fmt.Errorf("prompt is required")
		}
		return nil
	},
}

// decodeSchema rejects type mismatches only; unknown keys are allowed.
func decodeSchema(p Payload, v any) error {
	return p.Decode(v)
}
