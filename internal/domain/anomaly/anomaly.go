// Package anomaly defines composite anomaly scoring for fleet agents.
//
// A reading combines four signals into a single score in [0,1]: latency
// deviation from a learned baseline, error-rate trend, resource skew, and the
// queueing impact of the agent's blocked dependents. Weights are fixed.
package anomaly

import "time"

// Component weights. They sum to 1.0.
const (
	WeightLatency      = 0.35
	WeightErrorRate    = 0.30
	WeightResourceSkew = 0.20
	WeightQueueImpact  = 0.15
)

// A latency z-score beyond extremeZScore is treated as maximal.
const extremeZScore = 3.0

// Reading is one evaluation of an agent's health signals.
type Reading struct {
	AgentID      string    `json:"agent_id"`
	At           time.Time `json:"at"`
	LatencyZ     float64   `json:"latency_z"`
	ErrorRate    float64   `json:"error_rate"`
	ResourceSkew float64   `json:"resource_skew"`
	QueueImpact  float64   `json:"queue_impact"`
	Composite    float64   `json:"composite"`
}

// Compose builds a Reading from raw component signals, normalizing each to
// [0,1] before applying the weighted sum. The composite is clamped to [0,1]
// for any inputs, including negative or non-finite-looking extremes.
func Compose(agentID string, at time.Time, latencyZ, errorRate, resourceSkew, queueImpact float64) Reading {
	r := Reading{
		AgentID:      agentID,
		At:           at,
		LatencyZ:     latencyZ,
		ErrorRate:    errorRate,
		ResourceSkew: resourceSkew,
		QueueImpact:  queueImpact,
	}

	latency := clamp01(abs(latencyZ) / extremeZScore)
	errRate := clamp01(errorRate)
	skew := clamp01(resourceSkew)
	queue := clamp01(queueImpact)

	r.Composite = clamp01(
		WeightLatency*latency +
			WeightErrorRate*errRate +
			WeightResourceSkew*skew +
			WeightQueueImpact*queue,
	)
	return r
}

func clamp01(v float64) float64 {
	if v != v || v < 0 { // NaN guards as zero
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
