// Package heartbeat defines the heartbeat wire message and its integrity rules.
package heartbeat

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Metrics carries the health sample an agent reports with each beat.
type Metrics struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	LatencyMS  float64 `json:"latency_ms"`
	ErrorRate  float64 `json:"error_rate"`
}

// Message is a single liveness signal from an agent. Messages are ephemeral:
// they are consumed by the monitor and retained only briefly for duplicate
// suppression and gap evidence.
type Message struct {
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`
	Status    string    `json:"status"`
	Metrics   Metrics   `json:"metrics"`
	Checksum  string    `json:"checksum"`
}

// Ack acknowledges receipt of a heartbeat. When sequence gaps were observed
// the missing sequence numbers are reported back to the agent.
type Ack struct {
	AgentID  string   `json:"agent_id"`
	Sequence uint64   `json:"sequence"`
	Received bool     `json:"received"`
	Gaps     []uint64 `json:"gaps,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// checksumPayload is the canonical form hashed for integrity checks. Field
// order is fixed so agent and monitor produce identical bytes.
type checksumPayload struct {
	AgentID   string  `json:"agent_id"`
	Timestamp string  `json:"timestamp"`
	Sequence  uint64  `json:"sequence"`
	Status    string  `json:"status"`
	Metrics   Metrics `json:"metrics"`
}

// ComputeChecksum returns the SHA-256 hex digest of the message payload,
// excluding the checksum field itself.
func ComputeChecksum(m Message) string {
	payload := checksumPayload{
		AgentID:   m.AgentID,
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
		Sequence:  m.Sequence,
		Status:    m.Status,
		Metrics:   m.Metrics,
	}
	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum reports whether the message's checksum matches its payload.
func VerifyChecksum(m Message) bool {
	return m.Checksum != "" && m.Checksum == ComputeChecksum(m)
}

// Seal fills in the checksum field and returns the message.
func Seal(m Message) Message {
	m.Checksum = ComputeChecksum(m)
	return m
}

// GapsBetween returns the sequence numbers missing between the previously
// expected sequence and the one just received. A zero expected sequence means
// this is the first beat and no gap is possible.
func GapsBetween(expected, received uint64) []uint64 {
	if expected == 0 || received <= expected {
		return nil
	}
	gaps := make([]uint64, 0, received-expected)
	for seq := expected; seq < received; seq++ {
		gaps = append(gaps, seq)
	}
	return gaps
}
