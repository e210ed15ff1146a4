package domain

import (
	"encoding/json"
	"time"
)

// SignalDecision is the backend's trade recommendation.
type SignalDecision string

const (
	DecisionBuy  SignalDecision = "BUY"
	DecisionSell SignalDecision = "SELL"
	DecisionHold SignalDecision = "HOLD"
)

// ConfidenceTier buckets a signal's confidence score for display.
type ConfidenceTier string

const (
	ConfidenceHigh   ConfidenceTier = "high"
	ConfidenceMedium ConfidenceTier = "medium"
	ConfidenceLow    ConfidenceTier = "low"
)

// Signal is a transient trading signal pushed by the backend. Signals are
// broadcast to interested consumers and never cached.
type Signal struct {
	Symbol     string
	Decision   SignalDecision
	Confidence float64 // 0-100
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	Reason     string
	CreatedAt  time.Time
}

// ConfidenceTier derives the display tier from the confidence score.
func (s Signal) ConfidenceTier() ConfidenceTier {
	switch {
	case s.Confidence >= 75:
		return ConfidenceHigh
	case s.Confidence >= 50:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// BackendStatus is the payload of a "status" frame.
type BackendStatus struct {
	ConnectedClients int
	Subscriptions    []string
	MonitoringActive bool
	Raw              json.RawMessage
	ReceivedAt       time.Time
}
