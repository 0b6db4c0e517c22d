package model

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Signal is a trading signal emitted by the strategy engine.
type Signal struct {
	Symbol     string  `json:"symbol"`     // e.g., "EURUSD", "XAUUSD"
	Confidence float64 `json:"confidence"` // 0.0-1.0
	Timestamp  float64 `json:"timestamp"`  // Seconds since Unix epoch (fractional)
}

// Trade is an executed trade reported by the backend.
type Trade struct {
	ID        string  `json:"id,omitempty"` // Backend trade id; empty if not assigned
	Symbol    string  `json:"symbol"`
	Direction string  `json:"direction"` // "buy" or "sell"
	Volume    float64 `json:"volume"`    // Lots
	Profit    float64 `json:"profit"`    // Realized P&L in account currency
	Timestamp float64 `json:"timestamp"` // Seconds since Unix epoch (fractional)
}

// Position is an open position snapshot.
type Position struct {
	Symbol    string  `json:"symbol"`
	Direction string  `json:"direction"` // "buy" or "sell"
	Entry     float64 `json:"entry"`
	StopLoss  float64 `json:"sl"`
	TakeProf  float64 `json:"tp"`
	Volume    float64 `json:"volume"`
}

// StrategyStatus reports the strategy engine's current state.
type StrategyStatus struct {
	Status    string  `json:"status"` // e.g., "running", "paused", "halted"
	Detail    string  `json:"detail,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// DecodeSignal decodes a signal payload.
func DecodeSignal(payload json.RawMessage) (Signal, error) {
	var s Signal
	if err := json.Unmarshal(payload, &s); err != nil {
		return Signal{}, fmt.Errorf("decode signal: %w", err)
	}
	return s, nil
}

// DecodeTrade decodes a trade payload. Trades without a backend id get a
// locally generated one so they can be keyed downstream.
func DecodeTrade(payload json.RawMessage) (Trade, error) {
	var t Trade
	if err := json.Unmarshal(payload, &t); err != nil {
		return Trade{}, fmt.Errorf("decode trade: %w", err)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return t, nil
}

// DecodePosition decodes a position payload.
func DecodePosition(payload json.RawMessage) (Position, error) {
	var p Position
	if err := json.Unmarshal(payload, &p); err != nil {
		return Position{}, fmt.Errorf("decode position: %w", err)
	}
	return p, nil
}

// DecodeStrategyStatus decodes a strategy_status payload.
func DecodeStrategyStatus(payload json.RawMessage) (StrategyStatus, error) {
	var s StrategyStatus
	if err := json.Unmarshal(payload, &s); err != nil {
		return StrategyStatus{}, fmt.Errorf("decode strategy status: %w", err)
	}
	return s, nil
}

// EpochMicros converts a fractional epoch-seconds timestamp to integer
// microseconds since the Unix epoch.
func EpochMicros(seconds float64) int64 {
	return int64(seconds * 1e6)
}
