package timeline

import (
	"time"
)

// TurnRecord is one journaled dispatcher turn.
type TurnRecord struct {
	ID          int64     `json:"id"`
	TurnID      string    `json:"turn_id"`
	SessionKey  string    `json:"session_key"`
	Channel     string    `json:"channel"`
	Timestamp   time.Time `json:"timestamp"`
	Input       string    `json:"input"`
	Expert      string    `json:"expert"`
	RouteReason string    `json:"route_reason"`
	Response    string    `json:"response"`
	IsError     bool      `json:"is_error"`
	DurationMS  int64     `json:"duration_ms"`
}

// ExpertUsage aggregates turns per expert.
type ExpertUsage struct {
	Expert string `json:"expert"`
	Turns  int    `json:"turns"`
	Errors int    `json:"errors"`
}

const Schema = `
CREATE TABLE IF NOT EXISTS turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	turn_id TEXT UNIQUE NOT NULL,
	session_key TEXT NOT NULL DEFAULT '',
	channel TEXT NOT NULL DEFAULT '',
	timestamp DATETIME NOT NULL,
	input TEXT NOT NULL,
	expert TEXT NOT NULL DEFAULT '',
	route_reason TEXT NOT NULL DEFAULT '',
	response TEXT NOT NULL DEFAULT '',
	is_error BOOLEAN NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_key);
CREATE INDEX IF NOT EXISTS idx_turns_timestamp ON turns(timestamp);
`
