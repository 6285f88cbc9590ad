// Package session provides conversation memory and its persistence.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// DefaultMaxTurns bounds a Memory created with maxTurns <= 0.
const DefaultMaxTurns = 50

// Turn is one utterance in a conversation.
type Turn struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Memory is an append-only transcript bounded to the most recent turns.
// It is safe for concurrent use.
type Memory struct {
	Key       string
	mu        sync.RWMutex
	turns     []Turn
	maxTurns  int
	createdAt time.Time
	updatedAt time.Time
}

// NewMemory creates an empty memory.
func NewMemory(key string, maxTurns int) *Memory {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	now := time.Now()
	return &Memory{Key: key, maxTurns: maxTurns, createdAt: now, updatedAt: now}
}

// Append adds a turn, filling in ID and Timestamp when unset, and drops the
// oldest turns beyond the bound.
func (m *Memory) Append(t Turn) Turn {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, t)
	if over := len(m.turns) - m.maxTurns; over > 0 {
		m.turns = append([]Turn(nil), m.turns[over:]...)
	}
	m.updatedAt = t.Timestamp
	return t
}

// Add appends a turn built from role and text.
func (m *Memory) Add(role, text string) Turn {
	return m.Append(Turn{Role: role, Text: text})
}

// Turns returns a copy of the transcript.
func (m *Memory) Turns() []Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Turn, len(m.turns))
	copy(out, m.turns)
	return out
}

// Recent returns a copy of the last n turns.
func (m *Memory) Recent(n int) []Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 || n > len(m.turns) {
		n = len(m.turns)
	}
	out := make([]Turn, n)
	copy(out, m.turns[len(m.turns)-n:])
	return out
}

// Len returns the number of stored turns.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.turns)
}

// Load renders the transcript as prompt context, one "Role: text" per line.
func (m *Memory) Load() string {
	return Render(m.Turns())
}

// Clear drops every turn.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = nil
	m.updatedAt = time.Now()
}

// UpdatedAt is the time of the last change.
func (m *Memory) UpdatedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updatedAt
}

// Render formats turns the way Load does.
func Render(turns []Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		switch t.Role {
		case RoleAssistant:
			sb.WriteString("Assistant: ")
		case RoleSystem:
			sb.WriteString("System: ")
		default:
			sb.WriteString("User: ")
		}
		sb.WriteString(t.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}
